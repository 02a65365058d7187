package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	apiError "github.com/techagentng/realtyx/errors"
	"github.com/techagentng/realtyx/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type EncryptionKeyRepository interface {
	Upsert(ctx context.Context, key *models.EncryptionKey) error
	Get(ctx context.Context, userID string) (*models.EncryptionKey, error)
}

type encryptionKeyRepo struct {
	DB *gorm.DB
}

func NewEncryptionKeyRepo(db *GormDB) EncryptionKeyRepository {
	return &encryptionKeyRepo{db.DB}
}

func (r *encryptionKeyRepo) Upsert(ctx context.Context, key *models.EncryptionKey) error {
	key.UpdatedAt = time.Now()
	err := r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"public_key", "updated_at"}),
	}).Create(key).Error
	if err != nil {
		return errors.Wrapf(err, "saving encryption key of %s", key.UserID)
	}
	return nil
}

func (r *encryptionKeyRepo) Get(ctx context.Context, userID string) (*models.EncryptionKey, error) {
	var key models.EncryptionKey
	if err := r.DB.WithContext(ctx).Where("user_id = ?", userID).First(&key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apiError.ErrNotFound
		}
		return nil, errors.Wrapf(err, "loading encryption key of %s", userID)
	}
	return &key, nil
}

type DeviceTokenRepository interface {
	Save(ctx context.Context, token *models.DeviceToken) error
	ListForUser(ctx context.Context, userID string) ([]models.DeviceToken, error)
	DeleteToken(ctx context.Context, token string) error
}

type deviceTokenRepo struct {
	DB *gorm.DB
}

func NewDeviceTokenRepo(db *GormDB) DeviceTokenRepository {
	return &deviceTokenRepo{db.DB}
}

func (r *deviceTokenRepo) Save(ctx context.Context, token *models.DeviceToken) error {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	err := r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "platform"}),
	}).Create(token).Error
	if err != nil {
		return errors.Wrap(err, "saving device token")
	}
	return nil
}

func (r *deviceTokenRepo) ListForUser(ctx context.Context, userID string) ([]models.DeviceToken, error) {
	var tokens []models.DeviceToken
	if err := r.DB.WithContext(ctx).Where("user_id = ?", userID).Find(&tokens).Error; err != nil {
		return nil, errors.Wrapf(err, "listing device tokens of %s", userID)
	}
	return tokens, nil
}

func (r *deviceTokenRepo) DeleteToken(ctx context.Context, token string) error {
	if err := r.DB.WithContext(ctx).Where("token = ?", token).Delete(&models.DeviceToken{}).Error; err != nil {
		return errors.Wrap(err, "deleting device token")
	}
	return nil
}

type ContactAttemptRepository interface {
	Create(ctx context.Context, attempt *models.ContactAttempt) error
}

type contactAttemptRepo struct {
	DB *gorm.DB
}

func NewContactAttemptRepo(db *GormDB) ContactAttemptRepository {
	return &contactAttemptRepo{db.DB}
}

func (r *contactAttemptRepo) Create(ctx context.Context, attempt *models.ContactAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	if err := r.DB.WithContext(ctx).Create(attempt).Error; err != nil {
		return errors.Wrap(err, "recording contact attempt")
	}
	return nil
}
