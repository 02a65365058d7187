package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	apiError "github.com/techagentng/realtyx/errors"
	"github.com/techagentng/realtyx/models"
	"github.com/techagentng/realtyx/realtime"
	"gorm.io/gorm"
)

const (
	TableConversations = "conversations"
	TableMessages      = "messages"
)

type ConversationRepository interface {
	ListForParticipant(ctx context.Context, userID string) ([]models.ConversationRow, error)
	// FindBetween returns the conversation of the pair scoped to propertyID,
	// or nil when there is none. A nil propertyID only matches conversations
	// without a property.
	FindBetween(ctx context.Context, userA, userB string, propertyID *string) (*models.ConversationRow, error)
	GetByID(ctx context.Context, id string) (*models.ConversationRow, error)
	Create(ctx context.Context, row *models.ConversationRow) error
	// TouchAfterInsert moves last_message_at forward and bumps the unread
	// count after a message was stored.
	TouchAfterInsert(ctx context.Context, id string, at time.Time) error
	ResetUnread(ctx context.Context, id string) error
	// Delete removes the conversation and all of its messages.
	Delete(ctx context.Context, id string) error
}

type conversationRepo struct {
	DB  *gorm.DB
	pub realtime.Publisher
}

func NewConversationRepo(db *GormDB, pub realtime.Publisher) ConversationRepository {
	return &conversationRepo{DB: db.DB, pub: pub}
}

func (r *conversationRepo) ListForParticipant(ctx context.Context, userID string) ([]models.ConversationRow, error) {
	var rows []models.ConversationRow
	err := r.DB.WithContext(ctx).
		Where("? = ANY(participants)", userID).
		Order("last_message_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrapf(err, "listing conversations for %s", userID)
	}
	return rows, nil
}

func (r *conversationRepo) FindBetween(ctx context.Context, userA, userB string, propertyID *string) (*models.ConversationRow, error) {
	query := r.DB.WithContext(ctx).
		Where("participants @> ?::text[]", pq.Array([]string{userA, userB}))
	if propertyID == nil {
		query = query.Where("property_id IS NULL")
	} else {
		query = query.Where("property_id = ?", *propertyID)
	}

	var row models.ConversationRow
	err := query.Order("created_at ASC").First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "looking up existing conversation")
	}
	return &row, nil
}

func (r *conversationRepo) GetByID(ctx context.Context, id string) (*models.ConversationRow, error) {
	var row models.ConversationRow
	if err := r.DB.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apiError.ErrNotFound
		}
		return nil, errors.Wrapf(err, "loading conversation %s", id)
	}
	return &row, nil
}

func (r *conversationRepo) Create(ctx context.Context, row *models.ConversationRow) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if err := r.DB.WithContext(ctx).Create(row).Error; err != nil {
		return errors.Wrap(err, "creating conversation")
	}
	publish(ctx, r.pub, TableConversations, realtime.EventInsert, row)
	return nil
}

func (r *conversationRepo) TouchAfterInsert(ctx context.Context, id string, at time.Time) error {
	err := r.DB.WithContext(ctx).Model(&models.ConversationRow{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_message_at": gorm.Expr("GREATEST(last_message_at, ?)", at),
			"unread_count":    gorm.Expr("unread_count + 1"),
			"updated_at":      time.Now(),
		}).Error
	if err != nil {
		return errors.Wrapf(err, "updating conversation %s after insert", id)
	}
	r.publishCurrent(ctx, id)
	return nil
}

func (r *conversationRepo) ResetUnread(ctx context.Context, id string) error {
	err := r.DB.WithContext(ctx).Model(&models.ConversationRow{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"unread_count": 0,
			"updated_at":   time.Now(),
		}).Error
	if err != nil {
		return errors.Wrapf(err, "resetting unread count of %s", id)
	}
	r.publishCurrent(ctx, id)
	return nil
}

func (r *conversationRepo) Delete(ctx context.Context, id string) error {
	var row models.ConversationRow
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&row).Error; err != nil {
			return err
		}
		if err := tx.Where("conversation_id = ?", id).Delete(&models.MessageRow{}).Error; err != nil {
			return err
		}
		return tx.Delete(&row).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apiError.ErrNotFound
		}
		return errors.Wrapf(err, "deleting conversation %s", id)
	}
	publish(ctx, r.pub, TableConversations, realtime.EventDelete, row)
	return nil
}

func (r *conversationRepo) publishCurrent(ctx context.Context, id string) {
	if r.pub == nil {
		return
	}
	row, err := r.GetByID(ctx, id)
	if err != nil {
		return
	}
	publish(ctx, r.pub, TableConversations, realtime.EventUpdate, row)
}
