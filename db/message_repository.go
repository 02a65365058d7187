package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	apiError "github.com/techagentng/realtyx/errors"
	"github.com/techagentng/realtyx/models"
	"github.com/techagentng/realtyx/realtime"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MessageRepository interface {
	// ListForViewer returns the conversation's messages oldest first, without
	// the ones viewerID deleted on their side.
	ListForViewer(ctx context.Context, conversationID, viewerID string) ([]models.MessageRow, error)
	GetByID(ctx context.Context, id string) (*models.MessageRow, error)
	Create(ctx context.Context, row *models.MessageRow) error
	// MarkRead flips every unread message addressed to receiverID and returns
	// how many changed.
	MarkRead(ctx context.Context, conversationID, receiverID string) (int64, error)
	// MarkDeleted hides the message for one side. Once both sides deleted it
	// the row is removed.
	MarkDeleted(ctx context.Context, id string, bySender bool) error
}

type messageRepo struct {
	DB  *gorm.DB
	pub realtime.Publisher
}

func NewMessageRepo(db *GormDB, pub realtime.Publisher) MessageRepository {
	return &messageRepo{DB: db.DB, pub: pub}
}

func (r *messageRepo) ListForViewer(ctx context.Context, conversationID, viewerID string) ([]models.MessageRow, error) {
	var rows []models.MessageRow
	err := r.DB.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Where("NOT ((sender_id = ? AND deleted_by_sender) OR (receiver_id = ? AND deleted_by_receiver))", viewerID, viewerID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrapf(err, "listing messages of %s", conversationID)
	}
	return rows, nil
}

func (r *messageRepo) GetByID(ctx context.Context, id string) (*models.MessageRow, error) {
	var row models.MessageRow
	if err := r.DB.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apiError.ErrNotFound
		}
		return nil, errors.Wrapf(err, "loading message %s", id)
	}
	return &row, nil
}

func (r *messageRepo) Create(ctx context.Context, row *models.MessageRow) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if err := r.DB.WithContext(ctx).Create(row).Error; err != nil {
		return errors.Wrap(err, "creating message")
	}
	publish(ctx, r.pub, TableMessages, realtime.EventInsert, row)
	return nil
}

func (r *messageRepo) MarkRead(ctx context.Context, conversationID, receiverID string) (int64, error) {
	var updated []models.MessageRow
	result := r.DB.WithContext(ctx).
		Model(&updated).
		Clauses(clause.Returning{}).
		Where("conversation_id = ? AND receiver_id = ? AND read = ?", conversationID, receiverID, false).
		Updates(map[string]interface{}{
			"read":       true,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return 0, errors.Wrapf(result.Error, "marking messages of %s read", conversationID)
	}
	for i := range updated {
		publish(ctx, r.pub, TableMessages, realtime.EventUpdate, updated[i])
	}
	return result.RowsAffected, nil
}

func (r *messageRepo) MarkDeleted(ctx context.Context, id string, bySender bool) error {
	column := "deleted_by_receiver"
	if bySender {
		column = "deleted_by_sender"
	}

	var row models.MessageRow
	removed := false
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&row).Error; err != nil {
			return err
		}
		if bySender {
			row.DeletedBySender = true
		} else {
			row.DeletedByReceiver = true
		}
		if row.DeletedBySender && row.DeletedByReceiver {
			removed = true
			return tx.Delete(&row).Error
		}
		row.UpdatedAt = time.Now()
		return tx.Model(&row).Updates(map[string]interface{}{
			column:       true,
			"updated_at": row.UpdatedAt,
		}).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apiError.ErrNotFound
		}
		return errors.Wrapf(err, "deleting message %s", id)
	}

	if removed {
		publish(ctx, r.pub, TableMessages, realtime.EventDelete, row)
	} else {
		publish(ctx, r.pub, TableMessages, realtime.EventUpdate, row)
	}
	return nil
}
