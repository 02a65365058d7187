package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// DeliveryStatus is the client-side lifecycle of a just-sent message.
type DeliveryStatus string

const (
	DeliverySending DeliveryStatus = "SENDING"
	DeliverySent    DeliveryStatus = "SENT"
	DeliveryFailed  DeliveryStatus = "FAILED"
)

const (
	// TempIDPrefix marks ids generated locally for optimistic messages.
	TempIDPrefix = "temp-"

	// EncryptedPlaceholder replaces the stored content of encrypted messages.
	EncryptedPlaceholder = "[Encrypted message]"
)

// NewTempID returns a fresh client-side id for an optimistic message.
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id was produced by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Attachment is an uploaded file referenced by a message.
type Attachment struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	Type         string `json:"type"`
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

// AttachmentUpload is a file waiting to be uploaded with a message. The bytes
// are held in memory so a retried send can upload them again.
type AttachmentUpload struct {
	Name string
	Type string
	Data []byte
}

func (a AttachmentUpload) Size() int64 {
	return int64(len(a.Data))
}

// MessageRow is the gateway shape of a message.
type MessageRow struct {
	ID                string         `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	ConversationID    string         `gorm:"type:uuid;not null;index:idx_messages_conversation_created,priority:1" json:"conversation_id"`
	SenderID          string         `gorm:"type:text;not null;index" json:"sender_id"`
	ReceiverID        string         `gorm:"type:text;not null;index" json:"receiver_id"`
	Content           string         `gorm:"type:text;not null" json:"content"`
	EncryptedContent  *string        `gorm:"type:text" json:"encrypted_content"`
	Read              bool           `gorm:"not null;default:false" json:"read"`
	Attachments       datatypes.JSON `gorm:"type:jsonb" json:"attachments"`
	DeliveryStatus    string         `gorm:"type:text;not null;default:'SENT'" json:"delivery_status"`
	DeletedBySender   bool           `gorm:"not null;default:false" json:"deleted_by_sender"`
	DeletedByReceiver bool           `gorm:"not null;default:false" json:"deleted_by_receiver"`
	CreatedAt         time.Time      `gorm:"index:idx_messages_conversation_created,priority:2" json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

func (MessageRow) TableName() string {
	return "messages"
}

// Message is the domain view of a message.
type Message struct {
	ID               string         `json:"id"`
	ConversationID   string         `json:"conversationId"`
	SenderID         string         `json:"senderId"`
	ReceiverID       string         `json:"receiverId"`
	Content          string         `json:"content"`
	EncryptedContent *string        `json:"encryptedContent,omitempty"`
	Read             bool           `json:"read"`
	DeliveryStatus   DeliveryStatus `json:"deliveryStatus"`
	Attachments      []Attachment   `json:"attachments"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// IsEncrypted reports whether the message carries an encrypted payload.
func (m *Message) IsEncrypted() bool {
	return m.EncryptedContent != nil && *m.EncryptedContent != ""
}

// MessageToDomain maps a gateway row to the domain entity. Stored messages
// are always SENT from the client's point of view.
func MessageToDomain(row MessageRow) Message {
	return Message{
		ID:               row.ID,
		ConversationID:   row.ConversationID,
		SenderID:         row.SenderID,
		ReceiverID:       row.ReceiverID,
		Content:          row.Content,
		EncryptedContent: NormalizeOptional(row.EncryptedContent),
		Read:             row.Read,
		DeliveryStatus:   DeliverySent,
		Attachments:      DecodeAttachments(row.Attachments),
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
}

// MessageToRow maps a domain entity to its gateway row.
func MessageToRow(m Message) MessageRow {
	status := m.DeliveryStatus
	if status == "" {
		status = DeliverySent
	}
	return MessageRow{
		ID:               m.ID,
		ConversationID:   m.ConversationID,
		SenderID:         m.SenderID,
		ReceiverID:       m.ReceiverID,
		Content:          m.Content,
		EncryptedContent: NormalizeOptional(m.EncryptedContent),
		Read:             m.Read,
		Attachments:      EncodeAttachments(m.Attachments),
		DeliveryStatus:   string(status),
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

// DecodeAttachments reads the attachments column, treating anything that is
// not a JSON array of attachments as empty.
func DecodeAttachments(raw datatypes.JSON) []Attachment {
	attachments := []Attachment{}
	if len(raw) == 0 {
		return attachments
	}
	if err := json.Unmarshal(raw, &attachments); err != nil {
		return []Attachment{}
	}
	if attachments == nil {
		return []Attachment{}
	}
	return attachments
}

// EncodeAttachments serializes attachments for the jsonb column.
func EncodeAttachments(attachments []Attachment) datatypes.JSON {
	if len(attachments) == 0 {
		return datatypes.JSON("[]")
	}
	b, err := json.Marshal(attachments)
	if err != nil {
		return datatypes.JSON("[]")
	}
	return datatypes.JSON(b)
}
