package models

import (
	"strings"
	"time"

	"github.com/lib/pq"
)

// ConversationRow is the gateway shape of a conversation.
type ConversationRow struct {
	ID            string         `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	Participants  pq.StringArray `gorm:"type:text[];not null;index:idx_conversations_participants,type:gin" json:"participants"`
	Subject       *string        `gorm:"type:text" json:"subject"`
	PropertyID    *string        `gorm:"type:text;index" json:"property_id"`
	LastMessageAt time.Time      `gorm:"not null;index:idx_conversations_last_message,sort:desc" json:"last_message_at"`
	UnreadCount   int            `gorm:"not null;default:0" json:"unread_count"`
	Category      *string        `gorm:"type:text" json:"category"`
	IsEncrypted   bool           `gorm:"not null;default:false" json:"is_encrypted"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (ConversationRow) TableName() string {
	return "conversations"
}

// Conversation is a two-participant thread, optionally scoped to a property.
type Conversation struct {
	ID            string    `json:"id"`
	Participants  []string  `json:"participants"`
	Subject       *string   `json:"subject,omitempty"`
	PropertyID    *string   `json:"propertyId,omitempty"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	UnreadCount   int       `json:"unreadCount"`
	Category      *string   `json:"category,omitempty"`
	IsEncrypted   bool      `json:"isEncrypted"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// HasParticipant reports whether userID is a member of the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	if userID == "" {
		return false
	}
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// OtherParticipant returns the member that is not userID, or "" when userID
// is not a member.
func (c *Conversation) OtherParticipant(userID string) string {
	if !c.HasParticipant(userID) {
		return ""
	}
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

// ConversationToDomain maps a gateway row to the domain entity.
func ConversationToDomain(row ConversationRow) Conversation {
	participants := make([]string, 0, len(row.Participants))
	participants = append(participants, row.Participants...)

	unread := row.UnreadCount
	if unread < 0 {
		unread = 0
	}

	lastMessageAt := row.LastMessageAt
	if lastMessageAt.IsZero() {
		lastMessageAt = row.CreatedAt
	}

	return Conversation{
		ID:            row.ID,
		Participants:  participants,
		Subject:       NormalizeOptional(row.Subject),
		PropertyID:    NormalizeOptional(row.PropertyID),
		LastMessageAt: lastMessageAt,
		UnreadCount:   unread,
		Category:      NormalizeOptional(row.Category),
		IsEncrypted:   row.IsEncrypted,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
}

// ConversationToRow maps a domain entity to its gateway row.
func ConversationToRow(c Conversation) ConversationRow {
	participants := make(pq.StringArray, 0, len(c.Participants))
	participants = append(participants, c.Participants...)

	unread := c.UnreadCount
	if unread < 0 {
		unread = 0
	}

	return ConversationRow{
		ID:            c.ID,
		Participants:  participants,
		Subject:       NormalizeOptional(c.Subject),
		PropertyID:    NormalizeOptional(c.PropertyID),
		LastMessageAt: c.LastMessageAt,
		UnreadCount:   unread,
		Category:      NormalizeOptional(c.Category),
		IsEncrypted:   c.IsEncrypted,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

// NormalizeOptional turns blank optional text into nil so that "no property"
// is always represented the same way.
func NormalizeOptional(s *string) *string {
	if s == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*s)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// StringPtr returns a pointer to s, or nil when s is blank.
func StringPtr(s string) *string {
	return NormalizeOptional(&s)
}
