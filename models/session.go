package models

import "time"

// SessionUser is the authenticated identity the messaging core acts as.
type SessionUser struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// EncryptionKey is a user's published NaCl box public key.
type EncryptionKey struct {
	UserID    string    `gorm:"type:text;primaryKey" json:"user_id"`
	PublicKey string    `gorm:"type:text;not null" json:"public_key"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeviceToken is a push notification target registered by a user's device.
type DeviceToken struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    string    `gorm:"type:text;not null;index" json:"user_id"`
	Token     string    `gorm:"type:text;not null;uniqueIndex" json:"token" binding:"required"`
	Platform  string    `gorm:"type:text" json:"platform" conform:"trim,lower"`
	CreatedAt time.Time `json:"created_at"`
}

// ContactAttempt records a buyer reaching out when a conversation could not
// be started, so the lead is not lost.
type ContactAttempt struct {
	ID         string    `gorm:"type:uuid;primaryKey" json:"id"`
	SenderID   string    `gorm:"type:text;not null;index" json:"sender_id"`
	ReceiverID string    `gorm:"type:text;not null;index" json:"receiver_id"`
	PropertyID *string   `gorm:"type:text" json:"property_id"`
	Subject    *string   `gorm:"type:text" json:"subject"`
	Message    string    `gorm:"type:text" json:"message"`
	Reason     string    `gorm:"type:text" json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}
