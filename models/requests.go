package models

// CreateConversationRequest is the body of POST /conversations.
type CreateConversationRequest struct {
	ReceiverID     string  `json:"receiver_id" binding:"required" conform:"trim"`
	Subject        *string `json:"subject"`
	InitialMessage string  `json:"initial_message" conform:"trim"`
	PropertyID     *string `json:"property_id"`
	Category       *string `json:"category"`
	IsEncrypted    bool    `json:"is_encrypted"`
}

// SendMessageRequest is the JSON body of POST /conversations/:id/messages.
// Multipart requests carry the same content field plus files.
type SendMessageRequest struct {
	Content string `json:"content" form:"content"`
}

// TokenRequest is the body of POST /auth/token.
type TokenRequest struct {
	UserID string `json:"user_id" binding:"required" conform:"trim"`
	Email  string `json:"email" binding:"omitempty,email" conform:"trim,lower"`
}
