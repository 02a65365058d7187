package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	errs "github.com/techagentng/realtyx/errors"
	"github.com/techagentng/realtyx/models"
	"github.com/techagentng/realtyx/server/response"
	"github.com/techagentng/realtyx/services"
)

// requestNotifier logs notifications and keeps the last error so a handler
// can report it.
type requestNotifier struct {
	*services.LogNotifier

	mu      sync.Mutex
	lastErr string
}

func newRequestNotifier(userID string) *requestNotifier {
	return &requestNotifier{LogNotifier: services.NewLogNotifier(userID)}
}

func (n *requestNotifier) Notify(ctx context.Context, notification services.Notification) {
	n.LogNotifier.Notify(ctx, notification)
	if notification.Level == services.LevelError {
		n.mu.Lock()
		n.lastErr = notification.Message
		n.mu.Unlock()
	}
}

func (n *requestNotifier) lastError() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastErr
}

func (s *Server) handleListConversations() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		facade := s.messagingFor(user, newRequestNotifier(user.ID), messagingOptions{})
		defer facade.Close()

		store := facade.Conversations()
		if err := store.Fetch(c.Request.Context()); err != nil {
			response.HandleErrors(c, err)
			return
		}

		propertyID := models.StringPtr(c.Query("property_id"))
		unreadOnly := c.Query("unread") == "true"
		store.SetFilter(func(conv models.Conversation) bool {
			if propertyID != nil && (conv.PropertyID == nil || *conv.PropertyID != *propertyID) {
				return false
			}
			return !unreadOnly || conv.UnreadCount > 0
		})
		response.JSON(c, "conversations retrieved", http.StatusOK, store.Filtered(), nil)
	}
}

func (s *Server) handleCreateConversation() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.CreateConversationRequest
		if err := decode(c, &req); err != nil {
			response.JSON(c, "", http.StatusBadRequest, nil, err)
			return
		}

		user := currentUser(c)
		notifier := newRequestNotifier(user.ID)
		facade := s.messagingFor(user, notifier, messagingOptions{})
		defer facade.Close()

		conv := facade.CreateConversation(c.Request.Context(), services.CreateConversationInput{
			ReceiverID:     req.ReceiverID,
			Subject:        req.Subject,
			InitialMessage: req.InitialMessage,
			PropertyID:     req.PropertyID,
			Category:       req.Category,
			Encrypted:      req.IsEncrypted,
		})
		if conv == nil {
			msg := notifier.lastError()
			if msg == "" {
				msg = "conversation could not be started"
			}
			response.JSON(c, "", http.StatusUnprocessableEntity, nil, errs.New(msg, http.StatusUnprocessableEntity))
			return
		}
		response.JSON(c, "conversation ready", http.StatusCreated, conv, nil)
	}
}

func (s *Server) handleDeleteConversation() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		facade := s.messagingFor(user, newRequestNotifier(user.ID), messagingOptions{})
		defer facade.Close()

		if err := facade.DeleteConversation(c.Request.Context(), c.Param("id")); err != nil {
			response.HandleErrors(c, err)
			return
		}
		response.JSON(c, "conversation deleted", http.StatusOK, nil, nil)
	}
}

// loadConversation returns the conversation if userID takes part in it.
func (s *Server) loadConversation(ctx context.Context, userID, conversationID string) (*models.Conversation, error) {
	row, err := s.Conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	conv := models.ConversationToDomain(*row)
	if !conv.HasParticipant(userID) {
		return nil, errs.ErrNotParticipant
	}
	return &conv, nil
}
