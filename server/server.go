package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/leebenson/conform"
	"github.com/sirupsen/logrus"
	"github.com/techagentng/realtyx/config"
	"github.com/techagentng/realtyx/db"
	"github.com/techagentng/realtyx/models"
	"github.com/techagentng/realtyx/realtime"
	"github.com/techagentng/realtyx/services"
	"github.com/techagentng/realtyx/storage"
)

// Server serves the messaging API.
type Server struct {
	Config         *config.Config
	Conversations  db.ConversationRepository
	Messages       db.MessageRepository
	EncryptionKeys db.EncryptionKeyRepository
	DeviceTokens   db.DeviceTokenRepository
	Attachments    storage.AttachmentStore
	Realtime       realtime.Channel
	Contacts       services.ContactRecorder
	Pusher         services.Pusher
	Retry          services.RetryPolicy
}

func (s *Server) Start() {
	r := s.setupRouter()

	port := fmt.Sprintf(":%d", s.Config.Port)
	srv := &http.Server{
		Addr:    port,
		Handler: r,
	}
	go func() {
		logrus.WithField("addr", port).Info("server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Fatal("server forced to shutdown")
	}
	logrus.Info("server exiting")
}

// messagingOptions adjusts the stores built for one request or session.
type messagingOptions struct {
	conversations []services.ConversationStoreOption
	messages      []services.MessageStoreOption
}

// messagingFor builds the messaging core for the given user. Stores are cheap
// and live as long as the request or websocket session that owns them.
func (s *Server) messagingFor(user *models.SessionUser, notifier services.Notifier, opts messagingOptions) *services.MessagingFacade {
	session := services.NewStaticSession(user)

	convOpts := append([]services.ConversationStoreOption{}, opts.conversations...)
	if s.Contacts != nil {
		convOpts = append(convOpts, services.WithContactRecorder(s.Contacts))
	}
	msgOpts := append([]services.MessageStoreOption{}, opts.messages...)
	if s.Pusher != nil {
		msgOpts = append(msgOpts, services.WithPusher(s.Pusher))
	}

	conversations := services.NewConversationStore(session, s.Conversations, s.Realtime, notifier, convOpts...)
	messages := services.NewMessageStore(session, s.Messages, s.Conversations, s.Attachments, s.Realtime,
		s.gateFor(user.ID), notifier, msgOpts...)
	return services.NewMessagingFacade(conversations, messages, notifier, s.Retry)
}

// gateFor returns the user's encryption gate, or nil when encryption is off
// or the keys cannot be derived.
func (s *Server) gateFor(userID string) services.EncryptionGate {
	if !s.Config.EncryptionEnabled || s.EncryptionKeys == nil {
		return nil
	}
	gate, err := services.DeriveBoxGate(s.Config.EncryptionSecret, userID, s.EncryptionKeys)
	if err != nil {
		logrus.WithError(err).WithField("user_id", userID).Warn("encryption unavailable")
		return nil
	}
	return gate
}

// decode binds the request body, trims it and validates the result.
func decode(c *gin.Context, v interface{}) error {
	if err := c.ShouldBind(v); err != nil {
		return err
	}
	if err := conform.Strings(v); err != nil {
		return err
	}
	return binding.Validator.ValidateStruct(v)
}
