package services

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	apiError "github.com/techagentng/realtyx/errors"
	"github.com/techagentng/realtyx/logger"
	"github.com/techagentng/realtyx/models"
)

// MessagingFacade is the single entry point the transport layer talks to. It
// keeps both stores pointed at the same conversation.
type MessagingFacade struct {
	conversations *ConversationStore
	messages      *MessageStore
	notifier      Notifier
	retry         RetryPolicy
	log           *logrus.Entry

	mu          sync.Mutex
	initialized bool
}

func NewMessagingFacade(conversations *ConversationStore, messages *MessageStore, notifier Notifier, retry RetryPolicy) *MessagingFacade {
	return &MessagingFacade{
		conversations: conversations,
		messages:      messages,
		notifier:      notifier,
		retry:         retry,
		log:           logger.For("messaging"),
	}
}

// Initialize loads the conversation list. It counts as done even when the
// load fails, leaving an empty but usable inbox.
func (f *MessagingFacade) Initialize(ctx context.Context) {
	if err := f.conversations.Fetch(ctx); err != nil {
		notifyError(ctx, f.notifier, "Could not load conversations", err.Error())
	}
	f.mu.Lock()
	f.initialized = true
	f.mu.Unlock()
}

func (f *MessagingFacade) Initialized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initialized
}

// Start subscribes to conversation changes and loads the list.
func (f *MessagingFacade) Start(ctx context.Context) error {
	err := f.conversations.Start(ctx)
	if err != nil {
		notifyError(ctx, f.notifier, "Could not load conversations", err.Error())
	}
	f.mu.Lock()
	f.initialized = true
	f.mu.Unlock()
	return err
}

func (f *MessagingFacade) Close() {
	f.conversations.Stop()
	f.messages.Close()
}

// SelectConversation makes c current and loads its messages, retrying failed
// loads. A nil conversation clears the selection.
func (f *MessagingFacade) SelectConversation(ctx context.Context, c *models.Conversation) error {
	f.conversations.SetCurrentConversation(c)
	if c == nil {
		f.messages.Close()
		return nil
	}

	attempts, err := f.retry.Do(ctx, func(ctx context.Context) error {
		f.messages.FetchMessages(ctx, c.ID)
		err := f.messages.LastError()
		if isFinal(err) {
			return Permanent(err)
		}
		return err
	})
	if err != nil {
		f.log.WithError(err).WithFields(logrus.Fields{
			"conversation_id": c.ID,
			"attempts":        attempts,
		}).Error("opening conversation")
		notifyError(ctx, f.notifier, "Could not open conversation", err.Error())
		return err
	}
	return nil
}

// Send sends a message, retrying failed attempts under the same placeholder,
// and then reloads the messages and the conversation list. Rejected sends
// skip the reload.
func (f *MessagingFacade) Send(ctx context.Context, conversationID, content string, attachments []models.AttachmentUpload) error {
	tempID := models.NewTempID()
	attempts, err := f.retry.Do(ctx, func(ctx context.Context) error {
		_, err := f.messages.SendMessage(ctx, SendInput{
			ConversationID: conversationID,
			Content:        content,
			Attachments:    attachments,
			TempID:         tempID,
		})
		if isFinal(err) {
			return Permanent(err)
		}
		return err
	})
	if err != nil {
		f.log.WithError(err).WithFields(logrus.Fields{
			"conversation_id": conversationID,
			"attempts":        attempts,
		}).Error("sending message")
	}

	if isFinal(err) {
		return err
	}
	f.messages.FetchMessages(ctx, conversationID)
	if fetchErr := f.conversations.Fetch(ctx); fetchErr != nil {
		f.log.WithError(fetchErr).Warn("reloading conversations after send")
	}
	return err
}

// CreateConversation starts or reuses a conversation and sends the initial
// message, if any. It returns nil when no conversation could be started.
func (f *MessagingFacade) CreateConversation(ctx context.Context, in CreateConversationInput) *models.Conversation {
	c := f.conversations.CreateConversation(ctx, in)
	if c == nil {
		return nil
	}

	if initial := strings.TrimSpace(in.InitialMessage); initial != "" {
		if _, err := f.messages.SendMessage(ctx, SendInput{ConversationID: c.ID, Content: initial}); err != nil {
			f.log.WithError(err).WithField("conversation_id", c.ID).Warn("initial message not sent")
		}
	}

	if err := f.conversations.Fetch(ctx); err != nil {
		f.log.WithError(err).Warn("reloading conversations after create")
	}
	for _, fresh := range f.conversations.Conversations() {
		if fresh.ID == c.ID {
			return &fresh
		}
	}
	return c
}

func (f *MessagingFacade) DeleteMessage(ctx context.Context, id string) error {
	return f.messages.DeleteMessage(ctx, id)
}

func (f *MessagingFacade) DeleteConversation(ctx context.Context, id string) error {
	if err := f.conversations.DeleteConversation(ctx, id); err != nil {
		return err
	}
	if f.messages.ActiveConversationID() == id {
		f.messages.Close()
	}
	return nil
}

func (f *MessagingFacade) MarkRead(ctx context.Context, conversationID string) {
	f.messages.MarkMessagesAsRead(ctx, conversationID)
}

func (f *MessagingFacade) Conversations() *ConversationStore {
	return f.conversations
}

func (f *MessagingFacade) Messages() *MessageStore {
	return f.messages
}

// isFinal reports errors that another attempt cannot fix.
func isFinal(err error) bool {
	if err == nil {
		return false
	}
	for _, final := range []*apiError.Error{
		apiError.ErrEmptyMessage,
		apiError.ErrUnauthorized,
		apiError.ErrNotParticipant,
		apiError.ErrInvalidReceiver,
		apiError.ErrNotFound,
	} {
		if errors.Is(err, final) {
			return true
		}
	}
	return false
}
