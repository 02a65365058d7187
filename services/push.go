package services

import (
	"context"
	"fmt"
	"unicode/utf8"

	firebase "firebase.google.com/go"
	"firebase.google.com/go/messaging"
	"github.com/pkg/errors"
	"github.com/techagentng/realtyx/db"
	"github.com/techagentng/realtyx/logger"
	"github.com/techagentng/realtyx/models"
	"google.golang.org/api/option"
)

var pushLog = logger.For("push")

// Pusher tells a receiver's devices about a new message.
type Pusher interface {
	NotifyNewMessage(ctx context.Context, receiverID string, msg models.Message) error
}

type NoopPusher struct{}

func (NoopPusher) NotifyNewMessage(context.Context, string, models.Message) error { return nil }

type messageSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

type FirebasePusher struct {
	client messageSender
	tokens db.DeviceTokenRepository
}

func NewFirebasePusher(client messageSender, tokens db.DeviceTokenRepository) *FirebasePusher {
	return &FirebasePusher{client: client, tokens: tokens}
}

// NewFirebaseMessaging builds the FCM client from a service account file.
func NewFirebaseMessaging(ctx context.Context, credentialsFile string) (*messaging.Client, error) {
	opt := option.WithCredentialsFile(credentialsFile)
	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		return nil, errors.Wrap(err, "error initializing firebase app")
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "error getting messaging client")
	}
	return client, nil
}

const pushPreviewLength = 120

func (p *FirebasePusher) NotifyNewMessage(ctx context.Context, receiverID string, msg models.Message) error {
	tokens, err := p.tokens.ListForUser(ctx, receiverID)
	if err != nil {
		return err
	}

	var failed int
	for _, t := range tokens {
		message := &messaging.Message{
			Token: t.Token,
			Notification: &messaging.Notification{
				Title: "New message",
				Body:  pushPreview(msg),
			},
			Data: map[string]string{
				"conversation_id": msg.ConversationID,
				"message_id":      msg.ID,
				"sender_id":       msg.SenderID,
			},
		}
		if _, err := p.client.Send(ctx, message); err != nil {
			failed++
			if messaging.IsRegistrationTokenNotRegistered(err) {
				if delErr := p.tokens.DeleteToken(ctx, t.Token); delErr != nil {
					pushLog.WithError(delErr).Warn("unable to remove stale device token")
				}
				continue
			}
			pushLog.WithError(err).WithField("user_id", receiverID).Warn("push notification failed")
		}
	}
	if failed > 0 && failed == len(tokens) {
		return fmt.Errorf("push failed for all %d devices", failed)
	}
	return nil
}

func pushPreview(msg models.Message) string {
	if msg.IsEncrypted() {
		return "You have a new encrypted message"
	}
	content := msg.Content
	if utf8.RuneCountInString(content) > pushPreviewLength {
		runes := []rune(content)
		content = string(runes[:pushPreviewLength]) + "..."
	}
	if content == "" && len(msg.Attachments) > 0 {
		return fmt.Sprintf("Sent %d attachment(s)", len(msg.Attachments))
	}
	return content
}
