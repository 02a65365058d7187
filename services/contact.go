package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mailgun/mailgun-go/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/techagentng/realtyx/config"
	"github.com/techagentng/realtyx/db"
	"github.com/techagentng/realtyx/logger"
	"github.com/techagentng/realtyx/models"
)

var contactLog = logger.For("contact")

// ContactRecorder keeps a buyer's contact attempt when no conversation could
// be started for it.
type ContactRecorder interface {
	RecordContactAttempt(ctx context.Context, attempt models.ContactAttempt) error
}

type Mailer interface {
	SendContactAttempt(ctx context.Context, attempt models.ContactAttempt) error
}

type contactRecorder struct {
	repo   db.ContactAttemptRepository
	mailer Mailer
}

func NewContactRecorder(repo db.ContactAttemptRepository, mailer Mailer) ContactRecorder {
	return &contactRecorder{repo: repo, mailer: mailer}
}

// RecordContactAttempt stores the attempt and then mails it. The attempt is
// kept even if the mail cannot be sent.
func (r *contactRecorder) RecordContactAttempt(ctx context.Context, attempt models.ContactAttempt) error {
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now()
	}
	if err := r.repo.Create(ctx, &attempt); err != nil {
		return err
	}
	if r.mailer == nil {
		return nil
	}
	if err := r.mailer.SendContactAttempt(ctx, attempt); err != nil {
		contactLog.WithError(err).WithField("contact_attempt", attempt.ID).Warn("contact attempt stored but not mailed")
	}
	return nil
}

// Mailgun mails contact attempts to the leads inbox.
type Mailgun struct {
	Client mailgun.Mailgun
	From   string
	To     string
}

func NewMailgun(c *config.Config) *Mailgun {
	return &Mailgun{
		Client: mailgun.NewMailgun(c.MgDomain, c.MailgunApiKey),
		From:   c.MgEmailFrom,
		To:     c.LeadsEmail,
	}
}

func (m *Mailgun) SendContactAttempt(ctx context.Context, attempt models.ContactAttempt) error {
	if m.To == "" {
		return errors.New("no leads inbox configured")
	}
	subject, body := contactAttemptEmail(attempt)
	message := m.Client.NewMessage(m.From, subject, body, m.To)
	_, id, err := m.Client.Send(ctx, message)
	if err != nil {
		return errors.Wrap(err, "sending contact attempt email")
	}
	contactLog.WithFields(logrus.Fields{
		"contact_attempt": attempt.ID,
		"mailgun_id":      id,
	}).Info("contact attempt mailed")
	return nil
}

func contactAttemptEmail(attempt models.ContactAttempt) (string, string) {
	subject := "New contact request"
	if attempt.Subject != nil {
		subject = fmt.Sprintf("New contact request: %s", *attempt.Subject)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From user: %s\n", attempt.SenderID)
	fmt.Fprintf(&b, "To user: %s\n", attempt.ReceiverID)
	if attempt.PropertyID != nil {
		fmt.Fprintf(&b, "Property: %s\n", *attempt.PropertyID)
	}
	if attempt.Reason != "" {
		fmt.Fprintf(&b, "Conversation could not be started: %s\n", attempt.Reason)
	}
	if attempt.Message != "" {
		fmt.Fprintf(&b, "\n%s\n", attempt.Message)
	}
	return subject, b.String()
}
