package services

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/techagentng/realtyx/logger"
)

type NotificationLevel string

const (
	LevelInfo    NotificationLevel = "info"
	LevelSuccess NotificationLevel = "success"
	LevelWarning NotificationLevel = "warning"
	LevelError   NotificationLevel = "error"
)

// Notification is a user-visible message about the outcome of an operation.
type Notification struct {
	Level   NotificationLevel `json:"level"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// LogNotifier writes notifications to the log. It is used where no user is
// listening, e.g. plain REST requests.
type LogNotifier struct {
	log *logrus.Entry
}

func NewLogNotifier(userID string) *LogNotifier {
	return &LogNotifier{log: logger.For("notifier").WithField("user_id", userID)}
}

func (n *LogNotifier) Notify(ctx context.Context, notification Notification) {
	entry := n.log.WithField("title", notification.Title)
	switch notification.Level {
	case LevelError:
		entry.Error(notification.Message)
	case LevelWarning:
		entry.Warn(notification.Message)
	default:
		entry.Info(notification.Message)
	}
}

// ChannelNotifier hands notifications to a consumer such as a websocket
// writer. A full channel drops the notification.
type ChannelNotifier struct {
	ch chan Notification
}

func NewChannelNotifier(buffer int) *ChannelNotifier {
	if buffer <= 0 {
		buffer = 16
	}
	return &ChannelNotifier{ch: make(chan Notification, buffer)}
}

func (n *ChannelNotifier) Notify(ctx context.Context, notification Notification) {
	select {
	case n.ch <- notification:
	default:
		logger.For("notifier").WithField("title", notification.Title).Warn("notification dropped, consumer is behind")
	}
}

func (n *ChannelNotifier) C() <-chan Notification {
	return n.ch
}

func notifyError(ctx context.Context, n Notifier, title, message string) {
	if n != nil {
		n.Notify(ctx, Notification{Level: LevelError, Title: title, Message: message})
	}
}

func notifyWarning(ctx context.Context, n Notifier, title, message string) {
	if n != nil {
		n.Notify(ctx, Notification{Level: LevelWarning, Title: title, Message: message})
	}
}

func notifySuccess(ctx context.Context, n Notifier, title, message string) {
	if n != nil {
		n.Notify(ctx, Notification{Level: LevelSuccess, Title: title, Message: message})
	}
}
