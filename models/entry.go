package models

import "time"

// EntryKind tells an optimistic message apart from a server-confirmed one.
type EntryKind uint8

const (
	EntryPending EntryKind = iota
	EntryConfirmed
)

func (k EntryKind) String() string {
	switch k {
	case EntryPending:
		return "pending"
	case EntryConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// Entry is one item of a conversation's local message list. Pending entries
// are keyed by TempID, confirmed entries by Message.ID. Version is the
// UpdatedAt of the copy held locally and is used to drop stale updates.
type Entry struct {
	Kind    EntryKind
	TempID  string
	Message Message
	Version time.Time
}

// Key returns the identifier the entry is tracked under.
func (e Entry) Key() string {
	if e.Kind == EntryPending {
		return e.TempID
	}
	return e.Message.ID
}

// NewPendingEntry builds the optimistic placeholder shown while a message is
// being sent. The receiver is resolved later.
func NewPendingEntry(tempID, conversationID, senderID, content string, now time.Time) Entry {
	return Entry{
		Kind:   EntryPending,
		TempID: tempID,
		Message: Message{
			ID:             tempID,
			ConversationID: conversationID,
			SenderID:       senderID,
			Content:        content,
			DeliveryStatus: DeliverySending,
			Attachments:    []Attachment{},
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		Version: now,
	}
}

// NewConfirmedEntry wraps a stored message.
func NewConfirmedEntry(m Message) Entry {
	if m.DeliveryStatus == "" {
		m.DeliveryStatus = DeliverySent
	}
	return Entry{
		Kind:    EntryConfirmed,
		Message: m,
		Version: m.UpdatedAt,
	}
}

// Reconcile turns a pending entry into the confirmed entry for the stored
// message. The sender keeps the plaintext it typed when the stored copy only
// carries the encryption placeholder.
func Reconcile(pending Entry, confirmed Message) Entry {
	if confirmed.IsEncrypted() && confirmed.Content == EncryptedPlaceholder && pending.Message.Content != "" {
		confirmed.Content = pending.Message.Content
	}
	confirmed.DeliveryStatus = DeliverySent
	if confirmed.Attachments == nil {
		confirmed.Attachments = []Attachment{}
	}
	return NewConfirmedEntry(confirmed)
}
