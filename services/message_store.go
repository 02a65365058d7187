package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/techagentng/realtyx/db"
	apiError "github.com/techagentng/realtyx/errors"
	"github.com/techagentng/realtyx/logger"
	"github.com/techagentng/realtyx/models"
	"github.com/techagentng/realtyx/realtime"
	"github.com/techagentng/realtyx/storage"
)

type SendInput struct {
	ConversationID string
	Content        string
	Attachments    []models.AttachmentUpload
	// TempID reuses an existing placeholder, so a retried send updates the
	// same entry instead of adding another one.
	TempID string
}

type MessageStoreOption func(*MessageStore)

func WithPusher(p Pusher) MessageStoreOption {
	return func(s *MessageStore) { s.pusher = p }
}

func WithClock(now func() time.Time) MessageStoreOption {
	return func(s *MessageStore) { s.now = now }
}

// WithMessagesListener is called with the active conversation and a snapshot
// of its messages after every change.
func WithMessagesListener(fn func(conversationID string, messages []models.Message)) MessageStoreOption {
	return func(s *MessageStore) { s.onChange = fn }
}

// MessageStore holds the messages of one active conversation, including the
// optimistic entries of sends still in flight or failed.
type MessageStore struct {
	session       SessionProvider
	messages      db.MessageRepository
	conversations db.ConversationRepository
	attachments   storage.AttachmentStore
	channel       realtime.Channel
	gate          EncryptionGate
	notifier      Notifier
	pusher        Pusher
	now           func() time.Time
	onChange      func(string, []models.Message)
	log           *logrus.Entry

	mu         sync.Mutex
	activeID   string
	entries    []models.Entry
	generation uint64
	subs       []*realtime.Subscription
	subCtx     context.Context
	loading    bool
	lastErr    error
}

func NewMessageStore(session SessionProvider, messages db.MessageRepository, conversations db.ConversationRepository, attachments storage.AttachmentStore, channel realtime.Channel, gate EncryptionGate, notifier Notifier, opts ...MessageStoreOption) *MessageStore {
	if gate == nil {
		gate = NoopGate{}
	}
	s := &MessageStore{
		session:       session,
		messages:      messages,
		conversations: conversations,
		attachments:   attachments,
		channel:       channel,
		gate:          gate,
		notifier:      notifier,
		pusher:        NoopPusher{},
		now:           time.Now,
		log:           logger.For("message_store"),
		entries:       []models.Entry{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FetchMessages makes conversationID the active conversation and loads its
// messages. Failures are reported through the notifier and LastError.
func (s *MessageStore) FetchMessages(ctx context.Context, conversationID string) {
	userID := currentUserID(s.session)

	s.mu.Lock()
	switched := s.activeID != conversationID
	s.activeID = conversationID
	s.generation++
	gen := s.generation
	s.loading = true
	s.lastErr = nil
	if switched {
		s.entries = []models.Entry{}
	}
	needsSubscribe := switched || len(s.subs) == 0
	s.mu.Unlock()

	if err := s.requireParticipant(ctx, conversationID, userID); err != nil {
		s.unsubscribe()
		s.failFetch(ctx, gen, err)
		return
	}
	if needsSubscribe {
		s.subscribe(ctx, conversationID)
	}

	rows, err := s.messages.ListForViewer(ctx, conversationID, userID)
	if err != nil {
		s.failFetch(ctx, gen, err)
		return
	}

	fetched := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		fetched = append(fetched, models.MessageToDomain(row))
	}
	if s.gate.IsReady() {
		fetched = s.gate.DecryptMessages(ctx, fetched)
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.entries = mergeFetched(s.entries, fetched, conversationID)
	s.loading = false
	snapshot := s.snapshot()
	s.mu.Unlock()

	s.changed(conversationID, snapshot)

	if hasUnreadFor(fetched, userID) {
		s.MarkMessagesAsRead(ctx, conversationID)
	}
}

// requireParticipant loads the conversation and checks that userID is one of
// its participants.
func (s *MessageStore) requireParticipant(ctx context.Context, conversationID, userID string) error {
	if userID == "" {
		return apiError.ErrUnauthorized
	}
	row, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return err
	}
	conv := models.ConversationToDomain(*row)
	if !conv.HasParticipant(userID) {
		return apiError.ErrNotParticipant
	}
	return nil
}

func (s *MessageStore) failFetch(ctx context.Context, gen uint64, err error) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	conversationID := s.activeID
	s.entries = []models.Entry{}
	s.loading = false
	s.lastErr = err
	s.mu.Unlock()

	s.log.WithError(err).WithField("conversation_id", conversationID).Error("fetching messages")
	notifyError(ctx, s.notifier, "Could not load messages", err.Error())
	s.changed(conversationID, []models.Message{})
}

// mergeFetched replaces the confirmed entries with the fetched messages while
// keeping this conversation's optimistic entries. A local copy newer than the
// fetched one wins, and a locally known plaintext survives a fetch that only
// returns the encryption placeholder.
func mergeFetched(current []models.Entry, fetched []models.Message, conversationID string) []models.Entry {
	local := make(map[string]models.Entry, len(current))
	for _, e := range current {
		if e.Kind == models.EntryConfirmed {
			local[e.Message.ID] = e
		}
	}

	merged := make([]models.Entry, 0, len(fetched)+len(current))
	for _, m := range fetched {
		entry := models.NewConfirmedEntry(m)
		if l, ok := local[m.ID]; ok {
			if l.Version.After(entry.Version) {
				entry = l
			} else if m.Content == models.EncryptedPlaceholder && l.Message.Content != models.EncryptedPlaceholder {
				entry.Message.Content = l.Message.Content
			}
		}
		merged = append(merged, entry)
	}
	for _, e := range current {
		if e.Kind == models.EntryPending && e.Message.ConversationID == conversationID {
			merged = append(merged, e)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Message.CreatedAt.Before(merged[j].Message.CreatedAt)
	})
	return merged
}

func hasUnreadFor(messages []models.Message, userID string) bool {
	for _, m := range messages {
		if m.ReceiverID == userID && !m.Read {
			return true
		}
	}
	return false
}

// SendMessage shows a placeholder right away, stores the message and then
// swaps the placeholder for the stored message. If storing fails the
// placeholder stays, marked FAILED.
func (s *MessageStore) SendMessage(ctx context.Context, in SendInput) (*models.Message, error) {
	if strings.TrimSpace(in.Content) == "" {
		notifyError(ctx, s.notifier, "Message not sent", apiError.ErrEmptyMessage.Message)
		return nil, apiError.ErrEmptyMessage
	}
	userID := currentUserID(s.session)
	if userID == "" {
		notifyError(ctx, s.notifier, "Message not sent", apiError.ErrUnauthorized.Message)
		return nil, apiError.ErrUnauthorized
	}

	tempID := in.TempID
	if tempID == "" {
		tempID = models.NewTempID()
	}
	s.addPending(models.NewPendingEntry(tempID, in.ConversationID, userID, in.Content, s.now()))

	msg, err := s.persist(ctx, userID, tempID, in)
	if err != nil {
		if errors.Is(err, apiError.ErrNotParticipant) {
			s.removeEntry(tempID)
		} else {
			s.markFailed(tempID)
		}
		s.log.WithError(err).WithFields(logrus.Fields{
			"conversation_id": in.ConversationID,
			"temp_id":         tempID,
		}).Error("sending message")
		notifyError(ctx, s.notifier, "Message not sent", err.Error())
		return nil, err
	}

	s.confirm(tempID, *msg)
	notifySuccess(ctx, s.notifier, "Message sent", "Your message was delivered.")

	if s.pusher != nil {
		if err := s.pusher.NotifyNewMessage(ctx, msg.ReceiverID, *msg); err != nil {
			s.log.WithError(err).WithField("receiver_id", msg.ReceiverID).Warn("push notification not delivered")
		}
	}
	return msg, nil
}

func (s *MessageStore) persist(ctx context.Context, userID, tempID string, in SendInput) (*models.Message, error) {
	convRow, err := s.conversations.GetByID(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}
	conversation := models.ConversationToDomain(*convRow)
	if !conversation.HasParticipant(userID) {
		return nil, apiError.ErrNotParticipant
	}
	receiverID := conversation.OtherParticipant(userID)
	if receiverID == "" {
		return nil, apiError.ErrInvalidReceiver
	}
	s.setPendingReceiver(tempID, receiverID)

	content := in.Content
	var encrypted *string
	if conversation.IsEncrypted && s.gate.IsReady() {
		ciphertext, err := s.gate.EncryptMessage(ctx, in.Content, receiverID)
		if err != nil {
			s.log.WithError(err).WithField("conversation_id", in.ConversationID).Warn("sending message unencrypted")
		} else {
			encrypted = &ciphertext
			content = models.EncryptedPlaceholder
		}
	}

	attachments := s.upload(ctx, in.ConversationID, in.Attachments)

	now := s.now()
	row := models.MessageToRow(models.Message{
		ConversationID:   in.ConversationID,
		SenderID:         userID,
		ReceiverID:       receiverID,
		Content:          content,
		EncryptedContent: encrypted,
		Read:             false,
		DeliveryStatus:   models.DeliverySent,
		Attachments:      attachments,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	if err := s.messages.Create(ctx, &row); err != nil {
		return nil, err
	}
	if err := s.conversations.TouchAfterInsert(ctx, in.ConversationID, row.CreatedAt); err != nil {
		s.log.WithError(err).WithField("conversation_id", in.ConversationID).Warn("message stored but conversation not updated")
	}

	msg := models.MessageToDomain(row)
	return &msg, nil
}

func (s *MessageStore) upload(ctx context.Context, conversationID string, uploads []models.AttachmentUpload) []models.Attachment {
	attachments := []models.Attachment{}
	for _, up := range uploads {
		if s.attachments == nil {
			notifyWarning(ctx, s.notifier, "Attachment skipped", fmt.Sprintf("%s could not be uploaded", up.Name))
			continue
		}
		a, err := storage.UploadAttachment(ctx, s.attachments, conversationID, up, s.now())
		if err != nil {
			s.log.WithError(err).WithField("name", up.Name).Warn("skipping attachment")
			notifyWarning(ctx, s.notifier, "Attachment skipped", fmt.Sprintf("%s could not be uploaded", up.Name))
			continue
		}
		attachments = append(attachments, a)
	}
	return attachments
}

// addPending places the placeholder in the active conversation. With no
// active conversation the message's conversation becomes active; a send to
// some other conversation is not tracked locally.
func (s *MessageStore) addPending(entry models.Entry) {
	s.mu.Lock()
	if s.activeID == "" {
		s.activeID = entry.Message.ConversationID
	}
	if s.activeID != entry.Message.ConversationID {
		s.mu.Unlock()
		return
	}
	for i := range s.entries {
		if s.entries[i].Kind == models.EntryPending && s.entries[i].TempID == entry.TempID {
			s.entries[i].Message.DeliveryStatus = models.DeliverySending
			s.entries[i].Message.Content = entry.Message.Content
			snapshot := s.snapshot()
			s.mu.Unlock()
			s.changed(entry.Message.ConversationID, snapshot)
			return
		}
	}
	s.entries = insertEntry(s.entries, entry)
	snapshot := s.snapshot()
	s.mu.Unlock()

	s.changed(entry.Message.ConversationID, snapshot)
}

func (s *MessageStore) setPendingReceiver(tempID, receiverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].Kind == models.EntryPending && s.entries[i].TempID == tempID {
			s.entries[i].Message.ReceiverID = receiverID
		}
	}
}

func (s *MessageStore) markFailed(tempID string) {
	s.mu.Lock()
	found := false
	for i := range s.entries {
		if s.entries[i].Kind == models.EntryPending && s.entries[i].TempID == tempID {
			s.entries[i].Message.DeliveryStatus = models.DeliveryFailed
			found = true
		}
	}
	if !found {
		s.mu.Unlock()
		return
	}
	conversationID := s.activeID
	snapshot := s.snapshot()
	s.mu.Unlock()

	s.changed(conversationID, snapshot)
}

func (s *MessageStore) confirm(tempID string, msg models.Message) {
	s.mu.Lock()
	var pending *models.Entry
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.Kind == models.EntryPending && e.TempID == tempID {
			if pending == nil {
				p := e
				pending = &p
			}
			continue
		}
		if e.Kind == models.EntryConfirmed && e.Message.ID == msg.ID {
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept

	if s.activeID != msg.ConversationID {
		s.mu.Unlock()
		return
	}
	confirmed := models.NewConfirmedEntry(msg)
	if pending != nil {
		confirmed = models.Reconcile(*pending, msg)
	}
	s.entries = insertEntry(s.entries, confirmed)
	snapshot := s.snapshot()
	s.mu.Unlock()

	s.changed(msg.ConversationID, snapshot)
}

// MarkMessagesAsRead flips the user's unread messages locally at once and
// persists the change. A failed write is reported but not rolled back.
func (s *MessageStore) MarkMessagesAsRead(ctx context.Context, conversationID string) {
	userID := currentUserID(s.session)
	if userID == "" || conversationID == "" {
		return
	}

	s.mu.Lock()
	flipped := false
	if s.activeID == conversationID {
		for i := range s.entries {
			m := &s.entries[i].Message
			if s.entries[i].Kind == models.EntryConfirmed && m.ReceiverID == userID && !m.Read {
				m.Read = true
				flipped = true
			}
		}
	}
	snapshot := s.snapshot()
	s.mu.Unlock()
	if flipped {
		s.changed(conversationID, snapshot)
	}

	var wg sync.WaitGroup
	var markErr, resetErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, markErr = s.messages.MarkRead(ctx, conversationID, userID)
	}()
	go func() {
		defer wg.Done()
		resetErr = s.conversations.ResetUnread(ctx, conversationID)
	}()
	wg.Wait()

	for _, err := range []error{markErr, resetErr} {
		if err != nil {
			s.log.WithError(err).WithField("conversation_id", conversationID).Error("marking messages read")
			notifyWarning(ctx, s.notifier, "Read status not saved", err.Error())
		}
	}
}

// DeleteMessage hides a message for the user's side of the conversation.
// Failed placeholders are only discarded locally.
func (s *MessageStore) DeleteMessage(ctx context.Context, id string) error {
	if models.IsTempID(id) {
		s.removeEntry(id)
		return nil
	}
	userID := currentUserID(s.session)

	row, err := s.messages.GetByID(ctx, id)
	if err != nil {
		notifyError(ctx, s.notifier, "Could not delete message", err.Error())
		return err
	}
	if userID == "" || (row.SenderID != userID && row.ReceiverID != userID) {
		notifyError(ctx, s.notifier, "Could not delete message", apiError.ErrNotParticipant.Message)
		return apiError.ErrNotParticipant
	}
	if err := s.messages.MarkDeleted(ctx, id, row.SenderID == userID); err != nil {
		notifyError(ctx, s.notifier, "Could not delete message", err.Error())
		return err
	}

	s.removeEntry(id)
	notifySuccess(ctx, s.notifier, "Message deleted", "The message was removed.")
	return nil
}

func (s *MessageStore) removeEntry(key string) {
	s.mu.Lock()
	kept := s.entries[:0]
	removed := false
	for _, e := range s.entries {
		if e.Key() == key {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	if !removed {
		s.mu.Unlock()
		return
	}
	conversationID := s.activeID
	snapshot := s.snapshot()
	s.mu.Unlock()

	s.changed(conversationID, snapshot)
}

func (s *MessageStore) subscribe(ctx context.Context, conversationID string) {
	s.unsubscribe()
	if s.channel == nil {
		return
	}

	filter := realtime.Eq("conversation_id", conversationID)
	handlers := []struct {
		eventType realtime.EventType
		cb        realtime.Callback
	}{
		{realtime.EventInsert, s.handleInsert},
		{realtime.EventUpdate, s.handleUpdate},
		{realtime.EventDelete, s.handleDelete},
	}
	subs := make([]*realtime.Subscription, 0, len(handlers))
	for _, h := range handlers {
		sub, err := s.channel.Subscribe(db.TableMessages, h.eventType, filter, h.cb)
		if err != nil {
			s.log.WithError(err).WithField("conversation_id", conversationID).Warn("realtime subscription failed")
			continue
		}
		subs = append(subs, sub)
	}

	s.mu.Lock()
	s.subs = subs
	s.subCtx = context.WithoutCancel(ctx)
	s.mu.Unlock()
}

func (s *MessageStore) unsubscribe() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	if s.channel == nil {
		return
	}
	for _, sub := range subs {
		s.channel.Unsubscribe(sub)
	}
}

func (s *MessageStore) eventContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subCtx != nil {
		return s.subCtx
	}
	return context.Background()
}

func (s *MessageStore) decodeEvent(e realtime.Event) (models.MessageRow, models.Message, bool) {
	var row models.MessageRow
	if err := e.Decode(&row); err != nil || row.ID == "" {
		s.log.WithError(err).WithField("event", e.Type).Warn("dropping malformed message event")
		return row, models.Message{}, false
	}
	return row, models.MessageToDomain(row), true
}

func (s *MessageStore) handleInsert(e realtime.Event) {
	_, msg, ok := s.decodeEvent(e)
	if !ok {
		return
	}
	userID := currentUserID(s.session)
	// own sends are reconciled by SendMessage
	if msg.SenderID == userID {
		return
	}
	if s.ActiveConversationID() != msg.ConversationID {
		return
	}

	ctx := s.eventContext()
	if msg.IsEncrypted() && s.gate.IsReady() {
		if out := s.gate.DecryptMessages(ctx, []models.Message{msg}); len(out) == 1 {
			msg = out[0]
		}
	}

	s.mu.Lock()
	if s.activeID != msg.ConversationID {
		s.mu.Unlock()
		return
	}
	entry := models.NewConfirmedEntry(msg)
	for i := range s.entries {
		if s.entries[i].Kind == models.EntryConfirmed && s.entries[i].Message.ID == msg.ID {
			if entry.Version.After(s.entries[i].Version) {
				s.entries[i] = entry
			}
			s.mu.Unlock()
			return
		}
	}
	s.entries = insertEntry(s.entries, entry)
	snapshot := s.snapshot()
	s.mu.Unlock()

	s.changed(msg.ConversationID, snapshot)
	s.MarkMessagesAsRead(ctx, msg.ConversationID)
}

func (s *MessageStore) handleUpdate(e realtime.Event) {
	row, msg, ok := s.decodeEvent(e)
	if !ok {
		return
	}
	userID := currentUserID(s.session)
	if (row.SenderID == userID && row.DeletedBySender) || (row.ReceiverID == userID && row.DeletedByReceiver) {
		s.removeEntry(row.ID)
		return
	}
	if s.ActiveConversationID() != msg.ConversationID {
		return
	}
	if msg.IsEncrypted() && s.gate.IsReady() {
		if out := s.gate.DecryptMessages(s.eventContext(), []models.Message{msg}); len(out) == 1 {
			msg = out[0]
		}
	}

	s.mu.Lock()
	for i := range s.entries {
		local := &s.entries[i]
		if local.Kind != models.EntryConfirmed || local.Message.ID != msg.ID {
			continue
		}
		if msg.UpdatedAt.Before(local.Version) {
			s.mu.Unlock()
			return
		}
		if msg.Content == models.EncryptedPlaceholder && local.Message.Content != models.EncryptedPlaceholder {
			msg.Content = local.Message.Content
		}
		*local = models.NewConfirmedEntry(msg)
		snapshot := s.snapshot()
		s.mu.Unlock()
		s.changed(msg.ConversationID, snapshot)
		return
	}
	s.mu.Unlock()
}

func (s *MessageStore) handleDelete(e realtime.Event) {
	row, _, ok := s.decodeEvent(e)
	if !ok {
		return
	}
	s.removeEntry(row.ID)
}

// Close drops the realtime subscriptions and forgets the active
// conversation.
func (s *MessageStore) Close() {
	s.unsubscribe()
	s.mu.Lock()
	s.activeID = ""
	s.entries = []models.Entry{}
	s.generation++
	s.subCtx = nil
	s.mu.Unlock()
}

// Messages returns the active conversation's messages in display order.
func (s *MessageStore) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

func (s *MessageStore) Entries() []models.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *MessageStore) ActiveConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

func (s *MessageStore) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// LastError is the error of the most recent FetchMessages, or nil.
func (s *MessageStore) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// callers hold s.mu
func (s *MessageStore) snapshot() []models.Message {
	out := make([]models.Message, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Message
	}
	return out
}

func (s *MessageStore) changed(conversationID string, snapshot []models.Message) {
	if s.onChange != nil {
		s.onChange(conversationID, snapshot)
	}
}

// insertEntry places e after every entry created at or before it.
func insertEntry(entries []models.Entry, e models.Entry) []models.Entry {
	idx := sort.Search(len(entries), func(i int) bool {
		return entries[i].Message.CreatedAt.After(e.Message.CreatedAt)
	})
	entries = append(entries, models.Entry{})
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = e
	return entries
}
