package services

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/techagentng/realtyx/db"
	apiError "github.com/techagentng/realtyx/errors"
	"github.com/techagentng/realtyx/logger"
	"github.com/techagentng/realtyx/models"
	"github.com/techagentng/realtyx/realtime"
)

type CreateConversationInput struct {
	ReceiverID     string
	Subject        *string
	InitialMessage string
	PropertyID     *string
	Category       *string
	Encrypted      bool
}

type ConversationStoreOption func(*ConversationStore)

// WithContactRecorder records failed conversation starts.
func WithContactRecorder(r ContactRecorder) ConversationStoreOption {
	return func(s *ConversationStore) { s.contacts = r }
}

// WithConversationsListener is called with a snapshot after every change.
func WithConversationsListener(fn func([]models.Conversation)) ConversationStoreOption {
	return func(s *ConversationStore) { s.onChange = fn }
}

// ConversationStore holds the current user's conversations as of the last
// fetch, kept up to date by realtime events.
type ConversationStore struct {
	session  SessionProvider
	repo     db.ConversationRepository
	channel  realtime.Channel
	notifier Notifier
	contacts ContactRecorder
	onChange func([]models.Conversation)
	log      *logrus.Entry

	mu            sync.Mutex
	conversations []models.Conversation
	filter        func(models.Conversation) bool
	current       *models.Conversation
	loading       bool
	subs          []*realtime.Subscription
}

func NewConversationStore(session SessionProvider, repo db.ConversationRepository, channel realtime.Channel, notifier Notifier, opts ...ConversationStoreOption) *ConversationStore {
	s := &ConversationStore{
		session:       session,
		repo:          repo,
		channel:       channel,
		notifier:      notifier,
		conversations: []models.Conversation{},
		log:           logger.For("conversation_store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fetch replaces the local list with the conversations the user takes part
// in. On error the previous list is kept.
func (s *ConversationStore) Fetch(ctx context.Context) error {
	userID := currentUserID(s.session)
	if userID == "" {
		return apiError.ErrUnauthorized
	}

	s.mu.Lock()
	s.loading = true
	s.mu.Unlock()

	rows, err := s.repo.ListForParticipant(ctx, userID)
	if err != nil {
		s.mu.Lock()
		s.loading = false
		s.mu.Unlock()
		s.log.WithError(err).WithField("user_id", userID).Error("fetching conversations")
		return err
	}

	fetched := make([]models.Conversation, 0, len(rows))
	for _, row := range rows {
		fetched = append(fetched, models.ConversationToDomain(row))
	}

	s.mu.Lock()
	local := make(map[string]models.Conversation, len(s.conversations))
	for _, c := range s.conversations {
		local[c.ID] = c
	}
	for i, c := range fetched {
		// a realtime update may have landed while the query ran
		if l, ok := local[c.ID]; ok && l.UpdatedAt.After(c.UpdatedAt) {
			fetched[i] = l
		}
	}
	s.conversations = fetched
	sortConversations(s.conversations)
	if s.current != nil {
		if c, ok := s.find(s.current.ID); ok {
			s.current = &c
		}
	}
	s.loading = false
	snapshot := s.snapshot()
	s.mu.Unlock()

	s.changed(snapshot)
	return nil
}

// CreateConversation returns the conversation between the user and the
// receiver for the given property, creating it if needed. It returns nil
// when the conversation could not be started.
func (s *ConversationStore) CreateConversation(ctx context.Context, in CreateConversationInput) *models.Conversation {
	userID := currentUserID(s.session)
	receiverID := strings.TrimSpace(in.ReceiverID)
	propertyID := models.NormalizeOptional(in.PropertyID)

	if userID == "" {
		s.failCreate(ctx, userID, in, apiError.ErrUnauthorized)
		return nil
	}
	if receiverID == "" || receiverID == userID {
		s.failCreate(ctx, userID, in, apiError.ErrInvalidReceiver)
		return nil
	}

	existing, err := s.repo.FindBetween(ctx, userID, receiverID, propertyID)
	if err != nil {
		s.failCreate(ctx, userID, in, err)
		return nil
	}
	if existing != nil {
		c := models.ConversationToDomain(*existing)
		s.upsertFront(c)
		return &c
	}

	now := time.Now()
	row := &models.ConversationRow{
		Participants:  pq.StringArray{userID, receiverID},
		Subject:       models.NormalizeOptional(in.Subject),
		PropertyID:    propertyID,
		Category:      models.NormalizeOptional(in.Category),
		IsEncrypted:   in.Encrypted,
		LastMessageAt: now,
		UnreadCount:   0,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.Create(ctx, row); err != nil {
		s.failCreate(ctx, userID, in, err)
		return nil
	}

	c := models.ConversationToDomain(*row)
	s.upsertFront(c)
	s.log.WithFields(logrus.Fields{
		"conversation_id": c.ID,
		"user_id":         userID,
	}).Info("conversation created")
	return &c
}

func (s *ConversationStore) failCreate(ctx context.Context, userID string, in CreateConversationInput, err error) {
	s.log.WithError(err).WithField("receiver_id", in.ReceiverID).Error("starting conversation")
	notifyError(ctx, s.notifier, "Could not start conversation", err.Error())

	if s.contacts == nil || userID == "" || strings.TrimSpace(in.ReceiverID) == "" {
		return
	}
	attempt := models.ContactAttempt{
		SenderID:   userID,
		ReceiverID: strings.TrimSpace(in.ReceiverID),
		PropertyID: models.NormalizeOptional(in.PropertyID),
		Subject:    models.NormalizeOptional(in.Subject),
		Message:    strings.TrimSpace(in.InitialMessage),
		Reason:     err.Error(),
	}
	if recErr := s.contacts.RecordContactAttempt(ctx, attempt); recErr != nil {
		s.log.WithError(recErr).Error("recording contact attempt")
	}
}

// DeleteConversation removes a conversation the user takes part in, with all
// of its messages.
func (s *ConversationStore) DeleteConversation(ctx context.Context, id string) error {
	userID := currentUserID(s.session)

	row, err := s.repo.GetByID(ctx, id)
	if err != nil {
		notifyError(ctx, s.notifier, "Could not delete conversation", err.Error())
		return err
	}
	c := models.ConversationToDomain(*row)
	if !c.HasParticipant(userID) {
		notifyError(ctx, s.notifier, "Could not delete conversation", apiError.ErrNotParticipant.Message)
		return apiError.ErrNotParticipant
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		notifyError(ctx, s.notifier, "Could not delete conversation", err.Error())
		return err
	}

	s.remove(id)
	notifySuccess(ctx, s.notifier, "Conversation deleted", "The conversation and its messages were removed.")
	return nil
}

// Start subscribes to changes of the user's conversations and then fetches,
// so nothing that happened before the subscription is missed.
func (s *ConversationStore) Start(ctx context.Context) error {
	userID := currentUserID(s.session)
	if userID == "" {
		return apiError.ErrUnauthorized
	}
	s.Stop()

	if s.channel != nil {
		filter := realtime.Contains("participants", userID)
		handlers := map[realtime.EventType]realtime.Callback{
			realtime.EventUpdate: s.handleUpdate,
			realtime.EventInsert: s.handleInsert,
			realtime.EventDelete: s.handleDelete,
		}
		subs := make([]*realtime.Subscription, 0, len(handlers))
		for _, eventType := range []realtime.EventType{realtime.EventUpdate, realtime.EventInsert, realtime.EventDelete} {
			sub, err := s.channel.Subscribe(db.TableConversations, eventType, filter, handlers[eventType])
			if err != nil {
				for _, sub := range subs {
					s.channel.Unsubscribe(sub)
				}
				return err
			}
			subs = append(subs, sub)
		}
		s.mu.Lock()
		s.subs = subs
		s.mu.Unlock()
	}

	return s.Fetch(ctx)
}

// Stop drops the realtime subscriptions. Events missed while stopped are
// picked up by the fetch of the next Start.
func (s *ConversationStore) Stop() {
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

func (s *ConversationStore) handleUpdate(e realtime.Event) {
	var row models.ConversationRow
	if err := e.Decode(&row); err != nil {
		s.log.WithError(err).Warn("dropping malformed conversation update")
		return
	}
	c := models.ConversationToDomain(row)
	if !c.HasParticipant(currentUserID(s.session)) {
		return
	}

	s.mu.Lock()
	idx := s.indexOf(c.ID)
	if idx >= 0 {
		if c.UpdatedAt.Before(s.conversations[idx].UpdatedAt) {
			s.mu.Unlock()
			return
		}
		s.conversations[idx] = c
	} else {
		s.conversations = append([]models.Conversation{c}, s.conversations...)
	}
	sortConversations(s.conversations)
	if s.current != nil && s.current.ID == c.ID && !c.UpdatedAt.Before(s.current.UpdatedAt) {
		current := c
		s.current = &current
	}
	snapshot := s.snapshot()
	s.mu.Unlock()

	s.changed(snapshot)
}

func (s *ConversationStore) handleInsert(e realtime.Event) {
	var row models.ConversationRow
	if err := e.Decode(&row); err != nil {
		s.log.WithError(err).Warn("dropping malformed conversation insert")
		return
	}
	c := models.ConversationToDomain(row)
	if !c.HasParticipant(currentUserID(s.session)) {
		return
	}

	s.mu.Lock()
	if s.indexOf(c.ID) >= 0 {
		s.mu.Unlock()
		return
	}
	s.conversations = append([]models.Conversation{c}, s.conversations...)
	snapshot := s.snapshot()
	s.mu.Unlock()

	s.changed(snapshot)
}

func (s *ConversationStore) handleDelete(e realtime.Event) {
	var row models.ConversationRow
	if err := e.Decode(&row); err != nil || row.ID == "" {
		return
	}
	s.remove(row.ID)
}

func (s *ConversationStore) SetCurrentConversation(c *models.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c == nil {
		s.current = nil
		return
	}
	current := *c
	s.current = &current
}

func (s *ConversationStore) CurrentConversation() *models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	current := *s.current
	return &current
}

func (s *ConversationStore) Conversations() []models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// SetFilter narrows the view returned by Filtered. A nil filter shows all.
func (s *ConversationStore) SetFilter(filter func(models.Conversation) bool) {
	s.mu.Lock()
	s.filter = filter
	s.mu.Unlock()
}

func (s *ConversationStore) Filtered() []models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.filter == nil {
		return s.snapshot()
	}
	out := []models.Conversation{}
	for _, c := range s.conversations {
		if s.filter(c) {
			out = append(out, c)
		}
	}
	return out
}

func (s *ConversationStore) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

func (s *ConversationStore) upsertFront(c models.Conversation) {
	s.mu.Lock()
	if idx := s.indexOf(c.ID); idx >= 0 {
		if !c.UpdatedAt.Before(s.conversations[idx].UpdatedAt) {
			s.conversations[idx] = c
		}
	} else {
		s.conversations = append([]models.Conversation{c}, s.conversations...)
	}
	snapshot := s.snapshot()
	s.mu.Unlock()

	s.changed(snapshot)
}

func (s *ConversationStore) remove(id string) {
	s.mu.Lock()
	idx := s.indexOf(id)
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	s.conversations = append(s.conversations[:idx], s.conversations[idx+1:]...)
	if s.current != nil && s.current.ID == id {
		s.current = nil
	}
	snapshot := s.snapshot()
	s.mu.Unlock()

	s.changed(snapshot)
}

// callers hold s.mu
func (s *ConversationStore) indexOf(id string) int {
	for i := range s.conversations {
		if s.conversations[i].ID == id {
			return i
		}
	}
	return -1
}

// callers hold s.mu
func (s *ConversationStore) find(id string) (models.Conversation, bool) {
	if idx := s.indexOf(id); idx >= 0 {
		return s.conversations[idx], true
	}
	return models.Conversation{}, false
}

// callers hold s.mu
func (s *ConversationStore) snapshot() []models.Conversation {
	out := make([]models.Conversation, len(s.conversations))
	copy(out, s.conversations)
	return out
}

func (s *ConversationStore) changed(snapshot []models.Conversation) {
	if s.onChange != nil {
		s.onChange(snapshot)
	}
}

func sortConversations(list []models.Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].LastMessageAt.After(list[j].LastMessageAt)
	})
}
