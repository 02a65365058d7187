package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apiError "github.com/techagentng/realtyx/errors"
	"github.com/techagentng/realtyx/models"
	"github.com/techagentng/realtyx/realtime"
)

func newConversationStore(t *testing.T, userID string, repo *fakeConversationRepo, opts ...ConversationStoreOption) (*ConversationStore, *recordingNotifier, *realtime.Hub) {
	t.Helper()
	hub := realtime.NewHub(16)
	t.Cleanup(hub.Close)
	notifier := &recordingNotifier{}
	return NewConversationStore(sessionFor(userID), repo, hub, notifier, opts...), notifier, hub
}

func TestCreateConversationIsIdempotent(t *testing.T) {
	repo := newFakeConversationRepo()
	s, _, _ := newConversationStore(t, "buyer", repo)
	ctx := context.Background()
	property := "listing-42"

	first := s.CreateConversation(ctx, CreateConversationInput{ReceiverID: "seller", PropertyID: &property})
	require.NotNil(t, first)
	second := s.CreateConversation(ctx, CreateConversationInput{ReceiverID: "seller", PropertyID: models.StringPtr("listing-42")})
	require.NotNil(t, second)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, repo.createCalls)
	assert.ElementsMatch(t, []string{"buyer", "seller"}, first.Participants)
	assert.Equal(t, 0, first.UnreadCount)
	assert.Len(t, s.Conversations(), 1)
	assert.Equal(t, first.ID, s.Conversations()[0].ID)
}

func TestCreateConversationScopesByProperty(t *testing.T) {
	repo := newFakeConversationRepo()
	s, _, _ := newConversationStore(t, "buyer", repo)
	ctx := context.Background()

	general := s.CreateConversation(ctx, CreateConversationInput{ReceiverID: "seller"})
	blank := s.CreateConversation(ctx, CreateConversationInput{ReceiverID: "seller", PropertyID: models.StringPtr("  ")})
	scoped := s.CreateConversation(ctx, CreateConversationInput{ReceiverID: "seller", PropertyID: models.StringPtr("listing-7")})
	require.NotNil(t, general)
	require.NotNil(t, blank)
	require.NotNil(t, scoped)

	assert.Equal(t, general.ID, blank.ID)
	assert.NotEqual(t, general.ID, scoped.ID)
	assert.Nil(t, general.PropertyID)
	assert.Equal(t, 2, repo.createCalls)
	assert.Equal(t, scoped.ID, s.Conversations()[0].ID)
}

func TestCreateConversationRejectsInvalidReceiver(t *testing.T) {
	repo := newFakeConversationRepo()
	contacts := &recordingContacts{}
	s, notifier, _ := newConversationStore(t, "buyer", repo, WithContactRecorder(contacts))
	ctx := context.Background()

	assert.Nil(t, s.CreateConversation(ctx, CreateConversationInput{ReceiverID: ""}))
	assert.Nil(t, s.CreateConversation(ctx, CreateConversationInput{ReceiverID: "buyer", InitialMessage: "hi me"}))

	assert.Equal(t, 0, repo.createCalls)
	assert.Equal(t, 2, notifier.count(LevelError))
	require.Len(t, contacts.attempts, 1)
	assert.Equal(t, apiError.ErrInvalidReceiver.Message, contacts.attempts[0].Reason)
}

func TestCreateConversationFailureRecordsContactAttempt(t *testing.T) {
	repo := newFakeConversationRepo()
	repo.createErr = errors.New("insert failed")
	contacts := &recordingContacts{}
	s, notifier, _ := newConversationStore(t, "buyer", repo, WithContactRecorder(contacts))

	c := s.CreateConversation(context.Background(), CreateConversationInput{
		ReceiverID:     "seller",
		Subject:        models.StringPtr("Viewing request"),
		InitialMessage: " Can I visit on Saturday? ",
		PropertyID:     models.StringPtr("listing-9"),
	})

	assert.Nil(t, c)
	assert.Empty(t, s.Conversations())
	assert.Equal(t, 1, notifier.count(LevelError))
	require.Len(t, contacts.attempts, 1)
	attempt := contacts.attempts[0]
	assert.Equal(t, "buyer", attempt.SenderID)
	assert.Equal(t, "seller", attempt.ReceiverID)
	assert.Equal(t, "Can I visit on Saturday?", attempt.Message)
	assert.Equal(t, "listing-9", *attempt.PropertyID)
	assert.Equal(t, "insert failed", attempt.Reason)
}

func TestFetchKeepsStateOnError(t *testing.T) {
	repo := newFakeConversationRepo()
	repo.put(models.ConversationRow{Participants: pq.StringArray{"buyer", "seller"}, LastMessageAt: time.Now()})
	repo.put(models.ConversationRow{Participants: pq.StringArray{"other", "seller"}, LastMessageAt: time.Now()})
	s, _, _ := newConversationStore(t, "buyer", repo)
	ctx := context.Background()

	require.NoError(t, s.Fetch(ctx))
	require.Len(t, s.Conversations(), 1)

	repo.listErr = errors.New("db down")
	assert.Error(t, s.Fetch(ctx))
	assert.Len(t, s.Conversations(), 1)
	assert.False(t, s.Loading())
}

func TestFetchOrdersByLastMessage(t *testing.T) {
	repo := newFakeConversationRepo()
	now := time.Now()
	older := repo.put(models.ConversationRow{Participants: pq.StringArray{"buyer", "a"}, LastMessageAt: now.Add(-time.Hour)})
	newer := repo.put(models.ConversationRow{Participants: pq.StringArray{"buyer", "b"}, LastMessageAt: now})
	s, _, _ := newConversationStore(t, "buyer", repo)

	require.NoError(t, s.Fetch(context.Background()))

	got := s.Conversations()
	require.Len(t, got, 2)
	assert.Equal(t, newer.ID, got[0].ID)
	assert.Equal(t, older.ID, got[1].ID)

	s.SetFilter(func(c models.Conversation) bool { return c.HasParticipant("a") })
	filtered := s.Filtered()
	require.Len(t, filtered, 1)
	assert.Equal(t, older.ID, filtered[0].ID)
}

func TestRealtimeUpdateReplacesConversation(t *testing.T) {
	repo := newFakeConversationRepo()
	now := time.Now()
	row := repo.put(models.ConversationRow{Participants: pq.StringArray{"buyer", "seller"}, LastMessageAt: now, UpdatedAt: now})
	s, _, hub := newConversationStore(t, "buyer", repo)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	defer s.Stop()
	current := s.Conversations()[0]
	s.SetCurrentConversation(&current)

	stale := row
	stale.UnreadCount = 9
	stale.UpdatedAt = now.Add(-time.Minute)
	fresh := row
	fresh.UnreadCount = 3
	fresh.UpdatedAt = now.Add(time.Minute)

	for _, r := range []models.ConversationRow{fresh, stale} {
		e, err := realtime.NewEvent("conversations", realtime.EventUpdate, r)
		require.NoError(t, err)
		require.NoError(t, hub.Publish(ctx, e))
	}

	// the stale event is delivered after the fresh one and must be ignored
	marker := models.ConversationRow{ID: "marker", Participants: pq.StringArray{"buyer", "x"}, LastMessageAt: now.Add(-time.Hour)}
	e, err := realtime.NewEvent("conversations", realtime.EventInsert, marker)
	require.NoError(t, err)
	require.NoError(t, hub.Publish(ctx, e))

	require.Eventually(t, func() bool {
		return len(s.Conversations()) == 2
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		c := s.CurrentConversation()
		return c != nil && c.UnreadCount == 3
	}, time.Second, 5*time.Millisecond)

	for _, c := range s.Conversations() {
		if c.ID == row.ID {
			assert.Equal(t, 3, c.UnreadCount)
		}
	}
}

func TestRealtimeIgnoresOtherUsersConversations(t *testing.T) {
	repo := newFakeConversationRepo()
	s, _, hub := newConversationStore(t, "buyer", repo)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()
	require.Equal(t, 3, hub.SubscriberCount())

	foreign := models.ConversationRow{ID: "foreign", Participants: pq.StringArray{"a", "b"}, LastMessageAt: time.Now()}
	mine := models.ConversationRow{ID: "mine", Participants: pq.StringArray{"buyer", "b"}, LastMessageAt: time.Now()}
	for _, r := range []models.ConversationRow{foreign, mine} {
		e, err := realtime.NewEvent("conversations", realtime.EventInsert, r)
		require.NoError(t, err)
		require.NoError(t, hub.Publish(ctx, e))
	}

	require.Eventually(t, func() bool {
		return len(s.Conversations()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "mine", s.Conversations()[0].ID)

	s.Stop()
	assert.Equal(t, 0, hub.SubscriberCount())
}

func TestDeleteConversation(t *testing.T) {
	repo := newFakeConversationRepo()
	messages := newFakeMessageRepo()
	repo.messages = messages
	row := repo.put(models.ConversationRow{Participants: pq.StringArray{"buyer", "seller"}, LastMessageAt: time.Now()})
	messages.put(models.MessageRow{ConversationID: row.ID, SenderID: "buyer", ReceiverID: "seller", Content: "hi", CreatedAt: time.Now()})
	ctx := context.Background()

	stranger, notifier, _ := newConversationStore(t, "stranger", repo)
	err := stranger.DeleteConversation(ctx, row.ID)
	assert.ErrorIs(t, err, apiError.ErrNotParticipant)
	assert.Equal(t, 1, notifier.count(LevelError))
	assert.Equal(t, 1, messages.count())

	buyer, _, _ := newConversationStore(t, "buyer", repo)
	require.NoError(t, buyer.Fetch(ctx))
	current := buyer.Conversations()[0]
	buyer.SetCurrentConversation(&current)

	require.NoError(t, buyer.DeleteConversation(ctx, row.ID))
	assert.Empty(t, buyer.Conversations())
	assert.Nil(t, buyer.CurrentConversation())
	assert.Equal(t, 0, messages.count())

	assert.ErrorIs(t, buyer.DeleteConversation(ctx, row.ID), apiError.ErrNotFound)
}
