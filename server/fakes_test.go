package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	errs "github.com/techagentng/realtyx/errors"
	"github.com/techagentng/realtyx/models"
)

type memConversations struct {
	mu   sync.Mutex
	rows map[string]models.ConversationRow
}

func newMemConversations() *memConversations {
	return &memConversations{rows: map[string]models.ConversationRow{}}
}

func (m *memConversations) put(row models.ConversationRow) models.ConversationRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.LastMessageAt.IsZero() {
		row.LastMessageAt = time.Now()
	}
	m.rows[row.ID] = row
	return row
}

func (m *memConversations) ListForParticipant(ctx context.Context, userID string) ([]models.ConversationRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ConversationRow
	for _, row := range m.rows {
		for _, p := range row.Participants {
			if p == userID {
				out = append(out, row)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	return out, nil
}

func (m *memConversations) FindBetween(ctx context.Context, userA, userB string, propertyID *string) (*models.ConversationRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		conv := models.ConversationToDomain(row)
		if !conv.HasParticipant(userA) || !conv.HasParticipant(userB) {
			continue
		}
		if (propertyID == nil) != (row.PropertyID == nil) {
			continue
		}
		if propertyID != nil && *propertyID != *row.PropertyID {
			continue
		}
		found := row
		return &found, nil
	}
	return nil, nil
}

func (m *memConversations) GetByID(ctx context.Context, id string) (*models.ConversationRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &row, nil
}

func (m *memConversations) Create(ctx context.Context, row *models.ConversationRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	m.rows[row.ID] = *row
	return nil
}

func (m *memConversations) TouchAfterInsert(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return errs.ErrNotFound
	}
	if at.After(row.LastMessageAt) {
		row.LastMessageAt = at
	}
	row.UnreadCount++
	m.rows[id] = row
	return nil
}

func (m *memConversations) ResetUnread(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return errs.ErrNotFound
	}
	row.UnreadCount = 0
	m.rows[id] = row
	return nil
}

func (m *memConversations) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return errs.ErrNotFound
	}
	delete(m.rows, id)
	return nil
}

type memMessages struct {
	mu   sync.Mutex
	rows map[string]models.MessageRow
}

func newMemMessages() *memMessages {
	return &memMessages{rows: map[string]models.MessageRow{}}
}

func (m *memMessages) all() []models.MessageRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.MessageRow, 0, len(m.rows))
	for _, row := range m.rows {
		out = append(out, row)
	}
	return out
}

func (m *memMessages) ListForViewer(ctx context.Context, conversationID, viewerID string) ([]models.MessageRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.MessageRow
	for _, row := range m.rows {
		if row.ConversationID != conversationID {
			continue
		}
		if (row.SenderID == viewerID && row.DeletedBySender) || (row.ReceiverID == viewerID && row.DeletedByReceiver) {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memMessages) GetByID(ctx context.Context, id string) (*models.MessageRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &row, nil
}

func (m *memMessages) Create(ctx context.Context, row *models.MessageRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	m.rows[row.ID] = *row
	return nil
}

func (m *memMessages) MarkRead(ctx context.Context, conversationID, receiverID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, row := range m.rows {
		if row.ConversationID == conversationID && row.ReceiverID == receiverID && !row.Read {
			row.Read = true
			m.rows[id] = row
			n++
		}
	}
	return n, nil
}

func (m *memMessages) MarkDeleted(ctx context.Context, id string, bySender bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return errs.ErrNotFound
	}
	if bySender {
		row.DeletedBySender = true
	} else {
		row.DeletedByReceiver = true
	}
	m.rows[id] = row
	return nil
}

type memDevices struct {
	mu     sync.Mutex
	tokens []models.DeviceToken
}

func (m *memDevices) Save(ctx context.Context, token *models.DeviceToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	token.ID = uuid.NewString()
	m.tokens = append(m.tokens, *token)
	return nil
}

func (m *memDevices) ListForUser(ctx context.Context, userID string) ([]models.DeviceToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DeviceToken
	for _, t := range m.tokens {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memDevices) DeleteToken(ctx context.Context, token string) error {
	return nil
}

type memKeys struct {
	mu   sync.Mutex
	keys map[string]models.EncryptionKey
}

func (m *memKeys) Upsert(ctx context.Context, key *models.EncryptionKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = map[string]models.EncryptionKey{}
	}
	m.keys[key.UserID] = *key
	return nil
}

func (m *memKeys) Get(ctx context.Context, userID string) (*models.EncryptionKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[userID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &k, nil
}

type memFiles struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memFiles) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[path] = data
	return path, nil
}

func (m *memFiles) PublicURL(path string) string {
	return "https://files.test/" + path
}
