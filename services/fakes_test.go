package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	apiError "github.com/techagentng/realtyx/errors"
	"github.com/techagentng/realtyx/models"
)

type fakeConversationRepo struct {
	mu   sync.Mutex
	rows map[string]models.ConversationRow

	listErr   error
	findErr   error
	createErr error
	deleteErr error
	resetErr  error

	listCalls   int
	createCalls int
	resetCalls  int
	touchCalls  int
	messages    *fakeMessageRepo
}

func newFakeConversationRepo() *fakeConversationRepo {
	return &fakeConversationRepo{rows: map[string]models.ConversationRow{}}
}

func (r *fakeConversationRepo) put(row models.ConversationRow) models.ConversationRow {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = row.CreatedAt
	}
	r.rows[row.ID] = row
	return row
}

func (r *fakeConversationRepo) get(id string) models.ConversationRow {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows[id]
}

func (r *fakeConversationRepo) ListForParticipant(ctx context.Context, userID string) ([]models.ConversationRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listCalls++
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []models.ConversationRow
	for _, row := range r.rows {
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

func (r *fakeConversationRepo) FindBetween(ctx context.Context, userA, userB string, propertyID *string) (*models.ConversationRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	for _, row := range r.rows {
		joined := "," + strings.Join(row.Participants, ",") + ","
		if !strings.Contains(joined, ","+userA+",") || !strings.Contains(joined, ","+userB+",") {
			continue
		}
		switch {
		case propertyID == nil && row.PropertyID == nil:
		case propertyID != nil && row.PropertyID != nil && *propertyID == *row.PropertyID:
		default:
			continue
		}
		found := row
		return &found, nil
	}
	return nil, nil
}

func (r *fakeConversationRepo) GetByID(ctx context.Context, id string) (*models.ConversationRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, apiError.ErrNotFound
	}
	return &row, nil
}

func (r *fakeConversationRepo) Create(ctx context.Context, row *models.ConversationRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createCalls++
	if r.createErr != nil {
		return r.createErr
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	r.rows[row.ID] = *row
	return nil
}

func (r *fakeConversationRepo) TouchAfterInsert(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touchCalls++
	row, ok := r.rows[id]
	if !ok {
		return apiError.ErrNotFound
	}
	if at.After(row.LastMessageAt) {
		row.LastMessageAt = at
	}
	row.UnreadCount++
	row.UpdatedAt = time.Now()
	r.rows[id] = row
	return nil
}

func (r *fakeConversationRepo) ResetUnread(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetCalls++
	if r.resetErr != nil {
		return r.resetErr
	}
	row, ok := r.rows[id]
	if !ok {
		return apiError.ErrNotFound
	}
	row.UnreadCount = 0
	r.rows[id] = row
	return nil
}

func (r *fakeConversationRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	if r.deleteErr != nil {
		r.mu.Unlock()
		return r.deleteErr
	}
	if _, ok := r.rows[id]; !ok {
		r.mu.Unlock()
		return apiError.ErrNotFound
	}
	delete(r.rows, id)
	messages := r.messages
	r.mu.Unlock()

	if messages != nil {
		messages.deleteConversation(id)
	}
	return nil
}

type fakeMessageRepo struct {
	mu   sync.Mutex
	rows map[string]models.MessageRow

	listErr     error
	failLists   int
	createErr   error
	failCreates int
	markReadErr error

	listCalls     int
	createCalls   int
	markReadCalls int
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{rows: map[string]models.MessageRow{}}
}

func (r *fakeMessageRepo) put(row models.MessageRow) models.MessageRow {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = row.CreatedAt
	}
	r.rows[row.ID] = row
	return row
}

func (r *fakeMessageRepo) get(id string) (models.MessageRow, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	return row, ok
}

func (r *fakeMessageRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

func (r *fakeMessageRepo) deleteConversation(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, row := range r.rows {
		if row.ConversationID == id {
			delete(r.rows, k)
		}
	}
}

func (r *fakeMessageRepo) ListForViewer(ctx context.Context, conversationID, viewerID string) ([]models.MessageRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listCalls++
	if r.failLists > 0 {
		r.failLists--
		return nil, errors.New("list failed")
	}
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []models.MessageRow
	for _, row := range r.rows {
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

func (r *fakeMessageRepo) GetByID(ctx context.Context, id string) (*models.MessageRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, apiError.ErrNotFound
	}
	return &row, nil
}

func (r *fakeMessageRepo) Create(ctx context.Context, row *models.MessageRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createCalls++
	if r.failCreates > 0 {
		r.failCreates--
		return errors.New("insert failed")
	}
	if r.createErr != nil {
		return r.createErr
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	r.rows[row.ID] = *row
	return nil
}

func (r *fakeMessageRepo) MarkRead(ctx context.Context, conversationID, receiverID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markReadCalls++
	if r.markReadErr != nil {
		return 0, r.markReadErr
	}
	var n int64
	for id, row := range r.rows {
		if row.ConversationID == conversationID && row.ReceiverID == receiverID && !row.Read {
			row.Read = true
			r.rows[id] = row
			n++
		}
	}
	return n, nil
}

func (r *fakeMessageRepo) MarkDeleted(ctx context.Context, id string, bySender bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return apiError.ErrNotFound
	}
	if bySender {
		row.DeletedBySender = true
	} else {
		row.DeletedByReceiver = true
	}
	if row.DeletedBySender && row.DeletedByReceiver {
		delete(r.rows, id)
		return nil
	}
	r.rows[id] = row
	return nil
}

type recordingNotifier struct {
	mu            sync.Mutex
	notifications []Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, notification Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, notification)
}

func (n *recordingNotifier) count(level NotificationLevel) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, notification := range n.notifications {
		if notification.Level == level {
			c++
		}
	}
	return c
}

type fakeGate struct {
	ready      bool
	encryptErr error
}

func (g *fakeGate) IsReady() bool { return g.ready }

func (g *fakeGate) EncryptMessage(ctx context.Context, plaintext, recipientID string) (string, error) {
	if g.encryptErr != nil {
		return "", g.encryptErr
	}
	return "sealed:" + recipientID + ":" + plaintext, nil
}

func (g *fakeGate) DecryptMessages(ctx context.Context, messages []models.Message) []models.Message {
	out := make([]models.Message, len(messages))
	for i, m := range messages {
		out[i] = m
		if m.IsEncrypted() {
			parts := strings.SplitN(*m.EncryptedContent, ":", 3)
			if len(parts) == 3 {
				out[i].Content = parts[2]
			}
		}
	}
	return out
}

type memAttachments struct {
	mu      sync.Mutex
	objects map[string][]byte
	failOn  string
}

func newMemAttachments() *memAttachments {
	return &memAttachments{objects: map[string][]byte{}}
}

func (m *memAttachments) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn != "" && strings.Contains(path, m.failOn) {
		return "", errors.New("upload failed")
	}
	m.objects[path] = data
	return path, nil
}

func (m *memAttachments) PublicURL(path string) string {
	return "https://files.test/" + path
}

type recordingContacts struct {
	mu       sync.Mutex
	attempts []models.ContactAttempt
}

func (r *recordingContacts) RecordContactAttempt(ctx context.Context, attempt models.ContactAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, attempt)
	return nil
}

type recordingPusher struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (p *recordingPusher) NotifyNewMessage(ctx context.Context, receiverID string, msg models.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, receiverID)
	return p.err
}

func sessionFor(id string) *StaticSession {
	return NewStaticSession(&models.SessionUser{ID: id, Email: id + "@realtyx.test"})
}

// fixedClock returns increasing instants one millisecond apart.
func fixedClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	next := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := next
		next = next.Add(time.Millisecond)
		return t
	}
}

func zeroRetry() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, Backoff: FixedBackoff(0)}
}
