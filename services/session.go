package services

import "github.com/techagentng/realtyx/models"

// SessionProvider yields the user the messaging core acts for, or nil when
// nobody is signed in.
type SessionProvider interface {
	CurrentUser() *models.SessionUser
}

type StaticSession struct {
	user *models.SessionUser
}

func NewStaticSession(user *models.SessionUser) *StaticSession {
	return &StaticSession{user: user}
}

func (s *StaticSession) CurrentUser() *models.SessionUser {
	if s == nil {
		return nil
	}
	return s.user
}

func currentUserID(session SessionProvider) string {
	if session == nil {
		return ""
	}
	if u := session.CurrentUser(); u != nil {
		return u.ID
	}
	return ""
}
