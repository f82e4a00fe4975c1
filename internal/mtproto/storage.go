package mtproto

import (
	"context"
	"errors"

	"github.com/gotd/td/session"

	"postbot/internal/storage"
)

// sessionStorage persists one session's authorization data in the store.
type sessionStorage struct {
	store storage.SessionStore
	id    int64
}

var _ session.Storage = (*sessionStorage)(nil)

func (s *sessionStorage) LoadSession(ctx context.Context) ([]byte, error) {
	b, err := s.store.LoadSessionData(ctx, s.id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, session.ErrNotFound
	}
	return b, err
}

func (s *sessionStorage) StoreSession(ctx context.Context, data []byte) error {
	return s.store.StoreSessionData(ctx, s.id, data)
}
