package repo

import (
	"context"
	"errors"

	"github.com/gotd/td/session"

	"tg-channel-digest/internal/domain"
)

// SessionStorage хранит MTProto-сессию шарда в таблице mtproto_sessions.
// Строка аккаунта создаётся оператором заранее, LoadSession с пустыми
// данными сообщает gotd о необходимости авторизации.
type SessionStorage struct {
	db   *Postgres
	name string
}

// NewSessionStorage создаёт хранилище сессии для аккаунта name.
func NewSessionStorage(db *Postgres, name string) *SessionStorage {
	return &SessionStorage{db: db, name: name}
}

// LoadSession возвращает сохранённые байты сессии.
func (s *SessionStorage) LoadSession(ctx context.Context) ([]byte, error) {
	data, err := s.db.loadSession(ctx, s.name)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, session.ErrNotFound
	}
	return data, nil
}

// StoreSession сохраняет байты сессии после (ре)авторизации.
func (s *SessionStorage) StoreSession(ctx context.Context, data []byte) error {
	return s.db.storeSession(ctx, s.name, data)
}

var _ session.Storage = (*SessionStorage)(nil)
