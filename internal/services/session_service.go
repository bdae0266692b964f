// Package services – SessionService
//
// SessionService is the read side of the chat projection: sessions, a page
// of messages in display order, and the count/last-update pair the handlers
// turn into an ETag.
package services

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-offline-sync/internal/domain"
	"github.com/tbourn/go-offline-sync/internal/repo"
)

const defaultMessagePageSize = 20

// SessionService reads chat sessions and their messages.
type SessionService struct {
	DB *gorm.DB
}

// NewSessionService constructs a SessionService.
func NewSessionService(db *gorm.DB) *SessionService {
	return &SessionService{DB: db}
}

// Get returns a session by id.
func (s *SessionService) Get(ctx context.Context, id string) (*domain.ChatSession, error) {
	sess, err := repo.GetSession(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	return sess, err
}

// List returns all sessions, most recently active first.
func (s *SessionService) List(ctx context.Context) ([]domain.ChatSession, error) {
	out, err := repo.ListSessions(ctx, s.DB)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.ChatSession{}
	}
	return out, nil
}

// ListMessages returns a page of messages of a session in display order
// (creation time, then enqueue sequence) and the total count.
func (s *SessionService) ListMessages(ctx context.Context, sessionID string, page, pageSize int) ([]domain.ChatMessage, int64, error) {
	offset, limit := pageWindow(page, pageSize)
	ctx, span := otel.Tracer("services/SessionService").Start(ctx, "ListMessages",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Int("offset", offset),
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	if _, err := s.Get(ctx, sessionID); err != nil {
		return nil, 0, err
	}
	total, err := repo.CountMessages(ctx, s.DB, sessionID)
	if err != nil || total == 0 {
		return []domain.ChatMessage{}, 0, err
	}
	items, err := repo.ListMessagesPage(ctx, s.DB, sessionID, offset, limit)
	return items, total, err
}

// pageWindow turns a 1-based page into an offset and limit. Out-of-range
// values mean the first page of defaultMessagePageSize.
func pageWindow(page, size int) (offset, limit int) {
	if size <= 0 {
		size = defaultMessagePageSize
	}
	if page < 1 {
		page = 1
	}
	return (page - 1) * size, size
}

// Stats returns the message count of a session and the latest update time,
// for conditional responses.
func (s *SessionService) Stats(ctx context.Context, sessionID string) (int64, *time.Time, error) {
	return repo.MessagesStats(ctx, s.DB, sessionID)
}
