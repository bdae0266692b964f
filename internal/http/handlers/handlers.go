// Projection API handlers.
//
// The local API is what the presentation layer talks to: it enqueues
// operations into the outbox, inspects and repairs the queue, flips
// connectivity, triggers drains, and reads the session and wallet
// projections. Handlers are transport-thin: they validate input, call the
// services and translate results into HTTP responses, including conditional
// responses through weak ETags.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-offline-sync/internal/domain"
	"github.com/tbourn/go-offline-sync/internal/projection"
	"github.com/tbourn/go-offline-sync/internal/repo"
	"github.com/tbourn/go-offline-sync/internal/services"
	"github.com/tbourn/go-offline-sync/internal/syncer"
	"github.com/tbourn/go-offline-sync/internal/utils"
)

//
// Service contracts (context-aware)
//

// OutboxService accepts and manages queued operations.
type OutboxService interface {
	Enqueue(ctx context.Context, kind domain.Kind, payload json.RawMessage) (*domain.QueueItem, error)
	Resubmit(ctx context.Context, id string, payload json.RawMessage) (*domain.QueueItem, error)
	Clear(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*domain.QueueItem, error)
	List(ctx context.Context, f repo.QueueFilter) ([]domain.QueueItem, int64, error)
	Stats(ctx context.Context) (map[domain.Status]int64, error)
}

// SessionService reads chat sessions.
type SessionService interface {
	List(ctx context.Context) ([]domain.ChatSession, error)
	ListMessages(ctx context.Context, sessionID string, page, pageSize int) ([]domain.ChatMessage, int64, error)
	Stats(ctx context.Context, sessionID string) (int64, *time.Time, error)
}

// WalletService reads wallet projections.
type WalletService interface {
	View(ctx context.Context, walletID string) (*services.WalletView, error)
	Stats(ctx context.Context, walletID string) (int64, *time.Time, error)
}

// SyncEngine is the part of the sync engine the API controls.
type SyncEngine interface {
	SetOnline(online bool)
	DrainOnce(ctx context.Context) (syncer.Report, error)
	Status() syncer.Status
}

// EventSource hands out projection event subscriptions.
type EventSource interface {
	Subscribe(buffer int) projection.Subscription
}

//
// Handler wiring
//

// Deps are the collaborators of Handlers. Events may be nil, which disables
// the websocket stream.
type Deps struct {
	Outbox   OutboxService
	Sessions SessionService
	Wallets  WalletService
	Engine   SyncEngine
	Events   EventSource
}

// Handlers groups the projection API endpoints.
type Handlers struct {
	outbox   OutboxService
	sessions SessionService
	wallets  WalletService
	engine   SyncEngine
	events   EventSource

	// EventBuffer is the per-connection event buffer of /events.
	EventBuffer int
	// PingInterval is how often /events pings an idle client.
	PingInterval time.Duration
	// OriginPatterns are the cross-origin hosts allowed to open /events.
	OriginPatterns []string
}

// New constructs Handlers bound to d.
func New(d Deps) *Handlers {
	return &Handlers{
		outbox:       d.Outbox,
		sessions:     d.Sessions,
		wallets:      d.Wallets,
		engine:       d.Engine,
		events:       d.Events,
		EventBuffer:  64,
		PingInterval: 30 * time.Second,
	}
}

//
// DTOs
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

func newPagination(page, pageSize int, total int64) Pagination {
	totalPages := utils.TotalPages(total, pageSize)
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

//
// Helpers
//

// clampPagination parses page and page_size, defaulting to 1 and
// defaultSize and capping page_size at 100.
func clampPagination(c *gin.Context, defaultSize int) (page, pageSize int) {
	p := utils.ParsePage(c.Query("page"), c.Query("page_size"), defaultSize, 100)
	return p.Number, p.Size
}

// notModified sets a weak ETag built from scope, id and the (count, latest)
// aggregate, and answers 304 when If-None-Match matches. Callers stop when
// it returns true. A stats error skips the ETag; the full response is
// always correct.
func notModified(c *gin.Context, scope, id string, stats func() (int64, *time.Time, error)) bool {
	count, latest, err := stats()
	if err != nil {
		return false
	}
	var ts int64
	if latest != nil {
		ts = latest.UnixNano()
	}
	etag := fmt.Sprintf(`W/"%s:%s:%d:%d"`, scope, id, count, ts)
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return true
	}
	return false
}
