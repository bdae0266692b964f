package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/tbourn/go-offline-sync/internal/config"
	httpapi "github.com/tbourn/go-offline-sync/internal/http"
	"github.com/tbourn/go-offline-sync/internal/observability"
	"github.com/tbourn/go-offline-sync/internal/repo"
	"github.com/tbourn/go-offline-sync/internal/validation"
)

// AuthorityOptions holds flags for the authority command.
type AuthorityOptions struct {
	*RootOptions
	Port       string
	PurgeEvery time.Duration
}

// NewAuthorityCommand creates the authority command.
func NewAuthorityCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AuthorityOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "authority",
		Short: "Run the reference authority server",
		Long: `Run the reference authority: the system of record devices drain into.

It keeps an append-only ledger per target in its own SQLite database
(AUTHORITY_DB_PATH), deduplicates by idempotency id and opens sealed
payloads when SYNC_ENCRYPTION_KEY is shared with the devices.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.RootOptions)
			if err != nil {
				return err
			}
			if opts.Port != "" {
				cfg.Authority.Port = opts.Port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAuthority(ctx, cfg, opts.PurgeEvery)
		},
	}

	cmd.Flags().StringVar(&opts.Port, "port", "", "listen port (overrides AUTHORITY_PORT)")
	cmd.Flags().DurationVar(&opts.PurgeEvery, "purge-every", time.Hour, "interval between expired idempotency record purges")

	return cmd
}

// openAuthorityDB opens and migrates the ledger database.
func openAuthorityDB(path string) (*gorm.DB, error) {
	db, err := repo.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open authority database: %w", err)
	}
	if err := repo.AutoMigrateAuthority(db); err != nil {
		return nil, fmt.Errorf("migrate authority database: %w", err)
	}
	return db, nil
}

func runAuthority(ctx context.Context, cfg config.Config, purgeEvery time.Duration) error {
	otelShutdown, err := observability.SetupOTel(ctx, cfg.OTEL, observability.Process{
		Version: Version, Role: "authority",
	})
	if err != nil {
		log.Warn().Err(err).Msg("tracing disabled")
		otelShutdown = func(context.Context) error { return nil }
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = otelShutdown(sctx)
	}()

	db, err := openAuthorityDB(cfg.Authority.DBPath)
	if err != nil {
		return err
	}
	defer closeDB(db)

	var opener validation.Opener
	if cfg.Sync.EncryptionKey != "" {
		s, err := validation.NewSealer(cfg.Sync.EncryptionKey)
		if err != nil {
			return fmt.Errorf("encryption key: %w", err)
		}
		opener = s
	}

	if purgeEvery > 0 {
		go purgeLoop(ctx, db, purgeEvery)
	}

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterAuthorityRoutes(r, db, opener, cfg)

	srv := newHTTPServer(cfg.Server, cfg.Authority.Port, r)
	log.Info().Str("addr", srv.Addr).Str("db", cfg.Authority.DBPath).Bool("sealed", opener != nil).Msg("authority listening")
	return serveUntilDone(ctx, srv)
}

// purgeLoop drops expired idempotency records every interval. The ledger
// itself keeps deduplicating after a record is gone.
func purgeLoop(ctx context.Context, db *gorm.DB, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := repo.PurgeExpiredIdempotency(ctx, db, now.UTC())
			if err != nil {
				log.Error().Err(err).Msg("purge idempotency records")
				continue
			}
			if n > 0 {
				log.Debug().Int64("purged", n).Msg("expired idempotency records removed")
			}
		}
	}
}
