package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/tbourn/go-offline-sync/docs"
	"github.com/tbourn/go-offline-sync/internal/authority"
	"github.com/tbourn/go-offline-sync/internal/config"
	"github.com/tbourn/go-offline-sync/internal/conflict"
	httpapi "github.com/tbourn/go-offline-sync/internal/http"
	"github.com/tbourn/go-offline-sync/internal/http/handlers"
	"github.com/tbourn/go-offline-sync/internal/observability"
	"github.com/tbourn/go-offline-sync/internal/projection"
	"github.com/tbourn/go-offline-sync/internal/queue"
	"github.com/tbourn/go-offline-sync/internal/repo"
	"github.com/tbourn/go-offline-sync/internal/services"
	"github.com/tbourn/go-offline-sync/internal/syncer"
	"github.com/tbourn/go-offline-sync/internal/sysutil"
	"github.com/tbourn/go-offline-sync/internal/validation"
)

const shutdownGrace = 10 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the device: sync engine plus local projection API",
		Long: `Run the sync engine and the local projection API.

Without AUTHORITY_URL the engine drains into an in-memory authority, which
is handy for demos and UI development.

Example:
  offlinesync serve --config offlinesync.toml
  AUTHORITY_URL=http://localhost:9090 offlinesync serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

// device is the assembled device process.
type device struct {
	db     *gorm.DB
	hub    *projection.Hub
	engine *syncer.Engine
	deps   handlers.Deps
	pinger authority.Pinger // nil when the authority is in-process
}

// buildDevice opens the local store and wires the sync core around it.
func buildDevice(cfg config.Config, clientID string) (*device, error) {
	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	hub := projection.NewHub()
	q := queue.New(db, nil)
	q.Observer = hub.QueueObserver()
	res := conflict.NewResolver()

	gate, err := buildGate(cfg.Sync)
	if err != nil {
		return nil, err
	}

	var (
		auth   authority.Submitter
		pinger authority.Pinger
	)
	if cfg.Authority.URL != "" {
		c := authority.NewClient(cfg.Authority.URL, cfg.Authority.Timeout)
		c.ClientID = clientID
		auth, pinger = c, c
	} else {
		log.Warn().Msg("AUTHORITY_URL not set; draining into an in-memory authority")
		auth = authority.NewMemory()
	}

	var lim *rate.Limiter
	if cfg.Authority.RPS > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.Authority.RPS), cfg.Authority.Burst)
	}

	eng := syncer.New(syncer.Deps{
		Queue:     q,
		Authority: auth,
		Resolver:  res,
		Gate:      gate,
		Limiter:   lim,
		Events:    hub,
	}, cfg.Sync)

	return &device{
		db:     db,
		hub:    hub,
		engine: eng,
		pinger: pinger,
		deps: handlers.Deps{
			Outbox:   services.NewOutboxService(q, res, eng),
			Sessions: services.NewSessionService(db),
			Wallets:  services.NewWalletService(db),
			Engine:   eng,
			Events:   hub,
		},
	}, nil
}

// buildGate assembles the validation gate from the sync settings.
func buildGate(cfg config.SyncConfig) (*validation.Gate, error) {
	g := &validation.Gate{Structure: validation.StructureValidator{}, SkipAI: cfg.SkipAIValidation}
	if !cfg.SkipAIValidation {
		g.Validator = validation.RuleValidator{}
	}
	if cfg.EncryptionKey != "" {
		s, err := validation.NewSealer(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("encryption key: %w", err)
		}
		g.Encryptor = s
	}
	return g, nil
}

func runServe(ctx context.Context, cfg config.Config) error {
	clientID := sysutil.DeviceID(cfg.Authority.ClientID)

	otelShutdown, err := observability.SetupOTel(ctx, cfg.OTEL, observability.Process{
		Version: Version, Role: "device", Instance: clientID,
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

	dev, err := buildDevice(cfg, clientID)
	if err != nil {
		return err
	}
	defer closeDB(dev.db)

	if err := dev.engine.Start(ctx); err != nil {
		return err
	}
	defer dev.engine.Stop()

	switch {
	case dev.pinger == nil || cfg.Authority.ProbeInterval == 0:
		dev.engine.SetOnline(true)
	default:
		go syncer.NewProber(dev.pinger, dev.engine, cfg.Authority.ProbeInterval).Run(ctx)
	}

	gin.SetMode(cfg.GinMode)
	docs.SwaggerInfo.BasePath = cfg.APIBasePath
	r := gin.New()
	httpapi.RegisterRoutes(r, dev.deps, cfg)

	srv := newHTTPServer(cfg.Server, cfg.Server.Port, r)
	log.Info().Str("addr", srv.Addr).Str("client_id", clientID).Str("db", cfg.DBPath).Msg("projection API listening")
	return serveUntilDone(ctx, srv)
}

func newHTTPServer(sc config.ServerConfig, port string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + port,
		Handler:           h,
		ReadTimeout:       sc.ReadTimeout,
		ReadHeaderTimeout: sc.ReadHeaderTimeout,
		WriteTimeout:      sc.WriteTimeout,
		IdleTimeout:       sc.IdleTimeout,
		MaxHeaderBytes:    sc.MaxHeaderBytes,
	}
}

// serveUntilDone runs srv until ctx ends, then shuts it down gracefully.
func serveUntilDone(ctx context.Context, srv *http.Server) error {
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			log.Error().Err(err).Msg("close database")
		}
	}
}
