package syncer

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-offline-sync/internal/authority"
)

// Prober turns authority health checks into a connectivity signal.
type Prober struct {
	Pinger   authority.Pinger
	Interval time.Duration
	Timeout  time.Duration
	Target   interface{ SetOnline(bool) }
	Log      zerolog.Logger
}

// NewProber returns a Prober feeding target.
func NewProber(p authority.Pinger, target interface{ SetOnline(bool) }, interval time.Duration) *Prober {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Prober{Pinger: p, Interval: interval, Timeout: interval, Target: target, Log: log.Logger}
}

// Probe runs one health check and reports the result to the target.
func (p *Prober) Probe(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	err := p.Pinger.Ping(pctx)
	if err != nil && ctx.Err() == nil {
		p.Log.Debug().Err(err).Msg("authority probe failed")
	}
	ok := err == nil
	if ctx.Err() == nil {
		p.Target.SetOnline(ok)
	}
	return ok
}

// Run probes immediately and then every Interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	t := time.NewTicker(p.Interval)
	defer t.Stop()
	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.Probe(ctx)
		}
	}
}
