// Package stats polls broker statistics, maintaining the Overview of each
// BrokerView of a fleet.Model.
package stats

import (
	"context"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"go.gazette.dev/mqgate/fleet"
	"go.gazette.dev/mqgate/metrics"
	"go.gazette.dev/mqgate/protocol"
	"golang.org/x/sync/errgroup"
)

// Source of broker statistics.
type Source interface {
	// Overview reads a current Overview of the broker.
	Overview(ctx context.Context, spec protocol.BrokerSpec) (*fleet.Overview, error)
}

// SourceFunc adapts a function to a Source.
type SourceFunc func(context.Context, protocol.BrokerSpec) (*fleet.Overview, error)

// Overview invokes the SourceFunc.
func (fn SourceFunc) Overview(ctx context.Context, spec protocol.BrokerSpec) (*fleet.Overview, error) {
	return fn(ctx, spec)
}

// Config of the Poller.
type Config struct {
	Interval    time.Duration `long:"interval" env:"INTERVAL" default:"10s" description:"Interval between polls of broker statistics"`
	Parallelism int           `long:"parallelism" env:"PARALLELISM" default:"8" description:"Maximum number of brokers polled concurrently"`
	Timeout     time.Duration `long:"timeout" env:"TIMEOUT" default:"5s" description:"Timeout of polling a single broker. Defaults to the Interval if zero"`
	User        string        `long:"user" env:"USER" description:"User of broker statistics requests"`
	Password    string        `long:"password" env:"PASSWORD" description:"Password of broker statistics requests"`
}

const defaultTimeout = 10 * time.Second

// Poller polls each broker of a Model, replacing its Overview.
type Poller struct {
	model  *fleet.Model
	source Source
	cfg    Config
}

// NewPoller returns a Poller of brokers of the Model.
func NewPoller(model *fleet.Model, source Source, cfg Config) *Poller {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Poller{model: model, source: source, cfg: cfg}
}

// PollOnce polls all current brokers. A broker which fails to poll, or
// doesn't respond within the Timeout, keeps its prior Overview. PollOnce
// returns the number of failed polls.
func (p *Poller) PollOnce(ctx context.Context) int {
	var eg errgroup.Group
	eg.SetLimit(p.cfg.Parallelism)

	var failed atomic.Int64

	for _, b := range p.model.Brokers() {
		var b = b
		eg.Go(func() error {
			var pollCtx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
			defer cancel()

			var ov, err = p.source.Overview(pollCtx, b.Spec())
			if err != nil {
				metrics.StatsPollsTotal.WithLabelValues(metrics.Fail).Inc()
				log.WithFields(log.Fields{"broker": b.ID(), "err": err}).
					Warn("failed to poll broker statistics")
				failed.Add(1)
				return nil
			}
			metrics.StatsPollsTotal.WithLabelValues(metrics.Ok).Inc()
			b.SetOverview(ov)
			return nil
		})
	}
	_ = eg.Wait()
	return int(failed.Load())
}

// Serve polls on each Interval until |ctx| is done.
func (p *Poller) Serve(ctx context.Context) error {
	var ticker = time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		p.PollOnce(ctx)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}
