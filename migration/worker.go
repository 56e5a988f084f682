package migration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/mqgate/fleet"
	"go.gazette.dev/mqgate/metrics"
	"go.gazette.dev/mqgate/protocol"
	"golang.org/x/sync/errgroup"
)

// Mode of a migration.
type Mode int

const (
	// Copy re-publishes messages to the target broker, retaining them at the source.
	Copy Mode = iota
	// Move re-publishes messages to the target broker, then removes them from the source.
	Move
)

func (m Mode) String() string {
	switch m {
	case Copy:
		return "copy"
	case Move:
		return "move"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Config of migration Workers.
type Config struct {
	Parallelism   int           `long:"parallelism" env:"PARALLELISM" default:"4" description:"Maximum number of destinations transferred concurrently"`
	MaxAttempts   int           `long:"attempts" env:"ATTEMPTS" default:"3" description:"Attempts of each destination transfer before it's failed"`
	RetryInterval time.Duration `long:"retry-interval" env:"RETRY_INTERVAL" default:"1s" description:"Delay between attempts of a destination transfer"`
}

// Failure of a Destination transfer.
type Failure struct {
	Destination protocol.Destination
	Err         error
}

// Worker transfers Destinations from one broker to another. Each Destination
// is transferred independently: failure of one doesn't abort others.
type Worker struct {
	store Store
	from  *fleet.BrokerView
	to    *fleet.BrokerView
	mode  Mode
	dests []protocol.Destination
	cfg   Config

	mu        sync.Mutex
	completed []protocol.Destination
	failed    []Failure
	messages  int64
	finished  int

	done chan struct{}
}

// NewWorker returns a Worker which transfers |dests| between the brokers.
func NewWorker(store Store, from, to *fleet.BrokerView, mode Mode, dests []protocol.Destination, cfg Config) *Worker {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Worker{
		store: store,
		from:  from,
		to:    to,
		mode:  mode,
		dests: append([]protocol.Destination(nil), dests...),
		cfg:   cfg,
		done:  make(chan struct{}),
	}
}

// Run the Worker to completion. Run returns an error only if |ctx| was
// cancelled before all Destinations were attempted; failures of individual
// Destinations are reported by FailedList. Run may be called only once.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)

	var started = time.Now()
	var grp, grpCtx = errgroup.WithContext(ctx)
	grp.SetLimit(w.cfg.Parallelism)

	for _, dest := range w.dests {
		var dest = dest
		if grpCtx.Err() != nil {
			break
		}
		grp.Go(func() error {
			var n, err = w.transferWithRetries(grpCtx, dest)
			w.finish(dest, n, err)
			return nil
		})
	}
	_ = grp.Wait()

	w.mu.Lock()
	var fields = log.Fields{
		"from":      w.from.ID(),
		"to":        w.to.ID(),
		"mode":      w.mode,
		"completed": len(w.completed),
		"failed":    len(w.failed),
		"messages":  humanize.Comma(w.messages),
		"elapsed":   time.Since(started),
	}
	w.mu.Unlock()
	log.WithFields(fields).Info("migration finished")

	return ctx.Err()
}

// Start runs the Worker in a new goroutine.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		if err := w.Run(ctx); err != nil {
			log.WithFields(log.Fields{"from": w.from.ID(), "to": w.to.ID(), "err": err}).
				Warn("migration was cancelled")
		}
	}()
}

// Done is closed when the Worker has finished.
func (w *Worker) Done() <-chan struct{} { return w.done }

// IsDone is true if the Worker has finished, and no transfer is outstanding.
func (w *Worker) IsDone() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// PercentageComplete is the percentage of Destinations which completed.
func (w *Worker) PercentageComplete() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.dests) == 0 {
		return 100
	}
	return 100 * float64(len(w.completed)) / float64(len(w.dests))
}

// CompletedList returns Destinations which completed, in completion order.
func (w *Worker) CompletedList() []protocol.Destination {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]protocol.Destination(nil), w.completed...)
}

// FailedList returns Destinations which failed all attempts.
func (w *Worker) FailedList() []Failure {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Failure(nil), w.failed...)
}

// Messages is the number of messages transferred.
func (w *Worker) Messages() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.messages
}

func (w *Worker) finish(dest protocol.Destination, n int64, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.messages += n
	w.finished++

	if err != nil {
		w.failed = append(w.failed, Failure{Destination: dest, Err: err})
		metrics.MigrationDestinationsTotal.WithLabelValues(w.mode.String(), metrics.Fail).Inc()
	} else {
		w.completed = append(w.completed, dest)
		metrics.MigrationDestinationsTotal.WithLabelValues(w.mode.String(), metrics.Ok).Inc()
	}
	log.WithFields(log.Fields{
		"destination": dest,
		"messages":    humanize.Comma(n),
		"progress":    fmt.Sprintf("%d/%d", w.finished, len(w.dests)),
		"err":         err,
	}).Debug("destination transfer finished")
}

func (w *Worker) transferWithRetries(ctx context.Context, dest protocol.Destination) (int64, error) {
	var total int64
	for attempt := 1; ; attempt++ {
		var n, err = w.transfer(ctx, dest)
		total += n

		if err == nil || attempt == w.cfg.MaxAttempts || ctx.Err() != nil {
			return total, err
		}
		log.WithFields(log.Fields{
			"destination": dest,
			"attempt":     attempt,
			"err":         err,
		}).Warn("destination transfer failed (will retry)")

		select {
		case <-ctx.Done():
			return total, err
		case <-time.After(w.cfg.RetryInterval):
		}
	}
}

// transfer drains |dest| of the source broker into the target broker.
// Topics have no retained messages, and complete immediately.
func (w *Worker) transfer(ctx context.Context, dest protocol.Destination) (n int64, err error) {
	if dest.Kind == protocol.Topic {
		return 0, nil
	}
	src, err := w.store.Open(ctx, w.from)
	if err != nil {
		return 0, errors.WithMessage(err, "opening source")
	}
	defer func() {
		if cErr := src.Close(); err == nil && cErr != nil {
			err = errors.WithMessage(cErr, "closing source")
		}
	}()

	dst, err := w.store.Open(ctx, w.to)
	if err != nil {
		return 0, errors.WithMessage(err, "opening target")
	}
	defer func() {
		if cErr := dst.Close(); err == nil && cErr != nil {
			err = errors.WithMessage(cErr, "closing target")
		}
	}()

	for {
		if err = ctx.Err(); err != nil {
			return n, err
		}
		var d, ok, getErr = src.Get(ctx, dest)
		if getErr != nil {
			return n, errors.WithMessage(getErr, "getting message")
		} else if !ok {
			return n, nil
		}
		if err = dst.Publish(ctx, dest, d.Message); err != nil {
			return n, errors.WithMessage(err, "publishing message")
		}
		if w.mode == Move {
			if err = src.Ack(ctx, d); err != nil {
				return n, errors.WithMessage(err, "acknowledging message")
			}
		}
		n++
		metrics.MigrationMessagesTotal.WithLabelValues(w.mode.String()).Inc()
	}
}
