package bus

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/target-evidence-core/internal/domain"
)

// Resolver maps a trigger to the (gene, cancer type) pairs it affects
type Resolver func(ctx context.Context, t Trigger) ([]domain.PairKey, error)

// Rescorer recomputes the score of one pair
type Rescorer interface {
	Rescore(ctx context.Context, pair domain.PairKey, profile string) error
}

// Config configures a Bus
type Config struct {
	QueueSize  int
	Window     time.Duration
	MaxDelay   time.Duration
	Thresholds Thresholds
}

// Stats is a snapshot of bus counters
type Stats struct {
	Published  int64 `json:"published"`
	Filtered   int64 `json:"filtered"`
	Overflowed int64 `json:"overflowed"`
	Coalesced  int64 `json:"coalesced"`
	Flushed    int64 `json:"flushed"`
	Failed     int64 `json:"failed"`
	Pending    int   `json:"pending"`
}

type pendingEntry struct {
	pair     domain.PairKey
	first    time.Time
	deadline time.Time
	profile  string
	triggers int
	seq      uint64
}

// Bus is the single-consumer update bus
type Bus struct {
	cfg      Config
	in       chan Trigger
	resolve  Resolver
	rescorer Rescorer
	profile  func() string
	now      func() time.Time
	log      *logrus.Logger

	// OnOverflow, when set, is called with every trigger dropped because the queue was full
	OnOverflow func(Trigger)

	mu      sync.Mutex
	pending map[domain.PairKey]*pendingEntry
	seq     uint64

	published  atomic.Int64
	filtered   atomic.Int64
	overflowed atomic.Int64
	coalesced  atomic.Int64
	flushed    atomic.Int64
	failed     atomic.Int64
}

// New creates a bus. profile returns the weight profile to stamp on newly
// pending pairs.
func New(cfg Config, resolve Resolver, rescorer Rescorer, profile func() string, logger *logrus.Logger) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Window <= 0 {
		cfg.Window = 250 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.Window {
		cfg.MaxDelay = 4 * cfg.Window
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds
	}
	return &Bus{
		cfg:      cfg,
		in:       make(chan Trigger, cfg.QueueSize),
		resolve:  resolve,
		rescorer: rescorer,
		profile:  profile,
		now:      time.Now,
		log:      logger,
		pending:  make(map[domain.PairKey]*pendingEntry),
	}
}

// Publish offers a trigger without blocking. It returns false when the
// trigger is below threshold or the queue is full; queued triggers are
// never displaced by newer ones.
func (b *Bus) Publish(t Trigger) bool {
	if !b.cfg.Thresholds.Passes(t) {
		b.filtered.Add(1)
		return false
	}
	select {
	case b.in <- t:
		b.published.Add(1)
		return true
	default:
		b.overflowed.Add(1)
		b.log.WithFields(logrus.Fields{
			"kind":    t.Kind,
			"fact_id": t.FactID,
			"subject": t.Subject,
			"queue":   b.cfg.QueueSize,
		}).Warn("Update bus full, trigger dropped")
		if b.OnOverflow != nil {
			b.OnOverflow(t)
		}
		return false
	}
}

// Run consumes triggers until ctx is cancelled, then drains the queue and
// flushes every pending pair.
func (b *Bus) Run(ctx context.Context) error {
	tick := b.cfg.Window / 4
	if tick < time.Millisecond {
		tick = time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	b.log.WithFields(logrus.Fields{
		"window":     b.cfg.Window,
		"queue_size": b.cfg.QueueSize,
	}).Info("Update bus consumer started")

	for {
		select {
		case <-ctx.Done():
			b.drain(ctx)
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			b.flush(flushCtx, true)
			cancel()
			b.log.Info("Update bus consumer stopped")
			return ctx.Err()
		case t := <-b.in:
			b.accept(ctx, t)
		case <-ticker.C:
			b.flush(ctx, false)
		}
	}
}

// FlushAll rescores every pending pair immediately. Call it only while Run
// is not active.
func (b *Bus) FlushAll(ctx context.Context) {
	b.drain(ctx)
	b.flush(ctx, true)
}

// Restamp replaces the weight profile of every pending pair
func (b *Bus) Restamp(profile string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.pending {
		e.profile = profile
	}
	return len(b.pending)
}

// Stats returns a snapshot of the bus counters
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	pending := len(b.pending)
	b.mu.Unlock()
	return Stats{
		Published:  b.published.Load(),
		Filtered:   b.filtered.Load(),
		Overflowed: b.overflowed.Load(),
		Coalesced:  b.coalesced.Load(),
		Flushed:    b.flushed.Load(),
		Failed:     b.failed.Load(),
		Pending:    pending,
	}
}

func (b *Bus) drain(ctx context.Context) {
	for {
		select {
		case t := <-b.in:
			b.accept(ctx, t)
		default:
			return
		}
	}
}

func (b *Bus) accept(ctx context.Context, t Trigger) {
	pairs, err := b.resolve(context.WithoutCancel(ctx), t)
	if err != nil {
		b.log.WithError(err).WithFields(logrus.Fields{
			"fact_id": t.FactID,
			"subject": t.Subject,
		}).Warn("Could not resolve trigger to scoring pairs")
		return
	}

	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range pairs {
		if e, ok := b.pending[p]; ok {
			e.triggers++
			e.deadline = now.Add(b.cfg.Window)
			if limit := e.first.Add(b.cfg.MaxDelay); e.deadline.After(limit) {
				e.deadline = limit
			}
			b.coalesced.Add(1)
			continue
		}
		b.seq++
		b.pending[p] = &pendingEntry{
			seq:      b.seq,
			pair:     p,
			first:    now,
			deadline: now.Add(b.cfg.Window),
			profile:  b.profile(),
			triggers: 1,
		}
	}
}

func (b *Bus) flush(ctx context.Context, all bool) {
	now := b.now()
	b.mu.Lock()
	var due []*pendingEntry
	for p, e := range b.pending {
		if all || !e.deadline.After(now) {
			due = append(due, e)
			delete(b.pending, p)
		}
	}
	b.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].seq < due[j].seq })

	for _, e := range due {
		if err := b.rescorer.Rescore(ctx, e.pair, e.profile); err != nil {
			b.failed.Add(1)
			b.log.WithError(err).WithFields(logrus.Fields{
				"pair":     e.pair.String(),
				"profile":  e.profile,
				"triggers": e.triggers,
			}).Error("Rescore failed")
			continue
		}
		b.flushed.Add(1)
		b.log.WithFields(logrus.Fields{
			"pair":     e.pair.String(),
			"profile":  e.profile,
			"triggers": e.triggers,
		}).Debug("Pair rescored")
	}
}
