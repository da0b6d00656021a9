package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target-evidence-core/internal/domain"
)

type call struct {
	pair    domain.PairKey
	profile string
}

type recordingRescorer struct {
	mu    sync.Mutex
	calls []call
	fail  bool
}

func (r *recordingRescorer) Rescore(ctx context.Context, pair domain.PairKey, profile string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{pair, profile})
	if r.fail {
		return errors.New("scorer down")
	}
	return nil
}

func (r *recordingRescorer) snapshot() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

// subjectObjectResolver maps a trigger to (subject, object) or (subject, "BRCA")
func subjectObjectResolver(ctx context.Context, t Trigger) ([]domain.PairKey, error) {
	cancer := t.Object
	if cancer == "" {
		cancer = "BRCA"
	}
	return []domain.PairKey{{Gene: t.Subject, CancerType: cancer}}, nil
}

func staticProfile(name string) func() string {
	return func() string { return name }
}

func TestThresholds(t *testing.T) {
	th := DefaultThresholds

	assert.True(t, th.Passes(ConfidenceChanged(1, "KRAS", 0.50, 0.56)))
	assert.False(t, th.Passes(ConfidenceChanged(1, "KRAS", 0.50, 0.53)))
	assert.True(t, th.Passes(ConfidenceChanged(1, "KRAS", 0.56, 0.50)))
	assert.True(t, th.Passes(NewFact(1, "KRAS", "PAAD", 0.06)))
	assert.False(t, th.Passes(NewFact(1, "KRAS", "PAAD", 0.05)))
	assert.False(t, th.Passes(Trigger{Kind: "unknown"}))

	// a change of exactly the threshold never passes, whatever the rounding
	boundary := []struct{ old, new float64 }{
		{0.50, 0.55}, {0.10, 0.15}, {0.55, 0.50}, {0.15, 0.10}, {0.70, 0.75}, {0.30, 0.35},
	}
	for _, b := range boundary {
		assert.False(t, th.Passes(ConfidenceChanged(1, "KRAS", b.old, b.new)), "%.2f -> %.2f", b.old, b.new)
	}
	assert.True(t, th.Passes(ConfidenceChanged(1, "KRAS", 0.10, 0.16)))
	assert.True(t, th.Passes(ConfidenceChanged(1, "KRAS", 0.50, 0.5501)))
	assert.False(t, th.Passes(NewFact(1, "KRAS", "PAAD", 0.1-0.05)))
	assert.True(t, th.Passes(NewFact(1, "KRAS", "PAAD", 0.0501)))
}

func TestBus_FiltersBelowThreshold(t *testing.T) {
	r := &recordingRescorer{}
	b := New(Config{Window: 10 * time.Millisecond}, subjectObjectResolver, r, staticProfile("default"), testLogger())

	assert.True(t, b.Publish(ConfidenceChanged(1, "KRAS", 0.50, 0.56)))
	assert.False(t, b.Publish(ConfidenceChanged(1, "KRAS", 0.50, 0.53)))

	b.FlushAll(context.Background())
	calls := r.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, domain.PairKey{Gene: "KRAS", CancerType: "BRCA"}, calls[0].pair)

	stats := b.Stats()
	assert.Equal(t, int64(1), stats.Published)
	assert.Equal(t, int64(1), stats.Filtered)
}

func TestBus_CoalescesWithinWindow(t *testing.T) {
	r := &recordingRescorer{}
	b := New(Config{Window: 50 * time.Millisecond}, subjectObjectResolver, r, staticProfile("default"), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	for i := 0; i < 5; i++ {
		require.True(t, b.Publish(NewFact(int64(i+1), "KRAS", "PAAD", 0.9)))
	}
	require.True(t, b.Publish(NewFact(10, "EGFR", "LUAD", 0.9)))

	assert.Eventually(t, func() bool { return len(r.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, r.snapshot(), 2, "each pair is rescored once")

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	stats := b.Stats()
	assert.Equal(t, int64(4), stats.Coalesced)
	assert.Equal(t, int64(2), stats.Flushed)
}

func TestBus_OverflowKeepsQueuedTriggers(t *testing.T) {
	r := &recordingRescorer{}
	b := New(Config{QueueSize: 2, Window: 10 * time.Millisecond}, subjectObjectResolver, r, staticProfile("default"), testLogger())
	var dropped []Trigger
	b.OnOverflow = func(t Trigger) { dropped = append(dropped, t) }

	assert.True(t, b.Publish(NewFact(1, "KRAS", "PAAD", 0.9)))
	assert.True(t, b.Publish(NewFact(2, "EGFR", "LUAD", 0.9)))

	start := time.Now()
	assert.False(t, b.Publish(NewFact(3, "MYC", "BRCA", 0.9)))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "publish never blocks")

	require.Len(t, dropped, 1)
	assert.Equal(t, int64(3), dropped[0].FactID)
	assert.Equal(t, int64(1), b.Stats().Overflowed)

	b.FlushAll(context.Background())
	calls := r.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, "KRAS", calls[0].pair.Gene)
	assert.Equal(t, "EGFR", calls[1].pair.Gene)
}

func TestBus_RestampPending(t *testing.T) {
	r := &recordingRescorer{}
	b := New(Config{Window: time.Hour}, subjectObjectResolver, r, staticProfile("default"), testLogger())

	b.Publish(NewFact(1, "KRAS", "PAAD", 0.9))
	b.drain(context.Background())
	assert.Equal(t, 1, b.Restamp("structural-emphasis"))

	b.FlushAll(context.Background())
	calls := r.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "structural-emphasis", calls[0].profile)
}

func TestBus_KeepsPendingProfileWithoutRestamp(t *testing.T) {
	r := &recordingRescorer{}
	active := "default"
	b := New(Config{Window: time.Hour}, subjectObjectResolver, r, func() string { return active }, testLogger())

	b.Publish(NewFact(1, "KRAS", "PAAD", 0.9))
	b.drain(context.Background())
	active = "literature-emphasis"
	b.Publish(NewFact(2, "EGFR", "LUAD", 0.9))

	b.FlushAll(context.Background())
	calls := r.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, "default", calls[0].profile)
	assert.Equal(t, "literature-emphasis", calls[1].profile)
}

func TestBus_RescoreFailureCounted(t *testing.T) {
	r := &recordingRescorer{fail: true}
	b := New(Config{Window: time.Millisecond}, subjectObjectResolver, r, staticProfile("default"), testLogger())

	b.Publish(NewFact(1, "KRAS", "PAAD", 0.9))
	b.FlushAll(context.Background())
	assert.Equal(t, int64(1), b.Stats().Failed)
	assert.Equal(t, 0, b.Stats().Pending)
}
