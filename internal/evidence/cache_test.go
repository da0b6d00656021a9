package evidence

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target-evidence-core/internal/domain"
)

// countingProvider answers from a queue of responses and counts calls
type countingProvider struct {
	calls     atomic.Int32
	responses []func() (*float64, error)
}

func (p *countingProvider) fetch(ctx context.Context) (*float64, error) {
	n := int(p.calls.Add(1)) - 1
	if n >= len(p.responses) {
		n = len(p.responses) - 1
	}
	return p.responses[n]()
}

func noData() (*float64, error) { return nil, nil }

func TestProviderCache_NegativeAnswers(t *testing.T) {
	const negativeTTL = 50 * time.Millisecond
	c := NewProviderCache(CacheConfig{Size: 16, TTL: time.Hour, NegativeTTL: negativeTTL}, testLogger())
	p := &countingProvider{responses: []func() (*float64, error){
		noData,
		func() (*float64, error) { return ptr(0.42), nil },
	}}
	ctx := context.Background()

	v, err := Fetch(ctx, c, "cosmic", "KRAS:PAAD", p.fetch)
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.Equal(t, int32(1), p.calls.Load())

	v, err = Fetch(ctx, c, "cosmic", "KRAS:PAAD", p.fetch)
	require.NoError(t, err)
	assert.Nil(t, v, "no-data answer served from cache")
	assert.Equal(t, int32(1), p.calls.Load())
	assert.Equal(t, int64(1), c.Stats().NegativeHits)

	// other keys and other providers are not affected
	_, err = Fetch(ctx, c, "depmap", "KRAS:PAAD", p.fetch)
	require.NoError(t, err)
	assert.Equal(t, int32(2), p.calls.Load())

	p.calls.Store(0)
	time.Sleep(negativeTTL + 30*time.Millisecond)

	v, err = Fetch(ctx, c, "cosmic", "KRAS:PAAD", p.fetch)
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.calls.Load(), "provider asked again once the negative entry expired")
	assert.Nil(t, v)

	v, err = Fetch(ctx, c, "cosmic", "KRAS:PAAD", p.fetch)
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.calls.Load())
	assert.Nil(t, v)
}

func TestProviderCache_PositiveReplacesExpiredNegative(t *testing.T) {
	const negativeTTL = 50 * time.Millisecond
	c := NewProviderCache(CacheConfig{Size: 16, TTL: time.Hour, NegativeTTL: negativeTTL}, testLogger())
	p := &countingProvider{responses: []func() (*float64, error){
		noData,
		func() (*float64, error) { return ptr(0.42), nil },
	}}
	ctx := context.Background()

	_, err := Fetch(ctx, c, "cosmic", "EGFR:LUAD", p.fetch)
	require.NoError(t, err)

	time.Sleep(negativeTTL + 30*time.Millisecond)

	for i := 0; i < 3; i++ {
		v, err := Fetch(ctx, c, "cosmic", "EGFR:LUAD", p.fetch)
		require.NoError(t, err)
		require.NotNil(t, v)
		assert.InDelta(t, 0.42, *v, 1e-9)
	}
	assert.Equal(t, int32(2), p.calls.Load())
	assert.Equal(t, int64(2), c.Stats().Hits)
}

func TestProviderCache_ErrorsAreNotCached(t *testing.T) {
	c := NewProviderCache(CacheConfig{Size: 16, TTL: time.Hour, NegativeTTL: time.Hour}, testLogger())
	outage := domain.NewError(domain.KindProviderUnavailable, "cosmic.Frequency", "503")
	p := &countingProvider{responses: []func() (*float64, error){
		func() (*float64, error) { return nil, outage },
		func() (*float64, error) { return nil, outage },
		noData,
	}}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := Fetch(ctx, c, "cosmic", "TP53:PAAD", p.fetch)
		assert.True(t, errors.Is(err, domain.ErrProviderUnavailable))
	}
	assert.Equal(t, int32(2), p.calls.Load(), "each failure reaches the provider")
	assert.Zero(t, c.Stats().NegativeHits)

	v, err := Fetch(ctx, c, "cosmic", "TP53:PAAD", p.fetch)
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.Equal(t, int32(3), p.calls.Load())

	_, err = Fetch(ctx, c, "cosmic", "TP53:PAAD", p.fetch)
	require.NoError(t, err)
	assert.Equal(t, int32(3), p.calls.Load(), "the no-data answer after recovery is cached")
}
