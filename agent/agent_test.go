package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/fanin/cfg"
	"github.com/maxpert/fanin/image"
	"github.com/maxpert/fanin/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu   sync.Mutex
	data []string
}

func (c *collector) handle(data []byte, _ *image.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = append(c.data, string(data))
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

func newSubscription(t *testing.T, images ...image.Image) *subscription.Subscription {
	t.Helper()
	sub, err := subscription.New("mem:test", 1, 1, nil, nil)
	require.NoError(t, err)
	sub.InstallSnapshot(images)
	return sub
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{name: "missing subscription", config: Config{Handler: (&collector{}).handle}},
		{name: "missing handler", config: Config{Subscription: newSubscription(t)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config)
			require.Error(t, err)
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	a, err := New(Config{Subscription: newSubscription(t), Handler: (&collector{}).handle})
	require.NoError(t, err)

	assert.Equal(t, "mem:test", a.config.Name)
	assert.Equal(t, DefaultFragmentLimit, a.config.FragmentLimit)
	assert.IsType(t, &BackoffIdleStrategy{}, a.config.Idle)
}

func TestAgent_DeliversFragments(t *testing.T) {
	img := image.NewBufferedImage(1, 1, 1, "test", 64)
	for i := 0; i < 25; i++ {
		require.True(t, img.Offer([]byte{byte(i)}, 0))
	}

	c := &collector{}
	a, err := New(Config{
		Subscription:  newSubscription(t, img),
		Handler:       c.handle,
		FragmentLimit: 10,
		Idle:          &SleepingIdleStrategy{Period: time.Millisecond},
	})
	require.NoError(t, err)

	a.Start(context.Background())
	defer a.Stop()

	require.Eventually(t, func() bool { return c.len() == 25 }, 2*time.Second, 5*time.Millisecond)

	stats := a.Stats()
	assert.Equal(t, uint64(25), stats.Fragments)
	assert.GreaterOrEqual(t, stats.Polls, uint64(3), "limit of 10 needs at least three polls")
}

func TestAgent_StopIsIdempotent(t *testing.T) {
	a, err := New(Config{
		Subscription: newSubscription(t),
		Handler:      (&collector{}).handle,
		Idle:         &SleepingIdleStrategy{Period: time.Millisecond},
	})
	require.NoError(t, err)

	a.Stop()
	a.Start(context.Background())
	a.Start(context.Background())

	require.Eventually(t, func() bool { return a.Stats().IdlePolls > 0 }, 2*time.Second, time.Millisecond)
	a.Stop()
	a.Stop()

	polls := a.Stats().Polls
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, polls, a.Stats().Polls)
}

func TestAgent_ExitsOnContextCancel(t *testing.T) {
	a, err := New(Config{
		Subscription: newSubscription(t),
		Handler:      (&collector{}).handle,
		Idle:         &SleepingIdleStrategy{Period: time.Millisecond},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	a.Start(ctx)
	cancel()

	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not exit")
	}
	a.Stop()
}

func TestAgent_ExitsWhenSubscriptionClosed(t *testing.T) {
	sub := newSubscription(t)
	a, err := New(Config{
		Subscription: sub,
		Handler:      (&collector{}).handle,
		Idle:         &SleepingIdleStrategy{Period: time.Millisecond},
	})
	require.NoError(t, err)

	a.Start(context.Background())
	sub.Close()

	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not exit")
	}
	a.Stop()
}

func TestBackoffIdleStrategy(t *testing.T) {
	var parks []time.Duration
	b := NewBackoffIdleStrategy(2, 1, time.Microsecond, 4*time.Microsecond)
	b.sleep = func(d time.Duration) { parks = append(parks, d) }
	b.Reset()

	// two spins, one yield, then parks doubling up to the cap
	for i := 0; i < 7; i++ {
		b.Idle(0)
	}
	assert.Equal(t, []time.Duration{
		time.Microsecond,
		2 * time.Microsecond,
		4 * time.Microsecond,
		4 * time.Microsecond,
	}, parks)

	// work resets the progression
	b.Idle(3)
	parks = nil
	for i := 0; i < 4; i++ {
		b.Idle(0)
	}
	assert.Equal(t, []time.Duration{time.Microsecond}, parks)
}

func TestNewIdleStrategy(t *testing.T) {
	s := NewIdleStrategy(cfg.SubscriberConfiguration{IdleStrategy: cfg.IdleSleeping, SleepPeriodUS: 250})
	require.IsType(t, &SleepingIdleStrategy{}, s)
	assert.Equal(t, 250*time.Microsecond, s.(*SleepingIdleStrategy).Period)

	s = NewIdleStrategy(cfg.SubscriberConfiguration{
		IdleStrategy: cfg.IdleBackoff,
		MaxSpins:     3,
		MaxYields:    2,
		MinParkUS:    5,
		MaxParkUS:    50,
	})
	require.IsType(t, &BackoffIdleStrategy{}, s)
	b := s.(*BackoffIdleStrategy)
	assert.Equal(t, 3, b.MaxSpins)
	assert.Equal(t, 2, b.MaxYields)
	assert.Equal(t, 5*time.Microsecond, b.MinPark)
	assert.Equal(t, 50*time.Microsecond, b.MaxPark)
}
