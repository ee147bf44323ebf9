package conductor

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/fanin/channel"
	"github.com/maxpert/fanin/image"
	"github.com/maxpert/fanin/notify"
	"github.com/maxpert/fanin/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeSource struct {
	mu           sync.Mutex
	subscribed   map[int64]string
	unsubscribed []int64
	err          error
}

func newFakeSource() *fakeSource {
	return &fakeSource{subscribed: make(map[int64]string)}
}

func (f *fakeSource) Subscribe(registrationID int64, uri *channel.URI, _ int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.subscribed[registrationID] = uri.String()
	return nil
}

func (f *fakeSource) Unsubscribe(registrationID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, registrationID)
	return nil
}

func (f *fakeSource) Unsubscribed() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.unsubscribed...)
}

// imageLog records callbacks, which run on the duty-cycle goroutine
type imageLog struct {
	mu          sync.Mutex
	available   []int64
	unavailable []int64
}

func (l *imageLog) onAvailable(img image.Image) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.available = append(l.available, img.CorrelationID())
}

func (l *imageLog) onUnavailable(img image.Image) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unavailable = append(l.unavailable, img.CorrelationID())
}

func (l *imageLog) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.available), len(l.unavailable)
}

func newTestConductor(t *testing.T, config Config) *Conductor {
	t.Helper()
	if config.DutyCycle == 0 {
		config.DutyCycle = time.Millisecond
	}
	if config.PruneInterval == 0 {
		config.PruneInterval = time.Millisecond
	}
	c, err := New(config)
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)
	return c
}

func addSubscription(t *testing.T, c *Conductor, uri string, streamID int32, l *imageLog) *subscription.Subscription {
	t.Helper()
	sub, err := c.AddSubscription(uri, streamID, l.onAvailable, l.onUnavailable).Get()
	require.NoError(t, err)
	require.NotNil(t, sub)
	return sub
}

func newImage(c *Conductor, sessionID int32) *image.BufferedImage {
	return image.NewBufferedImage(c.NextCorrelationID(), sessionID, 1, "test", 16)
}

func TestNewRejectsNegativeLinger(t *testing.T) {
	_, err := New(Config{ResourceLinger: -time.Second})
	require.Error(t, err)
}

func TestAddSubscription(t *testing.T) {
	c := newTestConductor(t, Config{})
	sub := addSubscription(t, c, "mem:prices", 1, &imageLog{})

	assert.Equal(t, "mem:prices", sub.Channel())
	assert.Equal(t, int32(1), sub.StreamID())
	assert.Equal(t, int64(0), sub.Version(), "initial empty snapshot installed")
	assert.Equal(t, 0, sub.Poll(func([]byte, *image.Header) {}, 10))

	found, ok := c.FindSubscription(sub.RegistrationID())
	require.True(t, ok)
	assert.Same(t, sub, found)
	assert.Len(t, c.Subscriptions(), 1)
}

func TestAddSubscriptionInvalidChannel(t *testing.T) {
	c := newTestConductor(t, Config{})
	_, err := c.AddSubscription("no-scheme", 1, nil, nil).Get()

	var parseErr *channel.ParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestAddSubscriptionUsesSource(t *testing.T) {
	src := newFakeSource()
	c := newTestConductor(t, Config{Sources: map[string]SourceProvider{"nats": src}})

	sub := addSubscription(t, c, "nats:orders.*", 1, &imageLog{})
	src.mu.Lock()
	assert.Equal(t, "nats:orders.*", src.subscribed[sub.RegistrationID()])
	src.mu.Unlock()

	_, err := c.CloseSubscription(sub.RegistrationID()).Get()
	require.NoError(t, err)
	assert.Equal(t, []int64{sub.RegistrationID()}, src.Unsubscribed())
}

func TestAddSubscriptionSourceError(t *testing.T) {
	src := newFakeSource()
	src.err = errors.New("boom")
	c := newTestConductor(t, Config{Sources: map[string]SourceProvider{"nats": src}})

	_, err := c.AddSubscription("nats:orders", 1, nil, nil).Get()
	require.ErrorIs(t, err, src.err)
	assert.Empty(t, c.Subscriptions())
}

func TestImageAvailableAndPoll(t *testing.T) {
	c := newTestConductor(t, Config{})
	l := &imageLog{}
	sub := addSubscription(t, c, "mem:prices", 1, l)

	img := newImage(c, 7)
	require.True(t, img.Offer([]byte("a"), 0))
	require.True(t, img.Offer([]byte("b"), 0))
	require.True(t, c.ImageAvailable(sub.RegistrationID(), "mem:prices", img))

	require.Eventually(t, func() bool {
		avail, _ := l.counts()
		return avail == 1
	}, waitFor, tick)

	assert.Equal(t, 1, sub.ImageCount())
	assert.Same(t, img, sub.ImageBySessionID(7))
	assert.True(t, sub.IsConnected())

	var got []string
	n := sub.Poll(func(data []byte, _ *image.Header) { got = append(got, string(data)) }, 10)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestImageAvailableDuplicateIgnored(t *testing.T) {
	c := newTestConductor(t, Config{})
	l := &imageLog{}
	sub := addSubscription(t, c, "mem:prices", 1, l)

	img := newImage(c, 1)
	c.ImageAvailable(sub.RegistrationID(), "", img)
	c.ImageAvailable(sub.RegistrationID(), "", img)

	require.Eventually(t, func() bool {
		avail, _ := l.counts()
		return avail == 1
	}, waitFor, tick)

	_, err := c.CloseSubscription(sub.RegistrationID()).Get()
	require.NoError(t, err)
	avail, _ := l.counts()
	assert.Equal(t, 1, avail)
}

func TestImageAvailableSourceMismatch(t *testing.T) {
	c := newTestConductor(t, Config{})
	l := &imageLog{}
	sub := addSubscription(t, c, "nats:orders.*", 1, l)

	img := newImage(c, 1)
	c.ImageAvailable(sub.RegistrationID(), "nats:prices.eu", img)

	require.Eventually(t, img.IsClosed, waitFor, tick)
	assert.Equal(t, 0, sub.ImageCount())
	avail, _ := l.counts()
	assert.Equal(t, 0, avail)
}

func TestImageAvailableUnknownSubscription(t *testing.T) {
	c := newTestConductor(t, Config{})
	img := newImage(c, 1)
	c.ImageAvailable(424242, "", img)
	require.Eventually(t, img.IsClosed, waitFor, tick)
}

func TestImageUnavailableLingers(t *testing.T) {
	c := newTestConductor(t, Config{ResourceLinger: 50 * time.Millisecond})
	l := &imageLog{}
	sub := addSubscription(t, c, "mem:prices", 1, l)

	img := newImage(c, 1)
	c.ImageAvailable(sub.RegistrationID(), "", img)
	require.Eventually(t, func() bool { return sub.ImageCount() == 1 }, waitFor, tick)

	c.ImageUnavailable(sub.RegistrationID(), img.CorrelationID())
	require.Eventually(t, func() bool {
		_, unavail := l.counts()
		return unavail == 1
	}, waitFor, tick)

	assert.Equal(t, 0, sub.ImageCount())
	assert.False(t, img.IsClosed(), "image stays open while lingering")
	require.Eventually(t, img.IsClosed, waitFor, tick)
	require.Eventually(t, func() bool { return c.LingeringImageCount() == 0 }, waitFor, tick)
}

func TestImageUnavailableUnknownImage(t *testing.T) {
	c := newTestConductor(t, Config{})
	l := &imageLog{}
	sub := addSubscription(t, c, "mem:prices", 1, l)
	version := sub.Version()

	c.ImageUnavailable(sub.RegistrationID(), 99)
	_, err := c.CloseSubscription(424242).Get()
	require.ErrorIs(t, err, ErrUnknownSubscription)

	assert.Equal(t, version, sub.Version())
	_, unavail := l.counts()
	assert.Equal(t, 0, unavail)
}

func TestCloseSubscription(t *testing.T) {
	c := newTestConductor(t, Config{})
	l := &imageLog{}
	sub := addSubscription(t, c, "mem:prices", 1, l)

	a, b := newImage(c, 1), newImage(c, 2)
	c.ImageAvailable(sub.RegistrationID(), "", a)
	c.ImageAvailable(sub.RegistrationID(), "", b)
	require.Eventually(t, func() bool { return sub.ImageCount() == 2 }, waitFor, tick)

	_, err := c.CloseSubscription(sub.RegistrationID()).Get()
	require.NoError(t, err)

	assert.True(t, sub.IsClosed())
	_, ok := c.FindSubscription(sub.RegistrationID())
	assert.False(t, ok)
	_, unavail := l.counts()
	assert.Equal(t, 2, unavail)

	require.Eventually(t, func() bool { return a.IsClosed() && b.IsClosed() }, waitFor, tick)
	assert.Equal(t, 0, sub.Poll(func([]byte, *image.Header) {}, 10))
}

func TestCloseUnknownSubscription(t *testing.T) {
	c := newTestConductor(t, Config{})
	_, err := c.CloseSubscription(1).Get()
	require.ErrorIs(t, err, ErrUnknownSubscription)
}

func TestPruneFollowsReader(t *testing.T) {
	c := newTestConductor(t, Config{})
	sub := addSubscription(t, c, "mem:prices", 1, &imageLog{})

	for i := int32(0); i < 5; i++ {
		c.ImageAvailable(sub.RegistrationID(), "", newImage(c, i))
	}
	require.Eventually(t, func() bool { return sub.ImageCount() == 5 }, waitFor, tick)

	// Reader publishes the head version; everything older becomes unreachable
	sub.Poll(func([]byte, *image.Header) {}, 10)
	assert.Equal(t, sub.Version(), sub.LastObservedVersion())

	require.Eventually(t, func() bool {
		stats := c.SubscriptionStats()
		return len(stats) == 1 && stats[0].ChainLength == 1
	}, waitFor, tick)
}

func TestStatsWithoutReader(t *testing.T) {
	c := newTestConductor(t, Config{})
	sub := addSubscription(t, c, "mem:prices", 1, &imageLog{})
	c.ImageAvailable(sub.RegistrationID(), "", newImage(c, 1))

	require.Eventually(t, func() bool {
		stats := c.SubscriptionStats()
		return len(stats) == 1 && stats[0].Images == 1
	}, waitFor, tick)

	stats := c.SubscriptionStats()[0]
	assert.Equal(t, sub.RegistrationID(), stats.RegistrationID)
	assert.Equal(t, int64(1), stats.Version)
	assert.Equal(t, int64(-1), stats.LastObservedVersion)
	assert.Equal(t, 2, stats.ChainLength, "nothing pruned until the reader polls")
}

func TestHubEvents(t *testing.T) {
	hub := notify.NewHub()
	events, cancel := hub.Subscribe(notify.Filter{})
	defer cancel()

	c := newTestConductor(t, Config{Hub: hub})
	sub := addSubscription(t, c, "mem:prices", 3, &imageLog{})

	img := image.NewBufferedImage(c.NextCorrelationID(), 9, 3, "10.0.0.1:4000", 16)
	c.ImageAvailable(sub.RegistrationID(), "", img)
	c.ImageUnavailable(sub.RegistrationID(), img.CorrelationID())

	for _, kind := range []notify.EventKind{notify.ImageAvailable, notify.ImageUnavailable} {
		select {
		case ev := <-events:
			assert.Equal(t, kind, ev.Kind)
			assert.Equal(t, sub.RegistrationID(), ev.RegistrationID)
			assert.Equal(t, img.CorrelationID(), ev.CorrelationID)
			assert.Equal(t, int32(9), ev.SessionID)
			assert.Equal(t, int32(3), ev.StreamID)
			assert.Equal(t, "mem:prices", ev.Channel)
			assert.Equal(t, "10.0.0.1:4000", ev.SourceIdentity)
		case <-time.After(waitFor):
			t.Fatalf("no %s event", kind)
		}
	}
}

func TestCallbackPanicRecovered(t *testing.T) {
	c := newTestConductor(t, Config{})
	sub, err := c.AddSubscription("mem:prices", 1, func(image.Image) { panic("boom") }, nil).Get()
	require.NoError(t, err)

	c.ImageAvailable(sub.RegistrationID(), "", newImage(c, 1))

	// Conductor keeps serving commands
	other := addSubscription(t, c, "mem:other", 1, &imageLog{})
	assert.NotEqual(t, sub.RegistrationID(), other.RegistrationID())
	assert.Equal(t, 1, sub.ImageCount())
}

func TestStop(t *testing.T) {
	c, err := New(Config{DutyCycle: time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, c.Start())
	require.ErrorIs(t, c.Start(), ErrConductorRunning)

	l := &imageLog{}
	sub := addSubscription(t, c, "mem:prices", 1, l)
	img := newImage(c, 1)
	c.ImageAvailable(sub.RegistrationID(), "", img)
	require.Eventually(t, func() bool { return sub.ImageCount() == 1 }, waitFor, tick)

	c.Stop()
	c.Stop()

	assert.True(t, sub.IsClosed())
	assert.True(t, img.IsClosed())
	assert.Empty(t, c.Subscriptions())

	_, err = c.AddSubscription("mem:prices", 1, nil, nil).Get()
	require.ErrorIs(t, err, ErrConductorStopped)
	_, err = c.CloseSubscription(sub.RegistrationID()).Get()
	require.ErrorIs(t, err, ErrConductorStopped)
	assert.False(t, c.ImageAvailable(1, "", newImage(c, 2)))
	require.ErrorIs(t, c.Start(), ErrConductorStopped)
}

func TestStopWithoutStart(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)
	c.Stop()

	_, err = c.AddSubscription("mem:prices", 1, nil, nil).Get()
	require.ErrorIs(t, err, ErrConductorStopped)
}

func TestStopResolvesConcurrentCommands(t *testing.T) {
	for round := 0; round < 20; round++ {
		c, err := New(Config{DutyCycle: time.Millisecond, CommandBuffer: 1})
		require.NoError(t, err)
		require.NoError(t, c.Start())

		const callers = 32
		var wg sync.WaitGroup
		images := make([]*image.BufferedImage, callers)
		for i := 0; i < callers; i++ {
			images[i] = newImage(c, int32(i+1))
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if i%2 == 0 {
					_, err := c.AddSubscription("mem:prices", 1, nil, nil).Get()
					if err != nil {
						assert.ErrorIs(t, err, ErrConductorStopped)
					}
					return
				}
				c.ImageAvailable(int64(i), "", images[i])
			}(i)
		}

		c.Stop()

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(waitFor):
			t.Fatalf("round %d: commands left unresolved after Stop", round)
		}

		// Every image handed over is closed, either as unknown or at shutdown
		for i := 1; i < callers; i += 2 {
			assert.True(t, images[i].IsClosed(), "image %d", i)
		}
	}
}

func TestImageAvailableAfterStopClosesImage(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)
	c.Stop()

	img := newImage(c, 1)
	assert.False(t, c.ImageAvailable(1, "", img))
	assert.True(t, img.IsClosed())
}
