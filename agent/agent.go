// Package agent runs the application side of a subscription: one goroutine
// polling it in a loop and handing fragments to a handler.
package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/fanin/image"
	"github.com/maxpert/fanin/telemetry"
	"github.com/rs/zerolog/log"
)

// DefaultFragmentLimit caps fragments per poll when the config leaves it unset
const DefaultFragmentLimit = 10

// Poller is the reader side of a subscription
type Poller interface {
	Poll(handler image.FragmentHandler, fragmentLimit int) int
	Channel() string
	IsClosed() bool
}

// Config configures an agent
type Config struct {
	Name          string
	Subscription  Poller
	Handler       image.FragmentHandler
	FragmentLimit int
	Idle          IdleStrategy
}

// Stats counts an agent's work
type Stats struct {
	Polls     uint64 `json:"polls"`
	Fragments uint64 `json:"fragments"`
	IdlePolls uint64 `json:"idle_polls"`
}

// Agent is the single reader of one subscription
type Agent struct {
	config Config

	polls     atomic.Uint64
	fragments atomic.Uint64
	idlePolls atomic.Uint64

	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// New creates an agent
func New(config Config) (*Agent, error) {
	if config.Subscription == nil {
		return nil, errors.New("agent requires a subscription")
	}
	if config.Handler == nil {
		return nil, errors.New("agent requires a fragment handler")
	}
	if config.FragmentLimit <= 0 {
		config.FragmentLimit = DefaultFragmentLimit
	}
	if config.Idle == nil {
		config.Idle = NewBackoffIdleStrategy(10, 5, time.Microsecond, time.Millisecond)
	}
	if config.Name == "" {
		config.Name = config.Subscription.Channel()
	}

	return &Agent{config: config}, nil
}

// Start starts the poll loop. It runs until Stop, ctx is done, or the
// subscription is closed.
func (a *Agent) Start(ctx context.Context) {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()

	if a.running.Load() {
		return
	}

	a.running.Store(true)
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})

	log.Info().
		Str("agent", a.config.Name).
		Int("fragment_limit", a.config.FragmentLimit).
		Msg("Starting subscriber agent")

	go a.pollLoop(ctx, a.stopCh, a.doneCh)
}

// Stop stops the poll loop and waits for it to exit
func (a *Agent) Stop() {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()

	if !a.running.Load() {
		return
	}

	close(a.stopCh)
	<-a.doneCh
	a.running.Store(false)

	log.Info().Str("agent", a.config.Name).Msg("Subscriber agent stopped")
}

// Done is closed when the poll loop exits
func (a *Agent) Done() <-chan struct{} {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()
	return a.doneCh
}

// Stats returns counters accumulated across runs
func (a *Agent) Stats() Stats {
	return Stats{
		Polls:     a.polls.Load(),
		Fragments: a.fragments.Load(),
		IdlePolls: a.idlePolls.Load(),
	}
}

func (a *Agent) pollLoop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	sub := a.config.Subscription
	channel := sub.Channel()
	pollsTotal := telemetry.PollsTotal.With(channel)
	fragmentsTotal := telemetry.FragmentsReadTotal.With(channel)

	a.config.Idle.Reset()
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if sub.IsClosed() {
			log.Info().Str("agent", a.config.Name).Msg("Subscription closed, agent exiting")
			return
		}

		n := sub.Poll(a.config.Handler, a.config.FragmentLimit)
		a.polls.Add(1)
		pollsTotal.Inc()

		if n > 0 {
			a.fragments.Add(uint64(n))
			fragmentsTotal.Add(float64(n))
			telemetry.PollFragments.Observe(float64(n))
		} else {
			a.idlePolls.Add(1)
		}

		a.config.Idle.Idle(n)
	}
}
