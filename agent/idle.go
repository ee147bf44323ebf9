package agent

import (
	"runtime"
	"time"

	"github.com/maxpert/fanin/cfg"
)

// IdleStrategy decides how a poll loop waits after a poll that did no work
type IdleStrategy interface {
	// Idle is called after every poll with the fragments it read
	Idle(workCount int)
	Reset()
}

// BackoffIdleStrategy spins, then yields, then parks with exponential backoff
// between MinPark and MaxPark. Not safe for concurrent use.
type BackoffIdleStrategy struct {
	MaxSpins  int
	MaxYields int
	MinPark   time.Duration
	MaxPark   time.Duration

	spins  int
	yields int
	park   time.Duration
	sleep  func(time.Duration)
}

// NewBackoffIdleStrategy creates a backoff strategy
func NewBackoffIdleStrategy(maxSpins, maxYields int, minPark, maxPark time.Duration) *BackoffIdleStrategy {
	return &BackoffIdleStrategy{
		MaxSpins:  maxSpins,
		MaxYields: maxYields,
		MinPark:   minPark,
		MaxPark:   maxPark,
	}
}

func (b *BackoffIdleStrategy) Idle(workCount int) {
	if workCount > 0 {
		b.Reset()
		return
	}

	switch {
	case b.spins < b.MaxSpins:
		b.spins++
	case b.yields < b.MaxYields:
		b.yields++
		runtime.Gosched()
	default:
		if b.park < b.MinPark {
			b.park = b.MinPark
		}
		b.doSleep(b.park)
		b.park *= 2
		if b.park > b.MaxPark {
			b.park = b.MaxPark
		}
	}
}

func (b *BackoffIdleStrategy) Reset() {
	b.spins = 0
	b.yields = 0
	b.park = b.MinPark
}

func (b *BackoffIdleStrategy) doSleep(d time.Duration) {
	if b.sleep != nil {
		b.sleep(d)
		return
	}
	time.Sleep(d)
}

// SleepingIdleStrategy sleeps for a fixed period whenever a poll does no work
type SleepingIdleStrategy struct {
	Period time.Duration
}

func (s *SleepingIdleStrategy) Idle(workCount int) {
	if workCount > 0 {
		return
	}
	time.Sleep(s.Period)
}

func (s *SleepingIdleStrategy) Reset() {}

// NewIdleStrategy builds the strategy selected in the subscriber configuration
func NewIdleStrategy(config cfg.SubscriberConfiguration) IdleStrategy {
	if config.IdleStrategy == cfg.IdleSleeping {
		return &SleepingIdleStrategy{Period: time.Duration(config.SleepPeriodUS) * time.Microsecond}
	}
	return NewBackoffIdleStrategy(
		config.MaxSpins,
		config.MaxYields,
		time.Duration(config.MinParkUS)*time.Microsecond,
		time.Duration(config.MaxParkUS)*time.Microsecond,
	)
}
