package transport

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/fanin/encoding"
	"github.com/maxpert/fanin/image"
	"github.com/maxpert/fanin/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// Frame results reported to telemetry
const (
	resultOK          = "ok"
	resultDecodeError = "decode_error"
	resultFiltered    = "filtered"
	resultDropped     = "dropped"
)

// ErrStreamMismatch is returned when a frame belongs to another stream
var ErrStreamMismatch = errors.New("frame stream id does not match subscription")

// ErrBufferFull is returned when an image ring has no room for a frame
var ErrBufferFull = errors.New("image buffer full")

// ErrRouteClosed is returned for frames arriving after the subscription was removed
var ErrRouteClosed = errors.New("route closed")

type session struct {
	img      *image.BufferedImage
	lastSeen atomic.Int64 // unix nanos
}

// Route carries frames for one subscription. Each distinct session key
// becomes its own image, announced to the listener on first sight.
type Route struct {
	transport      string
	registrationID int64
	streamID       int32
	opts           Options
	sessions       *xsync.MapOf[string, *session]
	closed         atomic.Bool
}

func newRoute(transport string, registrationID int64, streamID int32, opts Options) *Route {
	return &Route{
		transport:      transport,
		registrationID: registrationID,
		streamID:       streamID,
		opts:           opts,
		sessions:       xsync.NewMapOf[string, *session](),
	}
}

// RegistrationID returns the subscription the route feeds
func (r *Route) RegistrationID() int64 { return r.registrationID }

// Sessions returns the number of live sessions
func (r *Route) Sessions() int { return r.sessions.Size() }

// Deliver decodes data as a frame and offers its payload to the image for sessionKey
func (r *Route) Deliver(sessionKey, sourceChannel string, data []byte, now time.Time) error {
	if r.closed.Load() {
		telemetry.TransportFramesTotal.With(r.transport, resultDropped).Inc()
		return ErrRouteClosed
	}

	frame, err := encoding.DecodeFrame(data)
	if err != nil {
		telemetry.TransportFramesTotal.With(r.transport, resultDecodeError).Inc()
		return err
	}

	if frame.StreamID != r.streamID {
		telemetry.TransportFramesTotal.With(r.transport, resultFiltered).Inc()
		return ErrStreamMismatch
	}

	s, loaded := r.sessions.LoadOrCompute(sessionKey, func() *session {
		sessionID := frame.SessionID
		if sessionID == 0 {
			sessionID = int32(xxhash.Sum64String(sessionKey))
		}
		return &session{
			img: image.NewBufferedImage(
				r.opts.Listener.NextCorrelationID(),
				sessionID,
				r.streamID,
				sessionKey,
				r.opts.RingSlots,
			),
		}
	})
	s.lastSeen.Store(now.UnixNano())

	if !loaded {
		log.Debug().
			Str("transport", r.transport).
			Int64("registration_id", r.registrationID).
			Str("session", sessionKey).
			Int64("correlation_id", s.img.CorrelationID()).
			Msg("New session")
		r.opts.Listener.ImageAvailable(r.registrationID, sourceChannel, s.img)
	}

	if !s.img.Offer(frame.Payload, frame.Flags) {
		telemetry.TransportFramesTotal.With(r.transport, resultDropped).Inc()
		return ErrBufferFull
	}

	telemetry.TransportFramesTotal.With(r.transport, resultOK).Inc()
	return nil
}

// Reap reports sessions idle for longer than the liveness timeout as
// unavailable and forgets them. Returns the number reaped.
func (r *Route) Reap(now time.Time) int {
	cutoff := now.Add(-r.opts.LivenessTimeout).UnixNano()
	reaped := 0

	r.sessions.Range(func(key string, _ *session) bool {
		var expired *session
		r.sessions.Compute(key, func(s *session, loaded bool) (*session, bool) {
			if !loaded {
				return s, true
			}
			if s.lastSeen.Load() < cutoff {
				expired = s
				return s, true
			}
			return s, false
		})

		if expired != nil {
			reaped++
			log.Info().
				Str("transport", r.transport).
				Int64("registration_id", r.registrationID).
				Str("session", key).
				Msg("Session timed out")
			r.opts.Listener.ImageUnavailable(r.registrationID, expired.img.CorrelationID())
		}
		return true
	})

	return reaped
}

// close rejects further frames and forgets every session. Images already
// announced belong to the conductor.
func (r *Route) close() {
	r.closed.Store(true)
	r.sessions.Clear()
}

// routes is the registration table shared by transports, with a liveness reaper
type routes struct {
	name    string
	opts    Options
	entries *xsync.MapOf[int64, *Route]

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newRoutes(name string, opts Options) *routes {
	r := &routes{
		name:    name,
		opts:    opts,
		entries: xsync.NewMapOf[int64, *Route](),
		stopCh:  make(chan struct{}),
	}
	r.wg.Add(1)
	go r.reapLoop()
	return r
}

func (r *routes) add(registrationID int64, streamID int32) *Route {
	route := newRoute(r.name, registrationID, streamID, r.opts)
	r.entries.Store(registrationID, route)
	return route
}

func (r *routes) remove(registrationID int64) (*Route, bool) {
	route, ok := r.entries.LoadAndDelete(registrationID)
	if ok {
		route.close()
	}
	return route, ok
}

func (r *routes) reapAll(now time.Time) int {
	total := 0
	r.entries.Range(func(_ int64, route *Route) bool {
		total += route.Reap(now)
		return true
	})
	return total
}

func (r *routes) reapLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.LivenessTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case now := <-ticker.C:
			r.reapAll(now)
		}
	}
}

func (r *routes) stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.wg.Wait()
		r.entries.Range(func(registrationID int64, _ *Route) bool {
			r.remove(registrationID)
			return true
		})
	})
}
