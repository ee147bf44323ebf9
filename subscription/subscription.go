package subscription

import (
	"sync/atomic"

	"github.com/maxpert/fanin/image"
	"github.com/maxpert/fanin/telemetry"
	"github.com/rs/zerolog/log"
)

// initialObservedVersion sits below every version InstallSnapshot can assign
const initialObservedVersion int64 = -1

// AvailableImageHandler is called by the conductor after an image joins a subscription
type AvailableImageHandler func(img image.Image)

// UnavailableImageHandler is called by the conductor after an image leaves a subscription
type UnavailableImageHandler func(img image.Image)

// Subscription tracks the set of images feeding one channel/stream pair.
//
// Two roles share it. The writer (the conductor goroutine) calls
// InstallSnapshot and Prune. The reader (one application goroutine) calls
// Poll or ControlledPoll. head and lastObservedVersion are the only fields
// both sides touch, and both are atomics.
type Subscription struct {
	channel        string
	streamID       int32
	registrationID int64

	head        atomic.Pointer[Snapshot]
	nextVersion int64 // writer only

	lastObservedVersion atomic.Int64

	polling atomic.Bool
	cursor  int // owned by whoever holds polling

	closed atomic.Bool

	onAvailable   AvailableImageHandler
	onUnavailable UnavailableImageHandler
}

// New creates a subscription with an empty snapshot chain
func New(
	channel string,
	streamID int32,
	registrationID int64,
	onAvailable AvailableImageHandler,
	onUnavailable UnavailableImageHandler,
) (*Subscription, error) {
	if channel == "" {
		return nil, ErrEmptyChannel
	}

	s := &Subscription{
		channel:        channel,
		streamID:       streamID,
		registrationID: registrationID,
		onAvailable:    onAvailable,
		onUnavailable:  onUnavailable,
	}
	s.lastObservedVersion.Store(initialObservedVersion)

	return s, nil
}

func (s *Subscription) Channel() string       { return s.channel }
func (s *Subscription) StreamID() int32       { return s.streamID }
func (s *Subscription) RegistrationID() int64 { return s.registrationID }
func (s *Subscription) IsClosed() bool        { return s.closed.Load() }

// OnAvailableImage returns the callback the conductor runs when an image joins
func (s *Subscription) OnAvailableImage() AvailableImageHandler {
	return s.onAvailable
}

// OnUnavailableImage returns the callback the conductor runs when an image leaves
func (s *Subscription) OnUnavailableImage() UnavailableImageHandler {
	return s.onUnavailable
}

// Close marks the subscription closed. Polls after Close return 0.
func (s *Subscription) Close() {
	s.closed.Store(true)
}

// Delete releases the subscription's snapshot chain and image callbacks.
// The subscription must be closed and no goroutine may still be polling it.
func (s *Subscription) Delete() error {
	if !s.closed.Load() {
		return ErrSubscriptionOpen
	}

	if head := s.head.Load(); head != nil && head.previous != nil {
		log.Warn().
			Int64("registration_id", s.registrationID).
			Int("chain_length", chainLength(head)).
			Msg("Deleting subscription with unpruned snapshots")
	}

	s.head.Store(nil)
	s.onAvailable = nil
	s.onUnavailable = nil
	return nil
}

// InstallSnapshot publishes a new snapshot holding a copy of images.
// Writer only: must be called from the single coordinating goroutine.
func (s *Subscription) InstallSnapshot(images []image.Image) *Snapshot {
	snap := &Snapshot{
		version:  s.nextVersion,
		images:   append([]image.Image(nil), images...),
		previous: s.head.Load(),
	}
	s.nextVersion++

	s.head.Store(snap)
	return snap
}

// Prune unlinks every snapshot older than the last version the reader
// published and returns how many were released. Images are never closed here.
// Writer only.
func (s *Subscription) Prune() int {
	lastObserved := s.lastObservedVersion.Load()

	keep := s.head.Load()
	if keep == nil {
		return 0
	}

	// The reader only ever loads head, so once it has published a version
	// nothing strictly older can be reached again.
	for keep.previous != nil && keep.previous.version >= lastObserved {
		keep = keep.previous
	}

	released := 0
	stale := keep.previous
	keep.previous = nil
	for stale != nil {
		next := stale.previous
		stale.previous = nil
		stale = next
		released++
	}

	return released
}

// Poll drains up to fragmentLimit fragments from the current images in
// round-robin order and returns the number delivered.
//
// At most one goroutine may poll a subscription at a time. A concurrent or
// reentrant call is rejected and returns 0.
func (s *Subscription) Poll(handler image.FragmentHandler, fragmentLimit int) int {
	return s.poll(fragmentLimit, func(img image.Image, limit int) int {
		return img.Poll(handler, limit)
	})
}

// ControlledPoll is Poll for handlers that steer consumption with an image.Action
func (s *Subscription) ControlledPoll(handler image.ControlledFragmentHandler, fragmentLimit int) int {
	return s.poll(fragmentLimit, func(img image.Image, limit int) int {
		return img.ControlledPoll(handler, limit)
	})
}

func (s *Subscription) poll(fragmentLimit int, pollImage func(img image.Image, limit int) int) int {
	if fragmentLimit <= 0 || s.closed.Load() {
		return 0
	}

	if !s.polling.CompareAndSwap(false, true) {
		telemetry.ConcurrentPollRejectedTotal.Inc()
		return 0
	}
	defer s.polling.Store(false)

	snap := s.head.Load()
	if snap == nil {
		return 0
	}

	length := len(snap.images)
	start := s.cursor
	if start >= length {
		start = 0
	}
	s.cursor = start + 1

	fragmentsRead := 0
	for i := 0; i < length && fragmentsRead < fragmentLimit; i++ {
		img := snap.images[(start+i)%length]
		fragmentsRead += pollImage(img, fragmentLimit-fragmentsRead)
	}

	if snap.version > s.lastObservedVersion.Load() {
		s.lastObservedVersion.Store(snap.version)
	}

	return fragmentsRead
}

// Version returns the version of the current snapshot, or -1 if none was installed
func (s *Subscription) Version() int64 {
	if snap := s.head.Load(); snap != nil {
		return snap.version
	}
	return -1
}

// LastObservedVersion returns the newest snapshot version the reader has published
func (s *Subscription) LastObservedVersion() int64 {
	return s.lastObservedVersion.Load()
}

// SnapshotVersions lists the versions still chained, newest first. Writer only.
func (s *Subscription) SnapshotVersions() []int64 {
	var versions []int64
	for snap := s.head.Load(); snap != nil; snap = snap.previous {
		versions = append(versions, snap.version)
	}
	return versions
}

// Snapshot returns the current snapshot, or nil if none was installed
func (s *Subscription) Snapshot() *Snapshot {
	return s.head.Load()
}

// ImageCount returns the number of images in the current snapshot
func (s *Subscription) ImageCount() int {
	if snap := s.head.Load(); snap != nil {
		return len(snap.images)
	}
	return 0
}

// Images returns a copy of the current image set
func (s *Subscription) Images() []image.Image {
	if snap := s.head.Load(); snap != nil {
		return snap.Images()
	}
	return nil
}

// ImageAtIndex returns the image at index in the current snapshot, or nil
func (s *Subscription) ImageAtIndex(index int) image.Image {
	snap := s.head.Load()
	if snap == nil || index < 0 || index >= len(snap.images) {
		return nil
	}
	return snap.images[index]
}

// ImageBySessionID returns the first image with the given session ID, or nil
func (s *Subscription) ImageBySessionID(sessionID int32) image.Image {
	snap := s.head.Load()
	if snap == nil {
		return nil
	}
	for _, img := range snap.images {
		if img.SessionID() == sessionID {
			return img
		}
	}
	return nil
}

// ForEachImage calls fn for each image in the current snapshot
func (s *Subscription) ForEachImage(fn func(img image.Image)) {
	snap := s.head.Load()
	if snap == nil {
		return
	}
	for _, img := range snap.images {
		fn(img)
	}
}

// IsConnected reports whether at least one open image feeds the subscription
func (s *Subscription) IsConnected() bool {
	snap := s.head.Load()
	if snap == nil {
		return false
	}
	for _, img := range snap.images {
		if !img.IsClosed() {
			return true
		}
	}
	return false
}

func chainLength(snap *Snapshot) int {
	n := 0
	for ; snap != nil; snap = snap.previous {
		n++
	}
	return n
}
