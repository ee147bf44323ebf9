package image

import (
	"sync"
	"sync/atomic"
)

// DefaultCapacity is the number of fragments a BufferedImage holds before
// Offer starts dropping
const DefaultCapacity = 1024

type fragment struct {
	data  []byte
	flags uint8
}

// BufferedImage is an Image fed by a transport goroutine through Offer and
// drained by the subscription reader. Offer never blocks: when the ring is
// full the fragment is dropped and counted.
type BufferedImage struct {
	correlationID  int64
	sessionID      int32
	streamID       int32
	sourceIdentity string

	mu       sync.Mutex
	ring     []fragment
	head     int // next slot to read
	size     int
	position int64

	drops  atomic.Uint64
	closed atomic.Bool
}

// NewBufferedImage creates an image with the given identity and ring capacity
func NewBufferedImage(correlationID int64, sessionID, streamID int32, sourceIdentity string, capacity int) *BufferedImage {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &BufferedImage{
		correlationID:  correlationID,
		sessionID:      sessionID,
		streamID:       streamID,
		sourceIdentity: sourceIdentity,
		ring:           make([]fragment, capacity),
	}
}

func (b *BufferedImage) CorrelationID() int64   { return b.correlationID }
func (b *BufferedImage) SessionID() int32       { return b.sessionID }
func (b *BufferedImage) StreamID() int32        { return b.streamID }
func (b *BufferedImage) SourceIdentity() string { return b.sourceIdentity }
func (b *BufferedImage) IsClosed() bool         { return b.closed.Load() }

// Drops returns the number of fragments rejected by Offer because the ring was full
func (b *BufferedImage) Drops() uint64 {
	return b.drops.Load()
}

// Position returns the number of payload bytes consumed so far
func (b *BufferedImage) Position() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.position
}

// Len returns the number of fragments waiting to be polled
func (b *BufferedImage) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Offer appends a fragment. Returns false if the image is closed or full.
func (b *BufferedImage) Offer(data []byte, flags uint8) bool {
	if b.closed.Load() {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == len(b.ring) {
		b.drops.Add(1)
		return false
	}
	b.ring[(b.head+b.size)%len(b.ring)] = fragment{data: data, flags: flags}
	b.size++
	return true
}

// Poll delivers up to fragmentLimit buffered fragments to handler
func (b *BufferedImage) Poll(handler FragmentHandler, fragmentLimit int) int {
	if b.closed.Load() || fragmentLimit <= 0 {
		return 0
	}

	read := 0
	for read < fragmentLimit {
		frag, header, ok := b.peek()
		if !ok {
			break
		}
		b.advance(len(frag.data))
		read++
		handler(frag.data, &header)
	}
	return read
}

// ControlledPoll delivers up to fragmentLimit fragments, stopping early on
// Abort (fragment left in place) or Break (fragment consumed)
func (b *BufferedImage) ControlledPoll(handler ControlledFragmentHandler, fragmentLimit int) int {
	if b.closed.Load() || fragmentLimit <= 0 {
		return 0
	}

	read := 0
	for read < fragmentLimit {
		frag, header, ok := b.peek()
		if !ok {
			break
		}

		action := handler(frag.data, &header)
		if action == Abort {
			break
		}

		b.advance(len(frag.data))
		read++
		if action == Break {
			break
		}
	}
	return read
}

// Close marks the image closed and drops buffered fragments
func (b *BufferedImage) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.ring {
		b.ring[i] = fragment{}
	}
	b.size = 0
	return nil
}

func (b *BufferedImage) peek() (fragment, Header, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return fragment{}, Header{}, false
	}
	frag := b.ring[b.head]
	return frag, Header{
		SessionID:  b.sessionID,
		StreamID:   b.streamID,
		Flags:      frag.flags,
		Position:   b.position,
		ReservedID: b.correlationID,
	}, true
}

func (b *BufferedImage) advance(length int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return
	}
	b.ring[b.head] = fragment{}
	b.head = (b.head + 1) % len(b.ring)
	b.size--
	b.position += int64(length)
}
