package image

// Header carries the metadata of a single fragment handed to a FragmentHandler
type Header struct {
	SessionID  int32 // Publisher session the fragment came from
	StreamID   int32 // Stream within the channel
	Flags      uint8 // Frame flags (see encoding.Flag*)
	Position   int64 // Position of the fragment within the image
	ReservedID int64 // Correlation ID of the image that delivered it
}

// FragmentHandler receives the payload and header of each polled fragment.
// The buffer is only valid for the duration of the call.
type FragmentHandler func(buffer []byte, header *Header)

// Action tells a controlled poll what to do with the fragment just handled
type Action int

const (
	// Abort leaves the fragment unconsumed and stops polling the image
	Abort Action = iota
	// Break consumes the fragment and stops polling the image
	Break
	// Commit consumes the fragment and continues
	Commit
	// Continue consumes the fragment and continues
	Continue
)

func (a Action) String() string {
	switch a {
	case Abort:
		return "ABORT"
	case Break:
		return "BREAK"
	case Commit:
		return "COMMIT"
	case Continue:
		return "CONTINUE"
	default:
		return "UNKNOWN"
	}
}

// ControlledFragmentHandler is a FragmentHandler that steers the poll
type ControlledFragmentHandler func(buffer []byte, header *Header) Action

// Image is a single active source feeding a subscription.
// Poll and ControlledPoll are only called from the subscription's reader.
type Image interface {
	// CorrelationID uniquely identifies the image within the client
	CorrelationID() int64
	// SessionID of the publisher feeding this image
	SessionID() int32
	// SourceIdentity describes where the image's data comes from
	SourceIdentity() string
	// Poll delivers at most fragmentLimit fragments and returns how many were delivered
	Poll(handler FragmentHandler, fragmentLimit int) int
	// ControlledPoll delivers at most fragmentLimit fragments honouring the handler's Action
	ControlledPoll(handler ControlledFragmentHandler, fragmentLimit int) int
	// IsClosed reports whether the image has been closed
	IsClosed() bool
	// Close releases the image; further polls return 0
	Close() error
}
