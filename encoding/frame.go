package encoding

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Frame flags
const (
	FlagBegin        uint8 = 0x80 // first fragment of a message
	FlagEnd          uint8 = 0x40 // last fragment of a message
	FlagCompressed   uint8 = 0x01 // payload is zstd compressed on the wire
	FlagUnfragmented       = FlagBegin | FlagEnd
)

// MinCompressSize is the payload size below which EncodeFrame never compresses
const MinCompressSize = 256

// ErrEmptyFrame is returned when decoding zero bytes
var ErrEmptyFrame = errors.New("empty frame")

// Frame is one fragment as carried by a transport message
type Frame struct {
	SessionID int32  `msgpack:"sid"`
	StreamID  int32  `msgpack:"stm"`
	Flags     uint8  `msgpack:"flg"`
	Sequence  int64  `msgpack:"seq"`
	Payload   []byte `msgpack:"pl"`
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// EncodeFrame serializes a frame. When compress is set and the payload is at
// least MinCompressSize bytes, the payload is zstd compressed and
// FlagCompressed is set on the wire copy.
func EncodeFrame(f Frame, compress bool) ([]byte, error) {
	f.Flags &^= FlagCompressed
	if compress && len(f.Payload) >= MinCompressSize {
		f.Payload = zstdEncoder.EncodeAll(f.Payload, make([]byte, 0, len(f.Payload)/2))
		f.Flags |= FlagCompressed
	}
	return Marshal(&f)
}

// DecodeFrame parses a frame, decompressing the payload when flagged. The
// returned frame never carries FlagCompressed.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if len(data) == 0 {
		return f, ErrEmptyFrame
	}
	if err := Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("failed to decode frame: %w", err)
	}

	if f.Flags&FlagCompressed != 0 {
		payload, err := zstdDecoder.DecodeAll(f.Payload, nil)
		if err != nil {
			return f, fmt.Errorf("failed to decompress frame payload: %w", err)
		}
		f.Payload = payload
		f.Flags &^= FlagCompressed
	}

	return f, nil
}
