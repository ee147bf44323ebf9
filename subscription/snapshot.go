package subscription

import "github.com/maxpert/fanin/image"

// Snapshot is an immutable, versioned set of images. Only previous is ever
// changed after install, and only by Prune on the writer goroutine.
type Snapshot struct {
	version  int64
	images   []image.Image
	previous *Snapshot
}

// Version returns the install-time version of the snapshot
func (s *Snapshot) Version() int64 {
	return s.version
}

// Len returns the number of images in the snapshot
func (s *Snapshot) Len() int {
	return len(s.images)
}

// Images returns a copy of the snapshot's images
func (s *Snapshot) Images() []image.Image {
	if s == nil {
		return nil
	}
	out := make([]image.Image, len(s.images))
	copy(out, s.images)
	return out
}

// With returns a new image slice holding this snapshot's images plus img
func (s *Snapshot) With(img image.Image) []image.Image {
	if s == nil {
		return []image.Image{img}
	}
	out := make([]image.Image, len(s.images), len(s.images)+1)
	copy(out, s.images)
	return append(out, img)
}

// Without returns a new image slice with the image matching correlationID
// removed, along with the removed image. removed is nil if no image matched.
func (s *Snapshot) Without(correlationID int64) (images []image.Image, removed image.Image) {
	if s == nil {
		return nil, nil
	}
	out := make([]image.Image, 0, len(s.images))
	for _, img := range s.images {
		if removed == nil && img.CorrelationID() == correlationID {
			removed = img
			continue
		}
		out = append(out, img)
	}
	return out, removed
}
