package voice

import (
	"time"

	"github.com/linnemanlabs/ermct/internal/routing"
)

// capture accumulates the chunks of one recording.
type capture struct {
	StartedAt time.Time

	chunks [][]byte
	size   int
}

func newCapture(start time.Time) *capture {
	return &capture{StartedAt: start}
}

// Append adds a chunk. Empty chunks are ignored.
func (r *capture) Append(b []byte) {
	if len(b) == 0 {
		return
	}
	r.chunks = append(r.chunks, append([]byte(nil), b...))
	r.size += len(b)
}

// Len is the number of buffered bytes.
func (r *capture) Len() int { return r.size }

// Asset joins the buffered chunks into the submitted audio asset.
func (r *capture) Asset() routing.Audio {
	data := make([]byte, 0, r.size)
	for _, c := range r.chunks {
		data = append(data, c...)
	}
	return routing.Audio{Data: data, ContentType: ContentType, Filename: Filename}
}
