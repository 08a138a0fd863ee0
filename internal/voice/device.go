package voice

import (
	"context"
	"sync"
)

const deviceBuffer = 64

// Device is a Microphone fed by the field device over the API. The device
// reports its permission state and pushes encoded audio chunks while a stream
// is open.
type Device struct {
	mu     sync.Mutex
	denied bool
	stream *deviceStream
}

// NewDevice returns a Device that grants access until Deny is called.
func NewDevice() *Device {
	return &Device{}
}

// SetPermission records whether the device allows microphone access.
func (d *Device) SetPermission(granted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.denied = !granted
}

// Open starts a stream. It fails with ErrPermissionDenied when the device
// refused access and ErrBusy when a stream is already open.
func (d *Device) Open(_ context.Context) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.denied {
		return nil, ErrPermissionDenied
	}
	if d.stream != nil {
		return nil, ErrBusy
	}
	d.stream = &deviceStream{dev: d, ch: make(chan []byte, deviceBuffer)}
	return d.stream, nil
}

// Push delivers a chunk to the open stream.
func (d *Device) Push(ctx context.Context, chunk []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil {
		return ErrNotRecording
	}
	select {
	case d.stream.ch <- chunk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recording reports whether a stream is open.
func (d *Device) Recording() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stream != nil
}

type deviceStream struct {
	dev  *Device
	ch   chan []byte
	once sync.Once
}

func (s *deviceStream) Chunks() <-chan []byte { return s.ch }

func (s *deviceStream) Close() error {
	s.once.Do(func() {
		s.dev.mu.Lock()
		if s.dev.stream == s {
			s.dev.stream = nil
		}
		close(s.ch)
		s.dev.mu.Unlock()
	})
	return nil
}
