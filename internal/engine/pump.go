// Package engine holds pieces shared by the recognizer implementations.
package engine

import (
	"errors"
	"io"
	"sync"
)

// Pump reads fixed-size audio frames from one reader on a single goroutine,
// so successive recognition runs consume the same stream without racing on
// the reader. Frames read while no run is consuming stay buffered.
type Pump struct {
	r      io.Reader
	size   int
	once   sync.Once
	frames chan []byte
	done   chan struct{}
	err    error
}

// NewPump returns a pump reading frameSize-byte frames from r.
func NewPump(r io.Reader, frameSize int) *Pump {
	if frameSize <= 0 {
		frameSize = 3200
	}
	return &Pump{
		r:      r,
		size:   frameSize,
		frames: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
}

// Frames starts the pump on first use and returns its frame channel, which is
// closed when the reader is exhausted.
func (p *Pump) Frames() <-chan []byte {
	p.once.Do(func() { go p.read() })
	return p.frames
}

// Done is closed once the reader is exhausted.
func (p *Pump) Done() <-chan struct{} {
	return p.done
}

// Err returns the read error that ended the pump, or nil at a clean EOF.
func (p *Pump) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *Pump) read() {
	defer close(p.done)
	defer close(p.frames)
	for {
		buf := make([]byte, p.size)
		n, err := io.ReadFull(p.r, buf)
		if n > 0 {
			p.frames <- buf[:n]
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				p.err = err
			}
			return
		}
	}
}
