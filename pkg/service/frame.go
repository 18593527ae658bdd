package service

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// FrameKind tags one frame of a byte stream carried over a transport.
type FrameKind byte

const (
	FrameNext     FrameKind = 'n'
	FrameComplete FrameKind = 'c'
	FrameError    FrameKind = 'e'
	// FrameReady marks that the remote side has established the stream.
	FrameReady FrameKind = 'r'
)

const maxFrameSize = 16 << 20

var ErrFrameTooLarge = errors.New("service: frame too large")

// WriteFrame writes [kind][uint32 little-endian length][payload].
func WriteFrame(w io.Writer, kind FrameKind, payload []byte) error {
	if len(payload) > maxFrameSize {
		return ErrFrameTooLarge
	}
	var header [5]byte
	header[0] = byte(kind)
	binary.LittleEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

func ReadFrame(r io.Reader) (FrameKind, []byte, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	kind := FrameKind(header[0])
	switch kind {
	case FrameNext, FrameComplete, FrameError, FrameReady:
	default:
		return 0, nil, fmt.Errorf("service: unknown frame kind %q", header[0])
	}
	size := binary.LittleEndian.Uint32(header[1:])
	if size > maxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("service: short frame: %w", err)
	}
	return kind, payload, nil
}

// FrameWriter is a byte StreamHandler that writes frames to w. flush, if
// set, runs after every frame. Done is closed on the terminal frame.
type FrameWriter struct {
	mu    sync.Mutex
	w     io.Writer
	flush func()
	err   error
	done  chan struct{}
	ended bool
}

func NewFrameWriter(w io.Writer, flush func()) *FrameWriter {
	return &FrameWriter{w: w, flush: flush, done: make(chan struct{})}
}

func (fw *FrameWriter) Next(value []byte) {
	fw.write(FrameNext, value, false)
}

func (fw *FrameWriter) Complete() {
	fw.write(FrameComplete, nil, true)
}

// Ready writes a FrameReady frame unless the stream has already ended.
func (fw *FrameWriter) Ready() {
	fw.write(FrameReady, nil, false)
}

func (fw *FrameWriter) Error(err error) {
	fw.write(FrameError, EncodeError(err), true)
}

func (fw *FrameWriter) write(kind FrameKind, payload []byte, terminal bool) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.ended {
		return
	}
	if fw.err == nil {
		fw.err = WriteFrame(fw.w, kind, payload)
		if fw.err == nil && fw.flush != nil {
			fw.flush()
		}
	}
	if terminal || fw.err != nil {
		fw.ended = true
		close(fw.done)
	}
}

// Detach stops all further writes. Frames arriving later are dropped.
func (fw *FrameWriter) Detach() {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if !fw.ended {
		fw.ended = true
		close(fw.done)
	}
}

func (fw *FrameWriter) Done() <-chan struct{} {
	return fw.done
}

// Err returns the first write error.
func (fw *FrameWriter) Err() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.err
}

// PumpFrames reads frames from r and forwards them to h until a terminal
// frame arrives. A read failure is delivered to h as an error and returned.
func PumpFrames(r io.Reader, h StreamHandler[[]byte]) error {
	guarded := Guard(h)
	for {
		kind, payload, err := ReadFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			guarded.Error(err)
			return err
		}
		switch kind {
		case FrameNext:
			guarded.Next(payload)
		case FrameComplete:
			guarded.Complete()
			return nil
		case FrameError:
			guarded.Error(DecodeError(payload))
			return nil
		}
	}
}

// AwaitReady forwards frames from r to h until FrameReady arrives. ended
// reports that the stream finished before it became ready. err is the
// stream error in that case, or the read failure.
func AwaitReady(r io.Reader, h StreamHandler[[]byte]) (ended bool, err error) {
	for {
		kind, payload, err := ReadFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			h.Error(err)
			return true, err
		}
		switch kind {
		case FrameReady:
			return false, nil
		case FrameNext:
			h.Next(payload)
		case FrameComplete:
			h.Complete()
			return true, nil
		case FrameError:
			streamErr := DecodeError(payload)
			h.Error(streamErr)
			return true, streamErr
		}
	}
}
