// Package mux implements the AEAD frame multiplexer: the stream
// registry and flow control of §4.5.1, KEY_UPDATE rotation with its
// overlap window (keyupdate.go), and the transition control stream
// with replay cache (control.go, replay.go).
package mux

import (
	"fmt"
	"io"
	"sync"
)

// State is a Stream's lifecycle state.
type State uint8

const (
	StateOpen State = iota
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfClosedLocal:
		return "half_closed_local"
	case StateHalfClosedRemote:
		return "half_closed_remote"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Reason codes carried in CLOSE frames.
const (
	ReasonNormal       uint16 = 0
	ReasonFlowControl  uint16 = 1
	ReasonProtocol     uint16 = 2
	ReasonResourceLimit uint16 = 3
)

// Stream is one bidirectional flow-controlled byte stream inside a
// Connection. Exclusively owned by the Connection's read loop for
// receive-side bookkeeping; Read/Write are safe to call concurrently
// with each other and with the read loop.
type Stream struct {
	id   uint64
	conn *Conn

	mu              sync.Mutex
	state           State
	txWindow        uint32
	rxWindow        uint32
	rxConsumed      uint32
	initialWindow   uint32
	readBuf         []byte
	readErr         error
	writeCond       *sync.Cond
	readCond        *sync.Cond
}

func newStream(conn *Conn, id uint64, initialWindow uint32) *Stream {
	s := &Stream{
		id:            id,
		conn:          conn,
		state:         StateOpen,
		txWindow:      initialWindow,
		rxWindow:      initialWindow,
		initialWindow: initialWindow,
	}
	s.writeCond = sync.NewCond(&s.mu)
	s.readCond = sync.NewCond(&s.mu)
	return s
}

// ID returns the stream's id.
func (s *Stream) ID() uint64 { return s.id }

// State returns the stream's current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Write chunks p into STREAM frames, blocking until enough transmit
// window is available, and sends each chunk through the owning
// Connection. Write respects the configured max chunk size so a
// single large write does not monopolize the connection.
func (s *Stream) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		s.mu.Lock()
		for s.txWindow == 0 && s.state == StateOpen {
			s.writeCond.Wait()
		}
		if s.state == StateClosed || s.state == StateHalfClosedLocal {
			s.mu.Unlock()
			return written, fmt.Errorf("mux: stream %d closed for writing", s.id)
		}
		chunk := p[written:]
		if uint32(len(chunk)) > s.txWindow {
			chunk = chunk[:s.txWindow]
		}
		if len(chunk) > s.conn.chunkSize {
			chunk = chunk[:s.conn.chunkSize]
		}
		s.txWindow -= uint32(len(chunk))
		s.mu.Unlock()

		if err := s.conn.sendStreamFrame(s.id, chunk); err != nil {
			return written, err
		}
		written += len(chunk)
	}
	return written, nil
}

// Read returns the next chunk of received data, blocking until data
// arrives, the stream closes, or the connection fails.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.readBuf) == 0 && s.readErr == nil {
		s.readCond.Wait()
	}
	if len(s.readBuf) == 0 {
		return 0, s.readErr
	}
	n := copy(p, s.readBuf)
	s.readBuf = s.readBuf[n:]
	return n, nil
}

// deliver appends received application data and notifies blocked readers.
func (s *Stream) deliver(data []byte) {
	s.mu.Lock()
	s.readBuf = append(s.readBuf, data...)
	s.readCond.Signal()
	s.mu.Unlock()
}

// closeLocal marks the stream closed on error/EOF from the peer (CLOSE
// frame received, or the connection failed) and wakes blocked callers.
func (s *Stream) closeLocal(err error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	if err == nil {
		err = io.EOF
	}
	s.readErr = err
	s.readCond.Broadcast()
	s.writeCond.Broadcast()
	s.mu.Unlock()
}

// Close sends a CLOSE frame for this stream and marks it closed.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.readErr = io.EOF
	s.readCond.Broadcast()
	s.writeCond.Broadcast()
	s.mu.Unlock()
	return s.conn.sendClose(s.id, ReasonNormal)
}

// growRxWindow accounts for bytes the application has consumed and
// returns the delta to advertise via WINDOW_UPDATE once it reaches
// half the initial window, or 0 if no update is due yet.
func (s *Stream) growRxWindow(consumed uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rxConsumed += consumed
	if s.rxConsumed >= s.initialWindow/2 {
		delta := s.rxConsumed
		s.rxConsumed = 0
		s.rxWindow += delta
		return delta
	}
	return 0
}

// checkRxWindow reports whether an incoming payload of n bytes fits
// within the current receive window, decrementing it if so.
func (s *Stream) checkRxWindow(n uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.rxWindow {
		return false
	}
	s.rxWindow -= n
	return true
}

// addTxWindow applies a WINDOW_UPDATE delta and wakes blocked writers.
func (s *Stream) addTxWindow(delta uint32) {
	s.mu.Lock()
	s.txWindow += delta
	s.writeCond.Broadcast()
	s.mu.Unlock()
}
