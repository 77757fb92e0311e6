// Package protocol carries the pieces shared by the bootloader wire
// protocols: a session that turns a port's chunked byte stream back into
// frames, with per-operation timeouts.
package protocol

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/golang/glog"

	"fwbridge/internal/port"
)

// ErrTimeout marks a read that exceeded its per-operation bound.
var ErrTimeout = errors.New("protocol: timed out")

// Session is an in-flight interaction over an open port. It owns the
// pending read buffer (stream -> frame reassembly) and a monotonic
// operation counter for diagnostics. One session per strategy run; never
// shared.
type Session struct {
	ctx     context.Context
	port    port.Port
	pending []byte
	ops     uint64
}

func NewSession(ctx context.Context, p port.Port) *Session {
	return &Session{ctx: ctx, port: p}
}

// Ops returns how many write operations this session has issued.
func (s *Session) Ops() uint64 { return s.ops }

// Write sends the whole buffer to the device.
func (s *Session) Write(b []byte) error {
	s.ops++
	glog.V(2).Infof("protocol: op %d write % x", s.ops, b)
	n, err := s.port.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return errors.New("protocol: short write")
	}
	return nil
}

// ReadByte returns the next byte within the timeout.
func (s *Session) ReadByte(timeout time.Duration) (byte, error) {
	deadline := time.Now().Add(timeout)
	for len(s.pending) == 0 {
		if err := s.fillMore(deadline); err != nil {
			return 0, err
		}
	}
	b := s.pending[0]
	s.pending = s.pending[1:]
	return b, nil
}

// ReadExact returns exactly n bytes within the timeout.
func (s *Session) ReadExact(n int, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for len(s.pending) < n {
		if err := s.fillMore(deadline); err != nil {
			return nil, err
		}
	}
	out := append([]byte(nil), s.pending[:n]...)
	s.pending = s.pending[n:]
	return out, nil
}

// fillMore always performs a read, even when bytes are already pending.
func (s *Session) fillMore(deadline time.Time) error {
	ctx, cancel := context.WithDeadline(s.ctx, deadline)
	defer cancel()
	chunk, err := s.port.ReadSome(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && s.ctx.Err() == nil {
			return ErrTimeout
		}
		return err
	}
	glog.V(2).Infof("protocol: read % x", chunk)
	s.pending = append(s.pending, chunk...)
	return nil
}

// ReadUntilAny collects bytes until one of the terminators arrives,
// returning the collected bytes without the terminator.
func (s *Session) ReadUntilAny(terms []byte, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	var out []byte
	for {
		if len(s.pending) == 0 {
			if err := s.fillMore(deadline); err != nil {
				return out, err
			}
		}
		b := s.pending[0]
		s.pending = s.pending[1:]
		if bytes.IndexByte(terms, b) >= 0 {
			return out, nil
		}
		out = append(out, b)
	}
}

// SkipPending drops leading already-received bytes that are in set,
// without any I/O. Clears terminator residue (e.g. the \r of a \n\r
// acknowledgment) so it cannot contaminate the next response parse.
func (s *Session) SkipPending(set []byte) {
	for len(s.pending) > 0 && bytes.IndexByte(set, s.pending[0]) >= 0 {
		s.pending = s.pending[1:]
	}
}

// ScanForPair consumes the incoming stream looking for byte a immediately
// followed by byte b, tolerating arbitrary garbage ahead of the pair.
// Returns false on timeout without error: callers retry.
func (s *Session) ScanForPair(a, b byte, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	var prev *byte
	for {
		if len(s.pending) == 0 {
			err := s.fillMore(deadline)
			if errors.Is(err, ErrTimeout) {
				return false, nil
			}
			if err != nil {
				return false, err
			}
		}
		cur := s.pending[0]
		s.pending = s.pending[1:]
		if prev != nil && *prev == a && cur == b {
			return true, nil
		}
		c := cur
		prev = &c
	}
}

// Drain consumes and discards whatever arrives during d.
func (s *Session) Drain(d time.Duration) {
	deadline := time.Now().Add(d)
	s.pending = nil
	for {
		if err := s.fillMore(deadline); err != nil {
			s.pending = nil
			return
		}
		s.pending = nil
	}
}
