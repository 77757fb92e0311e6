// Package porttest provides a scripted software stand-in for a board's
// bootloader, playing the device side of an upload over an in-memory port.
// Protocol tests script the expected host writes and the device replies,
// then assert on the byte trace the host actually produced.
package porttest

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"fwbridge/internal/port"
)

// Exchange pairs a byte sequence the host is expected to write with the
// reply the device emits once the full sequence has arrived. Expectations
// are matched in order against the concatenation of all writes, so a
// command and its binary payload may be scripted as separate exchanges
// even when the host sends them in one Write.
type Exchange struct {
	Expect []byte
	Reply  []byte
}

// MockPort implements port.Port against a script of exchanges.
type MockPort struct {
	mu sync.Mutex

	open bool
	baud int

	script  []Exchange
	pending bytes.Buffer // written bytes not yet matched to an exchange
	inbox   bytes.Buffer // device -> host bytes awaiting ReadSome

	trace     bytes.Buffer // every byte the host ever wrote
	openLog   []int
	signalLog []string

	// Unexpected records the first write that diverged from the script.
	Unexpected []byte

	// InfoQueue is consumed one entry per Info call; the last entry
	// sticks. Models bootloader re-enumeration between opens.
	InfoQueue []port.USBInfo

	// OpenErr, when set, fails the next Open.
	OpenErr error

	// ChunkSize bounds how many bytes a single ReadSome returns.
	ChunkSize int
}

// NewMockPort builds a closed port that will play the given script.
func NewMockPort(script ...Exchange) *MockPort {
	return &MockPort{script: script, ChunkSize: 64}
}

// Preload queues device bytes that arrive unprompted (e.g. garbage from a
// running sketch ahead of a sync reply).
func (m *MockPort) Preload(b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbox.Write(b)
}

func (m *MockPort) Open(baud int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open {
		return port.ErrAlreadyOpen
	}
	if m.OpenErr != nil {
		err := m.OpenErr
		m.OpenErr = nil
		return err
	}
	m.open = true
	m.baud = baud
	m.openLog = append(m.openLog, baud)
	return nil
}

func (m *MockPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return port.ErrNotOpen
	}
	m.open = false
	m.baud = 0
	return nil
}

func (m *MockPort) ReopenAt(baud int) error {
	if m.IsOpen() {
		if err := m.Close(); err != nil {
			return err
		}
	}
	return m.Open(baud)
}

func (m *MockPort) SetSignals(sig port.Signals) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return port.ErrNotOpen
	}
	entry := ""
	if sig.DTR != nil {
		entry += fmt.Sprintf("dtr=%v", *sig.DTR)
	}
	if sig.RTS != nil {
		if entry != "" {
			entry += " "
		}
		entry += fmt.Sprintf("rts=%v", *sig.RTS)
	}
	m.signalLog = append(m.signalLog, entry)
	return nil
}

func (m *MockPort) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return 0, port.ErrNotOpen
	}
	m.trace.Write(b)
	m.pending.Write(b)
	m.matchLocked()
	return len(b), nil
}

// matchLocked pops every script entry satisfied by the pending write
// buffer, queueing its reply.
func (m *MockPort) matchLocked() {
	for len(m.script) > 0 {
		want := m.script[0].Expect
		have := m.pending.Bytes()
		if len(have) < len(want) {
			// Partial prefix must still agree.
			if !bytes.Equal(want[:len(have)], have) && m.Unexpected == nil {
				m.Unexpected = append([]byte(nil), have...)
			}
			return
		}
		if !bytes.Equal(have[:len(want)], want) {
			if m.Unexpected == nil {
				m.Unexpected = append([]byte(nil), have...)
			}
			return
		}
		m.pending.Next(len(want))
		m.inbox.Write(m.script[0].Reply)
		m.script = m.script[1:]
	}
}

func (m *MockPort) ReadSome(ctx context.Context) ([]byte, error) {
	for {
		m.mu.Lock()
		if !m.open {
			m.mu.Unlock()
			return nil, port.ErrClosed
		}
		if m.inbox.Len() > 0 {
			n := m.inbox.Len()
			if n > m.ChunkSize {
				n = m.ChunkSize
			}
			out := make([]byte, n)
			m.inbox.Read(out)
			m.mu.Unlock()
			return out, nil
		}
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (m *MockPort) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

func (m *MockPort) Info() port.USBInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.InfoQueue) == 0 {
		return port.USBInfo{}
	}
	info := m.InfoQueue[0]
	if len(m.InfoQueue) > 1 {
		m.InfoQueue = m.InfoQueue[1:]
	}
	return info
}

// Trace returns every byte the host wrote, in order.
func (m *MockPort) Trace() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.trace.Bytes()...)
}

// Opens returns the baud of each successful Open, in order.
func (m *MockPort) Opens() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.openLog...)
}

// Signals returns the recorded DTR/RTS transitions.
func (m *MockPort) Signals() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.signalLog...)
}

// ScriptDone reports whether every scripted exchange was consumed.
func (m *MockPort) ScriptDone() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.script) == 0
}
