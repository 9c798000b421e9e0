// Package mock provides a scriptable test double for the mediator.ClientConn
// interface.
//
// Tests push inbound frames with PushText/PushBinary and hang up with
// Hangup; everything the mediator sends is recorded for assertions.
package mock

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"

	"github.com/visage-ai/visage/internal/mediator"
)

// ErrHangup is the read error after Hangup, standing in for the peer
// closing the socket.
var ErrHangup = errors.New("mock: client hung up")

type frame struct {
	data   []byte
	binary bool
}

// Conn is a mock implementation of mediator.ClientConn.
type Conn struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SendJSONErr, if non-nil, is returned by every SendJSON.
	SendJSONErr error

	// SendBinaryErr, if non-nil, is returned by every SendBinary.
	SendBinaryErr error

	// --- Call records ---

	// SentJSON records the raw JSON of every SendJSON call in order.
	SentJSON [][]byte

	// SentBinary records every SendBinary payload in order.
	SentBinary [][]byte

	// Closed reports whether Close was called; CloseCode and CloseReason
	// record its first invocation.
	Closed      bool
	CloseCode   int
	CloseReason string

	incoming chan frame
	hangOnce sync.Once
}

// Compile-time interface assertion.
var _ mediator.ClientConn = (*Conn)(nil)

// NewConn returns a Conn with a buffered inbound queue.
func NewConn() *Conn {
	return &Conn{incoming: make(chan frame, 16)}
}

// PushText queues an inbound text frame.
func (c *Conn) PushText(raw string) { c.incoming <- frame{data: []byte(raw)} }

// PushBinary queues an inbound binary frame.
func (c *Conn) PushBinary(data []byte) {
	c.incoming <- frame{data: slices.Clone(data), binary: true}
}

// Hangup ends the inbound stream; subsequent Reads fail with ErrHangup.
func (c *Conn) Hangup() { c.hangOnce.Do(func() { close(c.incoming) }) }

// Read implements mediator.ClientConn.
func (c *Conn) Read(ctx context.Context) ([]byte, bool, error) {
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case f, ok := <-c.incoming:
		if !ok {
			return nil, false, ErrHangup
		}
		return f.data, f.binary, nil
	}
}

// SendJSON records the marshalled frame.
func (c *Conn) SendJSON(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendJSONErr != nil {
		return c.SendJSONErr
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.SentJSON = append(c.SentJSON, raw)
	return nil
}

// SendBinary records the frame.
func (c *Conn) SendBinary(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendBinaryErr != nil {
		return c.SendBinaryErr
	}
	c.SentBinary = append(c.SentBinary, slices.Clone(data))
	return nil
}

// Close records the first close and ends the inbound stream.
func (c *Conn) Close(code int, reason string) error {
	c.mu.Lock()
	if !c.Closed {
		c.Closed = true
		c.CloseCode = code
		c.CloseReason = reason
	}
	c.mu.Unlock()
	c.Hangup()
	return nil
}

// JSONTypes returns the "type" field of every sent JSON frame, in order.
func (c *Conn) JSONTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.SentJSON))
	for _, raw := range c.SentJSON {
		var m struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &m); err == nil {
			out = append(out, m.Type)
		}
	}
	return out
}

// LastJSON decodes the most recent JSON frame into a map, or nil.
func (c *Conn) LastJSON() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.SentJSON) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(c.SentJSON[len(c.SentJSON)-1], &m); err != nil {
		return nil
	}
	return m
}

// Binary returns a copy of the sent binary frames.
func (c *Conn) Binary() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.SentBinary))
	for i, b := range c.SentBinary {
		out[i] = slices.Clone(b)
	}
	return out
}

// CloseState returns the recorded close, for assertions.
func (c *Conn) CloseState() (bool, int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Closed, c.CloseCode, c.CloseReason
}
