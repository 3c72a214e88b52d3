package mocks

import (
	"encoding/json"
	"sync"

	"conversation-service/internal/models"
)

// ReceivedEvent is a decoded server push captured by RecordingConn. The ack
// fields are only set on acknowledgments.
type ReceivedEvent struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	RequestID string          `json:"requestId"`
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
}

// RecordingConn is an in-memory live connection that keeps every payload it is sent.
type RecordingConn struct {
	ConnID  string
	Ident   models.Identity
	SendErr error

	mu        sync.Mutex
	events    []ReceivedEvent
	closed    bool
	closeCode int
}

func NewRecordingConn(connID string, identity models.Identity) *RecordingConn {
	return &RecordingConn{ConnID: connID, Ident: identity}
}

func (c *RecordingConn) ID() string { return c.ConnID }

func (c *RecordingConn) Identity() models.Identity { return c.Ident }

func (c *RecordingConn) Send(payload []byte) error {
	if c.SendErr != nil {
		return c.SendErr
	}
	var evt ReceivedEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return err
	}
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()
	return nil
}

func (c *RecordingConn) Close(code int, reason string) {
	c.mu.Lock()
	c.closed = true
	c.closeCode = code
	c.mu.Unlock()
}

func (c *RecordingConn) Events() []ReceivedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ReceivedEvent(nil), c.events...)
}

// EventNames lists received event names in arrival order.
func (c *RecordingConn) EventNames() []string {
	events := c.Events()
	names := make([]string, 0, len(events))
	for _, evt := range events {
		names = append(names, evt.Event)
	}
	return names
}

// Find returns the data of the first event with the given name.
func (c *RecordingConn) Find(name string) (json.RawMessage, bool) {
	for _, evt := range c.Events() {
		if evt.Event == name {
			return evt.Data, true
		}
	}
	return nil, false
}

// Count returns how many events with the given name were received.
func (c *RecordingConn) Count(name string) int {
	n := 0
	for _, evt := range c.Events() {
		if evt.Event == name {
			n++
		}
	}
	return n
}

// Ack returns the acknowledgment echoing requestID.
func (c *RecordingConn) Ack(requestID string) (ReceivedEvent, bool) {
	for _, evt := range c.Events() {
		if evt.Event == models.EventAck && evt.RequestID == requestID {
			return evt, true
		}
	}
	return ReceivedEvent{}, false
}

func (c *RecordingConn) Reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}

func (c *RecordingConn) Closed() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}
