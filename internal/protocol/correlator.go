package protocol

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	raberrors "github.com/rablabs/rab/internal/errors"
)

// notificationBuffer bounds the unsolicited-message channel. rust-analyzer
// streams publishDiagnostics and progress events in bursts after didOpen.
const notificationBuffer = 256

// Logf is the diagnostic logging hook the correlator reports through. MCP
// stdio must stay clean, so this is never wired to stdout/stderr directly.
type Logf func(format string, v ...interface{})

type pendingRequest struct {
	method    string
	submitted time.Time
	done      chan outcome // buffered(1): the reader never blocks on delivery
}

type outcome struct {
	result json.RawMessage
	err    error
}

// Correlator multiplexes concurrent outbound requests over one Transport.
// It owns the transport's read loop, routes responses to pending calls by
// id, and fans unsolicited notifications out to a subscriber channel.
type Correlator struct {
	transport *Transport
	logf      Logf

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*pendingRequest

	notifications chan *Message

	closeOnce sync.Once
	closed    chan struct{}
}

// NewCorrelator starts the read loop on the given transport. The correlator
// is bound to one session; when the transport dies it closes itself and
// fails every pending request with session_closed.
func NewCorrelator(transport *Transport, logf Logf) *Correlator {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	c := &Correlator{
		transport:     transport,
		logf:          logf,
		pending:       make(map[int64]*pendingRequest),
		notifications: make(chan *Message, notificationBuffer),
		closed:        make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Call sends a request and blocks until its response arrives, the timeout
// elapses, ctx is cancelled, or the session closes. A timeout frees the id's
// pending slot but does not cancel the analyzer-side computation.
func (c *Correlator) Call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, raberrors.NewTransportError(raberrors.KindMalformedFrame, "marshal params for "+method, err)
		}
		raw = b
	}

	id := c.nextID.Add(1)
	req := &pendingRequest{
		method:    method,
		submitted: time.Now(),
		done:      make(chan outcome, 1),
	}

	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return nil, raberrors.NewCorrelatorError(raberrors.KindSessionClosed, method, id)
	default:
	}
	c.pending[id] = req
	c.mu.Unlock()

	if err := c.transport.Send(&Message{ID: &id, Method: method, Params: raw}); err != nil {
		c.remove(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-req.done:
		return out.result, out.err
	case <-timer.C:
		c.remove(id)
		// A response racing the timeout may already be in the slot.
		select {
		case out := <-req.done:
			return out.result, out.err
		default:
		}
		return nil, raberrors.NewCorrelatorError(raberrors.KindTimeout, method, id)
	case <-ctx.Done():
		c.remove(id)
		select {
		case out := <-req.done:
			return out.result, out.err
		default:
		}
		return nil, ctx.Err()
	case <-c.closed:
		return nil, raberrors.NewCorrelatorError(raberrors.KindSessionClosed, method, id)
	}
}

// Notify sends a fire-and-forget notification.
func (c *Correlator) Notify(method string, params interface{}) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return raberrors.NewTransportError(raberrors.KindMalformedFrame, "marshal params for "+method, err)
		}
		raw = b
	}
	return c.transport.Send(&Message{Method: method, Params: raw})
}

// Notifications returns the channel of server-initiated messages. The
// channel is closed when the session closes.
func (c *Correlator) Notifications() <-chan *Message {
	return c.notifications
}

// Closed returns a channel that is closed once the session is dead.
func (c *Correlator) Closed() <-chan struct{} {
	return c.closed
}

// Close tears down the correlator: every pending request resolves with
// session_closed and the notification channel is closed. Idempotent.
func (c *Correlator) Close() {
	c.closeOnce.Do(func() {
		c.transport.Close()
		close(c.closed)

		c.mu.Lock()
		stranded := c.pending
		c.pending = make(map[int64]*pendingRequest)
		c.mu.Unlock()

		for id, req := range stranded {
			req.done <- outcome{err: raberrors.NewCorrelatorError(raberrors.KindSessionClosed, req.method, id)}
		}
	})
}

func (c *Correlator) remove(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// take removes and returns the pending slot for id, if still registered.
func (c *Correlator) take(id int64) (*pendingRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return req, ok
}

func (c *Correlator) readLoop() {
	// The read loop is the only sender on notifications, so it owns the close.
	defer close(c.notifications)
	for {
		msg, err := c.transport.Receive()
		if err != nil {
			// Both stream closure and malformed frames are session-fatal:
			// the supervisor re-establishes a fresh session on the next call.
			c.logf("correlator: read loop terminating: %v", err)
			c.Close()
			return
		}
		select {
		case <-c.closed:
			return
		default:
		}

		switch {
		case msg.IsResponse():
			req, ok := c.take(*msg.ID)
			if !ok {
				// Late response after timeout, or an id we never issued.
				c.logf("correlator: dropping response for unknown id %d", *msg.ID)
				continue
			}
			if msg.Error != nil {
				req.done <- outcome{err: msg.Error}
			} else {
				req.done <- outcome{result: msg.Result}
			}

		case msg.IsNotification():
			select {
			case c.notifications <- msg:
			default:
				c.logf("correlator: notification buffer full, dropping %s", msg.Method)
			}

		default:
			if msg.ID == nil {
				// Neither a response nor a notification: no id to route by
				// and nothing to acknowledge. Malformed traffic is
				// session-fatal, same as a framing error.
				c.logf("correlator: malformed message with no id and no method, closing session")
				c.Close()
				return
			}
			// Server-to-client request (window/workDoneProgress/create,
			// workspace/configuration, ...). Acknowledge with a null result
			// so the analyzer does not stall waiting for us.
			c.logf("correlator: acking server request %s (id %d)", msg.Method, *msg.ID)
			reply := &Message{ID: msg.ID, Result: json.RawMessage("null")}
			if err := c.transport.Send(reply); err != nil {
				c.logf("correlator: failed to ack %s: %v", msg.Method, err)
			}
		}
	}
}
