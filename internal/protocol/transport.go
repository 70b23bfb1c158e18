package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	raberrors "github.com/rablabs/rab/internal/errors"
)

// maxFrameSize bounds a single inbound frame. rust-analyzer responses for
// whole-workspace queries run to a few MB; anything past this is a protocol
// fault, not data.
const maxFrameSize = 64 << 20

// Transport frames JSON-RPC messages over the analyzer process's stdio using
// LSP Content-Length headers. Writes are serialized; reads are owned by a
// single reader goroutine (the correlator's loop). A transport is bound to
// one process: once either stream fails it is dead, and a new session needs
// a new Transport.
type Transport struct {
	writeMu sync.Mutex
	writer  io.Writer
	reader  *bufio.Reader
	closed  atomic.Bool
}

// NewTransport wraps the analyzer's stdin (w) and stdout (r).
func NewTransport(r io.Reader, w io.Writer) *Transport {
	return &Transport{
		writer: w,
		reader: bufio.NewReaderSize(r, 64*1024),
	}
}

// Send marshals msg and writes one framed message. Safe for concurrent use;
// frame order matches call order under the write lock.
func (t *Transport) Send(msg *Message) error {
	if t.closed.Load() {
		return raberrors.NewTransportError(raberrors.KindStreamClosed, "send on closed transport", nil)
	}
	msg.JSONRPC = "2.0"
	body, err := json.Marshal(msg)
	if err != nil {
		return raberrors.NewTransportError(raberrors.KindMalformedFrame, "marshal outbound message", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := fmt.Fprintf(t.writer, "Content-Length: %d\r\n\r\n", len(body)); err != nil {
		t.closed.Store(true)
		return raberrors.NewTransportError(raberrors.KindStreamClosed, "write frame header", err)
	}
	if _, err := t.writer.Write(body); err != nil {
		t.closed.Store(true)
		return raberrors.NewTransportError(raberrors.KindStreamClosed, "write frame body", err)
	}
	return nil
}

// Receive blocks for the next inbound frame. io.EOF from the underlying
// stream surfaces as a stream_closed error; a frame that violates the header
// grammar surfaces as malformed_frame so the session can be restarted rather
// than silently resynchronized.
func (t *Transport) Receive() (*Message, error) {
	contentLength := -1
	for {
		line, err := t.reader.ReadString('\n')
		if err != nil {
			t.closed.Store(true)
			return nil, raberrors.NewTransportError(raberrors.KindStreamClosed, "read frame header", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			return nil, raberrors.NewTransportError(raberrors.KindMalformedFrame,
				fmt.Sprintf("header line %q has no separator", line), nil)
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return nil, raberrors.NewTransportError(raberrors.KindMalformedFrame,
					fmt.Sprintf("invalid Content-Length %q", strings.TrimSpace(value)), err)
			}
			contentLength = n
		}
		// Content-Type headers are permitted and ignored.
	}

	if contentLength < 0 {
		return nil, raberrors.NewTransportError(raberrors.KindMalformedFrame, "frame missing Content-Length", nil)
	}
	if contentLength > maxFrameSize {
		return nil, raberrors.NewTransportError(raberrors.KindMalformedFrame,
			fmt.Sprintf("frame of %d bytes exceeds limit", contentLength), nil)
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(t.reader, body); err != nil {
		t.closed.Store(true)
		return nil, raberrors.NewTransportError(raberrors.KindStreamClosed, "read frame body", err)
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, raberrors.NewTransportError(raberrors.KindMalformedFrame, "decode frame body", err)
	}
	return &msg, nil
}

// Close marks the transport dead. The underlying streams belong to the
// process and are closed by the supervisor when it reaps the child.
func (t *Transport) Close() {
	t.closed.Store(true)
}
