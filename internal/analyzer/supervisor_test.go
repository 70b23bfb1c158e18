package analyzer

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	raberrors "github.com/rablabs/rab/internal/errors"
	"github.com/rablabs/rab/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const defaultInitializeResult = `{
	"capabilities": {
		"positionEncoding": "utf-16",
		"renameProvider": {"prepareProvider": true},
		"referencesProvider": true,
		"hoverProvider": true,
		"documentSymbolProvider": true,
		"workspaceSymbolProvider": true,
		"typeHierarchyProvider": true
	},
	"serverInfo": {"name": "rust-analyzer", "version": "test"}
}`

// fakeProc is an in-memory analyzer process: two pipes and a scripted LSP
// server on the far side.
type fakeProc struct {
	stdinW io.Writer
	stdout io.Reader

	killOnce sync.Once
	done     chan struct{}
	closers  []io.Closer
}

func (p *fakeProc) Stdin() io.Writer  { return p.stdinW }
func (p *fakeProc) Stdout() io.Reader { return p.stdout }
func (p *fakeProc) Wait() error {
	<-p.done
	return nil
}
func (p *fakeProc) Kill() error {
	p.killOnce.Do(func() {
		for _, c := range p.closers {
			_ = c.Close()
		}
		close(p.done)
	})
	return nil
}

// fakeServer answers requests arriving from the supervisor. handle returns
// the raw JSON result for a method; returning ok=false leaves the request
// unanswered.
type fakeServer struct {
	proc      *fakeProc
	transport *protocol.Transport

	mu            sync.Mutex
	seenMethods   []string
	seenNotifs    []string
	handleExtra   func(method string, params json.RawMessage) (string, bool)
	notifyHandler func(method string, params json.RawMessage)
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	c2sR, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()

	proc := &fakeProc{
		stdinW:  c2sW,
		stdout:  s2cR,
		done:    make(chan struct{}),
		closers: []io.Closer{c2sW, c2sR, s2cW, s2cR},
	}
	fs := &fakeServer{
		proc:      proc,
		transport: protocol.NewTransport(c2sR, s2cW),
	}
	go fs.serve()
	t.Cleanup(func() { _ = proc.Kill() })
	return fs
}

func (f *fakeServer) serve() {
	for {
		msg, err := f.transport.Receive()
		if err != nil {
			return
		}
		if msg.IsNotification() {
			f.mu.Lock()
			f.seenNotifs = append(f.seenNotifs, msg.Method)
			handler := f.notifyHandler
			f.mu.Unlock()
			if handler != nil {
				handler(msg.Method, msg.Params)
			}
			if msg.Method == "exit" {
				_ = f.proc.Kill()
				return
			}
			continue
		}

		f.mu.Lock()
		f.seenMethods = append(f.seenMethods, msg.Method)
		extra := f.handleExtra
		f.mu.Unlock()

		var result string
		switch msg.Method {
		case "initialize":
			result = defaultInitializeResult
		case "shutdown":
			result = "null"
		default:
			if extra != nil {
				if r, ok := extra(msg.Method, msg.Params); ok {
					result = r
				} else {
					continue
				}
			} else {
				result = "null"
			}
		}
		_ = f.transport.Send(&protocol.Message{ID: msg.ID, Result: json.RawMessage(result)})
	}
}

// publish pushes a diagnostics notification toward the supervisor.
func (f *fakeServer) publish(uri string, diagnostics string) error {
	return f.transport.Send(&protocol.Message{
		Method: "textDocument/publishDiagnostics",
		Params: json.RawMessage(`{"uri":"` + uri + `","diagnostics":` + diagnostics + `}`),
	})
}

func (f *fakeServer) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seenMethods...)
}

func (f *fakeServer) notifs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seenNotifs...)
}

func newTestSupervisor(t *testing.T, launch func() (process, error)) *Supervisor {
	t.Helper()
	sup := NewSupervisor(Options{
		ExecutablePath: "rust-analyzer",
		RootDir:        "/ws",
		RequestTimeout: 5 * time.Second,
		ShutdownGrace:  2 * time.Second,
	}, t.Logf)
	sup.launch = launch
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	return sup
}

func TestEnsureReadyPerformsHandshake(t *testing.T) {
	fs := newFakeServer(t)
	sup := newTestSupervisor(t, func() (process, error) { return fs.proc, nil })

	sess, err := sup.EnsureReady(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateReady, sess.State())
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "utf-16", sess.Capabilities.PositionEncoding)
	assert.True(t, sess.Capabilities.Rename)
	assert.True(t, sess.Capabilities.TypeHierarchy)

	assert.Equal(t, []string{"initialize"}, fs.methods())
	assert.Contains(t, fs.notifs(), "initialized")
}

func TestEnsureReadyCollapsesConcurrentSpawns(t *testing.T) {
	fs := newFakeServer(t)
	var launches atomic.Int32
	sup := newTestSupervisor(t, func() (process, error) {
		launches.Add(1)
		return fs.proc, nil
	})

	const n = 8
	sessions := make(chan *Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := sup.EnsureReady(context.Background())
			require.NoError(t, err)
			sessions <- sess
		}()
	}
	wg.Wait()
	close(sessions)

	assert.Equal(t, int32(1), launches.Load())
	var first *Session
	for sess := range sessions {
		if first == nil {
			first = sess
			continue
		}
		assert.Same(t, first, sess)
	}
}

func TestProcessExitFailsSessionAndRespawns(t *testing.T) {
	first := newFakeServer(t)
	second := newFakeServer(t)
	servers := []*fakeServer{first, second}
	var launches atomic.Int32
	sup := newTestSupervisor(t, func() (process, error) {
		return servers[launches.Add(1)-1].proc, nil
	})

	sess, err := sup.EnsureReady(context.Background())
	require.NoError(t, err)

	// Leave one request pending, then kill the process under it.
	first.mu.Lock()
	first.handleExtra = func(method string, _ json.RawMessage) (string, bool) {
		return "", false
	}
	first.mu.Unlock()

	pendingErr := make(chan error, 1)
	go func() {
		_, err := sup.Call(context.Background(), "textDocument/hover", nil)
		pendingErr <- err
	}()

	// Wait until the request reached the fake before killing it.
	require.Eventually(t, func() bool {
		for _, m := range first.methods() {
			if m == "textDocument/hover" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	_ = first.proc.Kill()

	select {
	case err := <-pendingErr:
		require.Error(t, err)
		assert.Equal(t, raberrors.KindSessionClosed, raberrors.KindOf(err))
	case <-time.After(5 * time.Second):
		t.Fatal("pending call hung after process death")
	}
	require.Eventually(t, func() bool { return sess.State() == StateFailed },
		5*time.Second, 10*time.Millisecond)

	// Next call spawns a fresh session transparently.
	raw, err := sup.Call(context.Background(), "workspace/symbol", nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(raw))
	assert.Equal(t, int32(2), launches.Load())
}

func TestPublishDiagnosticsFeedsStore(t *testing.T) {
	fs := newFakeServer(t)
	sup := newTestSupervisor(t, func() (process, error) { return fs.proc, nil })

	sess, err := sup.EnsureReady(context.Background())
	require.NoError(t, err)

	require.NoError(t, fs.publish("file:///ws/src/lib.rs",
		`[{"range":{"start":{"line":3,"character":0},"end":{"line":3,"character":5}},"severity":1,"message":"mismatched types"}]`))

	require.Eventually(t, func() bool {
		diags, ok := sess.diagnostics.Get("file:///ws/src/lib.rs")
		return ok && len(diags) == 1
	}, 5*time.Second, 10*time.Millisecond)

	diags, _ := sess.diagnostics.Get("file:///ws/src/lib.rs")
	assert.Equal(t, "mismatched types", diags[0].Message)
	assert.Equal(t, uint32(3), diags[0].Range.Start.Line)

	// A later empty publish clears the set but keeps the document known.
	require.NoError(t, fs.publish("file:///ws/src/lib.rs", `[]`))
	require.Eventually(t, func() bool {
		diags, ok := sess.diagnostics.Get("file:///ws/src/lib.rs")
		return ok && len(diags) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestShutdownSendsGracefulSequence(t *testing.T) {
	fs := newFakeServer(t)
	sup := newTestSupervisor(t, func() (process, error) { return fs.proc, nil })

	_, err := sup.EnsureReady(context.Background())
	require.NoError(t, err)

	require.NoError(t, sup.Shutdown(context.Background()))
	assert.Contains(t, fs.methods(), "shutdown")
	assert.Contains(t, fs.notifs(), "exit")
	assert.Nil(t, sup.Session())
}

func TestHandshakeFailureSurfacesSupervisorError(t *testing.T) {
	c2sR, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()
	proc := &fakeProc{
		stdinW:  c2sW,
		stdout:  s2cR,
		done:    make(chan struct{}),
		closers: []io.Closer{c2sW, c2sR, s2cW, s2cR},
	}
	t.Cleanup(func() { _ = proc.Kill() })

	// A server that hangs up immediately after the first request.
	go func() {
		tr := protocol.NewTransport(c2sR, s2cW)
		_, _ = tr.Receive()
		_ = proc.Kill()
	}()

	sup := newTestSupervisor(t, func() (process, error) { return proc, nil })
	_, err := sup.EnsureReady(context.Background())
	require.Error(t, err)
	assert.Equal(t, raberrors.KindHandshakeFailed, raberrors.KindOf(err))
	assert.Nil(t, sup.Session())
}

func TestSpawnFailureSurfacesSupervisorError(t *testing.T) {
	sup := newTestSupervisor(t, func() (process, error) {
		return nil, assert.AnError
	})
	_, err := sup.EnsureReady(context.Background())
	require.Error(t, err)
	assert.Equal(t, raberrors.KindSpawnFailed, raberrors.KindOf(err))
}
