// Package analyzer owns the external rust-analyzer process: spawning it,
// performing the LSP handshake, tracking readiness, and restarting it after
// failures. All tool handlers reach the analyzer through this package; no
// caller ever holds a raw process handle.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	raberrors "github.com/rablabs/rab/internal/errors"
	"github.com/rablabs/rab/internal/protocol"
)

// SessionState tracks one analyzer process lifetime.
type SessionState int32

const (
	StateStarting SessionState = iota
	StateReady
	StateFailed
	StateStopped
)

// String returns the state name for logs and the info tool.
func (s SessionState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Options configures the supervisor. Immutable after construction; config
// changes require a new supervisor.
type Options struct {
	ExecutablePath  string        // path to the rust-analyzer binary
	RootDir         string        // workspace root, absolute
	FullAnalysis    bool          // enable proc macros + build-script output loading
	RequestTimeout  time.Duration // default per-request budget
	HandshakeBudget time.Duration // initialize request budget
	ShutdownGrace   time.Duration // graceful exit window before SIGKILL
}

func (o *Options) applyDefaults() {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.HandshakeBudget <= 0 {
		o.HandshakeBudget = 60 * time.Second
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 5 * time.Second
	}
}

// Capabilities carries the handshake-negotiated server capability flags the
// dispatcher cares about.
type Capabilities struct {
	PositionEncoding string `json:"position_encoding"`
	Rename           bool   `json:"rename"`
	References       bool   `json:"references"`
	Hover            bool   `json:"hover"`
	DocumentSymbol   bool   `json:"document_symbol"`
	WorkspaceSymbol  bool   `json:"workspace_symbol"`
	TypeHierarchy    bool   `json:"type_hierarchy"`
}

// Session is one running analyzer process plus its negotiated state. Owned
// exclusively by the Supervisor; handlers only borrow it for calls.
type Session struct {
	ID           string
	Capabilities Capabilities

	proc        process
	transport   *protocol.Transport
	correlator  *protocol.Correlator
	diagnostics *DiagnosticsStore

	mu    sync.Mutex
	state SessionState
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// process abstracts the spawned child so supervisor tests can run against an
// in-memory fake instead of a real binary.
type process interface {
	Stdin() io.Writer
	Stdout() io.Reader
	Wait() error
	Kill() error
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *execProcess) Stdin() io.Writer  { return p.stdin }
func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Wait() error       { return p.cmd.Wait() }
func (p *execProcess) Kill() error {
	_ = p.stdin.Close()
	return p.cmd.Process.Kill()
}

func launchExec(path, rootDir string) (process, error) {
	cmd := exec.Command(path)
	cmd.Dir = rootDir
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	// rust-analyzer writes progress chatter to stderr; it must never reach
	// our own stdout, which belongs to the MCP transport.
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// Supervisor manages at most one live analyzer session, re-establishing it
// lazily when it dies. Concurrent EnsureReady callers during startup are
// collapsed onto a single in-flight spawn.
type Supervisor struct {
	opts Options
	logf protocol.Logf

	// launch is swapped out by tests.
	launch func() (process, error)

	mu      sync.Mutex
	session *Session

	flight singleflight.Group
}

// NewSupervisor creates a supervisor; no process is spawned until the first
// EnsureReady call.
func NewSupervisor(opts Options, logf protocol.Logf) *Supervisor {
	opts.applyDefaults()
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	s := &Supervisor{opts: opts, logf: logf}
	s.launch = func() (process, error) {
		return launchExec(opts.ExecutablePath, opts.RootDir)
	}
	return s
}

// EnsureReady returns a Ready session, spawning and initializing one if
// needed. Every concurrent caller observing the same dead-or-absent session
// receives the same freshly initialized session.
func (s *Supervisor) EnsureReady(ctx context.Context) (*Session, error) {
	s.mu.Lock()
	cur := s.session
	s.mu.Unlock()
	if cur != nil && cur.State() == StateReady {
		return cur, nil
	}

	v, err, _ := s.flight.Do("spawn", func() (interface{}, error) {
		// Re-check under the flight: a racing caller may have initialized.
		s.mu.Lock()
		cur := s.session
		s.mu.Unlock()
		if cur != nil && cur.State() == StateReady {
			return cur, nil
		}
		if cur != nil {
			s.teardown(cur)
		}
		sess, err := s.start(ctx)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.session = sess
		s.mu.Unlock()
		return sess, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Call sends one request on a ready session. A session that dies mid-call
// reports session_closed; the next Call transparently spawns a new session,
// visible to the caller only as latency.
func (s *Supervisor) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	sess, err := s.EnsureReady(ctx)
	if err != nil {
		return nil, err
	}
	return sess.correlator.Call(ctx, method, params, s.opts.RequestTimeout)
}

// Notify sends one notification on a ready session.
func (s *Supervisor) Notify(ctx context.Context, method string, params interface{}) error {
	sess, err := s.EnsureReady(ctx)
	if err != nil {
		return err
	}
	return sess.correlator.Notify(method, params)
}

// Session returns the current session without spawning, or nil.
func (s *Supervisor) Session() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Diagnostics returns the live-diagnostics store of the current session, or
// nil when no session exists yet.
func (s *Supervisor) Diagnostics() *DiagnosticsStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	return s.session.diagnostics
}

func (s *Supervisor) start(ctx context.Context) (*Session, error) {
	proc, err := s.launch()
	if err != nil {
		return nil, raberrors.NewSupervisorError(raberrors.KindSpawnFailed, s.opts.ExecutablePath, err)
	}

	sess := &Session{
		ID:          uuid.NewString(),
		proc:        proc,
		transport:   protocol.NewTransport(proc.Stdout(), proc.Stdin()),
		diagnostics: NewDiagnosticsStore(),
		state:       StateStarting,
	}
	sess.correlator = protocol.NewCorrelator(sess.transport, s.logf)

	go s.consumeNotifications(sess)
	go s.watchExit(sess)

	caps, err := s.handshake(ctx, sess)
	if err != nil {
		sess.setState(StateFailed)
		_ = proc.Kill()
		sess.correlator.Close()
		return nil, raberrors.NewSupervisorError(raberrors.KindHandshakeFailed, s.opts.ExecutablePath, err)
	}

	sess.Capabilities = caps
	sess.setState(StateReady)
	s.logf("supervisor: session %s ready (encoding=%s)", sess.ID, caps.PositionEncoding)
	return sess, nil
}

// initializeResult is the subset of the LSP initialize response we inspect.
type initializeResult struct {
	Capabilities struct {
		PositionEncoding       string          `json:"positionEncoding"`
		RenameProvider         json.RawMessage `json:"renameProvider"`
		ReferencesProvider     json.RawMessage `json:"referencesProvider"`
		HoverProvider          json.RawMessage `json:"hoverProvider"`
		DocumentSymbolProvider json.RawMessage `json:"documentSymbolProvider"`
		WorkspaceSymbolProvider json.RawMessage `json:"workspaceSymbolProvider"`
		TypeHierarchyProvider  json.RawMessage `json:"typeHierarchyProvider"`
	} `json:"capabilities"`
	ServerInfo struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

func providerEnabled(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "false" && string(raw) != "null"
}

func (s *Supervisor) handshake(ctx context.Context, sess *Session) (Capabilities, error) {
	initOptions := map[string]interface{}{
		"cargo":     map[string]interface{}{"loadOutDirsFromCheck": s.opts.FullAnalysis},
		"procMacro": map[string]interface{}{"enable": s.opts.FullAnalysis},
	}

	params := map[string]interface{}{
		"processId": nil,
		"clientInfo": map[string]interface{}{
			"name":    "rab",
			"version": "0.2.0",
		},
		"rootUri":               FileURI(s.opts.RootDir),
		"initializationOptions": initOptions,
		"capabilities": map[string]interface{}{
			"general": map[string]interface{}{
				// UTF-16 is the LSP baseline; the position resolver produces
				// UTF-16 columns, so never offer utf-8 here.
				"positionEncodings": []string{"utf-16"},
			},
			"textDocument": map[string]interface{}{
				"definition":         map[string]interface{}{"dynamicRegistration": false},
				"references":         map[string]interface{}{"dynamicRegistration": false},
				"publishDiagnostics": map[string]interface{}{"relatedInformation": true},
				"documentSymbol":     map[string]interface{}{"hierarchicalDocumentSymbolSupport": true},
			},
			"workspace": map[string]interface{}{
				"symbol": map[string]interface{}{"dynamicRegistration": false},
			},
		},
	}

	raw, err := sess.correlator.Call(ctx, "initialize", params, s.opts.HandshakeBudget)
	if err != nil {
		return Capabilities{}, fmt.Errorf("initialize request: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return Capabilities{}, fmt.Errorf("decode initialize result: %w", err)
	}

	if err := sess.correlator.Notify("initialized", struct{}{}); err != nil {
		return Capabilities{}, fmt.Errorf("initialized notification: %w", err)
	}

	encoding := result.Capabilities.PositionEncoding
	if encoding == "" {
		encoding = "utf-16"
	}
	return Capabilities{
		PositionEncoding: encoding,
		Rename:           providerEnabled(result.Capabilities.RenameProvider),
		References:       providerEnabled(result.Capabilities.ReferencesProvider),
		Hover:            providerEnabled(result.Capabilities.HoverProvider),
		DocumentSymbol:   providerEnabled(result.Capabilities.DocumentSymbolProvider),
		WorkspaceSymbol:  providerEnabled(result.Capabilities.WorkspaceSymbolProvider),
		TypeHierarchy:    providerEnabled(result.Capabilities.TypeHierarchyProvider),
	}, nil
}

// consumeNotifications routes server-initiated messages. publishDiagnostics
// feeds the diagnostics store; everything else is logged and dropped.
func (s *Supervisor) consumeNotifications(sess *Session) {
	for msg := range sess.correlator.Notifications() {
		switch msg.Method {
		case "textDocument/publishDiagnostics":
			var params protocol.PublishDiagnosticsParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				s.logf("supervisor: bad publishDiagnostics payload: %v", err)
				continue
			}
			sess.diagnostics.Put(params.URI, params.Diagnostics)
		default:
			s.logf("supervisor: notification %s ignored", msg.Method)
		}
	}
}

// watchExit reaps the child. An exit while Ready flips the session to Failed
// and resolves all pending requests with session_closed.
func (s *Supervisor) watchExit(sess *Session) {
	err := sess.proc.Wait()
	sess.mu.Lock()
	if sess.state == StateReady || sess.state == StateStarting {
		sess.state = StateFailed
	}
	state := sess.state
	sess.mu.Unlock()

	s.logf("supervisor: session %s process exited (state=%s): %v", sess.ID, state, err)
	sess.correlator.Close()
}

// Shutdown gracefully stops the current session: LSP shutdown request, exit
// notification, then a kill if the process outlives the grace period.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	sess := s.session
	s.session = nil
	s.mu.Unlock()
	if sess == nil {
		return nil
	}
	return s.stop(ctx, sess)
}

func (s *Supervisor) teardown(sess *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownGrace)
	defer cancel()
	_ = s.stop(ctx, sess)
}

func (s *Supervisor) stop(ctx context.Context, sess *Session) error {
	wasReady := sess.State() == StateReady
	sess.setState(StateStopped)

	if wasReady {
		if _, err := sess.correlator.Call(ctx, "shutdown", nil, s.opts.ShutdownGrace); err != nil {
			s.logf("supervisor: shutdown request failed: %v", err)
		}
		if err := sess.correlator.Notify("exit", nil); err != nil {
			s.logf("supervisor: exit notification failed: %v", err)
		}
	}

	exited := make(chan struct{})
	go func() {
		<-sess.correlator.Closed()
		close(exited)
	}()

	select {
	case <-exited:
	case <-time.After(s.opts.ShutdownGrace):
		s.logf("supervisor: session %s did not exit in %v, killing", sess.ID, s.opts.ShutdownGrace)
		_ = sess.proc.Kill()
	case <-ctx.Done():
		_ = sess.proc.Kill()
	}
	sess.correlator.Close()
	return nil
}
