// Package check runs the workspace compiler check under hard wall-clock and
// output-size bounds and parses its JSON message stream into diagnostics.
package check

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	raberrors "github.com/rablabs/rab/internal/errors"
)

const (
	// DefaultTimeout bounds the whole check run.
	DefaultTimeout = 30 * time.Second
	// DefaultOutputCap bounds total captured output across both streams.
	DefaultOutputCap = 1 << 20
	// maxLineSize is the scanner buffer; cargo renders some diagnostics as
	// very long single-line JSON records.
	maxLineSize = 1 << 20
)

// Options configures a Runner. Both bounds are adjustable at construction.
type Options struct {
	Timeout   time.Duration
	OutputCap int

	// Command overrides the check invocation, mainly for tests. Empty means
	// cargo check with JSON messages.
	Command []string

	// Include/Exclude filter diagnostics by workspace-relative file path,
	// doublestar glob syntax. Empty Include means everything.
	Include []string
	Exclude []string
}

func (o *Options) applyDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.OutputCap <= 0 {
		o.OutputCap = DefaultOutputCap
	}
	if len(o.Command) == 0 {
		o.Command = []string{"cargo", "check", "--message-format=json", "--quiet"}
	}
}

// Result carries whatever a run produced, even when the run itself failed on
// a bound: timeout and truncation still return the diagnostics parsed so far.
type Result struct {
	Diagnostics  []Diagnostic  `json:"diagnostics"`
	SkippedLines int           `json:"skipped_lines"`
	Truncated    bool          `json:"truncated"`
	TimedOut     bool          `json:"timed_out"`
	Duration     time.Duration `json:"duration"`
	ExitOK       bool          `json:"exit_ok"`
}

// Runner executes guarded check runs. Safe for concurrent use; each Run is
// independent.
type Runner struct {
	opts Options
}

// NewRunner builds a runner with the given bounds.
func NewRunner(opts Options) *Runner {
	opts.applyDefaults()
	return &Runner{opts: opts}
}

// capCounter tracks the shared output budget across stdout and stderr.
// Earliest bytes win: once the budget is spent nothing further is retained.
type capCounter struct {
	mu        sync.Mutex
	remaining int
	truncated bool
}

// take reserves up to n bytes and reports how many were granted.
func (c *capCounter) take(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= c.remaining {
		c.remaining -= n
		return n
	}
	granted := c.remaining
	c.remaining = 0
	c.truncated = true
	return granted
}

// exhaust spends the remaining budget and flags truncation. Used when a
// stream produces a line too large to scan at all.
func (c *capCounter) exhaust() {
	c.mu.Lock()
	c.remaining = 0
	c.truncated = true
	c.mu.Unlock()
}

func (c *capCounter) wasTruncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}

// Run executes one guarded check in workspace. The returned Result is non-nil
// even when err is a CheckError for timeout or truncation; only spawn
// failures return a nil Result.
func (r *Runner) Run(ctx context.Context, workspace string) (*Result, error) {
	if !filepath.IsAbs(workspace) {
		return nil, raberrors.NewValidationError(raberrors.KindRelativePath, "workspace", workspace)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.opts.Command[0], r.opts.Command[1:]...)
	cmd.Dir = workspace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, raberrors.NewCheckError(raberrors.KindCheckSpawn, workspace, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, raberrors.NewCheckError(raberrors.KindCheckSpawn, workspace, err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, raberrors.NewCheckError(raberrors.KindCheckSpawn, workspace, err)
	}

	budget := &capCounter{remaining: r.opts.OutputCap}
	result := &Result{}
	var resultMu sync.Mutex

	g, _ := errgroup.WithContext(runCtx)
	g.Go(func() error {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := scanner.Bytes()
			granted := budget.take(len(line) + 1)
			if granted < len(line)+1 {
				// Budget spent: a partial line is never parsed, and the
				// rest of the stream is drained unretained so the child
				// does not block on a full pipe.
				continue
			}
			diags, skipped := parseCargoLine(line, workspace, r.opts.Include, r.opts.Exclude)
			resultMu.Lock()
			result.Diagnostics = append(result.Diagnostics, diags...)
			result.SkippedLines += skipped
			resultMu.Unlock()
		}
		drainAfterScan(scanner.Err(), stdout, budget)
		return nil
	})
	g.Go(func() error {
		// stderr is progress chatter; it only counts against the budget.
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			budget.take(len(scanner.Bytes()) + 1)
		}
		drainAfterScan(scanner.Err(), stderr, budget)
		return nil
	})
	_ = g.Wait()

	waitErr := cmd.Wait()
	result.Duration = time.Since(start)
	result.ExitOK = waitErr == nil
	result.Truncated = budget.wasTruncated()

	if runCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		return result, raberrors.NewCheckError(raberrors.KindCheckTimeout, workspace, runCtx.Err())
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		// The caller's context was cancelled; the run did not complete even
		// though the bounds were not hit.
		return result, ctxErr
	}
	if result.Truncated {
		return result, raberrors.NewCheckError(raberrors.KindOutputTruncated, workspace, nil)
	}
	return result, nil
}

// drainAfterScan handles a scanner stopping before the stream ends. A line
// over the scan buffer counts as truncation, and in every error case the
// remainder is drained unretained so the child never blocks on a full pipe.
func drainAfterScan(scanErr error, stream io.Reader, budget *capCounter) {
	if scanErr == nil {
		return
	}
	if errors.Is(scanErr, bufio.ErrTooLong) {
		budget.exhaust()
	}
	_, _ = io.Copy(io.Discard, stream)
}
