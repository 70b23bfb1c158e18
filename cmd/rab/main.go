package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/rablabs/rab/internal/check"
	"github.com/rablabs/rab/internal/config"
	raberrors "github.com/rablabs/rab/internal/errors"
	"github.com/rablabs/rab/internal/mcp"
	"github.com/rablabs/rab/internal/version"
)

// loadConfigWithOverrides loads configuration for the project root and applies
// CLI flag overrides on top of file and environment values.
func loadConfigWithOverrides(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("root"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if analyzerPath := c.String("analyzer"); analyzerPath != "" {
		cfg.Analyzer.Path = analyzerPath
	}
	if logFile := c.String("log-file"); logFile != "" {
		cfg.Logging.File = logFile
	}
	if c.Bool("full-analysis") {
		cfg.Analyzer.FullAnalysis = true
	}
	return cfg, nil
}

func main() {
	app := &cli.App{
		Name:                   "rab",
		Usage:                  "rust-analyzer bridge for AI assistants",
		Version:                version.Version,
		UseShortOptionHandling: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "root",
				Aliases: []string{"r"},
				Usage:   "Rust project root (directory containing Cargo.toml)",
				Value:   ".",
			},
			&cli.StringFlag{
				Name:  "analyzer",
				Usage: "Path to the rust-analyzer binary (overrides config)",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "Diagnostic log file path (overrides config)",
			},
			&cli.BoolFlag{
				Name:  "full-analysis",
				Usage: "Enable build-script and proc-macro expansion (slower startup)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Start MCP (Model Context Protocol) server with stdio transport",
				Action: serveCommand,
			},
			{
				Name:  "check",
				Usage: "Run a guarded cargo check and print its diagnostics",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "json",
						Aliases: []string{"j"},
						Usage:   "Output as JSON",
					},
					&cli.IntFlag{
						Name:  "timeout",
						Usage: "Check timeout in seconds (overrides config)",
					},
				},
				Action: checkCommand,
			},
			{
				Name:  "version",
				Usage: "Print full version information",
				Action: func(c *cli.Context) error {
					fmt.Println(version.FullInfo())
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// serveCommand runs the MCP server over stdio until the client disconnects or
// a termination signal arrives. Stdout belongs to the protocol, so nothing is
// printed here; operational messages go to the diagnostic log file.
func serveCommand(c *cli.Context) error {
	cfg, err := loadConfigWithOverrides(c)
	if err != nil {
		return err
	}

	server, err := mcp.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start(ctx)
	}()

	select {
	case err := <-errChan:
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil && err == nil {
			err = shutdownErr
		}
		return err
	case <-sigChan:
		cancel()

		// Give the stdio loop a moment to notice the cancellation before
		// tearing down the analyzer session.
		select {
		case <-errChan:
		case <-time.After(2 * time.Second):
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	}
}

// checkCommand runs the same guarded check the MCP tool uses and renders the
// diagnostics for a terminal.
func checkCommand(c *cli.Context) error {
	cfg, err := loadConfigWithOverrides(c)
	if err != nil {
		return err
	}
	if secs := c.Int("timeout"); secs > 0 {
		cfg.Check.TimeoutSecs = secs
	}

	runner := check.NewRunner(check.Options{
		Timeout:   cfg.CheckTimeout(),
		OutputCap: int(cfg.Check.OutputCapBytes),
		Command:   cfg.Check.Command,
		Include:   cfg.Include,
		Exclude:   cfg.Exclude,
	})

	result, err := runner.Run(c.Context, cfg.Project.Root)
	if result == nil {
		return err
	}

	if c.Bool("json") {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if encodeErr := encoder.Encode(result); encodeErr != nil {
			return encodeErr
		}
	} else {
		printDiagnostics(result)
	}

	// Timeout and truncation still produced the result above; surface the
	// bound that was hit as the command's failure.
	if err != nil {
		kind := raberrors.KindOf(err)
		return cli.Exit(fmt.Sprintf("check degraded (%s): %v", kind, err), 2)
	}
	if !result.ExitOK || hasErrors(result.Diagnostics) {
		return cli.Exit("", 1)
	}
	return nil
}

var severityColors = map[string]*color.Color{
	check.SeverityError:   color.New(color.FgRed, color.Bold),
	check.SeverityWarning: color.New(color.FgYellow, color.Bold),
	check.SeverityInfo:    color.New(color.FgCyan),
	check.SeverityHint:    color.New(color.FgGreen),
}

func printDiagnostics(result *check.Result) {
	for _, d := range result.Diagnostics {
		painter, ok := severityColors[d.Severity]
		if !ok {
			painter = color.New(color.Reset)
		}
		painter.Printf("%s", d.Severity)
		if d.Code != "" {
			painter.Printf("[%s]", d.Code)
		}
		fmt.Printf(": %s:%d:%d: %s\n", d.File, d.Span.StartLine+1, d.Span.StartChar+1, d.Message)
		for _, rel := range d.Related {
			fmt.Printf("    = %s:%d:%d: %s\n", rel.File, rel.Span.StartLine+1, rel.Span.StartChar+1, rel.Message)
		}
	}

	fmt.Printf("\n%d diagnostics", len(result.Diagnostics))
	if result.SkippedLines > 0 {
		fmt.Printf(" (%d malformed lines skipped)", result.SkippedLines)
	}
	fmt.Printf(" in %s\n", result.Duration.Round(time.Millisecond))

	if result.TimedOut {
		color.Yellow("check timed out; diagnostics above are partial")
	}
	if result.Truncated {
		color.Yellow("output exceeded the capture budget; diagnostics parsed from the retained prefix")
	}
}

func hasErrors(diags []check.Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == check.SeverityError {
			return true
		}
	}
	return false
}
