package mcp

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DiagnosticLogger handles all diagnostic output for the MCP server.
// CRITICAL: all output must go to file, never to stdout/stderr during MCP
// operation. The protocol requires clean stdio for communication with the
// client.
type DiagnosticLogger struct {
	mu       sync.Mutex
	file     *os.File
	logger   *log.Logger
	filePath string
	isMCP    bool
}

// NewDiagnosticLogger creates a logger that writes to a file instead of
// stderr. An explicit path overrides the default temp-directory location;
// pass "" for the default.
func NewDiagnosticLogger(isMCP bool, explicitPath string) *DiagnosticLogger {
	dl := &DiagnosticLogger{isMCP: isMCP}

	if !isMCP {
		// In CLI mode, logging to stderr is acceptable.
		dl.logger = log.New(os.Stderr, "[rab] ", log.LstdFlags)
		return dl
	}

	logPath := explicitPath
	if logPath == "" {
		logDir := filepath.Join(os.TempDir(), "rab-mcp-logs")
		if err := os.MkdirAll(logDir, 0755); err != nil {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				homeDir = "."
			}
			logDir = filepath.Join(homeDir, ".rab-mcp-logs")
			_ = os.MkdirAll(logDir, 0755)
		}
		timestamp := time.Now().Format("2006-01-02T150405")
		logPath = filepath.Join(logDir, fmt.Sprintf("mcp-%s.log", timestamp))
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		// If file creation fails, disable logging rather than breaking MCP.
		dl.logger = log.New(io.Discard, "", 0)
		return dl
	}

	dl.file = file
	dl.filePath = logPath
	dl.logger = log.New(file, "[rab] ", log.LstdFlags|log.Lshortfile)
	return dl
}

// Printf logs a diagnostic message. In MCP mode it goes to file, never stdio.
func (dl *DiagnosticLogger) Printf(format string, v ...interface{}) {
	if dl == nil || dl.logger == nil {
		return
	}
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.logger.Printf(format, v...)
}

// Errorf logs an error.
func (dl *DiagnosticLogger) Errorf(format string, v ...interface{}) {
	if dl == nil || dl.logger == nil {
		return
	}
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.logger.Printf("ERROR: "+format, v...)
}

// Path returns the active log file path, if any.
func (dl *DiagnosticLogger) Path() string {
	if dl == nil {
		return ""
	}
	return dl.filePath
}

// Close closes the log file if it's open.
func (dl *DiagnosticLogger) Close() error {
	if dl == nil {
		return nil
	}
	dl.mu.Lock()
	defer dl.mu.Unlock()
	if dl.file != nil {
		err := dl.file.Close()
		dl.file = nil
		dl.logger = log.New(io.Discard, "", 0)
		return err
	}
	return nil
}
