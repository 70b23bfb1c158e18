package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	kdl "github.com/sblinch/kdl-go"
	"github.com/sblinch/kdl-go/document"
)

// LoadKDL attempts to load configuration from a .rab.kdl file in projectRoot.
// A missing file is not an error; callers fall back to defaults.
func LoadKDL(projectRoot string) (*Config, error) {
	kdlPath := filepath.Join(projectRoot, ".rab.kdl")

	if _, err := os.Stat(kdlPath); os.IsNotExist(err) {
		return nil, nil
	}

	content, err := os.ReadFile(kdlPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read .rab.kdl: %v", err)
	}

	cfg, err := parseKDL(string(content))
	if err != nil {
		return nil, err
	}

	// Resolve the root relative to the directory holding the .rab.kdl file.
	if cfg.Project.Root != "" && !filepath.IsAbs(cfg.Project.Root) {
		cfg.Project.Root = filepath.Clean(filepath.Join(projectRoot, cfg.Project.Root))
	}
	if cfg.Project.Root == "" {
		cfg.Project.Root = projectRoot
	}
	return cfg, nil
}

func parseKDL(content string) (*Config, error) {
	cfg := DefaultConfig("")

	doc, err := kdl.Parse(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse KDL config: %w", err)
	}

	for _, n := range doc.Nodes {
		switch nodeName(n) {
		case "project":
			for _, cn := range n.Children {
				assignSimpleString(cn, "root", func(v string) { cfg.Project.Root = v })
				assignSimpleString(cn, "name", func(v string) { cfg.Project.Name = v })
			}
		case "analyzer":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "path":
					if s, ok := firstStringArg(cn); ok {
						cfg.Analyzer.Path = s
					}
				case "full_analysis":
					if b, ok := firstBoolArg(cn); ok {
						cfg.Analyzer.FullAnalysis = b
					}
				case "request_timeout_secs":
					if v, ok := firstIntArg(cn); ok {
						cfg.Analyzer.RequestTimeoutSecs = v
					}
				case "shutdown_grace_secs":
					if v, ok := firstIntArg(cn); ok {
						cfg.Analyzer.ShutdownGraceSecs = v
					}
				case "require_unique_snippet":
					if b, ok := firstBoolArg(cn); ok {
						cfg.Analyzer.RequireUniqueSnippet = b
					}
				}
			}
		case "check":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "timeout_secs":
					if v, ok := firstIntArg(cn); ok {
						cfg.Check.TimeoutSecs = v
					}
				case "output_cap":
					if v, ok := firstIntArg(cn); ok {
						cfg.Check.OutputCapBytes = int64(v)
					}
					if s, ok := firstStringArg(cn); ok {
						if sz, err := parseSize(s); err == nil {
							cfg.Check.OutputCapBytes = sz
						}
					}
				case "command":
					cfg.Check.Command = collectStringArgs(cn)
				}
			}
		case "logging":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "verbosity":
					if v, ok := firstIntArg(cn); ok {
						cfg.Logging.Verbosity = v
					}
				case "file":
					if s, ok := firstStringArg(cn); ok {
						cfg.Logging.File = s
					}
				}
			}
		case "include":
			cfg.Include = append(cfg.Include, collectStringArgs(n)...)
		case "exclude":
			// An exclude block replaces the default exclusions.
			cfg.Exclude = collectStringArgs(n)
		case "version":
			if v, ok := firstIntArg(n); ok {
				cfg.Version = v
			}
		}
	}

	return cfg, nil
}

// Helper functions leveraging the kdl-go document model.
func nodeName(n *document.Node) string {
	if n == nil || n.Name == nil {
		return ""
	}
	return n.Name.NodeNameString()
}

func firstIntArg(n *document.Node) (int, bool) {
	if len(n.Arguments) == 0 {
		return 0, false
	}
	switch v := n.Arguments[0].Value.(type) {
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func firstStringArg(n *document.Node) (string, bool) {
	if len(n.Arguments) == 0 {
		return "", false
	}
	if s, ok := n.Arguments[0].Value.(string); ok {
		return s, true
	}
	return "", false
}

func firstBoolArg(n *document.Node) (bool, bool) {
	if len(n.Arguments) == 0 {
		return false, false
	}
	if b, ok := n.Arguments[0].Value.(bool); ok {
		return b, true
	}
	return false, false
}

func collectStringArgs(n *document.Node) []string {
	if n == nil {
		return nil
	}
	out := make([]string, 0, len(n.Arguments))
	for _, a := range n.Arguments {
		if s, ok := a.Value.(string); ok {
			out = append(out, s)
		}
	}

	// Block format: exclude { "target/**" } makes each string a child node.
	if len(out) == 0 && len(n.Children) > 0 {
		out = make([]string, 0, len(n.Children))
		for _, child := range n.Children {
			if s, ok := firstStringArg(child); ok {
				out = append(out, s)
			} else if child.Name != nil {
				if s, ok := child.Name.Value.(string); ok {
					out = append(out, s)
				}
			}
		}
	}
	return out
}

func assignSimpleString(n *document.Node, target string, set func(string)) {
	if nodeName(n) == target {
		if s, ok := firstStringArg(n); ok {
			set(s)
		}
	}
}

// parseSize handles size strings like "10MB", "500KB", "1GB".
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))

	var multiplier int64 = 1
	var numStr string

	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		multiplier = 1
		numStr = strings.TrimSuffix(s, "B")
	default:
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return num * multiplier, nil
}
