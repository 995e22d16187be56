// Package sandbox decides which paths and commands tools may touch. It is an
// application-level allowlist: paths are normalized lexically and compared
// against allowed directories, commands are matched on their executable name.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/neboloop/glance/internal/agent/config"
)

// Mode is the policy level.
type Mode string

const (
	ModeUnset     Mode = "unset"     // nothing configured; every check fails with ErrPolicyUnconfigured
	ModeWhitelist Mode = "whitelist" // allowed_dirs and allowed_commands apply
	ModeAllowAll  Mode = "allow_all" // everything is permitted
)

// ErrPolicyUnconfigured means the user never chose a policy. Callers should
// prompt for configuration instead of reporting a permission problem.
var ErrPolicyUnconfigured = errors.New("tool access policy is not configured")

// ErrDenied is the sentinel wrapped by every DeniedError.
var ErrDenied = errors.New("access denied")

// DeniedError reports a path or command outside the policy.
type DeniedError struct {
	Kind   string // "path" or "command"
	Target string
}

func (e *DeniedError) Error() string {
	if e.Kind == "command" {
		return "command not in allowed list: " + e.Target
	}
	return "path outside allowed directories: " + e.Target
}

func (e *DeniedError) Unwrap() error { return ErrDenied }

// Policy is the tool access policy for one request. It is immutable once built.
type Policy struct {
	Mode            Mode
	AllowedDirs     []string
	AllowedCommands []string
	BaseDir         string
	TasksDir        string
}

// ParseMode maps a config string to a Mode. Unknown values are treated as
// unset so a typo never widens access.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "whitelist", "allowlist":
		return ModeWhitelist
	case "allow_all", "allowall", "full":
		return ModeAllowAll
	default:
		return ModeUnset
	}
}

// New builds a policy. allowedDirs falls back to fallbackDir when empty,
// baseDir falls back to the first allowed dir and tasksDir to
// <fallbackDir>/tasks. All directories are made absolute and cleaned.
func New(mode Mode, allowedDirs, allowedCommands []string, baseDir, tasksDir, fallbackDir string) *Policy {
	p := &Policy{Mode: mode}

	for _, d := range allowedDirs {
		if strings.TrimSpace(d) == "" {
			continue
		}
		p.AllowedDirs = append(p.AllowedDirs, normalize(d, ""))
	}
	if len(p.AllowedDirs) == 0 {
		p.AllowedDirs = []string{normalize(fallbackDir, "")}
	}

	for _, c := range allowedCommands {
		if c = strings.TrimSpace(c); c != "" {
			p.AllowedCommands = append(p.AllowedCommands, strings.ToLower(c))
		}
	}

	if baseDir != "" {
		p.BaseDir = normalize(baseDir, "")
	} else {
		p.BaseDir = p.AllowedDirs[0]
	}
	if tasksDir != "" {
		p.TasksDir = normalize(tasksDir, p.BaseDir)
	} else {
		p.TasksDir = filepath.Join(normalize(fallbackDir, ""), "tasks")
	}
	return p
}

// FromConfig builds the request policy from persisted configuration.
func FromConfig(cfg *config.Config) *Policy {
	return New(
		ParseMode(cfg.Policy.Mode),
		cfg.Policy.AllowedDirs,
		cfg.Policy.AllowedCommands,
		cfg.Policy.BaseDir,
		cfg.TasksDir(),
		cfg.DataDir,
	)
}

// ResolveAndAuthorizePath resolves raw against BaseDir, normalizes it and
// checks it lies inside an allowed directory.
func (p *Policy) ResolveAndAuthorizePath(raw string) (string, error) {
	if p == nil || p.Mode == ModeUnset {
		return "", ErrPolicyUnconfigured
	}
	if strings.TrimSpace(raw) == "" {
		return "", errors.New("path is required")
	}

	resolved := normalize(raw, p.BaseDir)
	if p.Mode == ModeAllowAll {
		return resolved, nil
	}
	for _, dir := range p.AllowedDirs {
		if within(dir, resolved) {
			return resolved, nil
		}
	}
	return "", &DeniedError{Kind: "path", Target: resolved}
}

// AuthorizeCommand reports whether the command line's executable matches an
// allowed pattern.
func (p *Policy) AuthorizeCommand(cmdline string) bool {
	if p == nil || p.Mode == ModeUnset {
		return false
	}
	if p.Mode == ModeAllowAll {
		return true
	}

	token := strings.ToLower(LeadingToken(cmdline))
	if token == "" {
		return false
	}
	base := path.Base(strings.ReplaceAll(token, `\`, "/"))
	base = strings.TrimSuffix(base, ".exe")

	for _, pattern := range p.AllowedCommands {
		if pattern == token || pattern == base {
			return true
		}
		if ok, err := doublestar.Match(pattern, token); err == nil && ok {
			return true
		}
		if ok, err := doublestar.Match(pattern, base); err == nil && ok {
			return true
		}
	}
	return false
}

// CheckCommand is AuthorizeCommand with the error taxonomy attached.
func (p *Policy) CheckCommand(cmdline string) error {
	if p == nil || p.Mode == ModeUnset {
		return ErrPolicyUnconfigured
	}
	if !p.AuthorizeCommand(cmdline) {
		return &DeniedError{Kind: "command", Target: LeadingToken(cmdline)}
	}
	return nil
}

// Describe renders the policy for the system prompt.
func (p *Policy) Describe() string {
	switch p.Mode {
	case ModeAllowAll:
		return fmt.Sprintf("Tool access: unrestricted. Working directory: %s", p.BaseDir)
	case ModeWhitelist:
		return fmt.Sprintf("Tool access: files under %s; commands: %s. Working directory: %s",
			strings.Join(p.AllowedDirs, ", "), strings.Join(p.AllowedCommands, ", "), p.BaseDir)
	default:
		return "Tool access: not configured. File and shell tools will fail until the user sets a policy."
	}
}

// LeadingToken returns the executable token of a command line. A quoted
// first token may contain spaces.
func LeadingToken(cmdline string) string {
	s := strings.TrimSpace(cmdline)
	if s == "" {
		return ""
	}
	if q := s[0]; q == '"' || q == '\'' {
		if end := strings.IndexByte(s[1:], q); end >= 0 {
			return s[1 : end+1]
		}
		return s[1:]
	}
	if i := strings.IndexAny(s, " \t\n;|&"); i >= 0 {
		return s[:i]
	}
	return s
}

// normalize makes raw absolute (anchored at base when relative), expands a
// leading ~ and cleans it lexically.
func normalize(raw, base string) string {
	raw = strings.TrimSpace(raw)
	if raw == "~" || strings.HasPrefix(raw, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			raw = filepath.Join(home, strings.TrimPrefix(raw[1:], "/"))
		}
	}
	if !filepath.IsAbs(raw) {
		if base != "" {
			raw = filepath.Join(base, raw)
		} else if abs, err := filepath.Abs(raw); err == nil {
			raw = abs
		}
	}
	return filepath.Clean(raw)
}

// within reports whether target equals dir or is a descendant of it.
func within(dir, target string) bool {
	if dir == target {
		return true
	}
	prefix := dir
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(target, prefix)
}
