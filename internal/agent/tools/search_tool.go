package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/neboloop/glance/internal/agent/sandbox"
)

const (
	DefaultGlobResults = 500
	DefaultGrepResults = 200

	// MaxSearchFileSize is the per-file cap for grep; larger files are skipped.
	MaxSearchFileSize = 2 * 1024 * 1024

	maxGrepLineLen = 300
	binarySniffLen = 8000
)

var errStopWalk = errors.New("stop walk")

// walkFiles visits regular files under root in lexical order, skipping .git
// and anything excluded by .gitignore files found along the way. visit gets
// the absolute path and the slash-relative path; returning errStopWalk ends
// the walk early.
func walkFiles(ctx context.Context, root string, visit func(path, rel string, d fs.DirEntry) error) error {
	rules := &ignoreRules{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil // unreadable entries are skipped
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if path != root {
				if d.Name() == ".git" || rules.ignored(rel, true) {
					return filepath.SkipDir
				}
			}
			rules.load(path, rel)
			return nil
		}
		if !d.Type().IsRegular() || rules.ignored(rel, false) {
			return nil
		}
		return visit(path, rel, d)
	})
	if errors.Is(err, errStopWalk) {
		return nil
	}
	return err
}

// searchRoot resolves the directory a search runs under. An empty path means
// the policy's working directory.
func searchRoot(policy *sandbox.Policy, raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		if policy == nil {
			return "", sandbox.ErrPolicyUnconfigured
		}
		raw = policy.BaseDir
	}
	return policy.ResolveAndAuthorizePath(raw)
}

// GlobInput are the arguments of the glob tool.
type GlobInput struct {
	Pattern    string `json:"pattern" jsonschema_description:"Glob pattern; ** matches any number of directories" jsonschema:"minLength=1"`
	Path       string `json:"path,omitempty" jsonschema_description:"Directory to search (default: working directory)"`
	MaxResults int    `json:"max_results,omitempty" jsonschema_description:"Maximum paths to return (default 500)" jsonschema:"minimum=1"`
}

// GlobTool lists files matching a pattern.
type GlobTool struct {
	policy *sandbox.Policy
}

func NewGlobTool(policy *sandbox.Policy) *GlobTool {
	return &GlobTool{policy: policy}
}

func (t *GlobTool) Name() string { return "glob" }

func (t *GlobTool) Description() string {
	return `Find files by glob pattern relative to path. Honors .gitignore and skips .git.

Examples:
  glob(pattern: "**/*.go")
  glob(pattern: "docs/*.md", path: "~/project")`
}

func (t *GlobTool) Schema() json.RawMessage { return schemaOf(&GlobInput{}) }

func (t *GlobTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var in GlobInput
	if err := decode(input, &in); err != nil {
		return fail("Error: %v", err), nil
	}

	pattern := filepath.ToSlash(in.Pattern)
	rootArg := in.Path
	if filepath.IsAbs(in.Pattern) || strings.HasPrefix(pattern, "/") {
		// An absolute pattern carries its own root.
		base, rest := doublestar.SplitPattern(pattern)
		rootArg, pattern = filepath.FromSlash(base), rest
	}
	if !doublestar.ValidatePattern(pattern) {
		return fail("Error: invalid glob pattern %q", in.Pattern), nil
	}

	root, err := searchRoot(t.policy, rootArg)
	if err != nil {
		return nil, err
	}
	limit := in.MaxResults
	if limit <= 0 {
		limit = DefaultGlobResults
	}

	var matches []string
	truncated := false
	err = walkFiles(ctx, root, func(path, rel string, _ fs.DirEntry) error {
		if ok, _ := doublestar.Match(pattern, rel); !ok {
			return nil
		}
		if len(matches) == limit {
			truncated = true
			return errStopWalk
		}
		matches = append(matches, path)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return fail("Error: search cancelled"), nil
		}
		return fail("Error: %v", err), nil
	}

	if len(matches) == 0 {
		return ok(fmt.Sprintf("No files matched %q under %s", in.Pattern, root)), nil
	}
	out := strings.Join(matches, "\n")
	if truncated {
		out += fmt.Sprintf("\n\n[truncated: showing first %d results; narrow the pattern to see more]", limit)
	}
	return ok(out), nil
}

// GrepInput are the arguments of the grep tool.
type GrepInput struct {
	Pattern       string `json:"pattern" jsonschema_description:"Text or regular expression to search for" jsonschema:"minLength=1"`
	Path          string `json:"path,omitempty" jsonschema_description:"File or directory to search (default: working directory)"`
	Glob          string `json:"glob,omitempty" jsonschema_description:"Only search files whose relative path or name matches this glob"`
	Regex         *bool  `json:"regex,omitempty" jsonschema_description:"Treat pattern as a regular expression (default true)"`
	CaseSensitive *bool  `json:"case_sensitive,omitempty" jsonschema_description:"Match case (default true)"`
	MaxResults    int    `json:"max_results,omitempty" jsonschema_description:"Maximum matching lines (default 200)" jsonschema:"minimum=1"`
}

// GrepTool searches file contents line by line.
type GrepTool struct {
	policy *sandbox.Policy
}

func NewGrepTool(policy *sandbox.Policy) *GrepTool {
	return &GrepTool{policy: policy}
}

func (t *GrepTool) Name() string { return "grep" }

func (t *GrepTool) Description() string {
	return `Search file contents. Prints path:line: text for each match. Files over 2 MB and binary files are skipped.

Examples:
  grep(pattern: "TODO", glob: "*.go")
  grep(pattern: "connection refused", path: "logs", regex: false, case_sensitive: false)`
}

func (t *GrepTool) Schema() json.RawMessage { return schemaOf(&GrepInput{}) }

func (t *GrepTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var in GrepInput
	if err := decode(input, &in); err != nil {
		return fail("Error: %v", err), nil
	}
	re, err := compileGrepPattern(in)
	if err != nil {
		return fail("Error: invalid pattern: %v", err), nil
	}
	if in.Glob != "" && !doublestar.ValidatePattern(filepath.ToSlash(in.Glob)) {
		return fail("Error: invalid glob %q", in.Glob), nil
	}

	root, err := searchRoot(t.policy, in.Path)
	if err != nil {
		return nil, err
	}
	limit := in.MaxResults
	if limit <= 0 {
		limit = DefaultGrepResults
	}

	var lines []string
	truncated := false
	search := func(path, rel string) error {
		if in.Glob != "" && !matchesFileGlob(in.Glob, rel) {
			return nil
		}
		found, over, err := grepFile(path, re, limit-len(lines))
		if err != nil {
			return nil // unreadable files are skipped
		}
		lines = append(lines, found...)
		if over {
			truncated = true
			return errStopWalk
		}
		return nil
	}

	info, err := os.Stat(root)
	if err != nil {
		return fail("Error: %v", err), nil
	}
	if info.IsDir() {
		err = walkFiles(ctx, root, func(path, rel string, _ fs.DirEntry) error {
			return search(path, rel)
		})
	} else {
		err = search(root, filepath.Base(root))
		if errors.Is(err, errStopWalk) {
			err = nil
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return fail("Error: search cancelled"), nil
		}
		return fail("Error: %v", err), nil
	}

	if len(lines) == 0 {
		return ok(fmt.Sprintf("No matches for %q under %s", in.Pattern, root)), nil
	}
	out := strings.Join(lines, "\n")
	if truncated {
		out += fmt.Sprintf("\n\n[truncated: showing first %d matches; narrow the search to see more]", limit)
	}
	return ok(out), nil
}

func compileGrepPattern(in GrepInput) (*regexp.Regexp, error) {
	expr := in.Pattern
	if in.Regex != nil && !*in.Regex {
		expr = regexp.QuoteMeta(expr)
	}
	if in.CaseSensitive != nil && !*in.CaseSensitive {
		expr = "(?i)" + expr
	}
	return regexp.Compile(expr)
}

func matchesFileGlob(glob, rel string) bool {
	glob = filepath.ToSlash(glob)
	if ok, _ := doublestar.Match(glob, rel); ok {
		return true
	}
	ok, _ := doublestar.Match(glob, pathBase(rel))
	return ok
}

func pathBase(rel string) string {
	if i := strings.LastIndexByte(rel, '/'); i >= 0 {
		return rel[i+1:]
	}
	return rel
}

// grepFile returns up to limit matching lines of path. over is true when
// the file had more matches than limit. Oversized and binary files yield
// nothing.
func grepFile(path string, re *regexp.Regexp, limit int) (found []string, over bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, false, err
	}
	if info.Size() > MaxSearchFileSize {
		return nil, false, nil
	}

	reader := bufio.NewReader(f)
	head, _ := reader.Peek(binarySniffLen)
	if bytes.IndexByte(head, 0) >= 0 {
		return nil, false, nil
	}

	scanner := bufio.NewScanner(io.LimitReader(reader, MaxSearchFileSize))
	scanner.Buffer(make([]byte, 64*1024), MaxSearchFileSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if !re.MatchString(line) {
			continue
		}
		if len(found) == limit {
			return found, true, nil
		}
		if len(line) > maxGrepLineLen {
			line = strings.ToValidUTF8(line[:maxGrepLineLen], "") + "…"
		}
		found = append(found, fmt.Sprintf("%s:%d: %s", path, lineNo, line))
	}
	return found, false, scanner.Err()
}
