package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/neboloop/glance/internal/agent/sandbox"
)

// DefaultReadMaxBytes is the read limit when max_bytes is omitted.
const DefaultReadMaxBytes = 200000

// ReadInput are the arguments of the read tool.
type ReadInput struct {
	Path     string `json:"path" jsonschema_description:"File path, absolute or relative to the working directory"`
	MaxBytes int    `json:"max_bytes,omitempty" jsonschema_description:"Maximum bytes to return (default 200000)" jsonschema:"minimum=1"`
}

// ReadTool returns a file's contents as text.
type ReadTool struct {
	policy *sandbox.Policy
}

func NewReadTool(policy *sandbox.Policy) *ReadTool {
	return &ReadTool{policy: policy}
}

func (t *ReadTool) Name() string { return "read" }

func (t *ReadTool) Description() string {
	return `Read a text file. Output longer than max_bytes (default 200000) is cut and ends with a marker saying how many bytes were omitted.

Examples:
  read(path: "notes/todo.md")
  read(path: "/var/log/app.log", max_bytes: 20000)`
}

func (t *ReadTool) Schema() json.RawMessage { return schemaOf(&ReadInput{}) }

func (t *ReadTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var in ReadInput
	if err := decode(input, &in); err != nil {
		return fail("Error: %v", err), nil
	}
	path, err := t.policy.ResolveAndAuthorizePath(in.Path)
	if err != nil {
		return nil, err
	}
	limit := in.MaxBytes
	if limit <= 0 {
		limit = DefaultReadMaxBytes
	}

	f, err := os.Open(path)
	if err != nil {
		return fail("Error: %v", err), nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fail("Error: %v", err), nil
	}
	if info.IsDir() {
		return fail("Error: %s is a directory", path), nil
	}

	data, err := io.ReadAll(io.LimitReader(f, int64(limit)))
	if err != nil {
		return fail("Error reading %s: %v", path, err), nil
	}

	content := strings.ToValidUTF8(string(data), "�")
	if size := info.Size(); size > int64(limit) {
		content += fmt.Sprintf("\n\n[truncated: %d bytes omitted]", size-int64(limit))
	}
	return ok(content), nil
}

// WriteInput are the arguments of the write tool.
type WriteInput struct {
	Path    string `json:"path" jsonschema_description:"File path to write"`
	Content string `json:"content" jsonschema_description:"Text to write"`
	Append  bool   `json:"append,omitempty" jsonschema_description:"Append instead of overwriting"`
}

// WriteTool creates, overwrites or appends to a file.
type WriteTool struct {
	policy *sandbox.Policy
}

func NewWriteTool(policy *sandbox.Policy) *WriteTool {
	return &WriteTool{policy: policy}
}

func (t *WriteTool) Name() string { return "write" }

func (t *WriteTool) Description() string {
	return "Write text to a file. Parent directories are created as needed. Set append to add to the end instead of replacing the file."
}

func (t *WriteTool) Schema() json.RawMessage { return schemaOf(&WriteInput{}) }

func (t *WriteTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var in WriteInput
	if err := decode(input, &in); err != nil {
		return fail("Error: %v", err), nil
	}
	path, err := t.policy.ResolveAndAuthorizePath(in.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fail("Error creating directory: %v", err), nil
	}

	if in.Append {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fail("Error: %v", err), nil
		}
		n, werr := f.WriteString(in.Content)
		cerr := f.Close()
		if werr != nil {
			return fail("Error appending to %s: %v", path, werr), nil
		}
		if cerr != nil {
			return fail("Error closing %s: %v", path, cerr), nil
		}
		return ok(fmt.Sprintf("Appended %d bytes to %s", n, path)), nil
	}

	if err := os.WriteFile(path, []byte(in.Content), 0644); err != nil {
		return fail("Error writing %s: %v", path, err), nil
	}
	return ok(fmt.Sprintf("Wrote %d bytes to %s", len(in.Content), path)), nil
}

// EditInput are the arguments of the edit tool.
type EditInput struct {
	Path       string `json:"path" jsonschema_description:"File to edit"`
	Old        string `json:"old" jsonschema_description:"Exact text to find" jsonschema:"minLength=1"`
	New        string `json:"new" jsonschema_description:"Replacement text"`
	ReplaceAll bool   `json:"replace_all,omitempty" jsonschema_description:"Replace every occurrence instead of the first"`
}

// EditTool performs exact-text substitution in a file.
type EditTool struct {
	policy *sandbox.Policy
}

func NewEditTool(policy *sandbox.Policy) *EditTool {
	return &EditTool{policy: policy}
}

func (t *EditTool) Name() string { return "edit" }

func (t *EditTool) Description() string {
	return `Replace exact text in a file. Replaces the first occurrence unless replace_all is set and reports how many substitutions were made.

Example:
  edit(path: "config.yaml", old: "port: 8080", new: "port: 3000")`
}

func (t *EditTool) Schema() json.RawMessage { return schemaOf(&EditInput{}) }

func (t *EditTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var in EditInput
	if err := decode(input, &in); err != nil {
		return fail("Error: %v", err), nil
	}
	path, err := t.policy.ResolveAndAuthorizePath(in.Path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return fail("Error: %v", err), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fail("Error reading %s: %v", path, err), nil
	}
	content := string(data)

	var updated string
	count := strings.Count(content, in.Old)
	if in.ReplaceAll {
		updated = strings.ReplaceAll(content, in.Old, in.New)
	} else {
		updated = strings.Replace(content, in.Old, in.New, 1)
		count = min(count, 1)
	}

	if updated == content {
		return ok(fmt.Sprintf("nothing matched in %s (0 substitutions)", path)), nil
	}
	if err := os.WriteFile(path, []byte(updated), info.Mode().Perm()); err != nil {
		return fail("Error writing %s: %v", path, err), nil
	}
	return ok(fmt.Sprintf("Replaced %d occurrence(s) in %s", count, path)), nil
}
