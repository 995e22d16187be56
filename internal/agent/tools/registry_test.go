package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/glance/internal/agent/sandbox"
	"github.com/neboloop/glance/internal/agent/session"
	"github.com/neboloop/glance/internal/agent/skills"
)

type panicTool struct{}

func (panicTool) Name() string            { return "explode" }
func (panicTool) Description() string     { return "panics" }
func (panicTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (panicTool) Execute(context.Context, json.RawMessage) (*Result, error) {
	panic("kaboom")
}

func newTestDispatcher(t *testing.T, policy *sandbox.Policy) *Dispatcher {
	t.Helper()
	reg := skills.NewRegistry(filepath.Join(t.TempDir(), "skills"), nil)
	return NewDefault(Deps{Policy: policy, Skills: reg})
}

func call(name, args string) session.ToolCall {
	return session.ToolCall{ID: "call-1", Name: name, Arguments: json.RawMessage(args)}
}

func TestDispatcherDefinitions(t *testing.T) {
	d := newTestDispatcher(t, testPolicy(t.TempDir()))

	var names []string
	for _, def := range d.Definitions() {
		names = append(names, def.Name)
		var schema map[string]any
		require.NoError(t, json.Unmarshal(def.InputSchema, &schema), def.Name)
		assert.Equal(t, "object", schema["type"], def.Name)
		assert.NotContains(t, schema, "$schema", "provider schemas should not carry a draft URI")
	}
	assert.Equal(t, []string{"bash", "edit", "glob", "grep", "invoke_skill", "manage_skill", "progress_update", "read", "write"}, names)
}

func TestDispatcherSchemaRequiredFields(t *testing.T) {
	var schema struct {
		Required             []string       `json:"required"`
		Properties           map[string]any `json:"properties"`
		AdditionalProperties *bool          `json:"additionalProperties"`
	}
	require.NoError(t, json.Unmarshal(NewReadTool(nil).Schema(), &schema))
	assert.Equal(t, []string{"path"}, schema.Required)
	assert.Contains(t, schema.Properties, "max_bytes")
	require.NotNil(t, schema.AdditionalProperties)
	assert.False(t, *schema.AdditionalProperties)
}

func TestDispatcherValidatesArguments(t *testing.T) {
	d := newTestDispatcher(t, testPolicy(t.TempDir()))

	cases := map[string]string{
		"missing required": `{}`,
		"wrong type":       `{"path": 42}`,
		"unknown field":    `{"path": "a.txt", "bogus": true}`,
		"not json":         `{"path": `,
		"zero max bytes":   `{"path": "a.txt", "max_bytes": 0}`,
		"array not object": `["a.txt"]`,
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			res, err := d.Execute(context.Background(), call("read", args))
			require.NoError(t, err)
			assert.True(t, res.IsError)
			assert.Equal(t, "call-1", res.ToolCallID)
			assert.Contains(t, res.Content, "read")
		})
	}
}

func TestDispatcherEmptyArgumentsAreAnObject(t *testing.T) {
	d := newTestDispatcher(t, testPolicy(t.TempDir()))
	res, err := d.Execute(context.Background(), session.ToolCall{ID: "p", Name: "progress_update"})
	require.NoError(t, err)
	assert.False(t, res.IsError, res.Content)
}

func TestDispatcherUnknownToolAndPanic(t *testing.T) {
	d := newTestDispatcher(t, testPolicy(t.TempDir()))
	d.Register(panicTool{})

	res, err := d.Execute(context.Background(), call("teleport", `{}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, `unknown tool "teleport"`)

	res, err = d.Execute(context.Background(), call("explode", `{}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "kaboom")
	assert.Equal(t, "call-1", res.ToolCallID)
}

func TestDispatcherPolicyErrors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ok.txt"), []byte("fine"), 0644))

	d := newTestDispatcher(t, testPolicy(dir))
	res, err := d.Execute(context.Background(), call("read", `{"path":"/etc/hosts"}`))
	require.NoError(t, err, "denied is a tool failure, not a terminal error")
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "path outside allowed directories")

	res, err = d.Execute(context.Background(), call("read", `{"path":"ok.txt"}`))
	require.NoError(t, err)
	assert.Equal(t, "fine", res.Content)

	unset := newTestDispatcher(t, sandbox.New(sandbox.ModeUnset, nil, nil, "", "", dir))
	res, err = unset.Execute(context.Background(), call("read", `{"path":"ok.txt"}`))
	assert.ErrorIs(t, err, sandbox.ErrPolicyUnconfigured)
	assert.Nil(t, res)

	// Tools that never touch the sandbox keep working.
	res, err = unset.Execute(context.Background(), call("progress_update", `{"message":"hi"}`))
	require.NoError(t, err)
	assert.False(t, res.IsError)
}

func TestDispatcherRestrict(t *testing.T) {
	d := newTestDispatcher(t, testPolicy(t.TempDir()))

	d.Restrict(&[]string{"read", "progress_update"})
	assert.True(t, d.Restricted())
	var names []string
	for _, def := range d.Definitions() {
		names = append(names, def.Name)
	}
	assert.Equal(t, []string{"progress_update", "read"}, names)

	res, err := d.Execute(context.Background(), call("bash", `{"command":"ls"}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "not allowed by the active skill")

	d.Restrict(&[]string{})
	assert.Empty(t, d.Definitions())

	d.Restrict(nil)
	assert.False(t, d.Restricted())
	assert.Len(t, d.Definitions(), len(d.Names()))
}

func TestDescribeValidationIsReadable(t *testing.T) {
	s, err := compileSchema("grep", NewGrepTool(nil).Schema())
	require.NoError(t, err)
	verr := validateArgs(s, json.RawMessage(`{"pattern": 5, "regex": "yes"}`))
	require.Error(t, verr)
	msg := verr.Error()
	assert.True(t, strings.Contains(msg, "/pattern") && strings.Contains(msg, "/regex"), msg)
}
