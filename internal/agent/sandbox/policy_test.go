package sandbox

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/glance/internal/agent/config"
)

func whitelist(dirs []string, cmds []string) *Policy {
	return New(ModeWhitelist, dirs, cmds, "", "", "/var/glance")
}

func TestResolveAndAuthorizePath(t *testing.T) {
	p := whitelist([]string{"/project", "/data"}, nil)

	tests := []struct {
		name    string
		raw     string
		want    string
		allowed bool
	}{
		{"absolute inside", "/project/src/main.go", "/project/src/main.go", true},
		{"the dir itself", "/project", "/project", true},
		{"relative anchored at base", "src/main.go", "/project/src/main.go", true},
		{"dot segments", "/project/a/../b/./c.txt", "/project/b/c.txt", true},
		{"escape with dotdot", "/project/../etc/passwd", "/etc/passwd", false},
		{"relative escape", "../../etc/shadow", "/etc/shadow", false},
		{"sibling prefix", "/database/x", "/database/x", false},
		{"second allowed dir", "/data/screens/1.png", "/data/screens/1.png", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.ResolveAndAuthorizePath(tt.raw)
			if tt.allowed {
				require.NoError(t, err)
				assert.Equal(t, filepath.FromSlash(tt.want), got)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDenied), "expected ErrDenied, got %v", err)
			var denied *DeniedError
			require.True(t, errors.As(err, &denied))
			assert.Equal(t, "path", denied.Kind)
		})
	}
}

func TestAllowAllAndUnset(t *testing.T) {
	all := New(ModeAllowAll, nil, nil, "/home/u", "", "/var/glance")
	got, err := all.ResolveAndAuthorizePath("/etc/hosts")
	require.NoError(t, err)
	assert.Equal(t, "/etc/hosts", got)
	assert.True(t, all.AuthorizeCommand("rm -rf /tmp/x"))

	unset := New(ModeUnset, []string{"/project"}, []string{"*"}, "", "", "/var/glance")
	_, err = unset.ResolveAndAuthorizePath("/project/a")
	assert.ErrorIs(t, err, ErrPolicyUnconfigured)
	assert.False(t, errors.Is(err, ErrDenied), "unconfigured must be distinct from denied")
	assert.False(t, unset.AuthorizeCommand("ls"))
	assert.ErrorIs(t, unset.CheckCommand("ls"), ErrPolicyUnconfigured)

	var nilPolicy *Policy
	_, err = nilPolicy.ResolveAndAuthorizePath("/x")
	assert.ErrorIs(t, err, ErrPolicyUnconfigured)
}

func TestAllowedDirsFallback(t *testing.T) {
	p := New(ModeWhitelist, []string{" "}, nil, "", "", "/var/glance")
	assert.Equal(t, []string{"/var/glance"}, p.AllowedDirs)
	assert.Equal(t, "/var/glance", p.BaseDir)
	assert.Equal(t, filepath.Join("/var/glance", "tasks"), p.TasksDir)
}

func TestAuthorizeCommand(t *testing.T) {
	p := whitelist([]string{"/project"}, []string{"npm", "git", "python3*", "/usr/local/bin/*"})

	tests := []struct {
		cmd  string
		want bool
	}{
		{"npm install", true},
		{"NPM install", true},
		{"/usr/bin/git status", true},
		{"python3.12 script.py", true},
		{"/usr/local/bin/custom --flag", true},
		{`"/usr/bin/git" log`, true},
		{"rm -rf /", false},
		{"npx create-app", false},
		{"", false},
		{"   ", false},
		{"git&&rm -rf /", true}, // only the leading executable is checked
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.AuthorizeCommand(tt.cmd), "AuthorizeCommand(%q)", tt.cmd)
	}

	err := whitelist([]string{"/project"}, []string{"git"}).CheckCommand("npm install")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDenied)
	assert.Contains(t, err.Error(), "command not in allowed list")
}

func TestLeadingToken(t *testing.T) {
	assert.Equal(t, "ls", LeadingToken("  ls -la"))
	assert.Equal(t, "/Program Files/app", LeadingToken(`"/Program Files/app" --x`))
	assert.Equal(t, "echo", LeadingToken("echo;ls"))
	assert.Equal(t, "unterminated", LeadingToken(`'unterminated`))
}

func TestFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = "/srv/glance"
	cfg.Policy.Mode = "allowlist"
	cfg.Policy.AllowedDirs = []string{"/work"}

	p := FromConfig(cfg)
	assert.Equal(t, ModeWhitelist, p.Mode)
	assert.Equal(t, "/work", p.BaseDir)
	assert.Equal(t, filepath.Join("/srv/glance", "tasks"), p.TasksDir)
	assert.Equal(t, ModeUnset, ParseMode("typo"))
}
