package runner

import (
	"strings"
	"testing"

	"github.com/neboloop/glance/internal/agent/ai"
)

func TestLooksTruncated(t *testing.T) {
	cases := []struct {
		text   string
		finish string
		want   bool
	}{
		{"The file has 12 lines.", ai.FinishStop, false},
		{"Done!", ai.FinishStop, false},
		{"好的，已经完成。", ai.FinishStop, false},
		{"Here is the config:\n```yaml\nkey: value\n```", ai.FinishStop, false},
		{"The answer is in the file and", ai.FinishStop, true},
		{"", ai.FinishStop, true},
		{"Here it is:\n```go\nfunc main() {", ai.FinishStop, true},
		{"Sorry, an internal error occurred.", ai.FinishStop, true},
		{"A complete sentence.", ai.FinishLength, true},
		{strings.Repeat("long reply without an ending ", 5), ai.FinishStop, false},
	}
	for _, tc := range cases {
		if got := looksTruncated(tc.text, tc.finish); got != tc.want {
			t.Errorf("looksTruncated(%q, %q) = %v, want %v", tc.text, tc.finish, got, tc.want)
		}
	}
}

func TestTruncateToolResult(t *testing.T) {
	if got := truncateToolResult("short", 100); got != "short" {
		t.Errorf("short content changed: %q", got)
	}
	got := truncateToolResult(strings.Repeat("é", 30), 10)
	if !strings.HasPrefix(got, strings.Repeat("é", 10)+"\n") || !strings.HasSuffix(got, "[truncated 20 characters]") {
		t.Errorf("unexpected truncation %q", got)
	}
	if got := truncateToolResult("unlimited", 0); got != "unlimited" {
		t.Error("a zero cap disables truncation")
	}
}

func TestCanonicalArgs(t *testing.T) {
	cases := map[string]string{
		`{"b":1,"a":{"d":2,"c":3}}`: `{"a":{"c":3,"d":2},"b":1}`,
		``:                          `{}`,
		`  `:                        `{}`,
		`not json`:                  `not json`,
	}
	for in, want := range cases {
		if got := canonicalArgs([]byte(in)); got != want {
			t.Errorf("canonicalArgs(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAttemptSummary(t *testing.T) {
	got := attemptSummary(map[string]int{"read": 2, "bash": 1}, "bash: exit_code: 1")
	want := "Tools used: bash x1, read x2.\nLast failure: bash: exit_code: 1"
	if got != want {
		t.Errorf("attemptSummary = %q, want %q", got, want)
	}
	if attemptSummary(nil, "") != "" {
		t.Error("no tools means no summary")
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	prompt := buildSystemPrompt(promptInput{
		Tools:         []string{"read", "grep"},
		Catalogue:     "## Available skills\n\n- lookup: Look things up\n",
		Skill:         &activeSkill{Name: "lookup", Instructions: "  Read the file.  ", Dir: "/skills/lookup"},
		ScreenEnabled: true,
	})
	for _, want := range []string{
		DefaultSystemPrompt,
		"Available tools: read, grep",
		"- lookup: Look things up",
		"## Active skill: lookup",
		"Its files are in /skills/lookup.",
		"\n\nRead the file.",
		"No recorded activity matches this request.",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}
