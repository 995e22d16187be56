package window

import (
	"fmt"
	"strings"

	"github.com/neboloop/glance/internal/agent/session"
)

// ToolFailure is a failed tool execution preserved in a summary.
type ToolFailure struct {
	ToolCallID string
	ToolName   string
	Summary    string
	Meta       string // status=timeout exitCode=1
}

// MaxToolFailures caps the number of failures carried into a summary.
const MaxToolFailures = 8

// CollectToolFailures extracts failed tool results from msgs, deduplicated
// by tool call id.
func CollectToolFailures(msgs []session.Message) []ToolFailure {
	var failures []ToolFailure
	seen := make(map[string]bool)

	for _, m := range msgs {
		if m.Role != session.RoleTool || !m.IsError {
			continue
		}
		if m.ToolCallID == "" || seen[m.ToolCallID] {
			continue
		}
		seen[m.ToolCallID] = true

		name := m.ToolName
		if name == "" {
			name = toolNameFor(msgs, m.ToolCallID)
		}
		if name == "" {
			name = "tool"
		}
		summary := normalizeSpace(m.Content)
		if summary == "" {
			summary = "failed (no output)"
		}
		failures = append(failures, ToolFailure{
			ToolCallID: m.ToolCallID,
			ToolName:   name,
			Summary:    summary,
			Meta:       failureMeta(m.Content),
		})
	}
	return failures
}

// formatFailures renders failures as summary bullets, stopping before the
// section would exceed maxChars.
func formatFailures(failures []ToolFailure, maxChars int) string {
	if len(failures) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Tool failures:\n")
	shown := 0
	for _, f := range failures {
		if shown == MaxToolFailures {
			break
		}
		label := f.ToolName
		if f.Meta != "" {
			label += " (" + f.Meta + ")"
		}
		line := bullet(label + ": " + f.Summary)
		if sb.Len()+len(line) > maxChars {
			break
		}
		sb.WriteString(line)
		shown++
	}
	if shown == 0 {
		return ""
	}
	if rest := len(failures) - shown; rest > 0 {
		more := fmt.Sprintf("- ...and %d more\n", rest)
		if sb.Len()+len(more) <= maxChars {
			sb.WriteString(more)
		}
	}
	return sb.String()
}

func toolNameFor(msgs []session.Message, id string) string {
	for _, m := range msgs {
		for _, tc := range m.ToolCalls {
			if tc.ID == id {
				return tc.Name
			}
		}
	}
	return ""
}

// failureMeta pulls exit codes and well-known statuses out of tool output.
func failureMeta(content string) string {
	var parts []string
	lower := strings.ToLower(content)

	for _, marker := range []string{"exit_code:", "exit code", "exited with code"} {
		if idx := strings.Index(lower, marker); idx >= 0 {
			if code := leadingNumber(content[idx+len(marker):]); code != "" && code != "0" {
				parts = append(parts, "exitCode="+code)
			}
			break
		}
	}

	switch {
	case strings.Contains(lower, "timed out"):
		parts = append(parts, "status=timeout")
	case strings.Contains(lower, "outside allowed") || strings.Contains(lower, "not in allowed list"):
		parts = append(parts, "status=denied")
	case strings.Contains(lower, "permission denied"):
		parts = append(parts, "status=permission_denied")
	case strings.Contains(lower, "no such file") || strings.Contains(lower, "not found"):
		parts = append(parts, "status=not_found")
	}
	return strings.Join(parts, " ")
}

// leadingNumber returns the first integer in s, skipping separators before
// it. A minus sign directly before the digits is kept.
func leadingNumber(s string) string {
	s = strings.TrimLeft(s, " :=\t")
	end := 0
	if strings.HasPrefix(s, "-") {
		end = 1
	}
	start := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == start {
		return ""
	}
	return s[:end]
}
