package runner

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/neboloop/glance/internal/agent/ai"
)

// shortReplyRunes is the length under which a reply without closing
// punctuation is treated as cut off.
const shortReplyRunes = 80

var internalErrorPhrases = []string{
	"internal error",
	"internal server error",
	"an error occurred while generating",
	"i encountered an error",
	"内部错误",
	"服务器错误",
}

// looksTruncated reports whether a final reply seems to have stopped early:
// the provider hit its token limit, the reply is empty, short and missing
// closing punctuation, has an unbalanced code fence, or reads like a
// provider error.
func looksTruncated(text, finishReason string) bool {
	if finishReason == ai.FinishLength {
		return true
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true
	}
	if strings.Count(trimmed, "```")%2 == 1 {
		return true
	}
	lower := strings.ToLower(trimmed)
	for _, phrase := range internalErrorPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return utf8.RuneCountInString(trimmed) <= shortReplyRunes && !endsSentence(trimmed)
}

func endsSentence(s string) bool {
	if strings.HasSuffix(s, "```") {
		return true
	}
	last, _ := utf8.DecodeLastRuneInString(s)
	return strings.ContainsRune(".!?。！？…)]}\"'`*:;；：）」』》", last)
}

// joinContinuation appends a continuation to the partial reply it resumes.
func joinContinuation(partial, more string) string {
	more = strings.TrimRight(more, " \t\n")
	if strings.TrimSpace(more) == "" {
		return partial
	}
	if partial == "" {
		return strings.TrimLeft(more, "\n")
	}
	return partial + more
}

// truncateToolResult caps content at maxChars runes with a marker naming
// how much was cut.
func truncateToolResult(content string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(content) <= maxChars {
		return content
	}
	runes := []rune(content)
	omitted := len(runes) - maxChars
	return string(runes[:maxChars]) + fmt.Sprintf("\n... [truncated %d characters]", omitted)
}

// canonicalArgs renders tool arguments with sorted keys and no whitespace so
// equal arguments compare equal.
func canonicalArgs(raw json.RawMessage) string {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return strings.TrimSpace(string(raw))
	}
	out, err := json.Marshal(v)
	if err != nil {
		return strings.TrimSpace(string(raw))
	}
	return string(out)
}

// firstLine returns the first non-empty line of s, cut to n runes.
func firstLine(s string, n int) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) > n {
			return string([]rune(line)[:n]) + "…"
		}
		return line
	}
	return ""
}

// attemptSummary describes what an aborted turn tried.
func attemptSummary(usage map[string]int, lastFailure string) string {
	if len(usage) == 0 {
		return ""
	}
	names := make([]string, 0, len(usage))
	for name := range usage {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s x%d", name, usage[name])
	}
	summary := "Tools used: " + strings.Join(parts, ", ") + "."
	if lastFailure != "" {
		summary += "\nLast failure: " + lastFailure
	}
	return summary
}
