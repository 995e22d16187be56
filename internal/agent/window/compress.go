package window

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/neboloop/glance/internal/agent/config"
	"github.com/neboloop/glance/internal/agent/session"
)

// SummaryPrefix starts every synthetic summary message.
const SummaryPrefix = "[Summary of "

const (
	// MaxBulletChars caps one digest line, including the "- " marker.
	MaxBulletChars = 160

	minSummaryChars = 300

	// Overflow recovery ladder.
	recoveryTriggerRatio = 0.5
	squeezeKeep          = 8
	squeezeMinimalKeep   = 4
)

// Options tune history compression. Zero fields take the defaults.
type Options struct {
	MinMessages     int     // histories shorter than this are never compressed
	TriggerRatio    float64 // compress above budget*TriggerRatio
	TargetRatio     float64 // compress until at or below budget*TargetRatio
	KeepRecent      int     // trailing messages kept verbatim
	SummaryMaxChars int     // cap on the synthetic summary
}

// DefaultOptions returns the stock compression settings.
func DefaultOptions() Options {
	return Options{
		MinMessages:     10,
		TriggerRatio:    0.85,
		TargetRatio:     0.6,
		KeepRecent:      6,
		SummaryMaxChars: 2000,
	}
}

// OptionsFromConfig maps the context section of the config file.
func OptionsFromConfig(c config.ContextConfig) Options {
	return Options{
		MinMessages:     c.MinMessages,
		TriggerRatio:    c.TriggerRatio,
		TargetRatio:     c.TargetRatio,
		KeepRecent:      c.KeepRecent,
		SummaryMaxChars: c.SummaryMaxChars,
	}
}

func (o Options) normalized() Options {
	def := DefaultOptions()
	if o.MinMessages <= 0 {
		o.MinMessages = def.MinMessages
	}
	if o.TriggerRatio <= 0 || o.TriggerRatio > 1 {
		o.TriggerRatio = def.TriggerRatio
	}
	if o.TargetRatio <= 0 || o.TargetRatio >= o.TriggerRatio {
		o.TargetRatio = o.TriggerRatio * 0.7
	}
	if o.KeepRecent <= 0 {
		o.KeepRecent = def.KeepRecent
	}
	if o.SummaryMaxChars <= 0 {
		o.SummaryMaxChars = def.SummaryMaxChars
	}
	return o
}

// CompressIfNeeded returns history unchanged while the estimated request
// (system prompt, history and the current user message) stays under
// budget*TriggerRatio, or while history is shorter than MinMessages.
// Otherwise the oldest messages are folded into one assistant summary and
// the newest KeepRecent are kept verbatim, shrinking both until the request
// fits budget*TargetRatio. The system prompt and user message are only
// measured, never rewritten.
func CompressIfNeeded(history []session.Message, systemPrompt, userMessage string, budget int, opts Options) []session.Message {
	opts = opts.normalized()
	if len(history) < opts.MinMessages || budget <= 0 {
		return history
	}
	fixed := fixedCost(systemPrompt, userMessage)
	if fixed+EstimateTokens(history) <= ratioOf(budget, opts.TriggerRatio) {
		return history
	}
	return shrink(history, fixed, ratioOf(budget, opts.TargetRatio), opts)
}

// OverflowRecoveryCandidates returns progressively smaller histories to
// retry with after the provider rejected a request as too large: the
// original, a compression triggered at half the budget, the last 8 messages
// behind a short summary, and the last 4 messages alone. Candidates that
// come out identical are dropped.
func OverflowRecoveryCandidates(history []session.Message, systemPrompt, userMessage string, budget int, opts Options) [][]session.Message {
	opts = opts.normalized()
	candidates := [][]session.Message{history}

	if budget > 0 {
		fixed := fixedCost(systemPrompt, userMessage)
		if fixed+EstimateTokens(history) > ratioOf(budget, recoveryTriggerRatio) {
			target := ratioOf(budget, recoveryTriggerRatio*opts.TargetRatio/opts.TriggerRatio)
			candidates = append(candidates, shrink(history, fixed, target, opts))
		}
	}
	candidates = append(candidates,
		squeeze(history, squeezeKeep, opts.SummaryMaxChars/4),
		squeeze(history, squeezeMinimalKeep, 0),
	)
	return dedupe(candidates)
}

func shrink(history []session.Message, fixed, target int, opts Options) []session.Message {
	keep := min(opts.KeepRecent, len(history))
	chars := opts.SummaryMaxChars
	for {
		start := splitPoint(history, len(history)-keep)
		out := summarize(history, start, chars)
		if fixed+EstimateTokens(out) <= target {
			return out
		}
		if keep == 0 && chars <= minSummaryChars {
			return out
		}
		if keep > 0 {
			keep--
		}
		if chars > minSummaryChars {
			chars = max(minSummaryChars, chars*3/4)
		}
	}
}

// squeeze keeps the last n messages, optionally behind a summary of the rest.
func squeeze(history []session.Message, n, summaryChars int) []session.Message {
	start := max(0, len(history)-n)
	for start < len(history) && history[start].Role == session.RoleTool {
		start++
	}
	if summaryChars <= 0 {
		return session.Clone(history[start:])
	}
	return summarize(history, start, summaryChars)
}

// splitPoint moves a keep boundary off tool results so a tool call and its
// results always land on the same side. It prefers keeping the owning
// assistant message; when that would leave nothing to summarize it moves
// forward past the results instead.
func splitPoint(history []session.Message, i int) int {
	if i <= 0 {
		return 0
	}
	if i >= len(history) {
		return len(history)
	}
	if history[i].Role != session.RoleTool {
		return i
	}
	j := i
	for j > 0 && history[j].Role == session.RoleTool {
		j--
	}
	if j > 0 && history[j].Role == session.RoleAssistant && len(history[j].ToolCalls) > 0 {
		return j
	}
	for i < len(history) && history[i].Role == session.RoleTool {
		i++
	}
	return i
}

func summarize(history []session.Message, start, chars int) []session.Message {
	if start <= 0 {
		return session.Clone(history)
	}
	out := make([]session.Message, 0, len(history)-start+1)
	out = append(out, session.Assistant(Digest(history[:start], chars)))
	return append(out, session.Clone(history[start:])...)
}

// Digest renders msgs as a bulleted summary of at most maxChars bytes.
// Tool failures get their own section with up to half of the space reserved,
// so they survive when ordinary bullets are cut. The newest bullets win the
// rest.
func Digest(msgs []session.Message, maxChars int) string {
	header := fmt.Sprintf("%s%d earlier messages]\n", SummaryPrefix, len(msgs))
	if len(header) >= maxChars {
		return strings.TrimSuffix(header, "\n")
	}

	failures := formatFailures(CollectToolFailures(msgs), (maxChars-len(header))/2)

	var lines []string
	for i := range msgs {
		if line := describe(&msgs[i]); line != "" {
			lines = append(lines, bullet(line))
		}
	}

	room := maxChars - len(header) - len(failures)
	kept := 0
	used := 0
	for i := len(lines) - 1; i >= 0; i-- {
		omitted := ""
		if i > 0 {
			omitted = fmt.Sprintf("- ...%d earlier lines omitted\n", i)
		}
		if used+len(lines[i])+len(omitted) > room {
			break
		}
		used += len(lines[i])
		kept++
	}

	var sb strings.Builder
	sb.WriteString(header)
	if dropped := len(lines) - kept; dropped > 0 {
		if marker := fmt.Sprintf("- ...%d earlier lines omitted\n", dropped); used+len(marker) <= room {
			sb.WriteString(marker)
		}
	}
	for _, l := range lines[len(lines)-kept:] {
		sb.WriteString(l)
	}
	sb.WriteString(failures)
	return strings.TrimSuffix(sb.String(), "\n")
}

func describe(m *session.Message) string {
	text := normalizeSpace(m.Text())
	if m.HasImages() {
		text = strings.TrimSpace(text + " [image]")
	}
	switch m.Role {
	case session.RoleUser:
		if text == "" {
			return ""
		}
		return "user: " + text
	case session.RoleAssistant:
		if len(m.ToolCalls) == 0 {
			if text == "" {
				return ""
			}
			return "assistant: " + text
		}
		calls := make([]string, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			calls[i] = tc.Name + " " + normalizeSpace(string(tc.Arguments))
		}
		line := "assistant called " + strings.Join(calls, "; ")
		if text != "" {
			line = "assistant: " + text + " | called " + strings.Join(calls, "; ")
		}
		return line
	case session.RoleTool:
		name := m.ToolName
		if name == "" {
			name = "tool"
		}
		if m.IsError {
			return name + " failed: " + text
		}
		if text == "" {
			return name + ": (no output)"
		}
		return name + ": " + text
	default:
		if text == "" {
			return ""
		}
		return m.Role + ": " + text
	}
}

// bullet renders one digest line of at most MaxBulletChars runes plus a
// newline.
func bullet(text string) string {
	line := "- " + text
	if utf8.RuneCountInString(line) > MaxBulletChars {
		runes := []rune(line)
		line = string(runes[:MaxBulletChars-1]) + "…"
	}
	return line + "\n"
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func fixedCost(systemPrompt, userMessage string) int {
	return EstimateText(systemPrompt) + EstimateText(userMessage) + 2*MessageOverhead
}

func ratioOf(budget int, ratio float64) int {
	return int(float64(budget) * ratio)
}

func dedupe(candidates [][]session.Message) [][]session.Message {
	seen := make(map[string]bool, len(candidates))
	out := make([][]session.Message, 0, len(candidates))
	for _, c := range candidates {
		key, err := json.Marshal(c)
		if err != nil {
			out = append(out, c)
			continue
		}
		if seen[string(key)] {
			continue
		}
		seen[string(key)] = true
		out = append(out, c)
	}
	return out
}
