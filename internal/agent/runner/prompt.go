package runner

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/neboloop/glance/internal/agent/ai"
	"github.com/neboloop/glance/internal/agent/sandbox"
)

// DefaultSystemPrompt is the persona every turn starts from.
const DefaultSystemPrompt = `You are Glance, a desktop assistant running on the user's computer. Glance periodically looks at the screen and keeps short summaries of what the user was doing, so you can help them recall and understand their recent activity. You can also act on this computer with the tools provided in this request.

## How to work

- Answer directly when you can. Use tools only when the answer depends on files, commands or skills.
- Tool results are fed back to you. When a tool fails, read the error and change your approach instead of repeating the same call.
- Paths and commands are checked against the user's access policy. A denied path or command will keep failing; explain what you need instead of retrying it.
- For long tasks, report progress with progress_update so the user can follow along.
- Commands that keep running (servers, GUI apps, anything ending in &) start in the background. Their output is written to a file you can read later.
- Keep final answers concise and in the user's language.`

// ContinuePrompt asks the model to resume a reply that looks cut off.
const ContinuePrompt = "Your previous reply was cut off. Continue exactly where it stopped, without repeating what you already wrote."

// activeSkill is a skill started for the whole turn.
type activeSkill struct {
	Name         string
	Instructions string
	Dir          string
	AllowedTools *[]string
	Model        string
	Context      string
}

type promptInput struct {
	Policy    *sandbox.Policy
	Tools     []string
	Catalogue string
	Skill     *activeSkill
	Now       time.Time

	// Screen is the retrieved activity block. ScreenEnabled is set when a
	// lookup ran, so an empty block can still be reported as such.
	Screen        string
	ScreenEnabled bool
}

func buildSystemPrompt(in promptInput) string {
	var sb strings.Builder
	sb.WriteString(DefaultSystemPrompt)
	sb.WriteString("\n\n")
	sb.WriteString(environmentSection(in))

	if in.Catalogue != "" {
		sb.WriteString("\n\n")
		sb.WriteString(strings.TrimRight(in.Catalogue, "\n"))
	}

	if s := in.Skill; s != nil {
		fmt.Fprintf(&sb, "\n\n## Active skill: %s\n\nThe user started this skill. Follow its instructions for this request.", s.Name)
		if s.Dir != "" && s.Dir != "." {
			fmt.Fprintf(&sb, " Its files are in %s.", s.Dir)
		}
		sb.WriteString("\n\n")
		sb.WriteString(strings.TrimSpace(s.Instructions))
	}

	if in.ScreenEnabled {
		sb.WriteString("\n\n## Recent screen activity\n\n")
		if strings.TrimSpace(in.Screen) == "" {
			sb.WriteString("No recorded activity matches this request.")
		} else {
			sb.WriteString(strings.TrimSpace(in.Screen))
		}
		sb.WriteString("\n\nUse these records to answer questions about what the user was doing. If they do not cover the question, say so plainly instead of guessing.")
	}
	return sb.String()
}

func environmentSection(in promptInput) string {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	var sb strings.Builder
	sb.WriteString("## Environment\n\n")
	fmt.Fprintf(&sb, "Date: %s\n", now.Format("Monday, January 2, 2006"))
	fmt.Fprintf(&sb, "Time: %s (%s)\n", now.Format("15:04"), now.Format("MST"))
	fmt.Fprintf(&sb, "Computer: %s\n", hostname)
	fmt.Fprintf(&sb, "OS: %s (%s)\n", osName(runtime.GOOS), runtime.GOARCH)
	if in.Policy != nil {
		sb.WriteString(in.Policy.Describe())
		sb.WriteString("\n")
	}
	if len(in.Tools) > 0 {
		fmt.Fprintf(&sb, "Available tools: %s", strings.Join(in.Tools, ", "))
	} else {
		sb.WriteString("No tools are available for this request.")
	}
	return sb.String()
}

func osName(goos string) string {
	switch goos {
	case "darwin":
		return "macOS"
	case "linux":
		return "Linux"
	case "windows":
		return "Windows"
	}
	return goos
}

func toolNames(defs []ai.ToolDefinition) []string {
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}
