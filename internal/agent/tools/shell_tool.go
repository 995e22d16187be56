package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/neboloop/glance/internal/agent/sandbox"
)

const (
	DefaultBashTimeout = 120 * time.Second
	MaxBashTimeout     = 15 * time.Minute

	// MaxStreamChars caps stdout and stderr separately.
	MaxStreamChars = 20000

	killGrace = 2 * time.Second
)

// BashInput are the arguments of the bash tool.
type BashInput struct {
	Command   string `json:"command" jsonschema_description:"Shell command to run" jsonschema:"minLength=1"`
	Cwd       string `json:"cwd,omitempty" jsonschema_description:"Working directory (default: the configured base directory)"`
	TimeoutMs int    `json:"timeout_ms,omitempty" jsonschema_description:"Timeout in milliseconds (default 120000; max 900000)" jsonschema:"minimum=1"`
}

// BashTool runs shell commands inside the sandbox policy.
type BashTool struct {
	policy *sandbox.Policy
	logger *slog.Logger
}

func NewBashTool(policy *sandbox.Policy, logger *slog.Logger) *BashTool {
	if logger == nil {
		logger = slog.Default()
	}
	return &BashTool{policy: policy, logger: logger}
}

func (t *BashTool) Name() string { return "bash" }

func (t *BashTool) Description() string {
	return fmt.Sprintf(`Run a command with %s. The first line of the result is "exit_code: N", followed by stdout and stderr.

Commands ending in a single & or starting with nohup, setsid, disown, start or "open -a" run in the background: the call returns at once with a task id and the file collecting the output.

Examples:
  bash(command: "git status")
  bash(command: "npm test", cwd: "~/project", timeout_ms: 300000)
  bash(command: "python3 server.py &")`, ShellName())
}

func (t *BashTool) Schema() json.RawMessage { return schemaOf(&BashInput{}) }

func (t *BashTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var in BashInput
	if err := decode(input, &in); err != nil {
		return fail("Error: %v", err), nil
	}
	if err := t.policy.CheckCommand(in.Command); err != nil {
		return nil, err
	}

	cwd := in.Cwd
	if strings.TrimSpace(cwd) == "" {
		cwd = t.policy.BaseDir
	}
	dir, err := t.policy.ResolveAndAuthorizePath(cwd)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fail("Error: working directory %s does not exist", dir), nil
	}

	if command, bg := wantsBackground(in.Command); bg {
		return t.runBackground(command, dir)
	}
	return t.runForeground(ctx, in.Command, dir, clampTimeout(in.TimeoutMs))
}

func clampTimeout(ms int) time.Duration {
	if ms <= 0 {
		return DefaultBashTimeout
	}
	d := time.Duration(ms) * time.Millisecond
	if d > MaxBashTimeout {
		return MaxBashTimeout
	}
	return d
}

func (t *BashTool) runForeground(ctx context.Context, command, dir string, timeout time.Duration) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shell, args := ShellCommand()
	cmd := exec.CommandContext(runCtx, shell, append(args, command)...)
	cmd.Dir = dir
	cmd.Env = sanitizedEnv()
	cmd.WaitDelay = killGrace
	killGroupOnCancel(cmd)

	stdout := &cappedBuffer{max: MaxStreamChars * utf8.UTFMax}
	stderr := &cappedBuffer{max: MaxStreamChars * utf8.UTFMax}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			t.logger.Warn("command timed out", "command", command, "timeout", timeout)
			return fail("exit_code: -1\nCommand timed out after %s\n%s", timeout, formatStreams(stdout, stderr)), nil
		case ctx.Err() != nil:
			return fail("exit_code: -1\nCommand cancelled\n%s", formatStreams(stdout, stderr)), nil
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitCode()
		default:
			return fail("exit_code: -1\nFailed to run command: %v", err), nil
		}
	}

	t.logger.Debug("command finished", "command", command, "exit_code", exitCode, "elapsed", elapsed)
	res := ok(fmt.Sprintf("exit_code: %d\n%s", exitCode, formatStreams(stdout, stderr)))
	res.IsError = exitCode != 0
	return res, nil
}

// runBackground starts command detached from this process with its output
// redirected to a file under the tasks directory.
func (t *BashTool) runBackground(command, dir string) (*Result, error) {
	taskID := uuid.NewString()
	if err := os.MkdirAll(t.policy.TasksDir, 0755); err != nil {
		return fail("exit_code: -1\nError creating tasks directory: %v", err), nil
	}
	outputFile := filepath.Join(t.policy.TasksDir, taskID+".log")
	out, err := os.OpenFile(outputFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fail("exit_code: -1\nError creating output file: %v", err), nil
	}

	shell, args := ShellCommand()
	cmd := exec.Command(shell, append(args, command)...)
	cmd.Dir = dir
	cmd.Env = sanitizedEnv()
	cmd.Stdout = out
	cmd.Stderr = out
	detach(cmd)

	if err := cmd.Start(); err != nil {
		out.Close()
		return fail("exit_code: -1\nFailed to start background command: %v", err), nil
	}
	out.Close() // the child holds its own descriptor

	pid := cmd.Process.Pid
	logger := t.logger.With("task_id", taskID, "pid", pid)
	logger.Info("background command started", "command", command, "output", outputFile)
	go func() {
		err := cmd.Wait()
		logger.Info("background command exited", "error", err)
	}()

	res := ok(fmt.Sprintf("exit_code: 0\nStarted in background.\ntask_id: %s\npid: %d\noutput_file: %s\nRead the output file to check progress.",
		taskID, pid, outputFile))
	res.Background = &BackgroundTask{TaskID: taskID, OutputFile: outputFile, PID: pid}
	return res, nil
}

var backgroundLaunchers = []string{"nohup", "setsid", "disown", "start"}

// wantsBackground reports whether command asks to run detached. A trailing
// single & is stripped from the returned command; && is not a background
// request.
func wantsBackground(command string) (string, bool) {
	trimmed := strings.TrimSpace(command)
	if strings.HasSuffix(trimmed, "&") && !strings.HasSuffix(trimmed, "&&") {
		return strings.TrimSpace(strings.TrimSuffix(trimmed, "&")), true
	}

	first := strings.ToLower(sandbox.LeadingToken(trimmed))
	for _, l := range backgroundLaunchers {
		if first == l {
			return trimmed, true
		}
	}
	fields := strings.Fields(strings.ToLower(trimmed))
	if len(fields) >= 2 && fields[0] == "open" && fields[1] == "-a" {
		return trimmed, true
	}
	return trimmed, false
}

// cappedBuffer keeps the first max bytes written and counts the rest.
type cappedBuffer struct {
	max     int
	buf     []byte
	dropped int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - len(b.buf)
	if room > 0 {
		n := min(room, len(p))
		b.buf = append(b.buf, p[:n]...)
		b.dropped += len(p) - n
	} else {
		b.dropped += len(p)
	}
	return len(p), nil
}

// String returns at most MaxStreamChars characters with a marker when
// anything was cut.
func (b *cappedBuffer) String() string {
	s := strings.ToValidUTF8(string(b.buf), "�")
	omitted := b.dropped
	if utf8.RuneCountInString(s) > MaxStreamChars {
		cut := 0
		for i := range s {
			if cut == MaxStreamChars {
				omitted += len(s) - i
				s = s[:i]
				break
			}
			cut++
		}
	}
	if omitted > 0 {
		s += fmt.Sprintf("\n[output truncated: %d bytes omitted]", omitted)
	}
	return s
}

func formatStreams(stdout, stderr *cappedBuffer) string {
	var sb strings.Builder
	if out := stdout.String(); out != "" {
		sb.WriteString("stdout:\n")
		sb.WriteString(strings.TrimRight(out, "\n"))
		sb.WriteString("\n")
	}
	if errOut := stderr.String(); errOut != "" {
		sb.WriteString("stderr:\n")
		sb.WriteString(strings.TrimRight(errOut, "\n"))
		sb.WriteString("\n")
	}
	if sb.Len() == 0 {
		return "(no output)"
	}
	return strings.TrimRight(sb.String(), "\n")
}

// dangerousEnvVars can inject code into child processes (LD_PRELOAD,
// DYLD_INSERT_LIBRARIES) or change how the shell parses commands (IFS,
// BASH_ENV, PROMPT_COMMAND).
var dangerousEnvVars = map[string]bool{
	"LD_PRELOAD":                 true,
	"LD_LIBRARY_PATH":            true,
	"LD_AUDIT":                   true,
	"DYLD_INSERT_LIBRARIES":      true,
	"DYLD_LIBRARY_PATH":          true,
	"DYLD_FRAMEWORK_PATH":        true,
	"DYLD_FALLBACK_LIBRARY_PATH": true,
	"IFS":                        true,
	"CDPATH":                     true,
	"BASH_ENV":                   true,
	"ENV":                        true,
	"PROMPT_COMMAND":             true,
	"SHELLOPTS":                  true,
	"BASHOPTS":                   true,
	"GLOBIGNORE":                 true,
	"BASH_XTRACEFD":              true,
	"LOCALDOMAIN":                true,
	"HOSTALIASES":                true,
	"RESOLV_HOST_CONF":           true,
	"PYTHONSTARTUP":              true,
	"PYTHONPATH":                 true,
	"RUBYOPT":                    true,
	"RUBYLIB":                    true,
	"PERL5OPT":                   true,
	"PERL5LIB":                   true,
	"PERL5DB":                    true,
	"NODE_OPTIONS":               true,
}

// sanitizedEnv returns the current environment without dangerousEnvVars and
// without any LD_, DYLD_ or BASH_FUNC_ variable.
func sanitizedEnv() []string {
	env := os.Environ()
	clean := make([]string, 0, len(env))
	for _, e := range env {
		key, _, found := strings.Cut(e, "=")
		if !found {
			continue
		}
		upper := strings.ToUpper(key)
		if dangerousEnvVars[upper] ||
			strings.HasPrefix(upper, "LD_") ||
			strings.HasPrefix(upper, "DYLD_") ||
			strings.HasPrefix(upper, "BASH_FUNC_") {
			continue
		}
		clean = append(clean, e)
	}
	return clean
}
