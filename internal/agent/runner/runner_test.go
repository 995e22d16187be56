package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/neboloop/glance/internal/agent/ai"
	"github.com/neboloop/glance/internal/agent/config"
	"github.com/neboloop/glance/internal/agent/sandbox"
	"github.com/neboloop/glance/internal/agent/session"
	"github.com/neboloop/glance/internal/agent/skills"
	"github.com/neboloop/glance/internal/agent/window"
	"github.com/neboloop/glance/internal/events"
)

type step func(req *ai.ChatRequest) (*ai.ChatResponse, error)

// mockProvider replays scripted steps, one per Complete call. Once the
// script runs out, fallback answers every further call.
type mockProvider struct {
	mu       sync.Mutex
	steps    []step
	fallback step
	requests []*ai.ChatRequest
}

func (m *mockProvider) ID() string { return "mock" }

func (m *mockProvider) Complete(ctx context.Context, req *ai.ChatRequest) (*ai.ChatResponse, error) {
	m.mu.Lock()
	idx := len(m.requests)
	m.requests = append(m.requests, req)
	var s step
	switch {
	case idx < len(m.steps):
		s = m.steps[idx]
	case m.fallback != nil:
		s = m.fallback
	}
	m.mu.Unlock()

	if s == nil {
		return nil, fmt.Errorf("unexpected model call %d", idx+1)
	}
	return s(req)
}

func (m *mockProvider) AnalyzeImage(context.Context, []byte, string) (string, error) {
	return "", errors.New("not supported")
}

func (m *mockProvider) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *mockProvider) request(i int) *ai.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

func reply(text string) step {
	return func(*ai.ChatRequest) (*ai.ChatResponse, error) {
		return &ai.ChatResponse{Text: text, FinishReason: ai.FinishStop}, nil
	}
}

func callTools(calls ...session.ToolCall) step {
	return func(*ai.ChatRequest) (*ai.ChatResponse, error) {
		return &ai.ChatResponse{ToolCalls: calls, FinishReason: ai.FinishToolCalls}, nil
	}
}

func toolCall(id, name string, args any) session.ToolCall {
	raw, _ := json.Marshal(args)
	return session.ToolCall{ID: id, Name: name, Arguments: raw}
}

func failWith(err error) step {
	return func(*ai.ChatRequest) (*ai.ChatResponse, error) { return nil, err }
}

// testConfig returns a whitelist policy rooted at a temp dir with fast
// retries.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Policy.Mode = "whitelist"
	cfg.Policy.AllowedDirs = []string{dir}
	cfg.Policy.AllowedCommands = []string{"echo"}
	cfg.Policy.BaseDir = dir
	cfg.Runner.RetryBackoff = time.Millisecond
	return cfg
}

// recorder collects emitted events.
type recorder struct {
	mu     sync.Mutex
	stages []string
}

func (r *recorder) Emit(stage, message, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, stage)
}

func (r *recorder) saw(stage string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.stages {
		if s == stage {
			return true
		}
	}
	return false
}

func TestRunTurn_TextAnswer(t *testing.T) {
	p := &mockProvider{steps: []step{reply("The build failed because of a missing import.")}}
	r := New(testConfig(t), p, nil)

	res, err := r.RunTurn(context.Background(), TurnRequest{UserMessage: "why did the build fail?"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Outcome != OutcomeDone || res.Rounds != 1 || res.ToolCalls != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Text != "The build failed because of a missing import." {
		t.Errorf("text = %q", res.Text)
	}
	if len(res.Transcript) != 2 || res.Transcript[0].Role != session.RoleUser || res.Transcript[1].Role != session.RoleAssistant {
		t.Errorf("unexpected transcript %+v", res.Transcript)
	}
	if res.RequestID == "" {
		t.Error("a request id should be assigned")
	}

	req := p.request(0)
	if !strings.Contains(req.System, "## Environment") || !strings.Contains(req.System, "Tool access: files under") {
		t.Errorf("system prompt misses the environment section:\n%s", req.System)
	}
	if strings.Contains(req.System, "## Recent screen activity") {
		t.Error("no recall source was configured")
	}
	if len(req.Tools) == 0 {
		t.Error("tools should be offered")
	}
}

func TestRunTurn_ToolRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(cfg.Policy.BaseDir, "notes.txt")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	p := &mockProvider{steps: []step{
		callTools(toolCall("call-1", "read", map[string]any{"path": "notes.txt"})),
		func(req *ai.ChatRequest) (*ai.ChatResponse, error) {
			last := req.Messages[len(req.Messages)-1]
			if last.Role != session.RoleTool || last.ToolCallID != "call-1" || last.Content != "hello world" {
				return nil, fmt.Errorf("tool result not fed back: %+v", last)
			}
			return &ai.ChatResponse{Text: "The file says hello world."}, nil
		},
	}}
	rec := &recorder{}
	r := New(cfg, p, nil)

	res, err := r.RunTurn(context.Background(), TurnRequest{UserMessage: "what is in notes.txt?", Sink: rec})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Outcome != OutcomeDone || res.Rounds != 2 || res.ToolCalls != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.Transcript) != 4 {
		t.Fatalf("expected user, call, result, answer; got %d messages", len(res.Transcript))
	}
	if !rec.saw(events.StageToolCall) || !rec.saw(events.StageToolResult) || !rec.saw(events.StageDone) {
		t.Errorf("missing progress events: %v", rec.stages)
	}
}

func TestRunTurn_StopsAtRoundCap(t *testing.T) {
	cfg := testConfig(t)
	cfg.Runner.MaxRounds = 3

	n := 0
	p := &mockProvider{fallback: func(*ai.ChatRequest) (*ai.ChatResponse, error) {
		n++
		return &ai.ChatResponse{ToolCalls: []session.ToolCall{
			toolCall(fmt.Sprintf("call-%d", n), "progress_update", map[string]any{"message": fmt.Sprintf("step %d", n)}),
		}}, nil
	}}
	r := New(cfg, p, nil)

	res, err := r.RunTurn(context.Background(), TurnRequest{UserMessage: "loop forever"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Outcome != OutcomeAborted {
		t.Fatalf("outcome = %s, want aborted", res.Outcome)
	}
	if res.Rounds != 3 || p.calls() != 3 {
		t.Errorf("rounds = %d, model calls = %d, want 3 and 3", res.Rounds, p.calls())
	}
	if !strings.Contains(res.Text, "3 model rounds") || !strings.Contains(res.Text, "progress_update x3") {
		t.Errorf("abort text should explain the cap:\n%s", res.Text)
	}
}

func TestRunTurn_AbortsOnRepeatedFailure(t *testing.T) {
	p := &mockProvider{fallback: callTools(toolCall("", "read", map[string]any{"path": "missing.txt"}))}
	r := New(testConfig(t), p, nil)

	res, err := r.RunTurn(context.Background(), TurnRequest{UserMessage: "read missing.txt"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Outcome != OutcomeAborted {
		t.Fatalf("outcome = %s, want aborted", res.Outcome)
	}
	if p.calls() != 3 || res.ToolCalls != 3 {
		t.Errorf("model calls = %d, tool calls = %d, want 3 and 3", p.calls(), res.ToolCalls)
	}
	if !strings.Contains(res.Text, "read failed 3 rounds in a row") || !strings.Contains(res.Text, "Last failure: read:") {
		t.Errorf("unexpected abort text:\n%s", res.Text)
	}
	for _, m := range res.Transcript {
		if m.Role == session.RoleAssistant && len(m.ToolCalls) > 0 && m.ToolCalls[0].ID == "" {
			t.Error("tool calls without an id should get one")
		}
	}
}

func TestRunTurn_RepeatedFailureCountsRounds(t *testing.T) {
	c := toolCall("", "read", map[string]any{"path": "missing.txt"})
	p := &mockProvider{fallback: callTools(c, c, c)}
	r := New(testConfig(t), p, nil)

	res, err := r.RunTurn(context.Background(), TurnRequest{UserMessage: "read missing.txt"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Outcome != OutcomeAborted {
		t.Fatalf("outcome = %s, want aborted", res.Outcome)
	}
	if res.Rounds != 3 || p.calls() != 3 {
		t.Errorf("rounds = %d, model calls = %d, want 3 and 3", res.Rounds, p.calls())
	}
	// The third round stops at its first call; the other two are skipped.
	if res.ToolCalls != 7 {
		t.Errorf("tool calls = %d, want 7", res.ToolCalls)
	}
}

func TestRunTurn_SuccessResetsFailureStreak(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(filepath.Join(cfg.Policy.BaseDir, "present.txt"), []byte("ok"), 0o644); err != nil {
		t.Fatal(err)
	}
	missing := callTools(toolCall("", "read", map[string]any{"path": "missing.txt"}))
	present := callTools(toolCall("", "read", map[string]any{"path": "present.txt"}))

	p := &mockProvider{steps: []step{missing, missing, present, missing, missing, reply("Gave up on missing.txt.")}}
	r := New(cfg, p, nil)

	res, err := r.RunTurn(context.Background(), TurnRequest{UserMessage: "read the files"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Outcome != OutcomeDone || p.calls() != 6 {
		t.Errorf("outcome = %s after %d calls, want done after 6", res.Outcome, p.calls())
	}
}

func TestRunTurn_RepeatKeyIgnoresArgumentOrder(t *testing.T) {
	a := session.ToolCall{Name: "grep", Arguments: json.RawMessage(`{"pattern":"x","path":"."}`)}
	b := session.ToolCall{Name: "grep", Arguments: json.RawMessage(`{ "path": ".", "pattern": "x" }`)}
	if canonicalArgs(a.Arguments) != canonicalArgs(b.Arguments) {
		t.Error("argument order should not matter")
	}
}

func TestRunTurn_RetriesTransientErrors(t *testing.T) {
	p := &mockProvider{steps: []step{
		failWith(ai.NewProviderError("mock", 503, "", errors.New("service unavailable"))),
		reply("Recovered."),
	}}
	rec := &recorder{}
	r := New(testConfig(t), p, nil)

	res, err := r.RunTurn(context.Background(), TurnRequest{UserMessage: "hi", Sink: rec})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Outcome != OutcomeDone || p.calls() != 2 {
		t.Errorf("outcome = %s after %d calls", res.Outcome, p.calls())
	}
	if !rec.saw(events.StageRetry) {
		t.Error("expected a retry event")
	}
}

func TestRunTurn_ExhaustedRetries(t *testing.T) {
	cfg := testConfig(t)
	p := &mockProvider{fallback: failWith(ai.NewProviderError("mock", 429, "", errors.New("rate limit exceeded")))}
	r := New(cfg, p, nil)

	res, err := r.RunTurn(context.Background(), TurnRequest{UserMessage: "hi"})
	if err == nil || res != nil {
		t.Fatalf("expected an error, got %+v", res)
	}
	var pe *ai.ProviderError
	if !errors.As(err, &pe) || pe.Reason != ai.ReasonTransient {
		t.Errorf("expected a transient provider error, got %v", err)
	}
	if want := cfg.Runner.TransientRetries + 1; p.calls() != want {
		t.Errorf("model calls = %d, want %d", p.calls(), want)
	}
}

func TestRunTurn_PermanentErrorNotRetried(t *testing.T) {
	p := &mockProvider{fallback: failWith(ai.NewProviderError("mock", 401, "", errors.New("invalid api key")))}
	r := New(testConfig(t), p, nil)

	if _, err := r.RunTurn(context.Background(), TurnRequest{UserMessage: "hi"}); err == nil {
		t.Fatal("expected an error")
	}
	if p.calls() != 1 {
		t.Errorf("permanent errors must not be retried, got %d calls", p.calls())
	}
}

func TestRunTurn_UnconfiguredPolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Policy.Mode = ""

	t.Run("text answers still work", func(t *testing.T) {
		p := &mockProvider{steps: []step{reply("Hello there.")}}
		res, err := New(cfg, p, nil).RunTurn(context.Background(), TurnRequest{UserMessage: "hi"})
		if err != nil || res.Outcome != OutcomeDone {
			t.Fatalf("unexpected result %+v, %v", res, err)
		}
		if !strings.Contains(p.request(0).System, "Tool access: not configured") {
			t.Error("the prompt should say tools are not configured")
		}
	})

	t.Run("first tool use is terminal", func(t *testing.T) {
		p := &mockProvider{steps: []step{callTools(toolCall("call-1", "read", map[string]any{"path": "a.txt"}))}}
		res, err := New(cfg, p, nil).RunTurn(context.Background(), TurnRequest{UserMessage: "read a.txt"})
		if !errors.Is(err, sandbox.ErrPolicyUnconfigured) {
			t.Fatalf("expected ErrPolicyUnconfigured, got %v", err)
		}
		if res != nil {
			t.Error("no result on a terminal error")
		}
		if p.calls() != 1 {
			t.Errorf("the model must not be called again, got %d calls", p.calls())
		}
	})
}

func TestRunTurn_CancelDuringModelCall(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	p := &mockProvider{steps: []step{func(*ai.ChatRequest) (*ai.ChatResponse, error) {
		close(started)
		<-release // ignores cancellation on purpose
		return &ai.ChatResponse{Text: "too late"}, nil
	}}}
	r := New(testConfig(t), p, nil)

	type outcome struct {
		res *TurnResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := r.RunTurn(context.Background(), TurnRequest{RequestID: "req-1", UserMessage: "hi"})
		done <- outcome{res, err}
	}()

	<-started
	if got := r.Active(); len(got) != 1 || got[0] != "req-1" {
		t.Fatalf("active = %v", got)
	}
	if !r.Cancel("req-1") {
		t.Fatal("Cancel should find the running turn")
	}

	select {
	case out := <-done:
		if out.err != nil || out.res.Outcome != OutcomeCancelled {
			t.Fatalf("expected cancelled, got %+v, %v", out.res, out.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation did not interrupt the model call")
	}
	if len(r.Active()) != 0 || r.Cancel("req-1") {
		t.Error("finished turns must be unregistered")
	}
}

func TestRunTurn_CancelDuringRetryBackoff(t *testing.T) {
	cfg := testConfig(t)
	cfg.Runner.RetryBackoff = time.Hour
	p := &mockProvider{fallback: failWith(ai.NewProviderError("mock", 503, "", errors.New("service unavailable")))}
	r := New(cfg, p, nil)

	retrying := make(chan struct{})
	var once sync.Once
	sink := events.Func(func(stage, message, detail string) {
		if stage == events.StageRetry {
			once.Do(func() { close(retrying) })
		}
	})

	type outcome struct {
		res *TurnResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := r.RunTurn(context.Background(), TurnRequest{RequestID: "req-backoff", UserMessage: "hi", Sink: sink})
		done <- outcome{res, err}
	}()

	select {
	case <-retrying:
	case <-time.After(5 * time.Second):
		t.Fatal("no retry was scheduled")
	}
	if !r.Cancel("req-backoff") {
		t.Fatal("Cancel should find the waiting turn")
	}

	select {
	case out := <-done:
		if out.err != nil || out.res.Outcome != OutcomeCancelled {
			t.Fatalf("expected cancelled, got %+v, %v", out.res, out.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation did not interrupt the backoff sleep")
	}
	if p.calls() != 1 {
		t.Errorf("model calls = %d, want 1", p.calls())
	}
}

func TestRunTurn_CancelSkipsRemainingTools(t *testing.T) {
	cfg := testConfig(t)
	target := filepath.Join(cfg.Policy.BaseDir, "never.txt")

	p := &mockProvider{steps: []step{callTools(
		toolCall("call-1", "progress_update", map[string]any{"message": "starting"}),
		toolCall("call-2", "write", map[string]any{"path": target, "content": "x"}),
	)}}
	r := New(cfg, p, nil)

	sink := events.Func(func(stage, _, _ string) {
		if stage == events.StageToolResult {
			r.Cancel("req-2")
		}
	})
	res, err := r.RunTurn(context.Background(), TurnRequest{RequestID: "req-2", UserMessage: "write a file", Sink: sink})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Outcome != OutcomeCancelled {
		t.Fatalf("outcome = %s, want cancelled", res.Outcome)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Error("the second tool must not run after cancellation")
	}
	last := res.Transcript[len(res.Transcript)-1]
	if last.ToolCallID != "call-2" || !last.IsError {
		t.Errorf("skipped call should get an error result, got %+v", last)
	}
	if p.calls() != 1 {
		t.Errorf("model calls = %d, want 1", p.calls())
	}
}

func TestRunTurn_DuplicateRequestID(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	p := &mockProvider{steps: []step{func(*ai.ChatRequest) (*ai.ChatResponse, error) {
		close(started)
		<-release
		return &ai.ChatResponse{Text: "Done."}, nil
	}}}
	r := New(testConfig(t), p, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.RunTurn(context.Background(), TurnRequest{RequestID: "same", UserMessage: "one"})
	}()
	<-started

	if _, err := r.RunTurn(context.Background(), TurnRequest{RequestID: "same", UserMessage: "two"}); !errors.Is(err, ErrDuplicateRequest) {
		t.Errorf("expected ErrDuplicateRequest, got %v", err)
	}
	close(release)
	<-done
}

func TestRunTurn_EmptyMessage(t *testing.T) {
	r := New(testConfig(t), &mockProvider{}, nil)
	if _, err := r.RunTurn(context.Background(), TurnRequest{UserMessage: "   "}); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestRunTurn_ContinuesTruncatedReply(t *testing.T) {
	p := &mockProvider{steps: []step{
		reply("Here is the fix:\n```go\nfunc main() {"),
		func(req *ai.ChatRequest) (*ai.ChatResponse, error) {
			last := req.Messages[len(req.Messages)-1]
			if last.Role != session.RoleUser || last.Content != ContinuePrompt {
				return nil, fmt.Errorf("expected the continue prompt, got %+v", last)
			}
			return &ai.ChatResponse{Text: "\n}\n```\nThat compiles."}, nil
		},
	}}
	r := New(testConfig(t), p, nil)

	res, err := r.RunTurn(context.Background(), TurnRequest{UserMessage: "fix main.go"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	want := "Here is the fix:\n```go\nfunc main() {\n}\n```\nThat compiles."
	if res.Text != want {
		t.Errorf("text = %q, want %q", res.Text, want)
	}
	if len(res.Transcript) != 2 {
		t.Errorf("the continue prompt must not be stored, got %d messages", len(res.Transcript))
	}
}

func TestRunTurn_ContinuesOnlyOnce(t *testing.T) {
	p := &mockProvider{steps: []step{reply("Hi"), reply(" there")}}
	r := New(testConfig(t), p, nil)

	res, err := r.RunTurn(context.Background(), TurnRequest{UserMessage: "hello"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Text != "Hi there" || p.calls() != 2 {
		t.Errorf("text = %q after %d calls", res.Text, p.calls())
	}
}

func longHistory(n int) []session.Message {
	msgs := make([]session.Message, n)
	for i := range msgs {
		text := fmt.Sprintf("%03d ", i) + strings.Repeat("x", 396)
		if i%2 == 0 {
			msgs[i] = session.User(text)
		} else {
			msgs[i] = session.Assistant(text)
		}
	}
	return msgs
}

func TestRunTurn_CompressesLongHistory(t *testing.T) {
	cfg := testConfig(t)
	cfg.Context.BudgetTokens = 4000

	p := &mockProvider{steps: []step{reply("Sure.")}}
	rec := &recorder{}
	r := New(cfg, p, nil)

	history := longHistory(40)
	res, err := r.RunTurn(context.Background(), TurnRequest{UserMessage: "continue", History: history, Sink: rec})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Outcome != OutcomeDone {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	sent := p.request(0).Messages
	if len(sent) >= len(history) || !strings.HasPrefix(sent[0].Content, window.SummaryPrefix) {
		t.Errorf("expected a summarized history, got %d messages", len(sent))
	}
	if !rec.saw(events.StageCompress) {
		t.Error("expected a compress event")
	}
	if len(history) != 40 || strings.HasPrefix(history[0].Content, window.SummaryPrefix) {
		t.Error("the caller's history must not be modified")
	}
}

func TestRunTurn_RecoversFromContextOverflow(t *testing.T) {
	overflow := ai.NewProviderError("mock", 400, "context_length_exceeded", errors.New("maximum context length exceeded"))
	p := &mockProvider{steps: []step{
		failWith(overflow),
		func(req *ai.ChatRequest) (*ai.ChatResponse, error) {
			if len(req.Messages) >= 21 {
				return nil, overflow
			}
			return &ai.ChatResponse{Text: "Answered with less history."}, nil
		},
	}}
	r := New(testConfig(t), p, nil)

	res, err := r.RunTurn(context.Background(), TurnRequest{UserMessage: "hi", History: longHistory(20)})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Outcome != OutcomeDone || p.calls() != 2 {
		t.Errorf("outcome = %s after %d calls", res.Outcome, p.calls())
	}
}

func TestRunTurn_PersistentOverflow(t *testing.T) {
	overflow := ai.NewProviderError("mock", 400, "context_length_exceeded", errors.New("prompt is too long"))
	p := &mockProvider{fallback: failWith(overflow)}
	r := New(testConfig(t), p, nil)

	_, err := r.RunTurn(context.Background(), TurnRequest{UserMessage: "hi", History: longHistory(20)})
	if !window.IsContextOverflow(err) {
		t.Fatalf("expected an overflow error, got %v", err)
	}
	if p.calls() < 3 {
		t.Errorf("expected the smaller candidates to be tried, got %d calls", p.calls())
	}
}

func newSkillRegistry(t *testing.T) *skills.Registry {
	t.Helper()
	return skills.NewRegistry(t.TempDir(), nil)
}

func TestRunTurn_UserInvokedSkill(t *testing.T) {
	reg := newSkillRegistry(t)
	invocable := true
	if _, err := reg.Create("summarize", "Summarize a file", "Summarize $ARGUMENTS in three bullets.", skills.Overrides{
		AllowedTools:  &[]string{"read"},
		UserInvocable: &invocable,
	}); err != nil {
		t.Fatal(err)
	}

	p := &mockProvider{steps: []step{func(req *ai.ChatRequest) (*ai.ChatResponse, error) {
		if !strings.Contains(req.System, "## Active skill: summarize") ||
			!strings.Contains(req.System, "Summarize notes.txt in three bullets.") {
			return nil, fmt.Errorf("skill instructions missing:\n%s", req.System)
		}
		if len(req.Tools) != 1 || req.Tools[0].Name != "read" {
			return nil, fmt.Errorf("tools should be restricted to read, got %d", len(req.Tools))
		}
		return &ai.ChatResponse{Text: "Here is the summary."}, nil
	}}}
	r := New(testConfig(t), p, reg)

	res, err := r.RunTurn(context.Background(), TurnRequest{SkillName: "summarize", SkillArgs: "notes.txt"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Outcome != OutcomeDone {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if !strings.Contains(res.Transcript[0].Content, "summarize") {
		t.Errorf("a user message should be synthesized, got %q", res.Transcript[0].Content)
	}
}

func TestRunTurn_SkillNotUserInvocable(t *testing.T) {
	reg := newSkillRegistry(t)
	invocable := false
	if _, err := reg.Create("internal", "Model only", "Do the thing.", skills.Overrides{UserInvocable: &invocable}); err != nil {
		t.Fatal(err)
	}
	r := New(testConfig(t), &mockProvider{}, reg)

	if _, err := r.RunTurn(context.Background(), TurnRequest{SkillName: "internal"}); !errors.Is(err, ErrNotUserInvocable) {
		t.Errorf("expected ErrNotUserInvocable, got %v", err)
	}
	if _, err := r.RunTurn(context.Background(), TurnRequest{SkillName: "nope"}); err == nil {
		t.Error("unknown skills must fail")
	}
}

func TestRunTurn_InvokeSkillRestrictsTools(t *testing.T) {
	reg := newSkillRegistry(t)
	if _, err := reg.Create("lookup", "Look something up", "Read the file the user names.", skills.Overrides{
		AllowedTools: &[]string{"read", "grep"},
	}); err != nil {
		t.Fatal(err)
	}

	p := &mockProvider{steps: []step{
		func(req *ai.ChatRequest) (*ai.ChatResponse, error) {
			if !strings.Contains(req.System, "- lookup: Look something up") {
				return nil, errors.New("the catalogue should list the skill")
			}
			return &ai.ChatResponse{ToolCalls: []session.ToolCall{
				toolCall("call-1", "invoke_skill", map[string]any{"skill_name": "lookup"}),
			}}, nil
		},
		func(req *ai.ChatRequest) (*ai.ChatResponse, error) {
			names := toolNames(req.Tools)
			if strings.Join(names, ",") != "grep,read" {
				return nil, fmt.Errorf("tools after activation = %v", names)
			}
			return &ai.ChatResponse{Text: "Done."}, nil
		},
	}}
	r := New(testConfig(t), p, reg)

	res, err := r.RunTurn(context.Background(), TurnRequest{UserMessage: "look it up"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Outcome != OutcomeDone || res.ToolCalls != 1 {
		t.Errorf("unexpected result %+v", res)
	}
}

type fakeRecall struct {
	block string
	asked []string
}

func (f *fakeRecall) Context(_ context.Context, message string) (string, error) {
	f.asked = append(f.asked, message)
	return f.block, nil
}

func TestRunTurn_ScreenContext(t *testing.T) {
	recall := &fakeRecall{block: "[10:02] VS Code: editing main.go"}
	p := &mockProvider{fallback: reply("You were editing main.go.")}
	reg := newSkillRegistry(t)
	r := New(testConfig(t), p, reg)
	r.SetRecall(recall)

	if _, err := r.RunTurn(context.Background(), TurnRequest{UserMessage: "what was I doing?"}); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if !strings.Contains(p.request(0).System, "## Recent screen activity\n\n[10:02] VS Code: editing main.go") {
		t.Errorf("screen context missing:\n%s", p.request(0).System)
	}
	if len(recall.asked) != 1 || recall.asked[0] != "what was I doing?" {
		t.Errorf("recall asked %v", recall.asked)
	}

	invocable := true
	none := skills.ContextNone
	if _, err := reg.Create("offline", "No screen", "Answer from general knowledge.", skills.Overrides{
		UserInvocable: &invocable,
		Context:       &none,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.RunTurn(context.Background(), TurnRequest{SkillName: "offline", UserMessage: "explain goroutines"}); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if len(recall.asked) != 1 {
		t.Error("a skill without screen context must not trigger recall")
	}
	if strings.Contains(p.request(1).System, "## Recent screen activity") {
		t.Error("screen section should be absent")
	}
}

func TestRunTurn_TruncatesLongToolResults(t *testing.T) {
	cfg := testConfig(t)
	cfg.Runner.ToolResultMaxChars = 100
	if err := os.WriteFile(filepath.Join(cfg.Policy.BaseDir, "big.txt"), []byte(strings.Repeat("a", 500)), 0o644); err != nil {
		t.Fatal(err)
	}
	p := &mockProvider{steps: []step{
		callTools(toolCall("call-1", "read", map[string]any{"path": "big.txt"})),
		reply("It is a lot of a's."),
	}}
	res, err := New(cfg, p, nil).RunTurn(context.Background(), TurnRequest{UserMessage: "read big.txt"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	result := res.Transcript[2]
	if !strings.HasSuffix(result.Content, "[truncated 400 characters]") {
		t.Errorf("unexpected tool result %q", result.Content)
	}
}

func TestRunTurn_EventBus(t *testing.T) {
	bus := events.NewBus(nil)
	var mu sync.Mutex
	var got []events.Event
	bus.Subscribe(func(e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
	})

	r := New(testConfig(t), &mockProvider{steps: []step{reply("Done.")}}, nil)
	r.SetEventBus(bus)
	if _, err := r.RunTurn(context.Background(), TurnRequest{RequestID: "bus-1", UserMessage: "hi"}); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) == 0 || got[len(got)-1].RequestID != "bus-1" || got[len(got)-1].Stage != events.StageDone {
		t.Errorf("unexpected events %+v", got)
	}
}
