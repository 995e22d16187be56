// Package runner drives one agent turn: it asks the model, dispatches the
// tool calls it returns through the sandboxed tool set, feeds the results
// back and repeats until the model answers, a cap is hit or the caller
// cancels.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/neboloop/glance/internal/agent/ai"
	"github.com/neboloop/glance/internal/agent/config"
	"github.com/neboloop/glance/internal/agent/sandbox"
	"github.com/neboloop/glance/internal/agent/session"
	"github.com/neboloop/glance/internal/agent/skills"
	"github.com/neboloop/glance/internal/agent/tools"
	"github.com/neboloop/glance/internal/agent/window"
	"github.com/neboloop/glance/internal/events"
	"github.com/neboloop/glance/internal/logging"
	"github.com/neboloop/glance/internal/metrics"
)

// Outcome is how a turn ended.
type Outcome string

const (
	OutcomeDone      Outcome = "done"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeAborted   Outcome = "aborted"
)

var (
	// ErrEmptyMessage is returned for a turn with nothing to answer.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNotUserInvocable is returned when a turn names a skill the user may
	// not start directly.
	ErrNotUserInvocable = errors.New("skill cannot be started by the user")
)

// ContextSource supplies the screen-activity block added to the system
// prompt.
type ContextSource interface {
	Context(ctx context.Context, message string) (string, error)
}

// TurnRequest is one user message to answer.
type TurnRequest struct {
	RequestID   string            `json:"request_id,omitempty"`
	UserMessage string            `json:"message"`
	History     []session.Message `json:"history,omitempty"`
	Attachments []session.Part    `json:"attachments,omitempty"`

	// SkillName starts the turn inside a user-invocable skill. SkillArgs
	// fill its $ARGUMENTS placeholders.
	SkillName string `json:"skill,omitempty"`
	SkillArgs string `json:"skill_args,omitempty"`

	// Sink receives progress events in addition to the runner's bus.
	Sink events.Sink `json:"-"`
}

// TurnResult is the end state of a turn. Transcript holds the messages the
// turn added, starting with the user message, ready to be appended to the
// caller's history.
type TurnResult struct {
	RequestID  string            `json:"request_id"`
	Outcome    Outcome           `json:"outcome"`
	Text       string            `json:"text"`
	ToolCalls  int               `json:"tool_calls"`
	Rounds     int               `json:"rounds"`
	Transcript []session.Message `json:"transcript"`
}

// Runner executes agent turns. It is safe for concurrent use; each turn
// gets its own policy and dispatcher.
type Runner struct {
	cfg      *config.Config
	provider ai.Provider
	skills   *skills.Registry
	recall   ContextSource
	bus      *events.Bus
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cancels  *cancelRegistry
	now      func() time.Time
}

// New creates a runner. skillRegistry may be nil, in which case the skill
// tools are not offered.
func New(cfg *config.Config, provider ai.Provider, skillRegistry *skills.Registry) *Runner {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Runner{
		cfg:      cfg,
		provider: provider,
		skills:   skillRegistry,
		logger:   logging.With("component", "runner"),
		cancels:  newCancelRegistry(),
		now:      time.Now,
	}
}

// SetRecall sets the source of screen-activity context.
func (r *Runner) SetRecall(src ContextSource) {
	r.recall = src
}

// SetEventBus publishes every turn's progress events on bus.
func (r *Runner) SetEventBus(bus *events.Bus) {
	r.bus = bus
}

// SetMetrics records turn, model and tool metrics on m.
func (r *Runner) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// SetLogger replaces the runner's logger.
func (r *Runner) SetLogger(l *slog.Logger) {
	if l != nil {
		r.logger = l
	}
}

// Cancel signals the turn running under requestID. It reports whether such
// a turn was found.
func (r *Runner) Cancel(requestID string) bool {
	return r.cancels.cancel(requestID)
}

// Active returns the ids of the turns in flight.
func (r *Runner) Active() []string {
	return r.cancels.active()
}

// RunTurn answers one user message. Tool failures are fed back to the model
// and never returned. The returned error is reserved for an unconfigured
// sandbox, exhausted model retries, a context overflow no smaller history
// could fix, and invalid requests. Cancellation and the loop caps end the
// turn with an outcome instead.
func (r *Runner) RunTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if strings.TrimSpace(req.UserMessage) == "" && len(req.Attachments) == 0 && req.SkillName == "" {
		return nil, ErrEmptyMessage
	}
	if r.provider == nil {
		return nil, errors.New("no model provider configured")
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := r.cancels.add(req.RequestID, cancel); err != nil {
		return nil, err
	}
	defer r.cancels.remove(req.RequestID)

	start := time.Now()
	r.metrics.TurnStarted()

	var res *TurnResult
	t, err := r.newTurn(ctx, req)
	if err == nil {
		res, err = t.run(ctx)
	}

	outcome, rounds := "error", 0
	if res != nil {
		outcome, rounds = string(res.Outcome), res.Rounds
	}
	r.metrics.TurnFinished(outcome, rounds, time.Since(start))
	if err != nil {
		r.logger.Warn("turn failed", "request_id", req.RequestID, "error", err)
	}
	return res, err
}

// turn is the mutable state of one RunTurn call.
type turn struct {
	r          *Runner
	id         string
	logger     *slog.Logger
	sink       events.Sink
	dispatcher *tools.Dispatcher
	opts       window.Options

	system   string
	userText string
	model    string

	// prior is the history before the user message, possibly compressed.
	// msgs is everything this turn added, starting with the user message.
	prior []session.Message
	msgs  []session.Message

	rounds      int
	toolCalls   int
	usage       map[string]int
	continued   bool
	failKey     string
	failStreak  int
	failRound   int
	lastFailure string
}

func (r *Runner) newTurn(ctx context.Context, req TurnRequest) (*turn, error) {
	logger := r.logger.With("request_id", req.RequestID)
	sinks := events.Multi{events.LogSink{Logger: logger}}
	if r.bus != nil {
		sinks = append(sinks, r.bus.ForRequest(req.RequestID))
	}
	if req.Sink != nil {
		sinks = append(sinks, req.Sink)
	}

	policy := sandbox.FromConfig(r.cfg)
	deps := tools.Deps{Policy: policy, Sink: sinks, Logger: logger}
	if r.skills != nil {
		deps.Skills = r.skills
	}

	t := &turn{
		r:          r,
		id:         req.RequestID,
		logger:     logger,
		sink:       sinks,
		dispatcher: tools.NewDefault(deps),
		opts:       window.OptionsFromConfig(r.cfg.Context),
		userText:   strings.TrimSpace(req.UserMessage),
		model:      r.cfg.Provider.Model,
		prior:      session.Clone(req.History),
		usage:      make(map[string]int),
	}

	in := promptInput{
		Policy: policy,
		Tools:  toolNames(t.dispatcher.Definitions()),
		Now:    r.now(),
	}

	skillContext := ""
	if req.SkillName != "" {
		active, err := r.startSkill(req.SkillName, req.SkillArgs)
		if err != nil {
			return nil, err
		}
		t.dispatcher.Restrict(active.AllowedTools)
		if active.Model != "" {
			t.model = active.Model
		}
		skillContext = active.Context
		in.Skill = active
		in.Tools = toolNames(t.dispatcher.Definitions())
		if t.userText == "" {
			t.userText = fmt.Sprintf("Run the %s skill.", active.Name)
			if args := strings.TrimSpace(req.SkillArgs); args != "" {
				t.userText += " Arguments: " + args
			}
		}
		logger.Info("skill started by user", "skill", active.Name)
	}
	if t.userText == "" {
		t.userText = "Please look at the attached image."
	}

	if r.skills != nil && t.dispatcher.Has("invoke_skill") {
		in.Catalogue = r.skills.Catalogue()
	}
	if r.recall != nil && (in.Skill == nil || skillContext == skills.ContextScreen) {
		block, err := r.recall.Context(ctx, t.userText)
		if err != nil {
			logger.Warn("screen context lookup failed", "error", err)
		}
		in.Screen = block
		in.ScreenEnabled = true
	}
	t.system = buildSystemPrompt(in)

	user := session.User(t.userText)
	if len(req.Attachments) > 0 {
		user.Content = ""
		user.Parts = append([]session.Part{{Type: session.PartText, Text: t.userText}}, req.Attachments...)
	}
	t.msgs = []session.Message{user}
	return t, nil
}

// startSkill loads a skill the user named and prepares its instructions.
func (r *Runner) startSkill(name, args string) (*activeSkill, error) {
	if r.skills == nil {
		return nil, fmt.Errorf("skill %q: %w", name, skills.ErrNotFound)
	}
	skill, err := r.skills.Load(name)
	if err != nil {
		return nil, err
	}
	if !skill.UserInvocable {
		return nil, fmt.Errorf("%s: %w", name, ErrNotUserInvocable)
	}
	instructions, err := tools.SubstituteArgs(skill.Instructions, args)
	if err != nil {
		return nil, fmt.Errorf("skill %s arguments: %w", name, err)
	}
	return &activeSkill{
		Name:         skill.Name,
		Instructions: instructions,
		Dir:          filepath.Dir(skill.Path),
		AllowedTools: skill.AllowedTools,
		Model:        skill.Model,
		Context:      skill.Context,
	}, nil
}

func (t *turn) run(ctx context.Context) (*TurnResult, error) {
	maxRounds := t.r.cfg.Runner.MaxRounds
	if maxRounds <= 0 {
		maxRounds = config.DefaultConfig().Runner.MaxRounds
	}

	for {
		if ctx.Err() != nil {
			return t.cancelled(), nil
		}
		if t.rounds >= maxRounds {
			return t.abort(fmt.Sprintf("I stopped after %d model rounds without reaching a final answer.", t.rounds)), nil
		}
		t.rounds++

		resp, err := t.ask(ctx)
		if ctx.Err() != nil {
			return t.cancelled(), nil
		}
		if err != nil {
			return nil, err
		}

		if len(resp.ToolCalls) == 0 {
			return t.finish(ctx, resp)
		}

		if done, res, err := t.runTools(ctx, resp); done {
			return res, err
		}
	}
}

// ask compresses the prior history when needed and calls the model. On a
// context overflow it retries with each smaller recovery candidate.
func (t *turn) ask(ctx context.Context) (*ai.ChatResponse, error) {
	budget := t.budget()
	compressed := window.CompressIfNeeded(t.prior, t.system, t.userText, budget, t.opts)
	if !sameHistory(compressed, t.prior) {
		t.logger.Info("history compressed", "from", len(t.prior), "to", len(compressed))
		t.sink.Emit(events.StageCompress, "Summarized older messages to stay within the context budget",
			fmt.Sprintf("%d messages -> %d", len(t.prior), len(compressed)))
		t.r.metrics.Compressed("proactive")
		t.prior = compressed
	}

	resp, err := t.call(ctx, t.prior, t.msgs)
	if err == nil || !window.IsContextOverflow(err) {
		return resp, err
	}

	sent := window.EstimateTokens(t.prior)
	tried := 0
	for _, candidate := range window.OverflowRecoveryCandidates(t.prior, t.system, t.userText, budget, t.opts) {
		if window.EstimateTokens(candidate) >= sent {
			continue
		}
		tried++
		t.r.metrics.Compressed("overflow")
		t.sink.Emit(events.StageCompress, "Context too large, retrying with a shorter history",
			fmt.Sprintf("%d messages", len(candidate)))

		resp, err = t.call(ctx, candidate, t.msgs)
		if err == nil {
			t.prior = candidate
			return resp, nil
		}
		if ctx.Err() != nil || !window.IsContextOverflow(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("context overflow after %d reduced histories: %w", tried, err)
}

// budget is the token budget left for the prior history once the messages
// this turn already added are accounted for.
func (t *turn) budget() int {
	total := t.r.cfg.Context.BudgetTokens
	if total <= 0 {
		total = config.DefaultConfig().Context.BudgetTokens
	}
	return max(1, total-window.EstimateTokens(t.msgs[1:]))
}

func (t *turn) call(ctx context.Context, prior, current []session.Message) (*ai.ChatResponse, error) {
	messages := make([]session.Message, 0, len(prior)+len(current))
	messages = append(messages, prior...)
	messages = append(messages, current...)
	return t.r.complete(ctx, &ai.ChatRequest{
		System:    t.system,
		Messages:  messages,
		Tools:     t.dispatcher.Definitions(),
		Model:     t.model,
		MaxTokens: t.r.cfg.Provider.MaxTokens,
	}, t.sink)
}

// finish handles a text response, asking once for a continuation when the
// reply looks cut off.
func (t *turn) finish(ctx context.Context, resp *ai.ChatResponse) (*TurnResult, error) {
	text := resp.Text
	if !t.continued && looksTruncated(text, resp.FinishReason) {
		t.continued = true
		t.logger.Info("reply looks truncated, asking to continue", "chars", len(text), "finish_reason", resp.FinishReason)

		current := append(session.Clone(t.msgs), session.Assistant(text), session.User(ContinuePrompt))
		more, err := t.call(ctx, t.prior, current)
		switch {
		case ctx.Err() != nil:
			t.msgs = append(t.msgs, session.Assistant(text))
			return t.cancelled(), nil
		case err != nil:
			t.logger.Warn("continuation failed, keeping partial reply", "error", err)
		default:
			text = joinContinuation(text, more.Text)
		}
	}

	t.msgs = append(t.msgs, session.Assistant(text))
	t.sink.Emit(events.StageDone, "Done", fmt.Sprintf("%d rounds, %d tool calls", t.rounds, t.toolCalls))
	return t.result(OutcomeDone, text), nil
}

// runTools executes one round of tool calls in order. done is true when
// the turn must end with res and err.
func (t *turn) runTools(ctx context.Context, resp *ai.ChatResponse) (done bool, res *TurnResult, err error) {
	calls := append([]session.ToolCall(nil), resp.ToolCalls...)
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
		}
	}
	t.msgs = append(t.msgs, session.Message{
		Role:      session.RoleAssistant,
		Content:   resp.Text,
		ToolCalls: calls,
	})
	if strings.TrimSpace(resp.Text) != "" {
		t.sink.Emit(events.StageThinking, firstLine(resp.Text, 200), "")
	}

	limit := t.r.cfg.Runner.ToolResultMaxChars
	for i, call := range calls {
		if ctx.Err() != nil {
			t.skip(calls[i:], "Error: cancelled before this tool ran")
			return true, t.cancelled(), nil
		}

		t.sink.Emit(events.StageToolCall, "Running "+call.Name, firstLine(string(call.Arguments), 200))
		start := time.Now()
		out, err := t.dispatcher.Execute(ctx, call)
		if err != nil {
			t.skip(calls[i:], "Error: "+err.Error())
			if errors.Is(err, sandbox.ErrPolicyUnconfigured) {
				t.sink.Emit(events.StageDone, "Tool access is not configured", "")
			}
			return true, nil, err
		}
		t.r.metrics.ToolExecuted(call.Name, out.IsError, time.Since(start))
		t.toolCalls++
		t.usage[call.Name]++

		content := truncateToolResult(out.Content, limit)
		t.msgs = append(t.msgs, session.ToolResult(call, content, out.IsError))
		if out.IsError {
			t.sink.Emit(events.StageToolResult, call.Name+" failed", firstLine(content, 200))
		} else {
			t.sink.Emit(events.StageToolResult, call.Name+" finished", firstLine(content, 200))
		}

		if out.Skill != nil {
			t.activate(out.Skill)
		}
		if t.repeatedFailure(call, out) {
			t.skip(calls[i+1:], "Error: skipped because the turn was stopped")
			reason := fmt.Sprintf("I stopped because %s failed %d rounds in a row with the same arguments.", call.Name, t.failStreak)
			return true, t.abort(reason), nil
		}
	}
	return false, nil, nil
}

// skip answers calls that will not run, keeping every call paired with a
// result.
func (t *turn) skip(calls []session.ToolCall, reason string) {
	for _, call := range calls {
		t.msgs = append(t.msgs, session.ToolResult(call, reason, true))
	}
}

// activate applies an invoke_skill result for the rest of the turn.
func (t *turn) activate(a *tools.SkillActivation) {
	t.dispatcher.Restrict(a.AllowedTools)
	if a.Model != "" {
		t.model = a.Model
	}
	t.logger.Info("skill activated", "skill", a.Name, "restricted", t.dispatcher.Restricted(), "model", t.model)
}

// repeatedFailure tracks consecutive rounds in which the same call failed
// and reports whether the cap was reached. The streak grows at most once per
// round. Any success resets it.
func (t *turn) repeatedFailure(call session.ToolCall, out *tools.Result) bool {
	if !out.IsError {
		t.failKey, t.failStreak, t.failRound = "", 0, 0
		return false
	}
	t.lastFailure = call.Name + ": " + firstLine(out.Content, 200)

	key := call.Name + "\x00" + canonicalArgs(call.Arguments)
	switch {
	case key != t.failKey:
		t.failKey, t.failStreak = key, 1
	case t.failRound != t.rounds:
		t.failStreak++
	}
	t.failRound = t.rounds

	limit := t.r.cfg.Runner.MaxRepeatFailures
	if limit <= 0 {
		limit = config.DefaultConfig().Runner.MaxRepeatFailures
	}
	return t.failStreak >= limit
}

func (t *turn) abort(reason string) *TurnResult {
	text := reason
	if summary := attemptSummary(t.usage, t.lastFailure); summary != "" {
		text += "\n\n" + summary
	}
	t.logger.Warn("turn aborted", "reason", reason, "rounds", t.rounds, "tool_calls", t.toolCalls)
	t.msgs = append(t.msgs, session.Assistant(text))
	t.sink.Emit(events.StageDone, "Stopped", reason)
	return t.result(OutcomeAborted, text)
}

func (t *turn) cancelled() *TurnResult {
	t.logger.Info("turn cancelled", "rounds", t.rounds, "tool_calls", t.toolCalls)
	t.sink.Emit(events.StageDone, "Cancelled", "")
	return t.result(OutcomeCancelled, "")
}

func (t *turn) result(outcome Outcome, text string) *TurnResult {
	return &TurnResult{
		RequestID:  t.id,
		Outcome:    outcome,
		Text:       text,
		ToolCalls:  t.toolCalls,
		Rounds:     t.rounds,
		Transcript: t.msgs,
	}
}

func sameHistory(a, b []session.Message) bool {
	return len(a) == len(b) && (len(a) == 0 || &a[0] == &b[0])
}
