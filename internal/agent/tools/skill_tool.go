package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/neboloop/glance/internal/agent/skills"
)

// SkillStore is the part of the skill registry the skill tools use.
type SkillStore interface {
	Load(name string) (*skills.Skill, error)
	Create(name, description, instructions string, o skills.Overrides) (*skills.Skill, error)
	Update(name, description, instructions string, o skills.Overrides) (*skills.Skill, error)
	Delete(name string) error
}

// InvokeSkillInput are the arguments of invoke_skill.
type InvokeSkillInput struct {
	SkillName string `json:"skill_name" jsonschema_description:"Name of the skill to run" jsonschema:"minLength=1"`
	Args      string `json:"args,omitempty" jsonschema_description:"Arguments; quoted strings count as one argument"`
}

// InvokeSkillTool loads a skill and returns its instructions with arguments
// substituted.
type InvokeSkillTool struct {
	store SkillStore
}

func NewInvokeSkillTool(store SkillStore) *InvokeSkillTool {
	return &InvokeSkillTool{store: store}
}

func (t *InvokeSkillTool) Name() string { return "invoke_skill" }

func (t *InvokeSkillTool) Description() string {
	return `Run a skill from the available skills list. Returns the skill's instructions; follow them with the other tools. $1, $2 and $ARGUMENTS in the instructions are replaced by args.

Example:
  invoke_skill(skill_name: "weekly-report", args: "'last week' markdown")`
}

func (t *InvokeSkillTool) Schema() json.RawMessage { return schemaOf(&InvokeSkillInput{}) }

func (t *InvokeSkillTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var in InvokeSkillInput
	if err := decode(input, &in); err != nil {
		return fail("Error: %v", err), nil
	}
	skill, err := t.store.Load(in.SkillName)
	if err != nil {
		return fail("Error: %v", err), nil
	}
	if skill.DisableModelInvocation {
		return fail("Error: skill %q can only be started by the user", skill.Name), nil
	}

	instructions, err := SubstituteArgs(skill.Instructions, in.Args)
	if err != nil {
		return fail("Error: %v", err), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "<skill name=%q dir=%q>\n", skill.Name, filepath.Dir(skill.Path))
	sb.WriteString(instructions)
	sb.WriteString("\n</skill>")
	if skill.AllowedTools != nil {
		fmt.Fprintf(&sb, "\nOnly these tools are available while this skill runs: %s", strings.Join(*skill.AllowedTools, ", "))
	}

	res := ok(sb.String())
	res.Skill = &SkillActivation{
		Name:         skill.Name,
		AllowedTools: skill.AllowedTools,
		Model:        skill.Model,
		Context:      skill.Context,
	}
	return res, nil
}

var placeholder = regexp.MustCompile(`\$(ARGUMENTS|\d+)`)

// SubstituteArgs replaces $ARGUMENTS with the whole argument string and $N
// with the Nth shell-tokenized argument. Missing positions become empty.
// When the instructions have no placeholders, non-empty args are appended.
func SubstituteArgs(instructions, args string) (string, error) {
	args = strings.TrimSpace(args)
	tokens, err := shellwords.Parse(args)
	if err != nil {
		return "", fmt.Errorf("cannot parse args: %w", err)
	}

	hasPlaceholder := placeholder.MatchString(instructions)
	// One pass over the instructions so placeholders inside args stay literal.
	out := placeholder.ReplaceAllStringFunc(instructions, func(m string) string {
		if m == "$ARGUMENTS" {
			return args
		}
		n, err := strconv.Atoi(m[1:])
		if err != nil || n < 1 || n > len(tokens) {
			return ""
		}
		return tokens[n-1]
	})
	if !hasPlaceholder && args != "" {
		out += "\n\nARGUMENTS: " + args
	}
	return out, nil
}

// ManageSkillInput are the arguments of manage_skill.
type ManageSkillInput struct {
	Action                 string            `json:"action" jsonschema:"enum=create,enum=update,enum=delete"`
	Name                   string            `json:"name" jsonschema_description:"Skill name: lowercase letters, digits and single hyphens" jsonschema:"minLength=1,maxLength=64"`
	Description            string            `json:"description,omitempty" jsonschema_description:"One-line summary shown in the skills list"`
	Instructions           string            `json:"instructions,omitempty" jsonschema_description:"Markdown body of SKILL.md"`
	AllowedTools           *[]string         `json:"allowed_tools,omitempty" jsonschema_description:"Tools the skill may use; empty list means none"`
	Model                  string            `json:"model,omitempty"`
	Context                string            `json:"context,omitempty" jsonschema:"enum=screen,enum=none"`
	UserInvocable          *bool             `json:"user_invocable,omitempty"`
	DisableModelInvocation *bool             `json:"disable_model_invocation,omitempty"`
	Metadata               map[string]string `json:"metadata,omitempty"`
}

// ManageSkillTool creates, updates and deletes skills.
type ManageSkillTool struct {
	store SkillStore
}

func NewManageSkillTool(store SkillStore) *ManageSkillTool {
	return &ManageSkillTool{store: store}
}

func (t *ManageSkillTool) Name() string { return "manage_skill" }

func (t *ManageSkillTool) Description() string {
	return `Create, update or delete a skill. A skill is a directory holding SKILL.md plus scripts/, references/ and assets/.

Examples:
  manage_skill(action: "create", name: "weekly-report", description: "Summarize last week's screen activity", instructions: "# Weekly report\n...")
  manage_skill(action: "update", name: "weekly-report", allowed_tools: ["read", "write"])
  manage_skill(action: "delete", name: "weekly-report")`
}

func (t *ManageSkillTool) Schema() json.RawMessage { return schemaOf(&ManageSkillInput{}) }

func (t *ManageSkillTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var in ManageSkillInput
	if err := decode(input, &in); err != nil {
		return fail("Error: %v", err), nil
	}

	o := skills.Overrides{
		AllowedTools:           in.AllowedTools,
		UserInvocable:          in.UserInvocable,
		DisableModelInvocation: in.DisableModelInvocation,
		Metadata:               in.Metadata,
	}
	if in.Model != "" {
		o.Model = &in.Model
	}
	if in.Context != "" {
		o.Context = &in.Context
	}

	switch in.Action {
	case "create":
		if strings.TrimSpace(in.Description) == "" || strings.TrimSpace(in.Instructions) == "" {
			return fail("Error: create requires description and instructions"), nil
		}
		skill, err := t.store.Create(in.Name, in.Description, in.Instructions, o)
		if err != nil {
			return fail("Error: %v", err), nil
		}
		return ok(fmt.Sprintf("Created skill %q at %s", skill.Name, filepath.Dir(skill.Path))), nil

	case "update":
		skill, err := t.store.Update(in.Name, in.Description, in.Instructions, o)
		if err != nil {
			return fail("Error: %v", err), nil
		}
		return ok(fmt.Sprintf("Updated skill %q", skill.Name)), nil

	case "delete":
		if err := t.store.Delete(in.Name); err != nil {
			if errors.Is(err, skills.ErrNotFound) {
				return fail("Error: skill %q does not exist", in.Name), nil
			}
			return fail("Error: %v", err), nil
		}
		return ok(fmt.Sprintf("Deleted skill %q", in.Name)), nil

	default:
		return fail("Error: unknown action %q (use create, update or delete)", in.Action), nil
	}
}
