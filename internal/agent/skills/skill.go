// Package skills manages skills: reusable procedures stored as directories
// under the skills root, each holding a SKILL.md file.
//
// SKILL.md uses YAML front matter for metadata and the markdown body as the
// instructions:
//
//	---
//	name: weekly-report
//	description: Summarize last week's screen activity
//	allowed-tools: read write bash
//	context: screen
//	---
//
//	# Weekly report
//
//	Instructions for the agent...
package skills

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// SkillFileName is the definition file inside each skill directory.
const SkillFileName = "SKILL.md"

// Context modes.
const (
	ContextScreen = "screen"
	ContextNone   = "none"
)

var (
	ErrNotFound    = errors.New("skill not found")
	ErrExists      = errors.New("skill already exists")
	ErrInvalidName = errors.New("invalid skill name")
	// ErrInvalid wraps other front matter validation failures.
	ErrInvalid = errors.New("invalid skill")
)

// Metadata is the front matter of a skill.
type Metadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// AllowedTools restricts the tools available while the skill runs. nil
	// means unrestricted; an empty list means no tools.
	AllowedTools           *[]string         `json:"allowed_tools,omitempty"`
	Model                  string            `json:"model,omitempty"`
	Context                string            `json:"context,omitempty"`
	UserInvocable          bool              `json:"user_invocable"`
	DisableModelInvocation bool              `json:"disable_model_invocation"`
	Metadata               map[string]string `json:"metadata,omitempty"`
}

// Skill is a fully loaded skill.
type Skill struct {
	Metadata
	Instructions string `json:"instructions"`
	Path         string `json:"path"`
}

// Overrides are optional front matter values applied on create or merged
// over the existing values on update. nil fields are left alone.
type Overrides struct {
	AllowedTools           *[]string
	Model                  *string
	Context                *string
	UserInvocable          *bool
	DisableModelInvocation *bool
	Metadata               map[string]string
}

// ValidateName checks the naming rule: 1 to 64 characters of lowercase
// letters, digits and hyphens, without a leading, trailing or doubled hyphen.
func ValidateName(name string) error {
	if name == "" || len(name) > 64 {
		return fmt.Errorf("%w: %q must be 1-64 characters", ErrInvalidName, name)
	}
	if strings.HasPrefix(name, "-") || strings.HasSuffix(name, "-") {
		return fmt.Errorf("%w: %q must not start or end with a hyphen", ErrInvalidName, name)
	}
	if strings.Contains(name, "--") {
		return fmt.Errorf("%w: %q must not contain consecutive hyphens", ErrInvalidName, name)
	}
	for _, c := range name {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
			return fmt.Errorf("%w: %q may only contain lowercase letters, digits and hyphens", ErrInvalidName, name)
		}
	}
	return nil
}

func validateContext(c string) error {
	switch c {
	case "", ContextScreen, ContextNone:
		return nil
	}
	return fmt.Errorf("%w: context must be %q or %q, got %q", ErrInvalid, ContextScreen, ContextNone, c)
}

// toolList accepts either a YAML list or a string separated by spaces or
// commas, and is written back as a space-separated string.
type toolList []string

func (l *toolList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*l = splitTools(value.Value)
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		out := toolList{}
		for _, item := range items {
			out = append(out, splitTools(item)...)
		}
		*l = out
		return nil
	}
	return fmt.Errorf("allowed-tools must be a string or a list")
}

func (l toolList) MarshalYAML() (any, error) {
	return strings.Join(l, " "), nil
}

func splitTools(s string) toolList {
	out := toolList{}
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' }) {
		out = append(out, f)
	}
	return out
}

type frontMatter struct {
	Name                   string            `yaml:"name"`
	Description            string            `yaml:"description"`
	AllowedTools           *toolList         `yaml:"allowed-tools,omitempty"`
	Model                  string            `yaml:"model,omitempty"`
	Context                string            `yaml:"context,omitempty"`
	UserInvocable          *bool             `yaml:"user-invocable,omitempty"`
	DisableModelInvocation *bool             `yaml:"disable-model-invocation,omitempty"`
	Metadata               map[string]string `yaml:"metadata,omitempty"`
}

func (fm *frontMatter) metadata() Metadata {
	m := Metadata{
		Name:          fm.Name,
		Description:   fm.Description,
		Model:         fm.Model,
		Context:       fm.Context,
		UserInvocable: true,
		Metadata:      fm.Metadata,
	}
	if fm.AllowedTools != nil {
		tools := []string(*fm.AllowedTools)
		m.AllowedTools = &tools
	}
	if fm.UserInvocable != nil {
		m.UserInvocable = *fm.UserInvocable
	}
	if fm.DisableModelInvocation != nil {
		m.DisableModelInvocation = *fm.DisableModelInvocation
	}
	return m
}

func frontMatterFrom(m Metadata) frontMatter {
	fm := frontMatter{
		Name:        m.Name,
		Description: m.Description,
		Model:       m.Model,
		Context:     m.Context,
		Metadata:    m.Metadata,
	}
	if m.AllowedTools != nil {
		tools := toolList(*m.AllowedTools)
		fm.AllowedTools = &tools
	}
	if !m.UserInvocable {
		f := false
		fm.UserInvocable = &f
	}
	if m.DisableModelInvocation {
		t := true
		fm.DisableModelInvocation = &t
	}
	return fm
}

// Parse parses a complete SKILL.md.
func Parse(data []byte) (*Skill, error) {
	header, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}
	var fm frontMatter
	if err := yaml.Unmarshal(header, &fm); err != nil {
		return nil, fmt.Errorf("failed to parse front matter: %w", err)
	}
	if fm.Name == "" {
		return nil, errors.New("front matter is missing name")
	}
	return &Skill{
		Metadata:     fm.metadata(),
		Instructions: string(bytes.TrimSpace(body)),
	}, nil
}

// ParseHeader reads only the front matter, stopping at the closing marker
// so the body is never read.
func ParseHeader(r io.Reader) (*Metadata, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	started := false
	var header bytes.Buffer
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if !started {
			if strings.TrimSpace(line) == "" {
				continue
			}
			if strings.TrimSpace(line) != "---" {
				return nil, errors.New("SKILL.md must start with --- (YAML front matter)")
			}
			started = true
			continue
		}
		if strings.TrimSpace(line) == "---" {
			var fm frontMatter
			if err := yaml.Unmarshal(header.Bytes(), &fm); err != nil {
				return nil, fmt.Errorf("failed to parse front matter: %w", err)
			}
			if fm.Name == "" {
				return nil, errors.New("front matter is missing name")
			}
			m := fm.metadata()
			return &m, nil
		}
		header.WriteString(line)
		header.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("SKILL.md missing closing --- for front matter")
}

// Render serializes a skill back to SKILL.md form.
func Render(s *Skill) ([]byte, error) {
	fm := frontMatterFrom(s.Metadata)
	header, err := yaml.Marshal(&fm)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(header)
	buf.WriteString("---\n\n")
	buf.WriteString(strings.TrimSpace(s.Instructions))
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

// splitFrontmatter separates the YAML front matter from the markdown body.
func splitFrontmatter(data []byte) (frontmatter []byte, body []byte, err error) {
	data = bytes.TrimLeft(data, " \t\r\n")
	if !bytes.HasPrefix(data, []byte("---")) {
		return nil, nil, errors.New("SKILL.md must start with --- (YAML front matter)")
	}

	rest := bytes.TrimLeft(data[3:], " \t")
	if len(rest) > 0 && rest[0] == '\n' {
		rest = rest[1:]
	} else if len(rest) > 1 && rest[0] == '\r' && rest[1] == '\n' {
		rest = rest[2:]
	}

	// An empty header closes immediately.
	if bytes.HasPrefix(rest, []byte("---")) {
		return nil, rest[3:], nil
	}
	closing := bytes.Index(rest, []byte("\n---"))
	if closing == -1 {
		return nil, nil, errors.New("SKILL.md missing closing --- for front matter")
	}
	return rest[:closing], rest[closing+4:], nil
}
