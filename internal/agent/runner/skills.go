package runner

import (
	"errors"

	"github.com/neboloop/glance/internal/agent/skills"
)

var errNoSkills = errors.New("skills are not enabled")

// Skills returns the registry the runner uses, or nil.
func (r *Runner) Skills() *skills.Registry { return r.skills }

// ListSkills returns the cached skill snapshot.
func (r *Runner) ListSkills() ([]skills.Metadata, error) {
	if r.skills == nil {
		return nil, errNoSkills
	}
	return r.skills.Snapshot()
}

func (r *Runner) LoadSkill(name string) (*skills.Skill, error) {
	if r.skills == nil {
		return nil, errNoSkills
	}
	return r.skills.Load(name)
}

func (r *Runner) CreateSkill(name, description, instructions string, o skills.Overrides) (*skills.Skill, error) {
	if r.skills == nil {
		return nil, errNoSkills
	}
	return r.skills.Create(name, description, instructions, o)
}

func (r *Runner) UpdateSkill(name, description, instructions string, o skills.Overrides) (*skills.Skill, error) {
	if r.skills == nil {
		return nil, errNoSkills
	}
	return r.skills.Update(name, description, instructions, o)
}

func (r *Runner) DeleteSkill(name string) error {
	if r.skills == nil {
		return errNoSkills
	}
	return r.skills.Delete(name)
}
