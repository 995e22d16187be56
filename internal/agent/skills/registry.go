package skills

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/neboloop/glance/internal/logging"
)

const defaultDebounce = 250 * time.Millisecond

// Registry discovers, loads and manages skills under one root directory.
// Discovery results are cached and re-scanned only after the version counter
// moves, which happens on management operations and on watched file changes.
type Registry struct {
	root   string
	logger *slog.Logger

	version atomic.Uint64

	snapMu      sync.Mutex
	snapVersion uint64
	snapshot    []Metadata

	writeMu sync.Mutex // serializes create, update and delete

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
	debounce    time.Duration
	onChange    func(version uint64)
}

// NewRegistry creates a registry rooted at root. The directory does not have
// to exist yet.
func NewRegistry(root string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = logging.With("component", "skills")
	}
	r := &Registry{root: root, logger: logger, debounce: defaultDebounce}
	r.version.Store(1)
	return r
}

// Root returns the skills directory.
func (r *Registry) Root() string { return r.root }

// Version returns the current version counter.
func (r *Registry) Version() uint64 { return r.version.Load() }

// Invalidate bumps the version so the next Snapshot re-scans.
func (r *Registry) Invalidate() uint64 { return r.version.Add(1) }

// OnChange sets a callback run after a debounced filesystem change.
func (r *Registry) OnChange(fn func(version uint64)) {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	r.onChange = fn
}

// Discover scans the immediate subdirectories of the root and returns the
// front matter of every valid skill, sorted by name. Directories whose
// declared name differs from the directory name are skipped and logged.
func (r *Registry) Discover() ([]Metadata, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read skills directory: %w", err)
	}

	var out []Metadata
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		file := filepath.Join(r.root, e.Name(), SkillFileName)
		f, err := os.Open(file)
		if err != nil {
			continue
		}
		meta, err := ParseHeader(f)
		f.Close()
		if err != nil {
			r.logger.Warn("skipping skill with unreadable front matter", "dir", e.Name(), "error", err)
			continue
		}
		if meta.Name != e.Name() {
			r.logger.Warn("skipping skill whose name does not match its directory", "name", meta.Name, "dir", e.Name())
			continue
		}
		out = append(out, *meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Snapshot returns the cached discovery result, re-scanning only when the
// version has moved since the last scan.
func (r *Registry) Snapshot() ([]Metadata, error) {
	r.snapMu.Lock()
	defer r.snapMu.Unlock()

	current := r.version.Load()
	if r.snapVersion == current && r.snapshot != nil {
		return r.snapshot, nil
	}
	list, err := r.Discover()
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []Metadata{}
	}
	r.snapshot = list
	r.snapVersion = current
	return list, nil
}

// Load validates name and parses the skill's full definition.
func (r *Registry) Load(name string) (*Skill, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	file := filepath.Join(r.root, name, SkillFileName)
	data, err := os.ReadFile(file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("skill %q: %w", name, ErrNotFound)
		}
		return nil, err
	}
	skill, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("skill %q: %w", name, err)
	}
	if skill.Name != name {
		return nil, fmt.Errorf("skill %q declares name %q", name, skill.Name)
	}
	skill.Path = file
	return skill, nil
}

// Create writes a new skill. It fails if the skill directory exists.
func (r *Registry) Create(name, description, instructions string, o Overrides) (*Skill, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if strings.TrimSpace(description) == "" {
		return nil, fmt.Errorf("%w: description is required", ErrInvalid)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	dir := filepath.Join(r.root, name)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("skill %q: %w", name, ErrExists)
	}

	skill := &Skill{
		Metadata: Metadata{
			Name:          name,
			Description:   strings.TrimSpace(description),
			UserInvocable: true,
		},
		Instructions: instructions,
	}
	if err := applyOverrides(&skill.Metadata, o); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create skill directory: %w", err)
	}
	if err := r.write(dir, skill); err != nil {
		return nil, err
	}
	r.logger.Info("skill created", "name", name)
	return skill, nil
}

// Update rewrites an existing skill. Empty description or instructions keep
// the current values; overrides are merged over the current front matter.
func (r *Registry) Update(name, description, instructions string, o Overrides) (*Skill, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	dir := filepath.Join(r.root, name)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("skill %q: %w", name, ErrNotFound)
	}

	skill, err := r.Load(name)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		// The directory exists without a definition; start fresh.
		skill = &Skill{Metadata: Metadata{Name: name, UserInvocable: true}}
	}
	if d := strings.TrimSpace(description); d != "" {
		skill.Description = d
	}
	if strings.TrimSpace(instructions) != "" {
		skill.Instructions = instructions
	}
	if skill.Description == "" {
		return nil, fmt.Errorf("%w: description is required", ErrInvalid)
	}
	if err := applyOverrides(&skill.Metadata, o); err != nil {
		return nil, err
	}
	if err := r.write(dir, skill); err != nil {
		return nil, err
	}
	r.logger.Info("skill updated", "name", name)
	return skill, nil
}

// Delete removes a skill's directory tree.
func (r *Registry) Delete(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	dir := filepath.Join(r.root, name)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("skill %q: %w", name, ErrNotFound)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete skill %q: %w", name, err)
	}
	r.Invalidate()
	r.logger.Info("skill deleted", "name", name)
	return nil
}

func (r *Registry) write(dir string, skill *Skill) error {
	skill.Instructions = withResources(skill.Instructions)
	data, err := Render(skill)
	if err != nil {
		return fmt.Errorf("render SKILL.md: %w", err)
	}
	file := filepath.Join(dir, SkillFileName)
	if err := os.WriteFile(file, data, 0644); err != nil {
		return fmt.Errorf("write SKILL.md: %w", err)
	}
	if err := scaffold(dir); err != nil {
		return fmt.Errorf("scaffold skill directories: %w", err)
	}
	skill.Path = file
	r.Invalidate()
	return nil
}

func applyOverrides(m *Metadata, o Overrides) error {
	if o.AllowedTools != nil {
		tools := append([]string{}, (*o.AllowedTools)...)
		m.AllowedTools = &tools
	}
	if o.Model != nil {
		m.Model = strings.TrimSpace(*o.Model)
	}
	if o.Context != nil {
		if err := validateContext(*o.Context); err != nil {
			return err
		}
		m.Context = *o.Context
	}
	if o.UserInvocable != nil {
		m.UserInvocable = *o.UserInvocable
	}
	if o.DisableModelInvocation != nil {
		m.DisableModelInvocation = *o.DisableModelInvocation
	}
	if len(o.Metadata) > 0 {
		merged := make(map[string]string, len(m.Metadata)+len(o.Metadata))
		for k, v := range m.Metadata {
			merged[k] = v
		}
		for k, v := range o.Metadata {
			merged[k] = v
		}
		m.Metadata = merged
	}
	return nil
}

// EnsureBuiltins copies the skills in src into the root without overwriting
// existing files. It returns the number of files written.
func (r *Registry) EnsureBuiltins(src fs.FS) (int, error) {
	written := 0
	err := fs.WalkDir(src, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		target := filepath.Join(r.root, filepath.FromSlash(p))
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if _, err := os.Stat(target); err == nil {
			return nil
		}
		data, err := fs.ReadFile(src, p)
		if err != nil {
			return err
		}
		mode := os.FileMode(0644)
		if ext := path.Ext(p); ext == ".py" || ext == ".sh" {
			mode = 0755
		}
		if err := os.WriteFile(target, data, mode); err != nil {
			return err
		}
		written++
		return nil
	})
	if err != nil {
		return written, fmt.Errorf("install built-in skills: %w", err)
	}
	if written > 0 {
		r.Invalidate()
		r.logger.Debug("installed built-in skill files", "count", written)
	}
	return written, nil
}

// Catalogue renders the skills the model may invoke as a prompt block.
// It returns "" when there are none.
func (r *Registry) Catalogue() string {
	list, err := r.Snapshot()
	if err != nil {
		r.logger.Warn("skill discovery failed", "error", err)
		return ""
	}
	var sb strings.Builder
	for _, m := range list {
		if m.DisableModelInvocation {
			continue
		}
		fmt.Fprintf(&sb, "- %s: %s\n", m.Name, m.Description)
	}
	if sb.Len() == 0 {
		return ""
	}
	return "## Available skills\n\nRun one with invoke_skill when the request matches its description.\n\n" + sb.String()
}

// Watch starts watching the root and each skill directory. Changes bump the
// version after a short debounce.
func (r *Registry) Watch(ctx context.Context) error {
	r.watchMu.Lock()
	if r.watcher != nil {
		r.watchMu.Unlock()
		return nil
	}
	if err := os.MkdirAll(r.root, 0755); err != nil {
		r.watchMu.Unlock()
		return fmt.Errorf("create skills directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.watchMu.Unlock()
		return err
	}
	r.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	r.watchCancel = cancel
	r.watchMu.Unlock()

	r.addWatch(r.root)
	if entries, err := os.ReadDir(r.root); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				r.addWatch(filepath.Join(r.root, e.Name()))
			}
		}
	}

	r.watchWg.Add(1)
	go r.watchLoop(watchCtx, watcher)
	return nil
}

func (r *Registry) addWatch(dir string) {
	r.watchMu.Lock()
	w := r.watcher
	r.watchMu.Unlock()
	if w == nil {
		return
	}
	if err := w.Add(dir); err != nil {
		r.logger.Debug("could not watch directory", "dir", dir, "error", err)
	}
}

func (r *Registry) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer r.watchWg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleBump := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(r.debounce, func() {
			v := r.Invalidate()
			r.logger.Debug("skills changed on disk", "version", v)
			r.watchMu.Lock()
			fn := r.onChange
			r.watchMu.Unlock()
			if fn != nil {
				fn(v)
			}
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 && filepath.Dir(event.Name) == filepath.Clean(r.root) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					r.addWatch(event.Name)
				}
			}
			scheduleBump()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("skill watch error", "error", err)
		}
	}
}

// Close stops the watcher.
func (r *Registry) Close() error {
	r.watchMu.Lock()
	if r.watchCancel != nil {
		r.watchCancel()
		r.watchCancel = nil
	}
	watcher := r.watcher
	r.watcher = nil
	r.watchMu.Unlock()

	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	r.watchWg.Wait()
	return err
}
