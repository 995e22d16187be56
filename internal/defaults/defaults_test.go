package defaults

import (
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestListDefaults(t *testing.T) {
	files, err := ListDefaults()
	if err != nil {
		t.Fatalf("ListDefaults failed: %v", err)
	}

	expected := []string{"config.yaml", "skills/skill-creator/SKILL.md", "skills/skill-creator/scripts/init_skill.py"}
	for _, exp := range expected {
		if !slices.Contains(files, exp) {
			t.Errorf("Expected file %s not found in %v", exp, files)
		}
	}
}

func TestGetDefault(t *testing.T) {
	content, err := GetDefault("config.yaml")
	if err != nil {
		t.Fatalf("GetDefault failed: %v", err)
	}
	if len(content) == 0 {
		t.Error("config.yaml content is empty")
	}
}

func TestDataDirOverride(t *testing.T) {
	want := t.TempDir()
	t.Setenv("GLANCE_DATA_DIR", want)

	dir, err := DataDir()
	if err != nil {
		t.Fatalf("DataDir failed: %v", err)
	}
	if dir != want {
		t.Errorf("Expected %s, got %s", want, dir)
	}
}

func TestEnsureDirSkipsSkills(t *testing.T) {
	dir := t.TempDir()
	if err := EnsureDir(dir); err != nil {
		t.Fatalf("EnsureDir failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "config.yaml")); err != nil {
		t.Errorf("config.yaml was not copied: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "skills")); !os.IsNotExist(err) {
		t.Errorf("skills should not be copied by EnsureDir, stat err = %v", err)
	}
}

func TestEnsureDirPreservesEdits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := EnsureDir(dir); err != nil {
		t.Fatalf("EnsureDir failed: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "log_level: debug\n" {
		t.Errorf("user edit overwritten: %q", data)
	}

	if err := Reset(dir); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	data, _ = os.ReadFile(path)
	if string(data) == "log_level: debug\n" {
		t.Error("Reset did not restore default config")
	}
}

func TestBuiltinSkills(t *testing.T) {
	data, err := fs.ReadFile(BuiltinSkills(), "skill-creator/SKILL.md")
	if err != nil {
		t.Fatalf("read built-in skill: %v", err)
	}
	if len(data) == 0 {
		t.Error("built-in skill is empty")
	}
}
