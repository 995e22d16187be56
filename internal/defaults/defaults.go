// Package defaults provides embedded default configuration files and the
// built-in skills. They are copied to the platform data directory on first run
// or when reset is requested.
//
// Platform paths:
//
//	macOS:   ~/Library/Application Support/Glance/
//	Windows: %AppData%\Glance\
//	Linux:   ~/.config/glance/
//
// Override with GLANCE_DATA_DIR environment variable.
package defaults

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

//go:embed bundled
var defaultFiles embed.FS

const bundledRoot = "bundled"

// skillsRoot is the embedded directory holding built-in skills. It is not
// copied by EnsureDataDir; the skill registry materializes it into its own root.
const skillsRoot = bundledRoot + "/skills"

// DataDir returns the platform-appropriate data directory.
//
// Set GLANCE_DATA_DIR to override.
func DataDir() (string, error) {
	if dir := os.Getenv("GLANCE_DATA_DIR"); dir != "" {
		return dir, nil
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine config directory: %w", err)
	}

	// Linux: lowercase per XDG convention
	// macOS/Windows: title case per platform convention
	if runtime.GOOS == "linux" {
		return filepath.Join(configDir, "glance"), nil
	}
	return filepath.Join(configDir, "Glance"), nil
}

// EnsureDataDir creates the data directory if it doesn't exist
// and copies default files if they're missing.
func EnsureDataDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	if err := EnsureDir(dir); err != nil {
		return "", err
	}
	return dir, nil
}

// EnsureDir creates dir and copies missing default files into it.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return copyDefaults(dir, false)
}

// Reset replaces config files with defaults. Skills and the database are
// preserved.
func Reset(dir string) error {
	return copyDefaults(dir, true)
}

// copyDefaults copies embedded default files (excluding skills) to dir.
// If overwrite is true, existing files are replaced.
func copyDefaults(dir string, overwrite bool) error {
	return fs.WalkDir(defaultFiles, bundledRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == bundledRoot {
			return nil
		}
		if path == skillsRoot {
			return fs.SkipDir
		}

		// embed.FS always uses forward slashes, so TrimPrefix instead of filepath.Rel.
		relPath := strings.TrimPrefix(path, bundledRoot+"/")
		destPath := filepath.Join(dir, filepath.FromSlash(relPath))

		if d.IsDir() {
			return os.MkdirAll(destPath, 0755)
		}
		return writeEmbedded(path, destPath, overwrite)
	})
}

func writeEmbedded(src, dest string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(dest); err == nil {
			return nil
		}
	}

	data, err := defaultFiles.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read embedded %s: %w", src, err)
	}

	mode := os.FileMode(0644)
	if strings.HasSuffix(src, ".py") || strings.HasSuffix(src, ".sh") {
		mode = 0755
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(dest, data, mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	return nil
}

// GetDefault returns the content of a default file by name.
// Example: GetDefault("config.yaml")
func GetDefault(name string) ([]byte, error) {
	return defaultFiles.ReadFile(bundledRoot + "/" + name)
}

// ListDefaults returns the names of all default files, skills included.
func ListDefaults() ([]string, error) {
	var files []string
	err := fs.WalkDir(defaultFiles, bundledRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, strings.TrimPrefix(path, bundledRoot+"/"))
		}
		return nil
	})
	return files, err
}

// BuiltinSkills returns the embedded built-in skills, rooted so that each
// top-level entry is one skill directory.
func BuiltinSkills() fs.FS {
	sub, err := fs.Sub(defaultFiles, skillsRoot)
	if err != nil {
		// skillsRoot is a compile-time constant inside the embed.
		panic(err)
	}
	return sub
}
