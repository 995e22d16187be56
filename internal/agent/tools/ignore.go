package tools

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// ignoreRules accumulates .gitignore patterns while walking a tree. Patterns
// carry the domain of the directory they came from, so one matcher covers
// nested .gitignore files.
type ignoreRules struct {
	patterns []gitignore.Pattern
	matcher  gitignore.Matcher
}

// load reads dir/.gitignore, if present. rel is dir relative to the walk
// root in slash form ("" or "." for the root itself).
func (r *ignoreRules) load(dir, rel string) {
	f, err := os.Open(filepath.Join(dir, ".gitignore"))
	if err != nil {
		return
	}
	defer f.Close()

	domain := splitPath(rel)
	added := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		r.patterns = append(r.patterns, gitignore.ParsePattern(line, domain))
		added = true
	}
	if added {
		r.matcher = gitignore.NewMatcher(r.patterns)
	}
}

// ignored reports whether the slash-relative path is excluded.
func (r *ignoreRules) ignored(rel string, isDir bool) bool {
	if r.matcher == nil {
		return false
	}
	return r.matcher.Match(splitPath(rel), isDir)
}

// splitPath splits a path into segments, dropping empty and "." parts.
func splitPath(path string) []string {
	var segments []string
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part != "" && part != "." {
			segments = append(segments, part)
		}
	}
	return segments
}
