package skills

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// resourceDirs are the conventional subdirectories of every skill.
var resourceDirs = []string{"scripts", "references", "assets"}

const resourcesSection = `## Resources

This skill's directory may contain:

- ` + "`scripts/`" + `: executable helpers (Python, shell). Run them with the bash tool using the skill directory as cwd.
- ` + "`references/`" + `: documentation to read into context only when needed.
- ` + "`assets/`" + `: templates, images and other files used in the output.
`

// hasResources reports whether the instructions already document the
// resource directories, either under a "Resources" heading or by naming all
// three of them.
func hasResources(instructions string) bool {
	mentionsAll := true
	for _, d := range resourceDirs {
		if !strings.Contains(instructions, d+"/") {
			mentionsAll = false
			break
		}
	}
	if mentionsAll {
		return true
	}

	src := []byte(instructions)
	doc := goldmark.DefaultParser().Parse(text.NewReader(src))
	found := false
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if h, ok := n.(*ast.Heading); ok {
			title := strings.ToLower(strings.TrimSpace(nodeText(h, src)))
			if title == "resources" || title == "资源" || strings.HasPrefix(title, "resources ") {
				found = true
				return ast.WalkStop, nil
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return found
}

func nodeText(n ast.Node, src []byte) string {
	var sb strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch t := c.(type) {
		case *ast.Text:
			sb.Write(t.Segment.Value(src))
		case *ast.String:
			sb.Write(t.Value)
		default:
			sb.WriteString(nodeText(c, src))
		}
	}
	return sb.String()
}

// withResources appends the Resources section when it is missing.
func withResources(instructions string) string {
	instructions = strings.TrimSpace(instructions)
	if hasResources(instructions) {
		return instructions
	}
	if instructions == "" {
		return resourcesSection
	}
	return instructions + "\n\n" + resourcesSection
}

// scaffold creates the resource directories under dir, dropping a
// placeholder into any that is empty so the layout survives copying.
func scaffold(dir string) error {
	for _, name := range resourceDirs {
		sub := filepath.Join(dir, name)
		if err := os.MkdirAll(sub, 0755); err != nil {
			return err
		}
		entries, err := os.ReadDir(sub)
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			continue
		}
		if err := os.WriteFile(filepath.Join(sub, ".gitkeep"), nil, 0644); err != nil {
			return err
		}
	}
	return nil
}
