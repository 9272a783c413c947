// Package skills loads markdown skill files and renders the prompt prelude
// the agent carries. Small skill sets are inlined in full; larger ones
// collapse to a name-and-description index.
package skills

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Inline limits: past either one the prelude switches to the summary form.
const (
	inlineMaxSkills = 20
	inlineMaxTokens = 3500
)

// Skill is one loaded skill file.
type Skill struct {
	Name        string
	Description string
	Content     string
	Path        string
}

// Loader scans one or more directories for *.md skill files.
type Loader struct {
	dirs []string

	mu     sync.RWMutex
	skills map[string]Skill
}

func NewLoader(dirs ...string) *Loader {
	l := &Loader{dirs: dirs, skills: make(map[string]Skill)}
	l.Reload()
	return l
}

// Reload rescans every directory, replacing the loaded set.
func (l *Loader) Reload() {
	loaded := make(map[string]Skill)
	for _, dir := range l.dirs {
		if dir == "" {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue // missing dir is fine
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
				continue
			}
			path := filepath.Join(dir, e.Name())
			skill, err := parseSkillFile(path)
			if err != nil {
				slog.Warn("skills: unreadable skill file", "path", path, "error", err)
				continue
			}
			loaded[skill.Name] = skill
		}
	}

	l.mu.Lock()
	l.skills = loaded
	l.mu.Unlock()
	slog.Debug("skills: reloaded", "count", len(loaded))
}

// List returns all skills sorted by name.
func (l *Loader) List() []Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Skill, 0, len(l.skills))
	for _, s := range l.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns one skill by name.
func (l *Loader) Get(name string) (Skill, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.skills[name]
	return s, ok
}

// Prelude renders the system-prompt section. Returns "" with no skills.
func (l *Loader) Prelude() string {
	skills := l.List()
	if len(skills) == 0 {
		return ""
	}

	if len(skills) <= inlineMaxSkills {
		var b strings.Builder
		b.WriteString("# Skills\n")
		total := 0
		for _, s := range skills {
			total += len(s.Content) / 4
			fmt.Fprintf(&b, "\n## %s\n%s\n", s.Name, s.Content)
		}
		if total <= inlineMaxTokens {
			return b.String()
		}
	}

	// Too large to inline: index only.
	var b strings.Builder
	b.WriteString("# Skills (index)\n")
	for _, s := range skills {
		fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
	}
	return b.String()
}

// parseSkillFile reads one markdown file. An optional leading frontmatter
// block supplies name and description; otherwise the filename and the first
// non-heading line stand in.
func parseSkillFile(path string) (Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Skill{}, err
	}

	s := Skill{
		Name: strings.TrimSuffix(filepath.Base(path), ".md"),
		Path: path,
	}
	content := string(data)

	if rest, ok := strings.CutPrefix(content, "---\n"); ok {
		if front, body, found := strings.Cut(rest, "\n---\n"); found {
			for _, line := range strings.Split(front, "\n") {
				key, val, ok := strings.Cut(line, ":")
				if !ok {
					continue
				}
				switch strings.TrimSpace(key) {
				case "name":
					s.Name = strings.TrimSpace(val)
				case "description":
					s.Description = strings.TrimSpace(val)
				}
			}
			content = body
		}
	}

	s.Content = strings.TrimSpace(content)
	if s.Description == "" {
		for _, line := range strings.Split(s.Content, "\n") {
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasPrefix(line, "#") {
				s.Description = line
				break
			}
		}
	}
	return s, nil
}
