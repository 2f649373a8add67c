// Package skills implements core.SkillLibrary: a read-only view over one or
// more directory roots of SKILL.md-manifested skill folders. Skills are
// indexed when the Loader is built and re-indexed in full on every watched
// directory event; discovery does not run per turn. Load reparses a manifest
// only when its file mtime has changed.
package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/nextlevelbuilder/goclaw/internal/core"
)

// frontmatter is the strict set of keys a SKILL.md manifest may declare.
type frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type entry struct {
	id    string
	path  string
	mtime int64
	doc   core.SkillDoc
}

// Loader indexes SKILL.md files under one or more roots, with earlier roots
// taking precedence on name collisions (matching the agent-workspace
// convention: per-agent skills shadow global ones). Parsed manifests are
// cached keyed by file mtime so repeated List/Load calls across turns avoid
// re-parsing unchanged files.
type Loader struct {
	roots []string

	mu      sync.RWMutex
	entries map[string]*entry // id -> entry

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewLoader builds a Loader over workspaceSkillsDir (the current agent's
// workspace-local "skills" directory) and globalSkillsDir (a shared
// directory consulted when a skill isn't found locally). extraRoot is an
// optional third root (e.g. a per-agent override directory); pass "" to
// omit it. Missing directories are tolerated — they simply contribute no
// skills.
func NewLoader(workspaceSkillsDir, globalSkillsDir, extraRoot string) *Loader {
	var roots []string
	for _, r := range []string{extraRoot, workspaceSkillsDir, globalSkillsDir} {
		if r != "" {
			roots = append(roots, r)
		}
	}
	l := &Loader{roots: roots, entries: make(map[string]*entry)}
	l.refresh()
	l.startWatch()
	return l
}

// Close stops the directory watch, if any.
func (l *Loader) Close() error {
	if l.watcher == nil {
		return nil
	}
	close(l.done)
	return l.watcher.Close()
}

// List returns metadata for every indexed skill (body omitted; call Load for
// the full markdown body).
func (l *Loader) List() []core.SkillDoc {
	l.mu.RLock()
	defer l.mu.RUnlock()
	docs := make([]core.SkillDoc, 0, len(l.entries))
	for _, e := range l.entries {
		meta := e.doc
		meta.Body = ""
		docs = append(docs, meta)
	}
	return docs
}

// Load returns the full skill (including markdown body), reparsing from
// disk only if the file's mtime has advanced since it was last indexed.
func (l *Loader) Load(id string) (*core.SkillDoc, error) {
	l.mu.RLock()
	e, ok := l.entries[id]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("skills: no skill named %q", id)
	}

	info, err := os.Stat(e.path)
	if err != nil {
		return nil, fmt.Errorf("skills: stat %s: %w", e.path, err)
	}
	mtime := info.ModTime().UnixNano()

	l.mu.RLock()
	stale := mtime != e.mtime
	l.mu.RUnlock()
	if stale {
		reloaded, err := parseSkillFile(e.path)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		e.mtime = mtime
		e.doc = reloaded
		l.mu.Unlock()
	}

	doc := e.doc
	return &doc, nil
}

// refresh performs a full rescan of all roots, reparsing every manifest and
// replacing the index. The initial build and every call from the watch
// goroutine do the same full walk.
func (l *Loader) refresh() {
	found := make(map[string]*entry)
	for _, root := range l.roots {
		walkSkillRoot(root, found)
	}
	l.mu.Lock()
	l.entries = found
	l.mu.Unlock()
}

func walkSkillRoot(root string, found map[string]*entry) {
	dirEntries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		id := de.Name()
		if _, exists := found[id]; exists {
			continue // earlier root wins
		}
		manifest := filepath.Join(root, id, "SKILL.md")
		info, err := os.Stat(manifest)
		if err != nil {
			continue
		}
		doc, err := parseSkillFile(manifest)
		if err != nil {
			continue
		}
		if doc.ID == "" {
			doc.ID = id
		}
		found[id] = &entry{id: id, path: manifest, mtime: info.ModTime().UnixNano(), doc: doc}
	}
}

func parseSkillFile(path string) (core.SkillDoc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return core.SkillDoc{}, fmt.Errorf("skills: read %s: %w", path, err)
	}
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return core.SkillDoc{}, fmt.Errorf("skills: %s missing YAML frontmatter", path)
	}
	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return core.SkillDoc{}, fmt.Errorf("skills: %s missing closing frontmatter delimiter", path)
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &fm); err != nil {
		return core.SkillDoc{}, fmt.Errorf("skills: %s frontmatter: %w", path, err)
	}

	body := strings.TrimSpace(strings.Join(lines[end+1:], "\n"))
	return core.SkillDoc{
		ID:          fm.Name,
		Name:        fm.Name,
		Description: fm.Description,
		Body:        body,
	}, nil
}

// startWatch installs an fsnotify watch over every root directory so
// additions/removals of skill folders invalidate the cache without a timed
// poll. A watch failure (e.g. inotify limits exhausted) degrades silently:
// List/Load keep serving the last successful refresh.
func (l *Loader) startWatch() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	for _, root := range l.roots {
		_ = w.Add(root)
	}
	l.watcher = w
	l.done = make(chan struct{})

	go func() {
		for {
			select {
			case <-l.done:
				return
			case _, ok := <-w.Events:
				if !ok {
					return
				}
				l.refresh()
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}
