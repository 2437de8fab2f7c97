//go:build !no_automation

package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

var (
	// ErrScriptNotFound is returned when no script file exists for an ID.
	ErrScriptNotFound = errors.New("script not found")
	// ErrInvalidScriptID is returned for IDs that are not safe file names.
	ErrInvalidScriptID = errors.New("invalid script id")
)

const scriptExt = ".lua"

// validScriptID checks that a script ID is safe to use as a filename component.
func validScriptID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, "/\\") && !strings.Contains(id, "..")
}

// Manager loads, saves and lists automation scripts in a directory.
//
// File layout: an optional first line "-- {json metadata}" followed by the
// Lua source.
type Manager struct {
	dir    string
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewManager creates a script manager rooted at dir, creating it if needed.
func NewManager(dir string, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}
	return &Manager{dir: dir, logger: logger.With("component", "scripts")}, nil
}

// Dir returns the scripts directory.
func (m *Manager) Dir() string { return m.dir }

// List returns all scripts in the directory. Unreadable files are skipped.
func (m *Manager) List() ([]*Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read scripts dir: %w", err)
	}

	scripts := make([]*Script, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), scriptExt) {
			continue
		}
		s, err := m.parseFile(filepath.Join(m.dir, e.Name()))
		if err != nil {
			m.logger.Warn("skip script", "file", e.Name(), "err", err)
			continue
		}
		scripts = append(scripts, s)
	}
	return scripts, nil
}

// Get returns a single script by ID.
func (m *Manager) Get(id string) (*Script, error) {
	if !validScriptID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScriptID, id)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.parseFile(m.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, id)
	}
	return s, err
}

// Save writes a script to disk. A script without an ID gets one derived
// from its name, made unique within the directory. The file is replaced
// atomically so the watcher never reads a partial script.
func (m *Manager) Save(s *Script) (*Script, error) {
	if s.ID != "" && !validScriptID(s.ID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScriptID, s.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = m.uniqueID(slugify(s.Meta.Name))
	}
	s.FilePath = m.path(s.ID)
	if err := writeFileAtomic(s.FilePath, []byte(serializeScript(s))); err != nil {
		return nil, fmt.Errorf("write script %s: %w", s.ID, err)
	}
	m.logger.Debug("script saved", "id", s.ID, "enabled", s.Meta.Enabled)
	return s, nil
}

// uniqueID returns base, or base_N for the first N without a file.
// Must be called with m.mu held.
func (m *Manager) uniqueID(base string) string {
	if base == "" {
		base = "script"
	}
	id := base
	for i := 1; ; i++ {
		if _, err := os.Stat(m.path(id)); errors.Is(err, fs.ErrNotExist) {
			return id
		}
		id = fmt.Sprintf("%s_%d", base, i)
	}
}

// writeFileAtomic writes data next to path and renames it into place.
// The temporary name does not end in the script extension, so directory
// scans and the watcher ignore it.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Delete removes a script file by ID.
func (m *Manager) Delete(id string) error {
	if !validScriptID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidScriptID, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.path(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrScriptNotFound, id)
		}
		return fmt.Errorf("delete script: %w", err)
	}
	return nil
}

func (m *Manager) path(id string) string {
	return filepath.Join(m.dir, id+scriptExt)
}

// scriptIDFromPath returns the ID for a script file path, or "" when the
// path is not a script.
func scriptIDFromPath(path string) string {
	name := filepath.Base(path)
	id, ok := strings.CutSuffix(name, scriptExt)
	if !ok || !validScriptID(id) {
		return ""
	}
	return id
}

func (m *Manager) parseFile(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	s := &Script{
		ID:       strings.TrimSuffix(filepath.Base(path), scriptExt),
		FilePath: path,
	}

	content := string(data)
	first, rest, _ := strings.Cut(content, "\n")
	if jsonStr, ok := strings.CutPrefix(first, "-- {"); ok {
		if err := json.Unmarshal([]byte("{"+jsonStr), &s.Meta); err != nil {
			m.logger.Warn("script metadata parse error", "file", path, "err", err)
		}
		content = rest
	}

	s.LuaCode = strings.TrimLeft(content, "\r\n")
	return s, nil
}

func serializeScript(s *Script) string {
	var b strings.Builder

	meta, _ := json.Marshal(s.Meta)
	b.WriteString("-- ")
	b.Write(meta)
	b.WriteString("\n")

	if s.LuaCode != "" {
		b.WriteString("\n")
		b.WriteString(s.LuaCode)
		if !strings.HasSuffix(s.LuaCode, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugRe.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if len(s) > 40 {
		s = s[:40]
	}
	return s
}
