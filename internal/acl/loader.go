package acl

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader reads rule set files from a policy directory. File contents are
// cached by modification time; variables are substituted on every load so
// one file can serve several objects.
type Loader struct {
	dir string
	ids Resolver

	mu    sync.Mutex
	files map[string]cachedFile
}

type cachedFile struct {
	modTime time.Time
	size    int64
	data    []byte
}

// NewLoader creates a loader rooted at dir. ids is used to validate ACL
// text; nil means the host user database.
func NewLoader(dir string, ids Resolver) *Loader {
	if ids == nil {
		ids = SystemResolver{}
	}
	return &Loader{dir: dir, ids: ids, files: make(map[string]cachedFile)}
}

// Dir is the policy directory.
func (l *Loader) Dir() string { return l.dir }

// Path resolves name against the policy directory.
func (l *Loader) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	if filepath.Ext(name) == "" {
		name += ".yaml"
	}
	return filepath.Join(l.dir, name)
}

// Load reads, substitutes, parses and validates the rule set name.
// ${var} references are replaced from vars; unknown variables are a
// policy error.
func (l *Loader) Load(name string, vars map[string]string) (*RuleSet, error) {
	path := l.Path(name)
	data, err := l.read(path)
	if err != nil {
		return nil, err
	}

	var missing []string
	expanded := os.Expand(string(data), func(key string) string {
		v, ok := vars[key]
		if !ok {
			missing = append(missing, key)
		}
		return v
	})
	if len(missing) > 0 {
		return nil, policyErrorf("%s: undefined variables %s", path, strings.Join(missing, ", "))
	}

	var rs RuleSet
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&rs); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrPolicy, path, err)
	}
	rs.Source = path
	if err := l.validate(&rs); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	applyDefaults(&rs, name)
	return &rs, nil
}

// Invalidate drops the cached contents of name.
func (l *Loader) Invalidate(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.files, l.Path(name))
}

func (l *Loader) read(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPolicy, err)
	}

	l.mu.Lock()
	cached, ok := l.files[path]
	l.mu.Unlock()
	if ok && cached.modTime.Equal(info.ModTime()) && cached.size == info.Size() {
		return cached.data, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPolicy, err)
	}
	l.mu.Lock()
	l.files[path] = cachedFile{modTime: info.ModTime(), size: info.Size(), data: data}
	l.mu.Unlock()
	return data, nil
}

func (l *Loader) validate(rs *RuleSet) error {
	if err := l.validateSpec("default", &rs.Default); err != nil {
		return err
	}
	seen := make(map[string]bool)
	for i := range rs.Rules {
		r := &rs.Rules[i]
		p := clean(r.Path)
		if p == "" {
			return policyErrorf("rule %d: path is required", i)
		}
		if strings.HasPrefix(r.Path, "../") || strings.Contains(r.Path, "/../") {
			return policyErrorf("rule %s: path escapes the root", r.Path)
		}
		if seen[p] {
			return policyErrorf("duplicate rule path %s", p)
		}
		seen[p] = true
		for _, pat := range strings.Split(p, "/") {
			if _, err := filepath.Match(pat, ""); err != nil {
				return policyErrorf("rule %s: bad pattern: %v", r.Path, err)
			}
		}
		if err := l.validateSpec(r.Path, &r.Spec); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) validateSpec(name string, s *Spec) error {
	levels := []struct {
		level string
		mode  Mode
		acl   string
	}{
		{"root", s.RootMode, s.RootACL},
		{"dir", s.DirMode, s.DirACL},
		{"file", s.FileMode, s.FileACL},
	}
	for _, lv := range levels {
		if lv.mode.Set && lv.acl != "" {
			return policyErrorf("rule %s: %s_mode and %s_acl are mutually exclusive", name, lv.level, lv.level)
		}
		if lv.acl == "" {
			continue
		}
		if _, err := ParseACL(ExpandExecBits(lv.acl, 0), l.ids); err != nil {
			return fmt.Errorf("rule %s: %s_acl: %w", name, lv.level, err)
		}
	}
	for _, pat := range s.Exclude {
		if _, err := filepath.Match(pat, ""); err != nil {
			return policyErrorf("rule %s: bad exclude %q: %v", name, pat, err)
		}
	}
	return nil
}

func applyDefaults(rs *RuleSet, name string) {
	if rs.Name == "" {
		rs.Name = strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	}
	for i := range rs.Rules {
		rs.Rules[i].Path = clean(rs.Rules[i].Path)
	}
}
