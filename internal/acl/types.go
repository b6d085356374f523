// Package acl loads enforcement policy rule sets and applies the ownership,
// permission bits and POSIX ACLs they prescribe to filesystem paths.
package acl

import (
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrPolicy marks an unresolvable rule or a malformed access-control spec.
// Paths hitting a policy error are skipped, never fatal to a sweep.
var ErrPolicy = errors.New("policy error")

func policyErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPolicy, fmt.Sprintf(format, args...))
}

// Mode is a permission mode written in YAML as an octal string ("0770").
type Mode struct {
	Bits uint32
	Set  bool
}

func (m *Mode) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return policyErrorf("line %d: mode must be a scalar", node.Line)
	}
	return m.parse(node.Value)
}

func (m *Mode) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		*m = Mode{}
		return nil
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil || v > 0o7777 {
		return policyErrorf("invalid mode %q", s)
	}
	*m = Mode{Bits: uint32(v), Set: true}
	return nil
}

func (m Mode) String() string {
	if !m.Set {
		return ""
	}
	return fmt.Sprintf("%04o", m.Bits)
}

// Spec is the access control for one class of path. A level uses either a
// mode or an ACL, never both.
type Spec struct {
	Owner    string   `yaml:"owner,omitempty"`
	Group    string   `yaml:"group,omitempty"`
	RootMode Mode     `yaml:"root_mode,omitempty"`
	DirMode  Mode     `yaml:"dir_mode,omitempty"`
	FileMode Mode     `yaml:"file_mode,omitempty"`
	RootACL  string   `yaml:"root_acl,omitempty"`
	DirACL   string   `yaml:"dir_acl,omitempty"`
	FileACL  string   `yaml:"file_acl,omitempty"`
	Exclude  []string `yaml:"exclude,omitempty"`
}

// Rule binds a path pattern, relative to the enforced root, to a Spec.
type Rule struct {
	Path string `yaml:"path"`
	Spec `yaml:",inline"`
}

// RuleSet is the parsed policy of one enforced object.
type RuleSet struct {
	Name    string `yaml:"name"`
	Default Spec   `yaml:"default"`
	Rules   []Rule `yaml:"rules"`

	// Source is the file the set was loaded from.
	Source string `yaml:"-"`
}

// Kind classifies a path for rule resolution.
type Kind int

const (
	KindFile Kind = iota
	KindDir
	KindRoot
)

// Target is the fully resolved access control for one path.
type Target struct {
	Rule string
	// UID and GID are -1 when ownership is left alone.
	UID, GID   int
	Mode       Mode
	ACL        string
	DefaultACL string
}

// Wants reports whether the target prescribes anything at all.
func (t Target) Wants() bool {
	return t.UID >= 0 || t.GID >= 0 || t.Mode.Set || t.ACL != "" || t.DefaultACL != ""
}

// Match returns the rule governing rel, a slash separated path relative to
// the enforced root ("" is the root). The longest matching rule pattern
// wins; the default spec applies otherwise.
func (rs *RuleSet) Match(rel string) (string, *Spec) {
	rel = clean(rel)
	best, bestLen := -1, -1
	for i := range rs.Rules {
		n, ok := prefixMatch(rs.Rules[i].Path, rel)
		if ok && n > bestLen {
			best, bestLen = i, n
		}
	}
	if best < 0 {
		return "default", &rs.Default
	}
	return rs.Rules[best].Path, &rs.Rules[best].Spec
}

// Excluded reports whether rel falls under an exclude pattern of the rule
// governing it or of the default spec. Rule excludes are relative to the
// rule path.
func (rs *RuleSet) Excluded(rel string) bool {
	rel = clean(rel)
	if rel == "" {
		return false
	}
	for _, pat := range rs.Default.Exclude {
		if _, ok := prefixMatch(pat, rel); ok {
			return true
		}
	}
	for i := range rs.Rules {
		r := &rs.Rules[i]
		for _, pat := range r.Exclude {
			if _, ok := prefixMatch(path.Join(r.Path, pat), rel); ok {
				return true
			}
		}
	}
	return false
}

// Resolve computes the target for rel.
func (rs *RuleSet) Resolve(rel string, kind Kind, ids Resolver) (Target, error) {
	name, spec := rs.Match(rel)
	t := Target{Rule: name, UID: -1, GID: -1}

	owner, group := spec.Owner, spec.Group
	if owner == "" {
		owner = rs.Default.Owner
	}
	if group == "" {
		group = rs.Default.Group
	}
	var err error
	if owner != "" {
		if t.UID, err = ids.UserID(owner); err != nil {
			return t, policyErrorf("rule %s: owner %q: %v", name, owner, err)
		}
	}
	if group != "" {
		if t.GID, err = ids.GroupID(group); err != nil {
			return t, policyErrorf("rule %s: group %q: %v", name, group, err)
		}
	}

	switch kind {
	case KindRoot:
		t.Mode, t.ACL = spec.RootMode, spec.RootACL
		if !t.Mode.Set && t.ACL == "" {
			t.Mode, t.ACL = spec.DirMode, spec.DirACL
		}
		t.DefaultACL = t.ACL
	case KindDir:
		t.Mode, t.ACL = spec.DirMode, spec.DirACL
		t.DefaultACL = t.ACL
	default:
		t.Mode, t.ACL = spec.FileMode, spec.FileACL
	}
	return t, nil
}

func clean(rel string) string {
	rel = strings.Trim(rel, "/")
	if rel == "" || rel == "." {
		return ""
	}
	return path.Clean(rel)
}

// prefixMatch matches pattern against the leading components of rel and
// returns the number of components consumed.
func prefixMatch(pattern, rel string) (int, bool) {
	pattern = clean(pattern)
	if pattern == "" || rel == "" {
		return 0, false
	}
	pp := strings.Split(pattern, "/")
	rp := strings.Split(rel, "/")
	if len(pp) > len(rp) {
		return 0, false
	}
	for i, p := range pp {
		ok, err := path.Match(p, rp[i])
		if err != nil || !ok {
			return 0, false
		}
	}
	return len(pp), true
}
