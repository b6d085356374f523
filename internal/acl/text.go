package acl

import (
	"encoding/binary"
	"fmt"
	"os/user"
	"sort"
	"strconv"
	"strings"
)

// Tags of the Linux POSIX ACL xattr format.
const (
	TagUserObj  uint16 = 0x01
	TagUser     uint16 = 0x02
	TagGroupObj uint16 = 0x04
	TagGroup    uint16 = 0x08
	TagMask     uint16 = 0x10
	TagOther    uint16 = 0x20
)

const (
	xattrVersion = 2
	undefinedID  = ^uint32(0)
	headerSize   = 4
	entrySize    = 8
)

// Entry is one ACL entry. ID is meaningful for TagUser and TagGroup only.
type Entry struct {
	Tag  uint16
	ID   uint32
	Perm uint16
}

// ACL is an ordered list of entries.
type ACL []Entry

// Resolver maps user and group names to numeric IDs.
type Resolver interface {
	UserID(name string) (int, error)
	GroupID(name string) (int, error)
}

// SystemResolver resolves names through the host user database. Numeric
// names are returned as is.
type SystemResolver struct{}

func (SystemResolver) UserID(name string) (int, error) {
	if id, err := strconv.Atoi(name); err == nil {
		return id, nil
	}
	u, err := user.Lookup(name)
	if err != nil {
		return -1, err
	}
	return strconv.Atoi(u.Uid)
}

func (SystemResolver) GroupID(name string) (int, error) {
	if id, err := strconv.Atoi(name); err == nil {
		return id, nil
	}
	g, err := user.LookupGroup(name)
	if err != nil {
		return -1, err
	}
	return strconv.Atoi(g.Gid)
}

// ExpandExecBits replaces the @UX and @GX placeholders of text with the
// owner and group execute bits of mode.
func ExpandExecBits(text string, mode uint32) string {
	ux, gx := "-", "-"
	if mode&0o100 != 0 {
		ux = "x"
	}
	if mode&0o010 != 0 {
		gx = "x"
	}
	return strings.NewReplacer("@UX", ux, "@GX", gx).Replace(text)
}

// ParseACL parses the short ("u::rwx,g:staff:r-x,o::---") or long
// ("user::rwx") text form. Entries may be separated by commas or
// newlines; '#' starts a comment. A mask is computed when named entries
// are present without one.
func ParseACL(text string, ids Resolver) (ACL, error) {
	var acl ACL
	seen := make(map[[2]uint32]bool)
	for _, raw := range strings.FieldsFunc(text, func(r rune) bool { return r == ',' || r == '\n' }) {
		if i := strings.IndexByte(raw, '#'); i >= 0 {
			raw = raw[:i]
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		e, err := parseEntry(raw, ids)
		if err != nil {
			return nil, err
		}
		key := [2]uint32{uint32(e.Tag), e.ID}
		if seen[key] {
			return nil, policyErrorf("duplicate ACL entry %q", raw)
		}
		seen[key] = true
		acl = append(acl, e)
	}
	if len(acl) == 0 {
		return nil, nil
	}
	for _, tag := range []uint16{TagUserObj, TagGroupObj, TagOther} {
		if !acl.has(tag) {
			return nil, policyErrorf("ACL %q lacks a %s entry", text, tagName(tag))
		}
	}
	if (acl.has(TagUser) || acl.has(TagGroup)) && !acl.has(TagMask) {
		var mask uint16
		for _, e := range acl {
			if e.Tag == TagGroupObj || e.Tag == TagUser || e.Tag == TagGroup {
				mask |= e.Perm
			}
		}
		acl = append(acl, Entry{Tag: TagMask, ID: undefinedID, Perm: mask})
	}
	acl.sort()
	return acl, nil
}

func parseEntry(raw string, ids Resolver) (Entry, error) {
	parts := strings.Split(raw, ":")
	var tagStr, qual, perm string
	switch len(parts) {
	case 2:
		tagStr, perm = parts[0], parts[1]
	case 3:
		tagStr, qual, perm = parts[0], parts[1], parts[2]
	default:
		return Entry{}, policyErrorf("malformed ACL entry %q", raw)
	}
	p, err := parsePerm(perm)
	if err != nil {
		return Entry{}, policyErrorf("ACL entry %q: %v", raw, err)
	}
	e := Entry{ID: undefinedID, Perm: p}

	switch strings.TrimSpace(tagStr) {
	case "u", "user":
		e.Tag = TagUserObj
		if qual != "" {
			id, err := ids.UserID(qual)
			if err != nil {
				return Entry{}, policyErrorf("ACL entry %q: %v", raw, err)
			}
			e.Tag, e.ID = TagUser, uint32(id)
		}
	case "g", "group":
		e.Tag = TagGroupObj
		if qual != "" {
			id, err := ids.GroupID(qual)
			if err != nil {
				return Entry{}, policyErrorf("ACL entry %q: %v", raw, err)
			}
			e.Tag, e.ID = TagGroup, uint32(id)
		}
	case "m", "mask":
		e.Tag = TagMask
	case "o", "other":
		e.Tag = TagOther
	default:
		return Entry{}, policyErrorf("unknown ACL tag in %q", raw)
	}
	if qual != "" && (e.Tag == TagMask || e.Tag == TagOther) {
		return Entry{}, policyErrorf("ACL entry %q takes no qualifier", raw)
	}
	return e, nil
}

func parsePerm(s string) (uint16, error) {
	s = strings.TrimSpace(s)
	if len(s) == 0 || len(s) > 3 {
		return 0, fmt.Errorf("invalid permissions %q", s)
	}
	var p uint16
	for _, c := range s {
		switch c {
		case 'r':
			p |= 4
		case 'w':
			p |= 2
		case 'x':
			p |= 1
		case '-':
		default:
			return 0, fmt.Errorf("invalid permissions %q", s)
		}
	}
	return p, nil
}

func (a ACL) has(tag uint16) bool {
	for _, e := range a {
		if e.Tag == tag {
			return true
		}
	}
	return false
}

func (a ACL) sort() {
	sort.Slice(a, func(i, j int) bool {
		if a[i].Tag != a[j].Tag {
			return a[i].Tag < a[j].Tag
		}
		return a[i].ID < a[j].ID
	})
}

// Minimal reports whether a holds only the three base entries, which the
// kernel stores in the mode bits rather than an xattr.
func (a ACL) Minimal() bool {
	for _, e := range a {
		if e.Tag != TagUserObj && e.Tag != TagGroupObj && e.Tag != TagOther {
			return false
		}
	}
	return true
}

// ModeBits returns the permission bits the kernel derives from a. With a
// mask, the group class bits show the mask.
func (a ACL) ModeBits() uint32 {
	var u, g, o, m uint16
	hasMask := false
	for _, e := range a {
		switch e.Tag {
		case TagUserObj:
			u = e.Perm
		case TagGroupObj:
			g = e.Perm
		case TagOther:
			o = e.Perm
		case TagMask:
			m, hasMask = e.Perm, true
		}
	}
	if hasMask {
		g = m
	}
	return uint32(u)<<6 | uint32(g)<<3 | uint32(o)
}

// FromMode builds the minimal ACL equivalent to mode.
func FromMode(mode uint32) ACL {
	return ACL{
		{Tag: TagUserObj, ID: undefinedID, Perm: uint16(mode>>6) & 7},
		{Tag: TagGroupObj, ID: undefinedID, Perm: uint16(mode>>3) & 7},
		{Tag: TagOther, ID: undefinedID, Perm: uint16(mode) & 7},
	}
}

// Equal compares two ACLs entry by entry.
func (a ACL) Equal(b ACL) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Encode renders a in the system.posix_acl_* xattr format.
func (a ACL) Encode() []byte {
	buf := make([]byte, headerSize+entrySize*len(a))
	binary.LittleEndian.PutUint32(buf, xattrVersion)
	for i, e := range a {
		off := headerSize + i*entrySize
		binary.LittleEndian.PutUint16(buf[off:], e.Tag)
		binary.LittleEndian.PutUint16(buf[off+2:], e.Perm)
		binary.LittleEndian.PutUint32(buf[off+4:], e.ID)
	}
	return buf
}

// DecodeACL parses the xattr format.
func DecodeACL(buf []byte) (ACL, error) {
	if len(buf) < headerSize || (len(buf)-headerSize)%entrySize != 0 {
		return nil, fmt.Errorf("acl xattr: bad length %d", len(buf))
	}
	if v := binary.LittleEndian.Uint32(buf); v != xattrVersion {
		return nil, fmt.Errorf("acl xattr: unsupported version %d", v)
	}
	n := (len(buf) - headerSize) / entrySize
	acl := make(ACL, 0, n)
	for i := 0; i < n; i++ {
		off := headerSize + i*entrySize
		acl = append(acl, Entry{
			Tag:  binary.LittleEndian.Uint16(buf[off:]),
			Perm: binary.LittleEndian.Uint16(buf[off+2:]),
			ID:   binary.LittleEndian.Uint32(buf[off+4:]),
		})
	}
	acl.sort()
	return acl, nil
}

// String renders a in short text form with numeric qualifiers.
func (a ACL) String() string {
	parts := make([]string, 0, len(a))
	for _, e := range a {
		var tag, qual string
		switch e.Tag {
		case TagUserObj:
			tag = "u"
		case TagUser:
			tag, qual = "u", strconv.FormatUint(uint64(e.ID), 10)
		case TagGroupObj:
			tag = "g"
		case TagGroup:
			tag, qual = "g", strconv.FormatUint(uint64(e.ID), 10)
		case TagMask:
			tag = "m"
		case TagOther:
			tag = "o"
		}
		parts = append(parts, tag+":"+qual+":"+permString(e.Perm))
	}
	return strings.Join(parts, ",")
}

func permString(p uint16) string {
	b := []byte("---")
	if p&4 != 0 {
		b[0] = 'r'
	}
	if p&2 != 0 {
		b[1] = 'w'
	}
	if p&1 != 0 {
		b[2] = 'x'
	}
	return string(b)
}

func tagName(tag uint16) string {
	switch tag {
	case TagUserObj:
		return "user::"
	case TagGroupObj:
		return "group::"
	case TagOther:
		return "other::"
	default:
		return fmt.Sprintf("tag 0x%x", tag)
	}
}
