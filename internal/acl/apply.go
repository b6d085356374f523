package acl

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	xattrAccess  = "system.posix_acl_access"
	xattrDefault = "system.posix_acl_default"
)

// FSApplier applies resolved targets to the local filesystem.
type FSApplier struct {
	IDs Resolver
}

// NewFSApplier returns an applier resolving names through ids, or the
// host user database when ids is nil.
func NewFSApplier(ids Resolver) *FSApplier {
	if ids == nil {
		ids = SystemResolver{}
	}
	return &FSApplier{IDs: ids}
}

// Apply brings path in line with t and returns the number of metadata
// mutations performed. Every mutation produces one attribute change
// notification. Symlinks only get their ownership fixed.
func (a *FSApplier) Apply(path string, t Target) (int, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return 0, err
	}
	changes := 0

	uid, gid := -1, -1
	if t.UID >= 0 && uint32(t.UID) != st.Uid {
		uid = t.UID
	}
	if t.GID >= 0 && uint32(t.GID) != st.Gid {
		gid = t.GID
	}
	if uid >= 0 || gid >= 0 {
		if err := unix.Lchown(path, uid, gid); err != nil {
			return changes, fmt.Errorf("chown %s: %w", path, err)
		}
		changes++
		// chown clears setuid and setgid bits.
		if err := unix.Lstat(path, &st); err != nil {
			return changes, err
		}
	}

	if st.Mode&unix.S_IFMT == unix.S_IFLNK {
		return changes, nil
	}
	isDir := st.Mode&unix.S_IFMT == unix.S_IFDIR

	if t.Mode.Set {
		n, err := a.applyMode(path, st.Mode&0o7777, t.Mode.Bits, isDir)
		return changes + n, err
	}
	if t.ACL != "" {
		n, err := a.applyACL(path, xattrAccess, ExpandExecBits(t.ACL, st.Mode), st.Mode&0o777)
		changes += n
		if err != nil {
			return changes, err
		}
	}
	if t.DefaultACL != "" && isDir {
		n, err := a.applyACL(path, xattrDefault, ExpandExecBits(t.DefaultACL, st.Mode), 0)
		changes += n
		if err != nil {
			return changes, err
		}
	}
	return changes, nil
}

// applyMode strips any extended ACL, then sets the mode bits.
func (a *FSApplier) applyMode(path string, current, want uint32, isDir bool) (int, error) {
	changes := 0
	names := []string{xattrAccess}
	if isDir {
		names = append(names, xattrDefault)
	}
	for _, name := range names {
		removed, err := removeXattr(path, name)
		if err != nil {
			return changes, fmt.Errorf("remove acl %s: %w", path, err)
		}
		if removed {
			changes++
		}
	}
	if changes > 0 {
		var st unix.Stat_t
		if err := unix.Lstat(path, &st); err != nil {
			return changes, err
		}
		current = st.Mode & 0o7777
	}
	if current != want {
		if err := unix.Chmod(path, want); err != nil {
			return changes, fmt.Errorf("chmod %s: %w", path, err)
		}
		changes++
	}
	return changes, nil
}

// applyACL writes the ACL xattr name when it differs from the current one.
// For the access ACL, a missing xattr means the minimal ACL of mode.
func (a *FSApplier) applyACL(path, name, text string, mode uint32) (int, error) {
	want, err := ParseACL(text, a.IDs)
	if err != nil {
		return 0, err
	}
	have, err := readACL(path, name)
	if err != nil {
		return 0, err
	}
	if have == nil && name == xattrAccess {
		have = FromMode(mode)
	}
	if want.Equal(have) {
		return 0, nil
	}
	if err := unix.Setxattr(path, name, want.Encode(), 0); err != nil {
		return 0, fmt.Errorf("set %s on %s: %w", name, path, err)
	}
	return 1, nil
}

// ReadACL returns the access and default ACLs of path. A missing access
// ACL is reported as the minimal ACL of the mode bits.
func ReadACL(path string) (access, def ACL, err error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return nil, nil, err
	}
	if access, err = readACL(path, xattrAccess); err != nil {
		return nil, nil, err
	}
	if access == nil {
		access = FromMode(st.Mode & 0o777)
	}
	if st.Mode&unix.S_IFMT == unix.S_IFDIR {
		if def, err = readACL(path, xattrDefault); err != nil {
			return nil, nil, err
		}
	}
	return access, def, nil
}

func readACL(path, name string) (ACL, error) {
	buf := make([]byte, 256)
	for {
		n, err := unix.Getxattr(path, name, buf)
		switch {
		case err == nil:
			return DecodeACL(buf[:n])
		case errors.Is(err, unix.ERANGE):
			buf = make([]byte, len(buf)*4)
		case errors.Is(err, unix.ENODATA), errors.Is(err, unix.EOPNOTSUPP):
			return nil, nil
		default:
			return nil, fmt.Errorf("get %s on %s: %w", name, path, err)
		}
	}
}

func removeXattr(path, name string) (bool, error) {
	err := unix.Removexattr(path, name)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, unix.ENODATA), errors.Is(err, unix.EOPNOTSUPP):
		return false, nil
	default:
		return false, err
	}
}
