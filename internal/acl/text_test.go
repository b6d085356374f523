package acl

import (
	"fmt"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticIDs resolves a fixed set of names; numeric names pass through.
type staticIDs map[string]int

func (s staticIDs) lookup(name string) (int, error) {
	if id, err := strconv.Atoi(name); err == nil {
		return id, nil
	}
	if id, ok := s[name]; ok {
		return id, nil
	}
	return -1, fmt.Errorf("unknown name %q", name)
}

func (s staticIDs) UserID(name string) (int, error)  { return s.lookup(name) }
func (s staticIDs) GroupID(name string) (int, error) { return s.lookup(name) }

var testIDs = staticIDs{"alice": 1001, "staff": 50, "acl": 900}

func TestParseACL(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    string
		wantErr bool
	}{
		{name: "short minimal", text: "u::rwx,g::r-x,o::---", want: "u::rwx,g::r-x,o::---"},
		{name: "long form", text: "user::rw-\ngroup::r--\nother::---", want: "u::rw-,g::r--,o::---"},
		{name: "two part other", text: "u::rwx,g::---,o:---", want: "u::rwx,g::---,o::---"},
		{name: "named entries get a mask", text: "u::rwx,g::---,o::---,g:staff:rwx,u:alice:r-x", want: "u::rwx,u:1001:r-x,g::---,g:50:rwx,m::rwx,o::---"},
		{name: "explicit mask kept", text: "u::rwx,g::---,o::---,g:staff:rwx,m::r-x", want: "u::rwx,g::---,g:50:rwx,m::r-x,o::---"},
		{name: "comments and blanks", text: "u::rwx, # owner\n,g::---,o::---", want: "u::rwx,g::---,o::---"},
		{name: "empty", text: "", want: ""},
		{name: "missing other", text: "u::rwx,g::---", wantErr: true},
		{name: "bad perm", text: "u::rwz,g::---,o::---", wantErr: true},
		{name: "unknown tag", text: "z::rwx,u::rwx,g::---,o::---", wantErr: true},
		{name: "unknown group", text: "u::rwx,g::---,o::---,g:nobody-here:rwx", wantErr: true},
		{name: "duplicate", text: "u::rwx,u::r--,g::---,o::---", wantErr: true},
		{name: "other with qualifier", text: "u::rwx,g::---,o:alice:---", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acl, err := ParseACL(tt.text, testIDs)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrPolicy)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, acl.String())
		})
	}
}

func TestACL_EncodeDecode(t *testing.T) {
	acl, err := ParseACL("u::rwx,g::r-x,o::---,g:staff:rwx", testIDs)
	require.NoError(t, err)

	buf := acl.Encode()
	require.Len(t, buf, 4+8*len(acl))
	assert.Equal(t, []byte{2, 0, 0, 0}, buf[:4])
	// first entry is user::rwx with the undefined id
	assert.Equal(t, []byte{0x01, 0x00, 0x07, 0x00, 0xff, 0xff, 0xff, 0xff}, buf[4:12])

	back, err := DecodeACL(buf)
	require.NoError(t, err)
	assert.True(t, acl.Equal(back))

	_, err = DecodeACL([]byte{1, 0, 0, 0})
	assert.Error(t, err)
	_, err = DecodeACL(buf[:7])
	assert.Error(t, err)
}

func TestACL_ModeBits(t *testing.T) {
	minimal, err := ParseACL("u::rw-,g::r--,o::---", testIDs)
	require.NoError(t, err)
	assert.True(t, minimal.Minimal())
	assert.Equal(t, uint32(0o640), minimal.ModeBits())
	assert.True(t, minimal.Equal(FromMode(0o640)))

	extended, err := ParseACL("u::rwx,g::---,o::---,g:staff:rwx", testIDs)
	require.NoError(t, err)
	assert.False(t, extended.Minimal())
	assert.Equal(t, uint32(0o770), extended.ModeBits(), "group class shows the mask")
}

func TestExpandExecBits(t *testing.T) {
	text := "u::rw@UX,g::---,o::---,g:staff:rw@GX"
	assert.Equal(t, "u::rwx,g::---,o::---,g:staff:rw-", ExpandExecBits(text, 0o744))
	assert.Equal(t, "u::rw-,g::---,o::---,g:staff:rwx", ExpandExecBits(text, 0o670))
}
