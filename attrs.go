package sftp

import (
	"fmt"
	"strings"
	"time"
)

// Permission-word file-type nibble values, occupying bits 12-15 of the
// POSIX mode word — the same layout Unix stat(2) uses.
const (
	modeTypeFIFO    = 0x1000
	modeTypeChar    = 0x2000
	modeTypeDir     = 0x4000
	modeTypeBlock   = 0x6000
	modeTypeRegular = 0x8000
	modeTypeSymlink = 0xA000
	modeTypeSocket  = 0xC000
	modeTypeMask    = 0xF000

	modeSetuid = 0x800
	modeSetgid = 0x400
	modeSticky = 0x200
)

// epochMin is the sentinel "not present" time value: the Unix epoch itself,
// rendered in UTC. The spec calls this "Unix-epoch-min UTC".
var epochMin = time.Unix(0, 0).UTC()

// FileAttributes mirrors the fields of an SFTP v3 ATTRS blob plus whichever
// OpenSSH extended (name, value) pairs a server attaches. It tracks which
// attribute groups have been mutated since decode so that encode only emits
// the groups that actually changed.
type FileAttributes struct {
	Size        int64
	UID         int32
	GID         int32
	Permissions uint32
	AccessTime  time.Time
	ModifyTime  time.Time
	Extended    []ExtendedAttr

	sizeSet  bool
	idSet    bool
	permSet  bool
	timeSet  bool
	extSet   bool
}

// ExtendedAttr is one name/value pair from an ATTRS EXTENDED block.
type ExtendedAttr struct {
	Name  string
	Value string
}

// newDefaultAttrs returns the sentinel-filled record the spec requires when
// no flag bits are set at all: size/uid/gid absent, permissions 0, times at
// epoch-min.
func newDefaultAttrs() FileAttributes {
	return FileAttributes{
		Size:       -1,
		UID:        -1,
		GID:        -1,
		AccessTime: epochMin,
		ModifyTime: epochMin,
	}
}

// decodeAttrs reads one ATTRS blob (flag word plus the blocks it selects)
// starting at b, returning the decoded record and the remaining bytes.
func decodeAttrs(b []byte) (FileAttributes, []byte, error) {
	flags, b, err := unmarshalUint32Safe(b)
	if err != nil {
		return FileAttributes{}, nil, err
	}

	a := newDefaultAttrs()

	if flags&attrSize != 0 {
		var sz uint64
		sz, b, err = unmarshalUint64Safe(b)
		if err != nil {
			return FileAttributes{}, nil, err
		}
		a.Size = int64(sz)
	}
	if flags&attrUIDGID != 0 {
		var uid, gid uint32
		uid, b, err = unmarshalUint32Safe(b)
		if err != nil {
			return FileAttributes{}, nil, err
		}
		gid, b, err = unmarshalUint32Safe(b)
		if err != nil {
			return FileAttributes{}, nil, err
		}
		a.UID, a.GID = int32(uid), int32(gid)
	}
	if flags&attrPermissions != 0 {
		a.Permissions, b, err = unmarshalUint32Safe(b)
		if err != nil {
			return FileAttributes{}, nil, err
		}
	}
	if flags&attrACModTime != 0 {
		var atime, mtime uint32
		atime, b, err = unmarshalUint32Safe(b)
		if err != nil {
			return FileAttributes{}, nil, err
		}
		mtime, b, err = unmarshalUint32Safe(b)
		if err != nil {
			return FileAttributes{}, nil, err
		}
		a.AccessTime = time.Unix(int64(atime), 0).UTC()
		a.ModifyTime = time.Unix(int64(mtime), 0).UTC()
	}
	if flags&attrExtended != 0 {
		var count uint32
		count, b, err = unmarshalUint32Safe(b)
		if err != nil {
			return FileAttributes{}, nil, err
		}
		a.Extended = make([]ExtendedAttr, 0, count)
		for i := uint32(0); i < count; i++ {
			var name, value string
			name, b, err = unmarshalStringSafe(b)
			if err != nil {
				return FileAttributes{}, nil, err
			}
			value, b, err = unmarshalStringSafe(b)
			if err != nil {
				return FileAttributes{}, nil, err
			}
			a.Extended = append(a.Extended, ExtendedAttr{Name: name, Value: value})
		}
	}

	return a, b, nil
}

// encode emits only the attribute groups mutated since decode; an
// unmutated record always encodes to a bare four-byte zero flag.
func (a *FileAttributes) encode() []byte {
	if a == nil {
		return marshalUint32(nil, 0)
	}

	var flags uint32
	if a.sizeSet {
		flags |= attrSize
	}
	if a.idSet {
		flags |= attrUIDGID
	}
	if a.permSet {
		flags |= attrPermissions
	}
	if a.timeSet {
		flags |= attrACModTime
	}
	if a.extSet {
		flags |= attrExtended
	}

	b := marshalUint32(nil, flags)
	if a.sizeSet {
		b = marshalUint64(b, uint64(a.Size))
	}
	if a.idSet {
		b = marshalUint32(b, uint32(a.UID))
		b = marshalUint32(b, uint32(a.GID))
	}
	if a.permSet {
		b = marshalUint32(b, a.Permissions)
	}
	if a.timeSet {
		b = marshalUint32(b, uint32(a.AccessTime.Unix()))
		b = marshalUint32(b, uint32(a.ModifyTime.Unix()))
	}
	if a.extSet {
		b = marshalUint32(b, uint32(len(a.Extended)))
		for _, e := range a.Extended {
			b = marshalString(b, e.Name)
			b = marshalString(b, e.Value)
		}
	}
	return b
}

// SetSize mutates the size group. Per the spec's open question, setting
// size to -1 is treated as "no change" rather than an explicit mutation.
func (a *FileAttributes) SetSize(size int64) {
	if size < 0 {
		return
	}
	a.Size = size
	a.sizeSet = true
}

func (a *FileAttributes) SetOwner(uid, gid int32) {
	a.UID, a.GID = uid, gid
	a.idSet = true
}

func (a *FileAttributes) SetTimes(access, modify time.Time) {
	a.AccessTime, a.ModifyTime = access.UTC(), modify.UTC()
	a.timeSet = true
}

func (a *FileAttributes) SetExtended(ext []ExtendedAttr) {
	a.Extended = ext
	a.extSet = true
}

// SetPermissions parses mode as up to four octal digits (special, user,
// group, other — the conventional chmod(1) layout) and replaces the low
// 12 bits of the permissions word, leaving the file-type nibble untouched.
func (a *FileAttributes) SetPermissions(mode int64) error {
	if mode < 0 {
		return &ArgumentError{Param: "mode", Msg: "must not be negative"}
	}
	var digits [4]int64
	rem := mode
	for i := 3; i >= 0; i-- {
		digits[i] = rem % 10
		rem /= 10
	}
	if rem != 0 {
		return &ArgumentError{Param: "mode", Msg: "has more than four octal digits"}
	}
	for _, d := range digits {
		if d > 7 {
			return &ArgumentError{Param: "mode", Msg: "digit out of octal range"}
		}
	}
	low12 := digits[0]<<9 | digits[1]<<6 | digits[2]<<3 | digits[3]
	a.Permissions = (a.Permissions &^ 0xFFF) | uint32(low12)
	a.permSet = true
	return nil
}

func (a *FileAttributes) fileType() uint32 {
	return a.Permissions & modeTypeMask
}

func (a *FileAttributes) IsSocket() bool    { return a.fileType() == modeTypeSocket }
func (a *FileAttributes) IsSymlink() bool   { return a.fileType() == modeTypeSymlink }
func (a *FileAttributes) IsRegularFile() bool { return a.fileType() == modeTypeRegular }
func (a *FileAttributes) IsBlockDevice() bool { return a.fileType() == modeTypeBlock }
func (a *FileAttributes) IsDirectory() bool  { return a.fileType() == modeTypeDir }
func (a *FileAttributes) IsCharDevice() bool { return a.fileType() == modeTypeChar }
func (a *FileAttributes) IsFIFO() bool       { return a.fileType() == modeTypeFIFO }

func defaultNameForType(perm uint32) string {
	switch perm & modeTypeMask {
	case modeTypeSocket:
		return "socket"
	case modeTypeSymlink:
		return "symlink"
	case modeTypeBlock:
		return "block device"
	case modeTypeDir:
		return "directory"
	case modeTypeChar:
		return "character device"
	case modeTypeFIFO:
		return "fifo"
	default:
		return "file"
	}
}

// String renders an `ls -l`-style attribute line: type char, three rwx
// triads with setuid/setgid/sticky overlays, then optional size and
// last-write-time suffixes.
func (a *FileAttributes) String() string {
	var typeChar byte
	switch a.fileType() {
	case modeTypeSocket:
		typeChar = 's'
	case modeTypeSymlink:
		typeChar = 'l'
	case modeTypeRegular:
		typeChar = '-'
	case modeTypeBlock:
		typeChar = 'b'
	case modeTypeDir:
		typeChar = 'd'
	case modeTypeChar:
		typeChar = 'c'
	case modeTypeFIFO:
		typeChar = 'p'
	default:
		typeChar = '-'
	}

	perm := a.Permissions
	triad := func(r, w, x bool) string {
		out := "-"
		if r {
			out = "r"
		}
		if w {
			out += "w"
		} else {
			out += "-"
		}
		switch {
		case x:
			out += "x"
		default:
			out += "-"
		}
		return out
	}

	owner := triad(perm&0400 != 0, perm&0200 != 0, perm&0100 != 0)
	if perm&modeSetuid != 0 {
		if perm&0100 != 0 {
			owner = owner[:2] + "s"
		} else {
			owner = owner[:2] + "S"
		}
	}
	group := triad(perm&0040 != 0, perm&0020 != 0, perm&0010 != 0)
	if perm&modeSetgid != 0 {
		if perm&0010 != 0 {
			group = group[:2] + "s"
		} else {
			group = group[:2] + "S"
		}
	}
	other := triad(perm&0004 != 0, perm&0002 != 0, perm&0001 != 0)
	if perm&modeSticky != 0 {
		if perm&0001 != 0 {
			other = other[:2] + "t"
		} else {
			other = other[:2] + "T"
		}
	}

	var sb strings.Builder
	sb.WriteByte(typeChar)
	sb.WriteString(owner)
	sb.WriteString(group)
	sb.WriteString(other)

	if a.Size != -1 {
		fmt.Fprintf(&sb, " Size: %d", a.Size)
	}
	if !a.ModifyTime.Equal(epochMin) && !a.ModifyTime.IsZero() {
		fmt.Fprintf(&sb, " LastWriteTime: %s", a.ModifyTime.Format(time.RFC3339))
	}

	out := strings.TrimRight(sb.String(), " ")
	if out == string(typeChar)+"---------" {
		return defaultNameForType(a.Permissions)
	}
	return out
}
