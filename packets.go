package sftp

import "github.com/pkg/errors"

// This file holds the typed request/response (de)serializers for every SFTP
// v3 operation plus the four OpenSSH extensions the client understands. Each
// encode* function returns the packet body (request id first, exactly as it
// sits on the wire after the message-type byte); each decode* function takes
// a payload already split from its rawPacket and returns the fields a caller
// needs plus any leftover trailing garbage ignored per the wire format.

func encodeInitPacket() []byte {
	return marshalUint32(nil, sftpProtocolVersion)
}

// decodeVersionPacket parses SSH_FXP_VERSION: version (uint32) followed by
// zero or more (name, data) extension pairs.
func decodeVersionPacket(b []byte) (version uint32, extensions map[string]string, err error) {
	version, b, err = unmarshalUint32Safe(b)
	if err != nil {
		return 0, nil, err
	}
	extensions = make(map[string]string)
	for len(b) > 0 {
		var name, data string
		name, b, err = unmarshalStringSafe(b)
		if err != nil {
			return 0, nil, err
		}
		data, b, err = unmarshalStringSafe(b)
		if err != nil {
			return 0, nil, err
		}
		extensions[name] = data
	}
	return version, extensions, nil
}

func encodeOpenPacket(id uint32, path string, pflags uint32, attrs *FileAttributes) []byte {
	b := marshalUint32(nil, id)
	b = marshalString(b, path)
	b = marshalUint32(b, pflags)
	b = append(b, attrs.encode()...)
	return b
}

func encodeClosePacket(id uint32, handle string) []byte {
	b := marshalUint32(nil, id)
	return marshalString(b, handle)
}

func encodeReadPacket(id uint32, handle string, offset uint64, length uint32) []byte {
	b := marshalUint32(nil, id)
	b = marshalString(b, handle)
	b = marshalUint64(b, offset)
	return marshalUint32(b, length)
}

func encodeWritePacket(id uint32, handle string, offset uint64, data []byte) []byte {
	b := marshalUint32(nil, id)
	b = marshalString(b, handle)
	b = marshalUint64(b, offset)
	b = marshalUint32(b, uint32(len(data)))
	return append(b, data...)
}

func encodePathPacket(id uint32, path string) []byte {
	b := marshalUint32(nil, id)
	return marshalString(b, path)
}

func encodeHandlePacket(id uint32, handle string) []byte {
	b := marshalUint32(nil, id)
	return marshalString(b, handle)
}

func encodeSetstatPacket(id uint32, path string, attrs *FileAttributes) []byte {
	b := marshalUint32(nil, id)
	b = marshalString(b, path)
	return append(b, attrs.encode()...)
}

func encodeFsetstatPacket(id uint32, handle string, attrs *FileAttributes) []byte {
	b := marshalUint32(nil, id)
	b = marshalString(b, handle)
	return append(b, attrs.encode()...)
}

func encodeMkdirPacket(id uint32, path string, attrs *FileAttributes) []byte {
	b := marshalUint32(nil, id)
	b = marshalString(b, path)
	return append(b, attrs.encode()...)
}

func encodeTwoPathPacket(id uint32, a, b2 string) []byte {
	b := marshalUint32(nil, id)
	b = marshalString(b, a)
	return marshalString(b, b2)
}

func encodeExtendedPacket(id uint32, extName string, data []byte) []byte {
	b := marshalUint32(nil, id)
	b = marshalString(b, extName)
	return append(b, data...)
}

// decodeStatusPacket parses SSH_FXP_STATUS: id, code, message, language tag.
func decodeStatusPacket(b []byte) (id, code uint32, message, lang string, err error) {
	id, b, err = unmarshalUint32Safe(b)
	if err != nil {
		return 0, 0, "", "", err
	}
	code, b, err = unmarshalUint32Safe(b)
	if err != nil {
		return 0, 0, "", "", err
	}
	// SFTP v3 servers always include message/lang, but tolerate older/short
	// replies that omit them rather than failing the whole session.
	if len(b) == 0 {
		return id, code, "", "", nil
	}
	message, b, err = unmarshalStringSafe(b)
	if err != nil {
		return 0, 0, "", "", err
	}
	if len(b) == 0 {
		return id, code, message, "", nil
	}
	lang, _, err = unmarshalStringSafe(b)
	if err != nil {
		return 0, 0, "", "", err
	}
	return id, code, message, lang, nil
}

func decodeHandlePacket(b []byte) (id uint32, handle string, err error) {
	id, b, err = unmarshalUint32Safe(b)
	if err != nil {
		return 0, "", err
	}
	handle, _, err = unmarshalStringSafe(b)
	if err != nil {
		return 0, "", err
	}
	return id, handle, nil
}

func decodeDataPacket(b []byte) (id uint32, data []byte, err error) {
	id, b, err = unmarshalUint32Safe(b)
	if err != nil {
		return 0, nil, err
	}
	n, b, err := unmarshalUint32Safe(b)
	if err != nil {
		return 0, nil, err
	}
	if uint64(len(b)) < uint64(n) {
		return 0, nil, errShortPacket
	}
	return id, b[:n], nil
}

type nameEntry struct {
	name     string
	longname string
	attrs    FileAttributes
}

func decodeNamePacket(b []byte) (id uint32, names []nameEntry, err error) {
	id, b, err = unmarshalUint32Safe(b)
	if err != nil {
		return 0, nil, err
	}
	count, b, err := unmarshalUint32Safe(b)
	if err != nil {
		return 0, nil, err
	}
	names = make([]nameEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		var e nameEntry
		e.name, b, err = unmarshalStringSafe(b)
		if err != nil {
			return 0, nil, err
		}
		e.longname, b, err = unmarshalStringSafe(b)
		if err != nil {
			return 0, nil, err
		}
		e.attrs, b, err = decodeAttrs(b)
		if err != nil {
			return 0, nil, err
		}
		names = append(names, e)
	}
	return id, names, nil
}

func decodeAttrsPacket(b []byte) (id uint32, attrs FileAttributes, err error) {
	id, b, err = unmarshalUint32Safe(b)
	if err != nil {
		return 0, FileAttributes{}, err
	}
	attrs, _, err = decodeAttrs(b)
	if err != nil {
		return 0, FileAttributes{}, err
	}
	return id, attrs, nil
}

// decodeExtendedReplyPacket returns the payload of an EXTENDED_REPLY verbatim
// (past the request id) — individual extensions decode their own shape.
func decodeExtendedReplyPacket(b []byte) (id uint32, data []byte, err error) {
	id, b, err = unmarshalUint32Safe(b)
	if err != nil {
		return 0, nil, err
	}
	return id, b, nil
}

// statVFS is the decoded reply of the statvfs@openssh.com / fstatvfs@openssh.com
// extensions: eleven uint64 fields in a fixed order.
type statVFS struct {
	BlockSize      uint64
	FragmentSize   uint64
	Blocks         uint64
	BlocksFree     uint64
	BlocksAvail    uint64
	Files          uint64
	FilesFree      uint64
	FilesAvail     uint64
	FilesystemID   uint64
	MountFlags     uint64
	MaxFilenameLen uint64
}

func decodeStatVFS(b []byte) (statVFS, error) {
	var v statVFS
	var err error
	fields := []*uint64{
		&v.BlockSize, &v.FragmentSize, &v.Blocks, &v.BlocksFree, &v.BlocksAvail,
		&v.Files, &v.FilesFree, &v.FilesAvail, &v.FilesystemID, &v.MountFlags, &v.MaxFilenameLen,
	}
	for _, f := range fields {
		*f, b, err = unmarshalUint64Safe(b)
		if err != nil {
			return statVFS{}, errors.Wrap(err, "sftp: short statvfs reply")
		}
	}
	return v, nil
}
