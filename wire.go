package sftp

import (
	"io"

	"github.com/pkg/errors"
)

// errShortPacket is returned whenever an unmarshal is handed fewer bytes
// than the field it's decoding requires.
var errShortPacket = errors.New("sftp: packet too short")

func marshalUint32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func marshalUint64(b []byte, v uint64) []byte {
	return marshalUint32(marshalUint32(b, uint32(v>>32)), uint32(v))
}

func marshalString(b []byte, s string) []byte {
	return append(marshalUint32(b, uint32(len(s))), s...)
}

func unmarshalUint32(b []byte) (uint32, []byte) {
	_ = b[3]
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	return v, b[4:]
}

func unmarshalUint32Safe(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, errShortPacket
	}
	v, b := unmarshalUint32(b)
	return v, b, nil
}

func unmarshalUint64(b []byte) (uint64, []byte) {
	hi, b := unmarshalUint32(b)
	lo, b := unmarshalUint32(b)
	return uint64(hi)<<32 | uint64(lo), b
}

func unmarshalUint64Safe(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, errShortPacket
	}
	v, b := unmarshalUint64(b)
	return v, b, nil
}

func unmarshalStringSafe(b []byte) (string, []byte, error) {
	n, b, err := unmarshalUint32Safe(b)
	if err != nil {
		return "", nil, err
	}
	if uint64(len(b)) < uint64(n) {
		return "", nil, errShortPacket
	}
	return string(b[:n]), b[n:], nil
}

// rawPacket is one fully-reassembled, length-prefixed SFTP packet: a
// message-type byte followed by its payload (the payload still embeds the
// request id for every type except INIT/VERSION).
type rawPacket struct {
	typ     byte
	payload []byte
}

// marshalPacket prefixes the type byte and body with their combined 4-byte
// big-endian length, per the framing spec §4.1 requires of every packet on
// the wire.
func marshalPacket(typ byte, body []byte) []byte {
	full := make([]byte, 0, 4+1+len(body))
	full = marshalUint32(full, uint32(1+len(body)))
	full = append(full, typ)
	full = append(full, body...)
	return full
}

func writePacket(w io.Writer, typ byte, body []byte) error {
	_, err := w.Write(marshalPacket(typ, body))
	return err
}

// packetReassembler turns a stream of arbitrarily-chunked byte deliveries
// (one or more packets per delivery, or one packet split across several
// deliveries) into a sequence of whole rawPackets. It is only ever driven
// from the session's single ingress path (spec §5's "reassembly buffer is
// only touched from the single ingress thread").
type packetReassembler struct {
	buf []byte
}

// feed appends newly-arrived bytes and returns every whole packet it can
// now decode, in arrival order. The fast path (buf empty) decodes directly
// out of data without copying; the slow path appends to buf first. Either
// way, any leftover partial packet is retained for the next feed.
func (r *packetReassembler) feed(data []byte) ([]rawPacket, error) {
	var out []rawPacket

	if len(r.buf) == 0 {
		for len(data) >= 4 {
			n, rest := unmarshalUint32(data)
			if uint64(len(rest)) < uint64(n) {
				break
			}
			if n < 1 {
				return out, errors.New("sftp: zero-length packet")
			}
			pkt := rawPacket{typ: rest[0], payload: rest[1:n]}
			out = append(out, pkt)
			data = rest[n:]
		}
		if len(data) > 0 {
			r.buf = append(r.buf, data...)
		}
		return out, nil
	}

	r.buf = append(r.buf, data...)
	for len(r.buf) >= 4 {
		n, rest := unmarshalUint32(r.buf)
		if uint64(len(rest)) < uint64(n) {
			break
		}
		if n < 1 {
			return out, errors.New("sftp: zero-length packet")
		}
		pkt := rawPacket{typ: rest[0], payload: append([]byte(nil), rest[1:n]...)}
		out = append(out, pkt)
		r.buf = rest[n:]
	}
	if len(r.buf) == 0 {
		r.buf = nil
	}
	return out, nil
}

// readPacket reads exactly one length-prefixed packet synchronously from r.
// The session does not call it: the version handshake, like every other
// response, goes through the packetReassembler.
func readPacket(r io.Reader) (rawPacket, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return rawPacket{}, err
	}
	n, _ := unmarshalUint32(hdr[:])
	if n < 1 {
		return rawPacket{}, errors.New("sftp: zero-length packet")
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return rawPacket{}, err
	}
	return rawPacket{typ: body[0], payload: body[1:]}, nil
}
