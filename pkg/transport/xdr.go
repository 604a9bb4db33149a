package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Wire framing for the TCP transport follows RFC 4506 XDR conventions: every
// variable-length field is a 4-byte big-endian length followed by the data,
// padded with zero bytes to the next 4-byte boundary. Fixed-width integers
// are big-endian. This mirrors the hand-rolled encode/decode helpers the
// reference NFS protocol layer uses for anything beyond a single flat field —
// the Envelope/Message union here has the same shape problem (variable
// number of nested variable-length slices) so it gets the same treatment,
// rather than leaning on reflection across a discriminated union.

const maxOpaqueBytes = 64 * 1024 * 1024

func writeUint32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func writeInt32(buf *bytes.Buffer, v int32) {
	writeUint32(buf, uint32(v))
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		writeUint32(buf, 1)
	} else {
		writeUint32(buf, 0)
	}
}

// writeOpaque writes length-prefixed, 4-byte padded variable-length data.
func writeOpaque(buf *bytes.Buffer, data []byte) {
	writeUint32(buf, uint32(len(data)))
	buf.Write(data)
	if pad := (4 - (len(data) % 4)) % 4; pad > 0 {
		var zero [3]byte
		buf.Write(zero[:pad])
	}
}

func writeString(buf *bytes.Buffer, s string) {
	writeOpaque(buf, []byte(s))
}

func readUint32(r io.Reader) (uint32, error) {
	var v uint32
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return 0, fmt.Errorf("read uint32: %w", err)
	}
	return v, nil
}

func readUint64(r io.Reader) (uint64, error) {
	var v uint64
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return 0, fmt.Errorf("read uint64: %w", err)
	}
	return v, nil
}

func readInt32(r io.Reader) (int32, error) {
	v, err := readUint32(r)
	return int32(v), err
}

func readBool(r io.Reader) (bool, error) {
	v, err := readUint32(r)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// readOpaque reads a length-prefixed, 4-byte padded variable-length field.
func readOpaque(r io.Reader) ([]byte, error) {
	length, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}
	if length > maxOpaqueBytes {
		return nil, fmt.Errorf("opaque length %d exceeds maximum %d", length, maxOpaqueBytes)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read data: %w", err)
	}
	if pad := (4 - (length % 4)) % 4; pad > 0 {
		var discard [3]byte
		if _, err := io.ReadFull(r, discard[:pad]); err != nil {
			return nil, fmt.Errorf("skip padding: %w", err)
		}
	}
	return data, nil
}

func readString(r io.Reader) (string, error) {
	data, err := readOpaque(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
