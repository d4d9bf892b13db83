package protocol

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
)

var (
	ErrStringTooLong = errors.New("string exceeds 65535 bytes")
	ErrBytesTooLong  = errors.New("byte field exceeds maximum frame size")
)

func WriteUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func WriteUint16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func WriteUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func WriteInt32(w io.Writer, v int32) error {
	return WriteUint32(w, uint32(v))
}

func WriteInt64(w io.Writer, v int64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	_, err := w.Write(b[:])
	return err
}

func ReadUint8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func ReadUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func ReadUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func ReadInt32(r io.Reader) (int32, error) {
	v, err := ReadUint32(r)
	return int32(v), err
}

func ReadInt64(r io.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

// WriteString writes a u16 length followed by the UTF-8 bytes.
func WriteString(w io.Writer, s string) error {
	if len(s) > math.MaxUint16 {
		return ErrStringTooLong
	}
	if err := WriteUint16(w, uint16(len(s))); err != nil {
		return err
	}
	if len(s) == 0 {
		return nil
	}
	_, err := io.WriteString(w, s)
	return err
}

func ReadString(r io.Reader) (string, error) {
	n, err := ReadUint16(r)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// WriteOptionalString writes a presence byte, then the string when present.
// The empty string is encoded as absent.
func WriteOptionalString(w io.Writer, s string) error {
	if s == "" {
		return WriteUint8(w, 0)
	}
	if err := WriteUint8(w, 1); err != nil {
		return err
	}
	return WriteString(w, s)
}

func ReadOptionalString(r io.Reader) (string, error) {
	present, err := ReadUint8(r)
	if err != nil {
		return "", err
	}
	if present == 0 {
		return "", nil
	}
	return ReadString(r)
}

// WriteOptionalBytes writes a presence byte, then a u32 length and the bytes.
// A nil slice is encoded as absent; an empty non-nil slice as present.
func WriteOptionalBytes(w io.Writer, b []byte) error {
	if b == nil {
		return WriteUint8(w, 0)
	}
	if len(b) > MaxFrameSize {
		return ErrBytesTooLong
	}
	if err := WriteUint8(w, 1); err != nil {
		return err
	}
	if err := WriteUint32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func ReadOptionalBytes(r io.Reader) ([]byte, error) {
	present, err := ReadUint8(r)
	if err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	n, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}
	if n > MaxFrameSize {
		return nil, ErrBytesTooLong
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
