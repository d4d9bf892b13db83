package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/pierrec/lz4/v4"
)

const (
	// MaxFrameSize is the maximum allowed frame size (1 MB)
	MaxFrameSize = 1024 * 1024

	// ProtocolVersion is the current protocol version
	// v1: Initial envelope protocol
	// v2: Added LZ4 compression support (FlagCompressed)
	ProtocolVersion = 2

	// CompressionThreshold is the minimum body size to consider compression (512 bytes)
	CompressionThreshold = 512

	// frameHeaderSize counts the version, type and flags bytes covered by the length prefix
	frameHeaderSize = 3
)

// Flag constants
const (
	FlagCompressed = 0x01 // Bit 0: body is LZ4 compressed
)

var (
	ErrFrameTooLarge        = errors.New("frame exceeds maximum size (1 MB)")
	ErrInvalidFrameLength   = errors.New("invalid frame length")
	ErrDecompressionFailed  = errors.New("decompression failed")
	ErrInvalidCompressedLen = errors.New("invalid compressed payload length")
)

// Frame is the unit on the wire.
// Format: [Length (4 bytes)][Version (1 byte)][Type (1 byte)][Flags (1 byte)][Body (N bytes)]
//
// Type carries the envelope Category; Body carries the encoded envelope fields.
type Frame struct {
	Version uint8
	Type    uint8
	Flags   uint8
	Payload []byte
}

// CompressPayload compresses data using LZ4 and prepends the uncompressed size.
// Format: [Uncompressed Size (4 bytes, big-endian)][LZ4 Compressed Data]
// Returns the original data if compression doesn't reduce size.
func CompressPayload(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}

	compressed := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	binary.BigEndian.PutUint32(compressed[:4], uint32(len(data)))

	n, err := lz4.CompressBlock(data, compressed[4:], nil)
	if err != nil || n == 0 {
		return data, false
	}

	if 4+n >= len(data) {
		return data, false
	}
	return compressed[:4+n], true
}

// DecompressPayload reverses CompressPayload.
func DecompressPayload(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrInvalidCompressedLen
	}

	size := binary.BigEndian.Uint32(data[:4])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	out := make([]byte, size)
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil || n != int(size) {
		return nil, ErrDecompressionFailed
	}
	return out, nil
}

// peerSupportsCompression reports whether a peer speaking the given version
// understands FlagCompressed. No version means "assume yes" (tests, loopback).
func peerSupportsCompression(peerVersion []uint8) bool {
	if len(peerVersion) == 0 {
		return true
	}
	v := peerVersion[0]
	return v >= 2 && v <= ProtocolVersion
}

// EncodeFrame writes a frame to w, compressing bodies of at least
// CompressionThreshold bytes when that saves space and the peer supports it.
//
// The whole frame is assembled first and handed to w in a single Write so a
// frame is never split across writes (WebSocket transports map one Write to
// one message).
func EncodeFrame(w io.Writer, f *Frame, peerVersion ...uint8) error {
	payload := f.Payload
	flags := f.Flags

	if peerSupportsCompression(peerVersion) && len(payload) >= CompressionThreshold && flags&FlagCompressed == 0 {
		if compressed, ok := CompressPayload(payload); ok {
			payload = compressed
			flags |= FlagCompressed
		}
	}

	length := uint32(frameHeaderSize + len(payload))
	if length > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[:4], length)
	buf[4] = f.Version
	buf[5] = f.Type
	buf[6] = flags
	copy(buf[7:], payload)

	if _, err := w.Write(buf); err != nil {
		return err
	}

	// Flush if the writer supports it (e.g., *bufio.Writer)
	type flusher interface {
		Flush() error
	}
	if fl, ok := w.(flusher); ok {
		return fl.Flush()
	}
	return nil
}

// DecodeFrame reads one frame from r.
//
// ErrFrameTooLarge leaves the stream unusable (the oversized body is not
// consumed). ErrInvalidFrameLength and decompression errors leave the stream
// positioned at the next frame, so callers may keep reading.
func DecodeFrame(r io.Reader) (*Frame, error) {
	length, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}

	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	if length < frameHeaderSize {
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return nil, err
		}
		return nil, ErrInvalidFrameLength
	}

	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	payload := make([]byte, length-frameHeaderSize)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}

	flags := header[2]
	if flags&FlagCompressed != 0 && len(payload) > 0 {
		decompressed, err := DecompressPayload(payload)
		if err != nil {
			return nil, err
		}
		payload = decompressed
		flags &^= FlagCompressed
	}

	return &Frame{
		Version: header[0],
		Type:    header[1],
		Flags:   flags,
		Payload: payload,
	}, nil
}

// MarshalFrame encodes a frame to a byte slice. Used to encode a broadcast
// once and write the same bytes to many sessions.
func MarshalFrame(f *Frame, peerVersion ...uint8) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := EncodeFrame(buf, f, peerVersion...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
