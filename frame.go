package agentlink

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

const (
	// HeaderSize is the width of the length prefix preceding every frame body.
	HeaderSize = 4
	// MaxFrameLength is the largest body length the header can carry.
	MaxFrameLength = math.MaxUint32
)

// DefaultByteOrder is the byte order of the length prefix. The emulator
// writes its header as a host-order integer, so both ends of the socket
// must agree on the host representation.
var DefaultByteOrder binary.ByteOrder = binary.NativeEndian

// EncodeHeader encodes a body length into a frame header.
// It fails with ErrLengthOverflow when length does not fit in 32 bits.
func EncodeHeader(length uint64, order binary.ByteOrder) ([HeaderSize]byte, error) {
	var h [HeaderSize]byte
	if length > MaxFrameLength {
		return h, errors.Wrapf(ErrLengthOverflow, "frame length %d exceeds %d", length, uint64(MaxFrameLength))
	}
	order.PutUint32(h[:], uint32(length))
	return h, nil
}

// DecodeHeader decodes a frame header. Every bit pattern is a valid length;
// zero means the peer has nothing to send yet.
func DecodeHeader(h [HeaderSize]byte, order binary.ByteOrder) uint32 {
	return order.Uint32(h[:])
}

// AppendFrame appends the header and payload to dst as one contiguous
// message. dst is returned unchanged on error.
func AppendFrame(dst, payload []byte, order binary.ByteOrder) ([]byte, error) {
	h, err := EncodeHeader(uint64(len(payload)), order)
	if err != nil {
		return dst, err
	}
	dst = append(dst, h[:]...)
	return append(dst, payload...), nil
}
