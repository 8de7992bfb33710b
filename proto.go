package agentlink

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the emulator's agent_interface messages.
//
//	message ButtonPress { uint64 timestamp = 1; uint64 sequence_number = 2; repeated bool pressed_buttons = 3; }
//	message Screenshot  { uint64 timestamp = 1; uint64 sequence_number = 2; repeated bytes png_data = 3; }
const (
	fieldTimestamp protowire.Number = 1
	fieldSequence  protowire.Number = 2
	fieldPayload   protowire.Number = 3
)

// ProtoCodec encodes ButtonPress and Screenshot messages in protobuf wire
// format. It implements both Codec and PeerCodec.
type ProtoCodec struct{}

var (
	_ Codec     = ProtoCodec{}
	_ PeerCodec = ProtoCodec{}
)

// EncodeCommand encodes cmd as a ButtonPress with all eight buttons packed.
func (ProtoCodec) EncodeCommand(cmd Command) ([]byte, error) {
	b := appendHeaderFields(nil, cmd.Timestamp, cmd.Sequence)

	packed := make([]byte, 0, ButtonCount)
	for _, pressed := range cmd.Buttons {
		packed = protowire.AppendVarint(packed, protowire.EncodeBool(pressed))
	}
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)
	return b, nil
}

// DecodeCommand parses a ButtonPress. Buttons past the eighth are ignored.
func (ProtoCodec) DecodeCommand(b []byte) (Command, error) {
	var (
		cmd Command
		idx int
	)
	push := func(v uint64) {
		if idx < ButtonCount {
			cmd.Buttons[idx] = protowire.DecodeBool(v)
		}
		idx++
	}

	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldPayload {
			return consumeHeaderField(num, typ, b, &cmd.Timestamp, &cmd.Sequence)
		}
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return n, nil
			}
			push(v)
			return n, nil
		case protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return m, nil
				}
				push(v)
				packed = packed[m:]
			}
			return n, nil
		}
		return 0, errors.Errorf("pressed_buttons: unexpected wire type %d", typ)
	})
	if err != nil {
		return Command{}, errors.Wrapf(ErrCodec, "decode ButtonPress: %v", err)
	}
	return cmd, nil
}

// EncodeResponse encodes resp as a Screenshot, one png_data entry per chunk.
func (ProtoCodec) EncodeResponse(resp Response) ([]byte, error) {
	b := appendHeaderFields(nil, resp.Timestamp, resp.Sequence)
	for _, chunk := range resp.Chunks {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, chunk)
	}
	return b, nil
}

// DecodeResponse parses a Screenshot, keeping png_data entries as chunks.
func (ProtoCodec) DecodeResponse(b []byte) (Response, error) {
	var resp Response
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldPayload {
			return consumeHeaderField(num, typ, b, &resp.Timestamp, &resp.Sequence)
		}
		if typ != protowire.BytesType {
			return 0, errors.Errorf("png_data: unexpected wire type %d", typ)
		}
		chunk, n := protowire.ConsumeBytes(b)
		if n >= 0 {
			resp.Chunks = append(resp.Chunks, chunk)
		}
		return n, nil
	})
	if err != nil {
		return Response{}, errors.Wrapf(ErrCodec, "decode Screenshot: %v", err)
	}
	return resp, nil
}

func appendHeaderFields(b []byte, timestamp int64, sequence uint64) []byte {
	if timestamp != 0 {
		b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(timestamp))
	}
	if sequence != 0 {
		b = protowire.AppendTag(b, fieldSequence, protowire.VarintType)
		b = protowire.AppendVarint(b, sequence)
	}
	return b
}

// consumeHeaderField decodes timestamp and sequence_number and skips
// fields this package does not know.
func consumeHeaderField(num protowire.Number, typ protowire.Type, b []byte, timestamp *int64, sequence *uint64) (int, error) {
	if (num == fieldTimestamp || num == fieldSequence) && typ == protowire.VarintType {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return n, nil
		}
		if num == fieldTimestamp {
			*timestamp = int64(v)
		} else {
			*sequence = v
		}
		return n, nil
	}
	return protowire.ConsumeFieldValue(num, typ, b), nil
}

// walkFields calls fn for every field in b. fn returns the number of value
// bytes it consumed, or a negative protowire error code.
func walkFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}
