package agentlink

import (
	"bytes"
	"strings"

	"github.com/pkg/errors"
)

// Button identifies one joypad button. The order matches the order the
// emulator reads pressed_buttons in.
type Button int

const (
	ButtonA Button = iota
	ButtonB
	ButtonSelect
	ButtonStart
	ButtonUp
	ButtonDown
	ButtonLeft
	ButtonRight

	// ButtonCount is the number of buttons carried by every command.
	ButtonCount = 8
)

var buttonNames = [ButtonCount]string{"A", "B", "Select", "Start", "Up", "Down", "Left", "Right"}

func (b Button) String() string {
	if b < 0 || int(b) >= ButtonCount {
		return "Unknown"
	}
	return buttonNames[b]
}

// Buttons is the pressed state of every joypad button, indexed by Button.
type Buttons [ButtonCount]bool

// Press returns a Buttons value with the given buttons pressed.
func Press(pressed ...Button) Buttons {
	var b Buttons
	for _, p := range pressed {
		if p >= 0 && int(p) < ButtonCount {
			b[p] = true
		}
	}
	return b
}

// ParseButtons parses a comma or space separated list of button names
// such as "A,Right". Names are case-insensitive; an empty string presses
// nothing.
func ParseButtons(s string) (Buttons, error) {
	var b Buttons
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	for _, f := range fields {
		found := false
		for i, name := range buttonNames {
			if strings.EqualFold(f, name) {
				b[i] = true
				found = true
				break
			}
		}
		if !found {
			return Buttons{}, errors.Errorf("unknown button %q", f)
		}
	}
	return b, nil
}

func (b Buttons) String() string {
	var names []string
	for i, pressed := range b {
		if pressed {
			names = append(names, Button(i).String())
		}
	}
	return "[" + strings.Join(names, " ") + "]"
}

// Command is the input state sent to the emulator.
type Command struct {
	// Sequence increases by one for every command a session sends.
	Sequence uint64
	// Timestamp is the send time in unix milliseconds.
	Timestamp int64
	Buttons   Buttons
}

// Response is one screenshot received from the emulator.
type Response struct {
	Sequence  uint64
	Timestamp int64
	// Chunks hold the image bytes in order. The image is their concatenation.
	Chunks [][]byte
}

// Image returns the reassembled image bytes.
func (r Response) Image() []byte {
	if len(r.Chunks) == 1 {
		return r.Chunks[0]
	}
	return bytes.Join(r.Chunks, nil)
}

// Len returns the total image length.
func (r Response) Len() int {
	n := 0
	for _, c := range r.Chunks {
		n += len(c)
	}
	return n
}

// Codec serializes commands and parses responses on the client side.
// Implementations only see frame bodies; framing is handled by Conn.
type Codec interface {
	// EncodeCommand serializes a command into a frame body.
	EncodeCommand(Command) ([]byte, error)
	// DecodeResponse parses a complete frame body into a response.
	DecodeResponse([]byte) (Response, error)
}

// PeerCodec is the emulator side of Codec.
type PeerCodec interface {
	DecodeCommand([]byte) (Command, error)
	EncodeResponse(Response) ([]byte, error)
}
