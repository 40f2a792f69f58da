package memory

import "github.com/jeebie-core/gbcore/jeebie/bit"

// JoypadKey represents a key on the Gameboy joypad.
type JoypadKey uint8

const (
	JoypadRight JoypadKey = iota
	JoypadLeft
	JoypadUp
	JoypadDown
	JoypadA
	JoypadB
	JoypadSelect
	JoypadStart
)

// Joypad models the P1/JOYP register and the two 4-bit button groups it
// multiplexes. JoypadInterruptHandler, if set, is called whenever a button
// press transitions a previously-high line low while that group is selected,
// matching the interrupt behaviour wired by the MMU.
type Joypad struct {
	buttons uint8 // bit clear == pressed: A,B,Select,Start on bits 0-3
	dpad    uint8 // bit clear == pressed: Right,Left,Up,Down on bits 0-3
	line    uint8 // selection bits 4-5 as last written

	JoypadInterruptHandler func()
}

// NewJoypad creates a new Joypad instance with no keys pressed.
func NewJoypad() *Joypad {
	return &Joypad{
		buttons: 0x0F,
		dpad:    0x0F,
	}
}

// Read returns the full P1 register value: bits 6-7 always 1, bits 4-5 the
// selection as last written, bits 0-3 the selected button group (or the AND
// of both groups if both are selected, or all-1 if neither is).
func (j *Joypad) Read() uint8 {
	result := uint8(0xC0) | (j.line & 0x30)

	selectDpad := !bit.IsSet(4, j.line)
	selectButtons := !bit.IsSet(5, j.line)

	switch {
	case selectButtons && !selectDpad:
		result |= j.buttons & 0x0F
	case selectDpad && !selectButtons:
		result |= j.dpad & 0x0F
	case selectButtons && selectDpad:
		result |= j.buttons & j.dpad & 0x0F
	default:
		result |= 0x0F
	}

	return result
}

// Write sets the joypad line selection (only bits 4-5 are writable).
func (j *Joypad) Write(value uint8) {
	j.line = value & 0x30
}

// Press marks a key as held, firing the joypad interrupt if this causes a
// bit to fall from 1 to 0 in a currently-selected group.
func (j *Joypad) Press(key JoypadKey) {
	before := j.Read()

	switch key {
	case JoypadRight:
		j.dpad = bit.Reset(0, j.dpad)
	case JoypadLeft:
		j.dpad = bit.Reset(1, j.dpad)
	case JoypadUp:
		j.dpad = bit.Reset(2, j.dpad)
	case JoypadDown:
		j.dpad = bit.Reset(3, j.dpad)
	case JoypadA:
		j.buttons = bit.Reset(0, j.buttons)
	case JoypadB:
		j.buttons = bit.Reset(1, j.buttons)
	case JoypadSelect:
		j.buttons = bit.Reset(2, j.buttons)
	case JoypadStart:
		j.buttons = bit.Reset(3, j.buttons)
	}

	after := j.Read()
	if (before&^after)&0x0F != 0 && j.JoypadInterruptHandler != nil {
		j.JoypadInterruptHandler()
	}
}

// Release marks a key as no longer held.
func (j *Joypad) Release(key JoypadKey) {
	switch key {
	case JoypadRight:
		j.dpad = bit.Set(0, j.dpad)
	case JoypadLeft:
		j.dpad = bit.Set(1, j.dpad)
	case JoypadUp:
		j.dpad = bit.Set(2, j.dpad)
	case JoypadDown:
		j.dpad = bit.Set(3, j.dpad)
	case JoypadA:
		j.buttons = bit.Set(0, j.buttons)
	case JoypadB:
		j.buttons = bit.Set(1, j.buttons)
	case JoypadSelect:
		j.buttons = bit.Set(2, j.buttons)
	case JoypadStart:
		j.buttons = bit.Set(3, j.buttons)
	}
}
