package video

import "github.com/jeebie-core/gbcore/jeebie/addr"

// Bus is everything the PPU needs from the rest of the machine: VRAM/OAM and
// register access, plus interrupt requesting. Kept as a narrow interface
// (rather than importing the memory package directly) so the PPU has no
// back-reference to its owner, matching the one-way ownership chain
// CPU -> MMU -> PPU/APU/timer.
type Bus interface {
	Read(address uint16) byte
	Write(address uint16, value byte)
	ReadBit(index uint8, address uint16) bool
	RequestInterrupt(interrupt addr.Interrupt)
}
