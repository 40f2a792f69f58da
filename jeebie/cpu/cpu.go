// Package cpu implements the SM83 CPU core: registers, instruction decode,
// interrupt dispatch and the HALT/STOP/IME state machine.
package cpu

import "fmt"

// Bus is everything the CPU needs from the rest of the machine. The MMU
// implements it; the CPU never reaches past this interface, so there are no
// back-pointers between CPU and MMU/PPU/APU (see the cyclic-graph design
// note: PPU/APU/timer only ever raise interrupts, CPU only ever samples them).
type Bus interface {
	Read(address uint16) uint8
	Write(address uint16, value uint8)
	// Tick advances PPU, timer, DMA and APU by the given number of T-cycles.
	// This is the tick-dot contract: every CPU memory access and every
	// internal-only M-cycle must drive the rest of the machine forward by
	// exactly 4 T-cycles before the access happens.
	Tick(tcycles int)
	// PendingInterrupts returns IE & IF & 0x1F, with no side effects.
	PendingInterrupts() uint8
	// ClearInterrupt clears a single bit of IF.
	ClearInterrupt(bit uint8)
}

// InvalidOpcodeError is raised when the CPU decodes one of the eleven
// non-prefixed opcodes with no defined behaviour on real hardware.
type InvalidOpcodeError struct {
	PC     uint16
	Opcode uint8
}

func (e *InvalidOpcodeError) Error() string {
	return fmt.Sprintf("invalid opcode 0x%02X at PC=0x%04X", e.Opcode, e.PC)
}

var invalidOpcodes = map[uint8]bool{
	0xD3: true, 0xDB: true, 0xDD: true, 0xE3: true, 0xE4: true, 0xEB: true,
	0xEC: true, 0xED: true, 0xF4: true, 0xFC: true, 0xFD: true,
}

const (
	vecVBlank = 0x40
	vecSTAT   = 0x48
	vecTimer  = 0x50
	vecSerial = 0x58
	vecJoypad = 0x60
)

// CPU holds SM83 register and control state. All memory traffic and cycle
// accounting flows through bus, by design note: CPU owns the MMU, not the
// other way around.
type CPU struct {
	bus Bus

	a, f       uint8
	b, c       uint8
	d, e       uint8
	h, l       uint8
	sp, pc     uint16
	currentPC  uint16 // PC at the start of the instruction being decoded, for diagnostics
	currentOp  uint8
	ime        bool
	eiDelay    int // counts down to 0, then arms IME (EI's one-instruction delay)
	halted     bool
	haltBug    bool // next fetch does not advance PC
	stopped    bool

	cyclesThisStep int // T-cycles consumed since the start of the current Tick()
}

// New creates a CPU wired to the given bus, with registers at their
// post-boot-ROM DMG values (as if the boot ROM had already run).
func New(bus Bus) *CPU {
	c := &CPU{bus: bus}
	c.a, c.f = 0x01, 0xB0
	c.b, c.c = 0x00, 0x13
	c.d, c.e = 0x00, 0xD8
	c.h, c.l = 0x01, 0x4D
	c.sp = 0xFFFE
	c.pc = 0x0100
	return c
}

// NewAtBootROMEntry creates a CPU with every register zeroed and PC at
// 0x0000, for use when a boot ROM overlay is mapped at reset.
func NewAtBootROMEntry(bus Bus) *CPU {
	return &CPU{bus: bus}
}

func (c *CPU) GetPC() uint16 { return c.pc }
func (c *CPU) GetSP() uint16 { return c.sp }
func (c *CPU) IsHalted() bool { return c.halted }
func (c *CPU) IME() bool      { return c.ime }

// Registers returns the 8-bit general registers, for debugger/test use.
func (c *CPU) Registers() (a, f, b, cc, d, e, h, l uint8) {
	return c.a, c.f, c.b, c.c, c.d, c.e, c.h, c.l
}

func (c *CPU) GetA() uint8 { return c.a }
func (c *CPU) GetF() uint8 { return c.f }
func (c *CPU) GetB() uint8 { return c.b }
func (c *CPU) GetC() uint8 { return c.c }
func (c *CPU) GetD() uint8 { return c.d }
func (c *CPU) GetE() uint8 { return c.e }
func (c *CPU) GetH() uint8 { return c.h }
func (c *CPU) GetL() uint8 { return c.l }

// GetFlagString renders the Z/N/H/C flags, upper-case when set and dash when
// clear, for terminal/debugger display.
func (c *CPU) GetFlagString() string {
	flags := [4]byte{'-', '-', '-', '-'}
	names := [4]byte{'Z', 'N', 'H', 'C'}
	bits := [4]Flag{flagZ, flagN, flagH, flagC}
	for i, f := range bits {
		if c.isSetFlag(f) {
			flags[i] = names[i]
		}
	}
	return string(flags[:])
}

func (c *CPU) SetRegisters(a, f, b, cc, d, e, h, l uint8) {
	c.a, c.f, c.b, c.c, c.d, c.e, c.h, c.l = a, f&0xF0, b, cc, d, e, h, l
}

func (c *CPU) SetSP(v uint16) { c.sp = v }
func (c *CPU) SetPC(v uint16) { c.pc = v }

// read performs one memory-read M-cycle: tick the rest of the machine by 4
// T-cycles, then read the bus. This ordering is mandatory (§4.1): a PPU/timer
// event that falls exactly on this M-cycle must be visible to the read.
func (c *CPU) read(addr uint16) uint8 {
	c.bus.Tick(4)
	c.cyclesThisStep += 4
	return c.bus.Read(addr)
}

func (c *CPU) write(addr uint16, value uint8) {
	c.bus.Tick(4)
	c.cyclesThisStep += 4
	c.bus.Write(addr, value)
}

// internalCycle burns one M-cycle with no bus access (branch-taken penalty,
// 16-bit INC/DEC, PUSH/CALL/RST internal delay, etc).
func (c *CPU) internalCycle() {
	c.bus.Tick(4)
	c.cyclesThisStep += 4
}

func (c *CPU) fetch() uint8 {
	op := c.read(c.pc)
	if c.haltBug {
		c.haltBug = false
	} else {
		c.pc++
	}
	return op
}

func (c *CPU) fetchImmediate() uint8 {
	v := c.read(c.pc)
	c.pc++
	return v
}

func (c *CPU) fetchImmediateWord() uint16 {
	lo := c.fetchImmediate()
	hi := c.fetchImmediate()
	return uint16(hi)<<8 | uint16(lo)
}

func (c *CPU) fetchSignedImmediate() int8 {
	return int8(c.fetchImmediate())
}

func (c *CPU) push(v uint16) {
	c.sp--
	c.write(c.sp, uint8(v>>8))
	c.sp--
	c.write(c.sp, uint8(v))
}

func (c *CPU) pop() uint16 {
	lo := c.read(c.sp)
	c.sp++
	hi := c.read(c.sp)
	c.sp++
	return uint16(hi)<<8 | uint16(lo)
}

// Tick executes one full instruction, or services one pending interrupt, or
// stays halted for one M-cycle. It returns (breakpointHit, mCyclesSpent).
//
// breakpointHit reports execution of opcode 0x40 (LD B,B), the conventional
// software breakpoint used by the Mooneye conformance suite to mark test
// completion; embedders combine it with register inspection to read the
// Fibonacci pass/fail pattern described in the conformance properties.
func (c *CPU) Tick() (breakpointHit bool, mCycles int) {
	c.cyclesThisStep = 0
	defer c.applyEIDelay()

	pending := c.bus.PendingInterrupts()

	if c.halted {
		if pending != 0 {
			c.halted = false
			if c.ime {
				c.dispatchInterrupt(pending)
				return false, c.cyclesThisStep / 4
			}
			// IME clear: wake up but do not dispatch, fall through and
			// execute the next opcode in this same Tick.
		} else {
			c.internalCycle()
			return false, c.cyclesThisStep / 4
		}
	}

	if c.ime && pending != 0 {
		c.dispatchInterrupt(pending)
		return false, c.cyclesThisStep / 4
	}

	c.currentPC = c.pc
	op := c.fetch()
	c.currentOp = op

	if op == 0x76 {
		c.execHalt(pending)
		return false, c.cyclesThisStep / 4
	}

	if op == 0xCB {
		cbOp := c.fetchImmediate()
		c.executeCB(cbOp)
		return false, c.cyclesThisStep / 4
	}

	if invalidOpcodes[op] {
		panic(&InvalidOpcodeError{PC: c.currentPC, Opcode: op})
	}

	c.executePrimary(op)

	return op == 0x40, c.cyclesThisStep / 4
}

// applyEIDelay advances the EI arming countdown. EI schedules IME to turn on
// only once the instruction *following* it has fully executed, so the
// decrement happens at the tail of Tick rather than at the top.
func (c *CPU) applyEIDelay() {
	if c.eiDelay == 0 {
		return
	}
	c.eiDelay--
	if c.eiDelay == 0 {
		c.ime = true
	}
}

// execHalt implements §4.1 HALT semantics, including the halt-bug quirk.
func (c *CPU) execHalt(pending uint8) {
	if !c.ime && pending != 0 {
		// Halt bug: the interrupt is already pending with IME clear. The
		// CPU does not actually halt; instead the next opcode fetch does
		// not advance PC, executing the following byte twice.
		c.haltBug = true
		return
	}
	c.halted = true
}

// dispatchInterrupt implements §4.1's 5 M-cycle ISR entry sequence,
// including the late re-sample of IE & IF between the two PUSH halves.
func (c *CPU) dispatchInterrupt(firstSample uint8) {
	c.halted = false
	c.internalCycle()
	c.internalCycle()

	c.write(c.sp-1, uint8(c.pc>>8))
	c.sp--

	// Late sample: a write to IE during the high-byte push can abort the
	// originally selected vector and choose another, or push to vector 0
	// if no interrupt is pending any more.
	second := c.bus.PendingInterrupts()
	bit := lowestSetBit(second)

	c.write(c.sp-1, uint8(c.pc))
	c.sp--

	c.internalCycle()
	c.ime = false

	if bit < 0 {
		c.pc = 0x0000
		return
	}

	c.bus.ClearInterrupt(uint8(bit))
	switch bit {
	case 0:
		c.pc = vecVBlank
	case 1:
		c.pc = vecSTAT
	case 2:
		c.pc = vecTimer
	case 3:
		c.pc = vecSerial
	case 4:
		c.pc = vecJoypad
	}
}

func lowestSetBit(v uint8) int {
	for i := 0; i < 5; i++ {
		if v&(1<<uint(i)) != 0 {
			return i
		}
	}
	return -1
}
