package cpu

// This file implements opcode decode and execution using the standard
// Z80/SM83 bit-field decomposition of an opcode byte:
//
//	x = opcode >> 6        (2 bits)
//	y = (opcode >> 3) & 7   (3 bits)
//	z = opcode & 7          (3 bits)
//	p = y >> 1              (2 bits, used when y selects a register pair)
//	q = y & 1               (1 bit)
//
// See http://www.z80.info/decoding.htm for the canonical table this follows.

// reg8 reads one of the eight z/y-indexed 8-bit operands: B C D E H L (HL) A.
// Index 6, (HL), costs one extra memory read M-cycle.
func (c *CPU) reg8(index uint8) uint8 {
	switch index {
	case 0:
		return c.b
	case 1:
		return c.c
	case 2:
		return c.d
	case 3:
		return c.e
	case 4:
		return c.h
	case 5:
		return c.l
	case 6:
		return c.read(c.getHL())
	default:
		return c.a
	}
}

func (c *CPU) setReg8(index uint8, v uint8) {
	switch index {
	case 0:
		c.b = v
	case 1:
		c.c = v
	case 2:
		c.d = v
	case 3:
		c.e = v
	case 4:
		c.h = v
	case 5:
		c.l = v
	case 6:
		c.write(c.getHL(), v)
	default:
		c.a = v
	}
}

func (c *CPU) regPair(p uint8) uint16 {
	switch p {
	case 0:
		return c.getBC()
	case 1:
		return c.getDE()
	case 2:
		return c.getHL()
	default:
		return c.sp
	}
}

func (c *CPU) setRegPair(p uint8, v uint16) {
	switch p {
	case 0:
		c.setBC(v)
	case 1:
		c.setDE(v)
	case 2:
		c.setHL(v)
	default:
		c.sp = v
	}
}

// regPair2 is the push/pop variant where p=3 selects AF instead of SP.
func (c *CPU) regPair2(p uint8) uint16 {
	if p == 3 {
		return c.getAF()
	}
	return c.regPair(p)
}

func (c *CPU) setRegPair2(p uint8, v uint16) {
	if p == 3 {
		c.setAF(v)
		return
	}
	c.setRegPair(p, v)
}

func (c *CPU) condition(y uint8) bool {
	switch y & 3 {
	case 0:
		return !c.isSetFlag(flagZ)
	case 1:
		return c.isSetFlag(flagZ)
	case 2:
		return !c.isSetFlag(flagC)
	default:
		return c.isSetFlag(flagC)
	}
}

// executePrimary decodes and runs one non-prefixed opcode.
func (c *CPU) executePrimary(op uint8) {
	x := op >> 6
	y := (op >> 3) & 7
	z := op & 7
	p := y >> 1
	q := y & 1

	switch x {
	case 0:
		c.execX0(op, y, z, p, q)
	case 1:
		if z == 6 && y == 6 {
			// 0x76 is HALT, handled by the caller before reaching here.
			return
		}
		c.setReg8(y, c.reg8(z))
	case 2:
		c.aluOp(y, c.reg8(z))
	default:
		c.execX3(op, y, z, p, q)
	}
}

func (c *CPU) execX0(op, y, z, p, q uint8) {
	switch z {
	case 0:
		switch y {
		case 0: // NOP
		case 1: // LD (nn),SP
			addr := c.fetchImmediateWord()
			c.write(addr, uint8(c.sp))
			c.write(addr+1, uint8(c.sp>>8))
		case 2: // STOP
			c.stopped = true
			c.fetchImmediate() // STOP is followed by an ignored byte on DMG
		case 3: // JR d
			d := c.fetchSignedImmediate()
			c.internalCycle()
			c.pc = uint16(int32(c.pc) + int32(d))
		default: // JR cc,d (y=4..7)
			d := c.fetchSignedImmediate()
			if c.condition(y - 4) {
				c.internalCycle()
				c.pc = uint16(int32(c.pc) + int32(d))
			}
		}
	case 1:
		if q == 0 { // LD rp,nn
			c.setRegPair(p, c.fetchImmediateWord())
		} else { // ADD HL,rp
			c.addHL(c.regPair(p))
			c.internalCycle()
		}
	case 2:
		switch {
		case q == 0 && p == 0: // LD (BC),A
			c.write(c.getBC(), c.a)
		case q == 0 && p == 1: // LD (DE),A
			c.write(c.getDE(), c.a)
		case q == 0 && p == 2: // LD (HL+),A
			hl := c.getHL()
			c.write(hl, c.a)
			c.setHL(hl + 1)
		case q == 0 && p == 3: // LD (HL-),A
			hl := c.getHL()
			c.write(hl, c.a)
			c.setHL(hl - 1)
		case q == 1 && p == 0: // LD A,(BC)
			c.a = c.read(c.getBC())
		case q == 1 && p == 1: // LD A,(DE)
			c.a = c.read(c.getDE())
		case q == 1 && p == 2: // LD A,(HL+)
			hl := c.getHL()
			c.a = c.read(hl)
			c.setHL(hl + 1)
		default: // LD A,(HL-)
			hl := c.getHL()
			c.a = c.read(hl)
			c.setHL(hl - 1)
		}
	case 3:
		if q == 0 {
			c.setRegPair(p, c.regPair(p)+1)
		} else {
			c.setRegPair(p, c.regPair(p)-1)
		}
		c.internalCycle()
	case 4: // INC r
		c.setReg8(y, c.inc8(c.reg8(y)))
	case 5: // DEC r
		c.setReg8(y, c.dec8(c.reg8(y)))
	case 6: // LD r,n
		c.setReg8(y, c.fetchImmediate())
	default: // z==7, single-byte rotate/misc on A, and flag ops
		switch y {
		case 0:
			c.a = c.rotateLeft(c.a, false)
			c.resetFlag(flagZ)
		case 1:
			c.a = c.rotateRight(c.a, false)
			c.resetFlag(flagZ)
		case 2:
			c.a = c.rotateLeft(c.a, true)
			c.resetFlag(flagZ)
		case 3:
			c.a = c.rotateRight(c.a, true)
			c.resetFlag(flagZ)
		case 4: // DAA
			c.daa()
		case 5: // CPL
			c.a = ^c.a
			c.setFlag(flagN)
			c.setFlag(flagH)
		case 6: // SCF
			c.setFlag(flagC)
			c.resetFlag(flagN)
			c.resetFlag(flagH)
		default: // CCF
			c.setFlagToCondition(flagC, !c.isSetFlag(flagC))
			c.resetFlag(flagN)
			c.resetFlag(flagH)
		}
	}
}

func (c *CPU) execX3(op, y, z, p, q uint8) {
	switch z {
	case 0:
		switch y {
		case 0, 1, 2, 3: // RET cc
			c.internalCycle()
			if c.condition(y) {
				c.pc = c.pop()
				c.internalCycle()
			}
		case 4: // LDH (n),A
			n := c.fetchImmediate()
			c.write(0xFF00+uint16(n), c.a)
		case 5: // ADD SP,d
			c.sp = c.addSPSigned(c.fetchSignedImmediate())
			c.internalCycle()
			c.internalCycle()
		case 6: // LDH A,(n)
			n := c.fetchImmediate()
			c.a = c.read(0xFF00 + uint16(n))
		default: // LD HL,SP+d
			c.setHL(c.addSPSigned(c.fetchSignedImmediate()))
			c.internalCycle()
		}
	case 1:
		if q == 0 { // POP rp2
			c.setRegPair2(p, c.pop())
		} else {
			switch p {
			case 0: // RET
				c.pc = c.pop()
				c.internalCycle()
			case 1: // RETI
				c.pc = c.pop()
				c.ime = true
				c.internalCycle()
			case 2: // JP HL
				c.pc = c.getHL()
			default: // LD SP,HL
				c.sp = c.getHL()
				c.internalCycle()
			}
		}
	case 2:
		switch y {
		case 0, 1, 2, 3: // JP cc,nn
			addr := c.fetchImmediateWord()
			if c.condition(y) {
				c.internalCycle()
				c.pc = addr
			}
		case 4: // LD (C),A
			c.write(0xFF00+uint16(c.c), c.a)
		case 5: // LD (nn),A
			c.write(c.fetchImmediateWord(), c.a)
		case 6: // LD A,(C)
			c.a = c.read(0xFF00 + uint16(c.c))
		default: // LD A,(nn)
			c.a = c.read(c.fetchImmediateWord())
		}
	case 3:
		switch y {
		case 0: // JP nn
			addr := c.fetchImmediateWord()
			c.internalCycle()
			c.pc = addr
		case 6: // DI
			c.ime = false
			c.eiDelay = 0
		case 7: // EI
			c.eiDelay = 2
		default:
			panic(&InvalidOpcodeError{PC: c.currentPC, Opcode: op})
		}
	case 4:
		switch y {
		case 0, 1, 2, 3: // CALL cc,nn
			addr := c.fetchImmediateWord()
			if c.condition(y) {
				c.internalCycle()
				c.push(c.pc)
				c.pc = addr
			}
		default:
			panic(&InvalidOpcodeError{PC: c.currentPC, Opcode: op})
		}
	case 5:
		if q == 0 { // PUSH rp2
			c.internalCycle()
			c.push(c.regPair2(p))
		} else if p == 0 { // CALL nn
			addr := c.fetchImmediateWord()
			c.internalCycle()
			c.push(c.pc)
			c.pc = addr
		} else {
			panic(&InvalidOpcodeError{PC: c.currentPC, Opcode: op})
		}
	case 6: // ALU n
		c.aluOp(y, c.fetchImmediate())
	default: // RST y*8
		c.internalCycle()
		c.push(c.pc)
		c.pc = uint16(y) * 8
	}
}

// executeCB decodes and runs one CB-prefixed opcode.
func (c *CPU) executeCB(op uint8) {
	x := op >> 6
	y := (op >> 3) & 7
	z := op & 7

	switch x {
	case 0:
		c.setReg8(z, c.rotOp(y, c.reg8(z)))
	case 1: // BIT y,r
		v := c.reg8(z)
		c.setFlagToCondition(flagZ, v&(1<<y) == 0)
		c.resetFlag(flagN)
		c.setFlag(flagH)
	case 2: // RES y,r
		c.setReg8(z, c.reg8(z)&^(1<<y))
	default: // SET y,r
		c.setReg8(z, c.reg8(z)|(1<<y))
	}
}
