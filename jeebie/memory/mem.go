package memory

import (
	"fmt"
	"log/slog"

	"github.com/jeebie-core/gbcore/jeebie/addr"
	"github.com/jeebie-core/gbcore/jeebie/audio"
	"github.com/jeebie-core/gbcore/jeebie/bit"
	"github.com/jeebie-core/gbcore/jeebie/serial"
	"github.com/jeebie-core/gbcore/jeebie/video"
)

type memRegion uint8

const (
	regionROM memRegion = iota
	regionVRAM
	regionExtRAM
	regionWRAM
	regionEcho
	regionOAM
	regionUnused
	regionIO
	regionHRAM
)

// SerialPort is the minimal interface for a serial device connected to SB/SC.
// Implementations MUST only accept reads/writes to addr.SB and addr.SC.
type SerialPort interface {
	Write(address uint16, value byte)
	Read(address uint16) byte
	Tick(cycles int)
	Reset()
}

const oamDMALengthCycles = 160 * 4 // 160 bytes, 4 T-cycles per byte copy

// MMU allows access to all memory mapped I/O and data/registers.
type MMU struct {
	cart      *Cartridge
	mbc       MBC
	memory    []byte
	APU       *audio.APU
	PPU       *video.GPU
	regionMap [256]memRegion

	joypad *Joypad
	serial SerialPort
	timer  Timer

	bootROM       []byte
	bootROMMapped bool

	dmaActive      bool
	dmaSource      uint16
	dmaProgress    int  // T-cycles elapsed since DMA start
	dmaCurrentByte byte // last byte copied, observed by same-bus CPU reads

	onRAMDisabled func()
	ramWasEnabled bool
}

// New creates a new memory unit with default data, i.e. nothing cartridge loaded.
// Equivalent to turning on a Gameboy without a cartridge in.
func New() *MMU {
	mmu := &MMU{
		memory: make([]byte, 0x10000),
		cart:   NewCartridge(),
		APU:    audio.New(),
		joypad: NewJoypad(),
	}
	mmu.PPU = video.NewGpu(mmu)
	mmu.serial = serial.NewLogSink(func() { mmu.RequestInterrupt(addr.SerialInterrupt) })
	mmu.timer.TimerInterruptHandler = func() { mmu.RequestInterrupt(addr.TimerInterrupt) }
	mmu.joypad.JoypadInterruptHandler = func() { mmu.RequestInterrupt(addr.JoypadInterrupt) }
	initRegionMap(mmu)
	return mmu
}

// SetBootROM installs a 256-byte boot ROM image, overlaid on 0x0000-0x00FF
// until the game writes a non-zero value to 0xFF50.
func (m *MMU) SetBootROM(data []byte) {
	if len(data) != 0x100 {
		return
	}
	m.bootROM = data
	m.bootROMMapped = true
}

// Tick advances PPU, timer, serial, DMA and APU by the given number of
// T-cycles. This is the single tick-dot entry point the CPU drives.
func (m *MMU) Tick(cycles int) {
	m.timer.Tick(cycles)
	if m.serial != nil {
		m.serial.Tick(cycles)
	}
	if m.APU != nil {
		m.APU.Tick(cycles)
	}
	if m.PPU != nil {
		m.PPU.Tick(cycles)
	}
	m.tickDMA(cycles)
}

func (m *MMU) tickDMA(cycles int) {
	if !m.dmaActive {
		return
	}
	for i := 0; i < cycles; i++ {
		m.dmaProgress++
		if m.dmaProgress%4 != 0 {
			continue
		}
		byteIndex := m.dmaProgress/4 - 1
		if byteIndex < 0 || byteIndex >= 160 {
			continue
		}
		b := m.rawRead(m.dmaSource + uint16(byteIndex))
		m.dmaCurrentByte = b
		m.memory[0xFE00+byteIndex] = b
		if byteIndex == 159 {
			m.dmaActive = false
		}
	}
}

// PendingInterrupts returns IE & IF & 0x1F, for the CPU's Bus interface.
func (m *MMU) PendingInterrupts() uint8 {
	return m.memory[addr.IE] & m.memory[addr.IF] & 0x1F
}

// ClearInterrupt clears a single IF bit, for the CPU's Bus interface.
func (m *MMU) ClearInterrupt(bitIndex uint8) {
	m.memory[addr.IF] = bit.Reset(bitIndex, m.memory[addr.IF])
}

// SetTimerSeed initializes the internal timer divider seed and DIV register.
func (m *MMU) SetTimerSeed(seed uint16) {
	m.timer.SetSeed(seed)
}

// NewWithCartridge creates a new memory unit with the provided cartridge data loaded.
// Equivalent to turning on a Gameboy with a cartridge in.
func NewWithCartridge(cart *Cartridge) *MMU {
	mmu := New()
	mmu.cart = cart

	switch cart.mbcType {
	case NoMBCType:
		mmu.mbc = NewNoMBC(cart.data)
	case MBC1Type:
		mmu.mbc = NewMBC1(cart.data, cart.hasBattery, cart.ramBankCount, false)
	case MBC1MultiType:
		mmu.mbc = NewMBC1(cart.data, cart.hasBattery, cart.ramBankCount, true)
	case MBC2Type:
		mmu.mbc = NewMBC2(cart.data, cart.hasBattery)
	case MBC3Type:
		mmu.mbc = NewMBC3(cart.data, cart.ramBankCount, cart.hasRTC, cart.hasBattery)
	case MBC5Type:
		mmu.mbc = NewMBC5(cart.data, cart.hasRumble, cart.hasBattery, cart.ramBankCount)
	case MBCUnknownType:
		panic("unsupported MBC type: unknown")
	default:
		panic(fmt.Sprintf("unsupported MBC type: %d", cart.mbcType))
	}

	return mmu
}

// SaveRAM returns the current battery-backed RAM contents, or nil if the
// loaded cartridge has none.
func (m *MMU) SaveRAM() []byte {
	if m.mbc == nil {
		return nil
	}
	return m.mbc.SaveRAM()
}

// LoadRAM restores previously saved battery-backed RAM.
func (m *MMU) LoadRAM(data []byte) {
	if m.mbc == nil {
		return
	}
	m.mbc.LoadRAM(data)
}

// SetRAMDisabledHandler registers a callback fired whenever the cartridge's
// external RAM transitions from enabled to disabled, the point at which real
// battery-backed hardware commits its contents. Used to persist save data
// without writing to disk on every RAM access.
func (m *MMU) SetRAMDisabledHandler(fn func()) {
	m.onRAMDisabled = fn
	if m.mbc != nil {
		m.ramWasEnabled = m.mbc.RAMEnabled()
	}
}

// checkRAMDisableTransition fires onRAMDisabled when the MBC's RAM-enable
// register falls from enabled to disabled. Must be called after every write
// that could touch that register (0x0000-0x1FFF, handled by regionROM).
func (m *MMU) checkRAMDisableTransition() {
	if m.mbc == nil || m.onRAMDisabled == nil {
		return
	}
	enabled := m.mbc.RAMEnabled()
	if m.ramWasEnabled && !enabled {
		m.onRAMDisabled()
	}
	m.ramWasEnabled = enabled
}

func initRegionMap(m *MMU) {
	for i := 0x00; i <= 0x7F; i++ {
		m.regionMap[i] = regionROM
	}
	for i := 0x80; i <= 0x9F; i++ {
		m.regionMap[i] = regionVRAM
	}
	for i := 0xA0; i <= 0xBF; i++ {
		m.regionMap[i] = regionExtRAM
	}
	for i := 0xC0; i <= 0xDF; i++ {
		m.regionMap[i] = regionWRAM
	}
	for i := 0xE0; i <= 0xFD; i++ {
		m.regionMap[i] = regionEcho
	}
	m.regionMap[0xFE] = regionOAM
	m.regionMap[0xFF] = regionIO
}

// RequestInterrupt sets the interrupt flag (IF register) of the chosen interrupt to 1.
func (m *MMU) RequestInterrupt(interrupt addr.Interrupt) {
	var bitPos uint8
	switch interrupt {
	case addr.VBlankInterrupt:
		bitPos = 0
	case addr.LCDSTATInterrupt:
		bitPos = 1
	case addr.TimerInterrupt:
		bitPos = 2
	case addr.SerialInterrupt:
		bitPos = 3
	case addr.JoypadInterrupt:
		bitPos = 4
	default:
		panic(fmt.Sprintf("Unknown interrupt: 0x%02X", uint8(interrupt)))
	}

	m.memory[addr.IF] = bit.Set(bitPos, m.memory[addr.IF]) | 0xE0
}

func (m *MMU) ReadBit(index uint8, address uint16) bool {
	return bit.IsSet(index, m.Read(address))
}

func (m *MMU) SetBit(index uint8, address uint16, set bool) {
	value := m.Read(address)
	if set {
		value = bit.Set(index, value)
	} else {
		value = bit.Reset(index, value)
	}
	m.Write(address, value)
}

// rawRead bypasses the DMA bus-conflict rule; used internally by the DMA
// copy loop and never by the CPU-facing Read.
func (m *MMU) rawRead(address uint16) byte {
	switch m.regionMap[address>>8] {
	case regionROM, regionExtRAM:
		if m.mbc == nil {
			return 0xFF
		}
		return m.mbc.Read(address)
	default:
		return m.memory[address]
	}
}

// dmaBusGroup reports which physical bus a region sits on, for OAM DMA
// conflict detection; -1 means the region has no bus in common with the DMA
// source or destination.
func dmaBusGroup(region memRegion) int {
	switch region {
	case regionROM, regionExtRAM, regionWRAM, regionEcho:
		return 0 // external bus
	case regionVRAM:
		return 1 // video bus
	default:
		return -1
	}
}

// dmaConflictByte reports the byte a CPU read should observe if address
// shares a bus with the in-flight OAM DMA transfer: reads of OAM itself (the
// DMA's destination) and reads sharing the source's bus both observe the
// byte currently being copied, rather than the DMA's flat 0xFF lockout.
func (m *MMU) dmaConflictByte(address uint16) (byte, bool) {
	region := m.regionMap[address>>8]
	if region == regionOAM {
		return m.dmaCurrentByte, true
	}
	if srcGroup := dmaBusGroup(m.regionMap[m.dmaSource>>8]); srcGroup >= 0 && dmaBusGroup(region) == srcGroup {
		return m.dmaCurrentByte, true
	}
	return 0, false
}

// Read implements the CPU-facing memory map. While OAM DMA is in flight, any
// CPU read outside HRAM is gated by the DMA unit: a read that shares a bus
// with the DMA's current source/destination observes the in-flight transfer
// byte (bus conflict), everything else observes a flat 0xFF.
func (m *MMU) Read(address uint16) byte {
	if m.dmaActive && !(address >= 0xFF80 && address <= 0xFFFE) {
		if b, ok := m.dmaConflictByte(address); ok {
			return b
		}
		return 0xFF
	}

	if m.bootROMMapped && address <= 0x00FF {
		return m.bootROM[address]
	}

	switch m.regionMap[address>>8] {
	case regionROM, regionExtRAM:
		if m.mbc == nil {
			slog.Warn("Reading from ROM/external RAM with no cartridge", "addr", fmt.Sprintf("0x%04X", address))
			return 0xFF
		}
		return m.mbc.Read(address)
	case regionVRAM:
		if m.PPU != nil && m.PPU.VRAMBlocked() {
			return 0xFF
		}
		return m.memory[address]
	case regionWRAM:
		return m.memory[address]
	case regionEcho:
		return m.memory[address-0x2000]
	case regionOAM:
		if m.PPU != nil && m.PPU.OAMBlocked() {
			return 0xFF
		}
		return m.memory[address]
	case regionIO:
		return m.readIO(address)
	default:
		panic(fmt.Sprintf("Attempted read at unmapped address: 0x%X", address))
	}
}

func (m *MMU) readIO(address uint16) byte {
	switch {
	case address == addr.P1:
		return m.joypad.Read()
	case address == addr.SB || address == addr.SC:
		return m.serial.Read(address)
	case address == addr.DIV || address == addr.TIMA || address == addr.TMA || address == addr.TAC:
		return m.timer.Read(address)
	case address >= addr.AudioStart && address <= addr.AudioEnd:
		return m.APU.ReadRegister(address)
	case address == addr.IF:
		return m.memory[address] | 0xE0
	case address >= 0xFF80:
		return m.memory[address]
	default:
		return m.memory[address]
	}
}

func (m *MMU) Write(address uint16, value byte) {
	if m.dmaActive && !(address >= 0xFF80 && address <= 0xFFFE) {
		return
	}

	switch m.regionMap[address>>8] {
	case regionROM:
		if m.mbc == nil {
			slog.Warn("Writing to ROM with no cartridge", "addr", fmt.Sprintf("0x%04X", address), "value", fmt.Sprintf("0x%02X", value))
			return
		}
		m.mbc.Write(address, value)
		m.checkRAMDisableTransition()
	case regionVRAM:
		if m.PPU != nil && m.PPU.VRAMBlocked() {
			return
		}
		m.memory[address] = value
	case regionExtRAM:
		if m.mbc == nil {
			slog.Warn("Writing to external RAM with no cartridge", "addr", fmt.Sprintf("0x%04X", address), "value", fmt.Sprintf("0x%02X", value))
			return
		}
		m.mbc.Write(address, value)
	case regionWRAM:
		m.memory[address] = value
	case regionEcho:
		m.memory[address-0x2000] = value
	case regionOAM:
		if m.PPU != nil && m.PPU.OAMBlocked() {
			return
		}
		m.memory[address] = value
	case regionIO:
		m.writeIO(address, value)
	default:
		panic(fmt.Sprintf("Attempted write at unmapped address: 0x%X", address))
	}
}

func (m *MMU) writeIO(address uint16, value byte) {
	switch {
	case address == addr.P1:
		m.joypad.Write(value)
	case address == addr.SB || address == addr.SC:
		m.serial.Write(address, value)
	case address == addr.DIV || address == addr.TIMA || address == addr.TMA || address == addr.TAC:
		m.timer.Write(address, value)
	case address >= addr.AudioStart && address <= addr.AudioEnd:
		m.APU.WriteRegister(address, value)
	case address == addr.IF:
		m.memory[address] = value | 0xE0
	case address == addr.DMA:
		m.startDMA(value)
	case address == 0xFF50:
		if value != 0 {
			m.bootROMMapped = false
		}
	default:
		m.memory[address] = value
	}
}

// startDMA begins an OAM DMA transfer. The transfer itself happens over the
// following 160 M-cycles inside Tick/tickDMA, one byte every 4 T-cycles,
// matching real hardware's fixed-rate copy.
func (m *MMU) startDMA(sourceHigh byte) {
	m.memory[addr.DMA] = sourceHigh
	// 0xFE/0xFF alias OAM/HRAM on real hardware's external bus wiring; the
	// DMA unit remaps them down to 0xDE/0xDF (echo of WRAM) instead, per
	// Mooneye's oam_dma/sources-GS.
	if sourceHigh >= 0xFE {
		sourceHigh -= 0x20
	}
	m.dmaActive = true
	m.dmaSource = uint16(sourceHigh) << 8
	m.dmaProgress = 0
}

// HandleKeyPress forwards a key-press event to the joypad.
func (m *MMU) HandleKeyPress(key JoypadKey) {
	m.joypad.Press(key)
}

// HandleKeyRelease forwards a key-release event to the joypad.
func (m *MMU) HandleKeyRelease(key JoypadKey) {
	m.joypad.Release(key)
}
