package video

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/jeebie-core/gbcore/jeebie/addr"
	"github.com/jeebie-core/gbcore/jeebie/bit"
)

// GpuMode represents the PPU's current rendering stage.
// These values match the STAT register bits 1-0.
type GpuMode int

const (
	// hblankMode (Mode 0): Horizontal blank period, CPU can access VRAM/OAM
	hblankMode GpuMode = 0
	// vblankMode (Mode 1): Vertical blank period, CPU can access VRAM/OAM
	vblankMode GpuMode = 1
	// oamReadMode (Mode 2): PPU is reading OAM, CPU cannot access OAM
	oamReadMode GpuMode = 2
	// vramReadMode (Mode 3): PPU is reading VRAM, CPU cannot access VRAM/OAM
	vramReadMode GpuMode = 3
)

const (
	hblankCycles       = 204
	oamScanlineCycles  = 80
	vramScanlineCycles = 172
	scanlineCycles     = oamScanlineCycles + vramScanlineCycles + hblankCycles
	totalLines         = 154
	dotsPerFrame       = scanlineCycles * totalLines
)

// fetchStage is one step of the background/window pixel fetcher's 8-dot
// cycle: two dots each to read the tile number and the two bitplane bytes,
// then an attempt to push the row into the FIFO once there's room.
type fetchStage int

const (
	fetchGetTile fetchStage = iota
	fetchGetDataLow
	fetchGetDataHigh
	fetchPush
)

// fifoPixel is one pixel waiting in the background/window FIFO, already
// decoded to a 2-bit color index plus which palette register resolves it.
type fifoPixel struct {
	color   byte
	palette byte // 0 = BGP, 1 = OBP0, 2 = OBP1
	sprite  bool
}

// GPU renders the 160x144 framebuffer one dot at a time through a pixel
// FIFO: a background/window fetcher pushes decoded tile rows in, sprite
// fetches pause the pipeline to merge in OBJ pixels, and one pixel pops out
// to the framebuffer per dot once the FIFO is primed. Mode 3's length is
// therefore not fixed - SCX scroll discard, window restarts and sprite
// fetches each stall the pipeline by a few dots, same as real hardware,
// and hblank shrinks by however long Drawing overran its nominal budget.
type GPU struct {
	bus         Bus
	oam         *OAM
	framebuffer *FrameBuffer

	mode           GpuMode // current PPU mode (matches STAT bits 1-0)
	line           int     // current scanline (LY register, 0-153)
	cycles         int     // cycle counter for current mode
	modeCounterAux int     // auxiliary counter for VBlank timing
	vBlankLine     int     // which VBlank line we're on (0-9)
	windowLine     int     // internal window line counter (0-143)

	statLine bool // latched OR of enabled STAT interrupt sources, for edge detection

	// STAT's visible mode bits lag the internal mode transition by a few
	// dots when entering Drawing - a well-documented hardware quirk.
	statModeDelay   int
	pendingStatMode GpuMode

	// pixel FIFO pipeline state, reset at the start of every scanline
	screenX            int
	lineDrawingDots     int
	bgFIFO              []fifoPixel
	fetchStage          fetchStage
	fetchDot            int
	fetchTileX          int
	fetchTileID         byte
	fetchLow            byte
	fetchHigh           byte
	fetchUsingWindow    bool
	windowUsedThisLine  bool
	discardLeft         int
	windowReadyThisLine bool

	lcdEnabled       bool
	bgEnabled        bool
	windowEnabled    bool
	useSignedTileSet bool
	bgTileMapAddr    uint16
	windowTileMapAddr uint16
	tilesAddr        uint16
	scx, scy         byte
	wx, wy           byte

	spritesForLine  []Sprite
	spriteStallDots int
}

func NewGpu(bus Bus) *GPU {
	fb := NewFrameBuffer()
	gpu := &GPU{
		framebuffer: fb,
		bus:         bus,
		oam:         NewOAM(bus),
		mode:        vblankMode,
		line:        144,
	}

	lcdc := bus.Read(addr.LCDC)
	bgp := bus.Read(addr.BGP)
	slog.Debug("GPU initialized", "LCDC", fmt.Sprintf("0x%02X", lcdc), "LCD_enabled", (lcdc&0x80) != 0, "BGP", fmt.Sprintf("0x%02X", bgp))

	return gpu
}

func (g *GPU) GetFrameBuffer() *FrameBuffer {
	return g.framebuffer
}

func (g *GPU) GetMode() GpuMode { return g.mode }
func (g *GPU) GetLine() int     { return g.line }

// VRAMBlocked reports whether the PPU's current mode locks the CPU out of
// VRAM, matching real hardware's mode-3 (Drawing) access restriction.
func (g *GPU) VRAMBlocked() bool {
	return g.mode == vramReadMode
}

// OAMBlocked reports whether the PPU's current mode locks the CPU out of
// OAM: modes 2 (OAM Scan) and 3 (Drawing) both restrict it.
func (g *GPU) OAMBlocked() bool {
	return g.mode == oamReadMode || g.mode == vramReadMode
}

// Tick simulates gpu behaviour for a certain amount of clock cycles.
func (g *GPU) Tick(cycles int) {
	if g.statModeDelay > 0 {
		g.statModeDelay -= cycles
		if g.statModeDelay <= 0 {
			g.statModeDelay = 0
			g.writeStatMode(g.pendingStatMode)
		}
	}

	g.cycles += cycles

	switch g.mode {
	case hblankMode:
		if g.cycles < g.hblankDots() {
			break
		}
		g.cycles -= g.hblankDots()
		g.setMode(oamReadMode)
		g.setLY(g.line + 1)

		if g.line == 144 {
			g.setMode(vblankMode)
			g.vBlankLine = 0
			g.modeCounterAux = g.cycles
			g.windowLine = 0
			g.bus.RequestInterrupt(addr.VBlankInterrupt)
		}
	case vblankMode:
		g.modeCounterAux += cycles

		if g.modeCounterAux >= scanlineCycles {
			g.modeCounterAux -= scanlineCycles
			g.vBlankLine++

			if g.vBlankLine <= 9 {
				g.setLY(g.line + 1)
			}
		}

		// Real hardware reports LY=0 a few dots into the last VBlank line,
		// ahead of the mode-0 transition that would otherwise set it.
		if g.cycles >= 4104 && g.modeCounterAux >= 4 && g.line == 153 {
			g.setLY(0)
		}

		if g.cycles >= 4560 {
			g.cycles -= 4560
			g.setMode(oamReadMode)
		}
	case oamReadMode:
		if g.cycles >= oamScanlineCycles {
			g.cycles -= oamScanlineCycles
			g.beginScanlineDraw()
			g.setMode(vramReadMode)
		}
	case vramReadMode:
		for g.cycles > 0 && g.screenX < FramebufferWidth {
			g.fifoDot()
			g.cycles--
		}
		if g.screenX >= FramebufferWidth {
			g.finishScanlineDraw()
			g.setMode(hblankMode)
		}
	}

	if g.cycles >= dotsPerFrame {
		g.cycles -= dotsPerFrame
	}
}

// hblankDots returns how many dots the current hblank lasts: the nominal
// 204-dot budget minus whatever Drawing overran it by, so every scanline
// still totals scanlineCycles dots.
func (g *GPU) hblankDots() int {
	remaining := scanlineCycles - oamScanlineCycles - g.lineDrawingDots
	if remaining < 1 {
		remaining = 1
	}
	return remaining
}

// beginScanlineDraw resets the pixel FIFO pipeline for a new scanline and
// latches the LCDC/scroll/window/sprite configuration the fetchers read for
// the whole line, mirroring what real hardware samples at mode-3 entry.
func (g *GPU) beginScanlineDraw() {
	g.screenX = 0
	g.lineDrawingDots = 0
	g.bgFIFO = g.bgFIFO[:0]
	g.fetchStage = fetchGetTile
	g.fetchDot = 0
	g.fetchTileX = 0
	g.fetchUsingWindow = false
	g.windowUsedThisLine = false
	g.spriteStallDots = 0

	g.lcdEnabled = g.readLCDCVariable(lcdDisplayEnable) == 1
	if !g.lcdEnabled {
		lineWidth := g.line * FramebufferWidth
		for i := 0; i < FramebufferWidth; i++ {
			g.framebuffer.buffer[lineWidth+i] = 0xFFFFFFFF
		}
		g.screenX = FramebufferWidth
		return
	}

	g.bgEnabled = g.readLCDCVariable(bgDisplay) == 1
	g.windowEnabled = g.bgEnabled && g.readLCDCVariable(windowDisplayEnable) == 1
	g.useSignedTileSet = g.readLCDCVariable(bgWindowTileDataSelect) == 0

	g.bgTileMapAddr = addr.TileMap1
	if g.readLCDCVariable(bgTileMapDisplaySelect) == 0 {
		g.bgTileMapAddr = addr.TileMap0
	}
	g.windowTileMapAddr = addr.TileMap1
	if g.readLCDCVariable(windowTileMapSelect) == 0 {
		g.windowTileMapAddr = addr.TileMap0
	}
	g.tilesAddr = addr.TileData0
	if g.useSignedTileSet {
		g.tilesAddr = addr.TileData2
	}

	g.scx = g.bus.Read(addr.SCX)
	g.scy = g.bus.Read(addr.SCY)
	g.discardLeft = int(g.scx) % 8

	g.wx = g.bus.Read(addr.WX)
	g.wy = g.bus.Read(addr.WY)
	g.windowReadyThisLine = g.windowEnabled && int(g.wy) <= g.line && g.windowLine <= 143

	g.spritesForLine = g.spritesForLine[:0]
	if g.readLCDCVariable(spriteDisplayEnable) == 1 {
		g.spritesForLine = append(g.spritesForLine, g.oam.GetSpritesForScanline(g.line)...)
		// Stable: GetSpritesForScanline yields sprites in OAM index order, and
		// same-X ties must keep that order (lower OAM index wins).
		sort.SliceStable(g.spritesForLine, func(i, j int) bool {
			return g.spritesForLine[i].X < g.spritesForLine[j].X
		})
	}
}

// finishScanlineDraw runs the end-of-line bookkeeping the fixed per-dot loop
// doesn't otherwise trigger: the window's internal line counter only
// advances on lines where the window was actually fetched from.
func (g *GPU) finishScanlineDraw() {
	if g.windowUsedThisLine {
		g.windowLine++
	}
}

// drawScanline renders the current line synchronously, running the FIFO
// pipeline to completion in one call. Tick drives the same pipeline
// dot-by-dot as part of the mode-3 cycle budget; this entry point exists
// for callers (tests, debug tools) that want a whole line at once.
func (g *GPU) drawScanline() {
	g.beginScanlineDraw()
	for g.screenX < FramebufferWidth {
		g.fifoDot()
	}
	g.finishScanlineDraw()
}

// fifoDot advances the pixel pipeline by a single dot. A sprite fetch in
// progress pauses everything else; otherwise a window restart may be
// triggered, the background/window fetcher advances by one step, and a
// pixel pops out to the framebuffer once the FIFO has been primed.
func (g *GPU) fifoDot() {
	g.lineDrawingDots++

	if g.spriteStallDots > 0 {
		g.spriteStallDots--
		return
	}

	if !g.fetchUsingWindow && g.windowReadyThisLine &&
		int(g.wx) >= 7 && int(g.wx) <= 166 && g.screenX+7 >= int(g.wx) {
		g.fetchUsingWindow = true
		g.windowUsedThisLine = true
		g.bgFIFO = g.bgFIFO[:0]
		g.fetchStage = fetchGetTile
		g.fetchDot = 0
		g.fetchTileX = 0
	}

	if len(g.spritesForLine) > 0 && int(g.spritesForLine[0].X) == g.screenX {
		if len(g.bgFIFO) >= 8 {
			g.fetchSprite(g.nextSpriteAt(g.screenX))
			g.spriteStallDots = 6
			return
		}
		// Hold the column until the FIFO is primed so the sprite is not missed.
		g.advanceFetcher()
		return
	}

	g.advanceFetcher()
	g.popPixel()
}

// nextSpriteAt pops and returns the next pending sprite starting exactly at
// screen column x, or nil. Sprites are sorted by X, so only the front one
// can ever match as the fetcher sweeps left to right.
func (g *GPU) nextSpriteAt(x int) *Sprite {
	if len(g.spritesForLine) == 0 || int(g.spritesForLine[0].X) != x {
		return nil
	}
	sp := g.spritesForLine[0]
	g.spritesForLine = g.spritesForLine[1:]
	return &sp
}

// fetchSprite decodes a sprite's row for the current line and merges it
// into the front of the background FIFO: transparent sprite pixels and
// pixels a higher-priority sprite already claimed leave the background
// pixel in place, and a BehindBG sprite only shows through background
// color 0.
func (g *GPU) fetchSprite(sp *Sprite) {
	spriteMask := 0xFF
	if sp.Height == 16 {
		spriteMask = 0xFE
	}
	tile16 := (int(sp.TileIndex) & spriteMask) * 16

	pixelY := g.line - int(sp.Y)
	if sp.FlipY {
		pixelY = sp.Height - 1 - pixelY
	}
	var rowOffset, tileOffset int
	if sp.Height == 16 && pixelY >= 8 {
		rowOffset = (pixelY - 8) * 2
		tileOffset = 16
	} else {
		rowOffset = pixelY * 2
	}

	tileAddr := addr.TileData0 + uint16(tile16+tileOffset+rowOffset)
	row := TileRow{Low: g.bus.Read(tileAddr), High: g.bus.Read(tileAddr + 1)}

	palette := byte(1)
	if sp.PaletteOBP1 {
		palette = 2
	}

	for i := 0; i < 8 && i < len(g.bgFIFO); i++ {
		color := row.GetPixel(i)
		if sp.FlipX {
			color = row.GetPixelFlipped(i)
		}
		if color == 0 {
			continue
		}
		bgEntry := g.bgFIFO[i]
		if bgEntry.sprite {
			continue
		}
		if sp.BehindBG && bgEntry.color != 0 {
			continue
		}
		g.bgFIFO[i] = fifoPixel{color: byte(color), palette: palette, sprite: true}
	}
}

// advanceFetcher steps the background/window fetcher's state machine by one
// dot: two dots each to read the tile number and the two bitplane bytes,
// then a push once the FIFO has room (eight or fewer pixels left).
func (g *GPU) advanceFetcher() {
	switch g.fetchStage {
	case fetchGetTile:
		g.fetchDot++
		if g.fetchDot >= 2 {
			g.fetchDot = 0
			if g.bgEnabled {
				g.fetchTileID = g.readFetchTileID()
			}
			g.fetchStage = fetchGetDataLow
		}
	case fetchGetDataLow:
		g.fetchDot++
		if g.fetchDot >= 2 {
			g.fetchDot = 0
			if g.bgEnabled {
				g.fetchLow = g.readFetchRow(false)
			}
			g.fetchStage = fetchGetDataHigh
		}
	case fetchGetDataHigh:
		g.fetchDot++
		if g.fetchDot >= 2 {
			g.fetchDot = 0
			if g.bgEnabled {
				g.fetchHigh = g.readFetchRow(true)
			}
			g.fetchStage = fetchPush
		}
	case fetchPush:
		if len(g.bgFIFO) <= 8 {
			g.pushTileRow()
			g.fetchTileX++
			g.fetchStage = fetchGetTile
		}
	}
}

func (g *GPU) readFetchTileID() byte {
	if g.fetchUsingWindow {
		row32 := (g.windowLine / 8) * 32
		mapTileX := g.fetchTileX & 31
		return g.bus.Read(g.windowTileMapAddr + uint16(row32+mapTileX))
	}
	lineScrolled := (g.line + int(g.scy)) & 0xFF
	row32 := (lineScrolled / 8) * 32
	baseTileX := int(g.scx) / 8
	mapTileX := (baseTileX + g.fetchTileX) & 31
	return g.bus.Read(g.bgTileMapAddr + uint16(row32+mapTileX))
}

func (g *GPU) readFetchRow(high bool) byte {
	var pixelYRow int
	if g.fetchUsingWindow {
		pixelYRow = g.windowLine % 8
	} else {
		pixelYRow = (g.line + int(g.scy)) % 8
	}

	var tileAddr uint16
	if g.useSignedTileSet {
		signedTile := int8(g.fetchTileID)
		tileAddr = uint16(int(g.tilesAddr) + int(signedTile)*16 + pixelYRow*2)
	} else {
		tileAddr = g.tilesAddr + uint16(int(g.fetchTileID)*16+pixelYRow*2)
	}
	if high {
		return g.bus.Read(tileAddr + 1)
	}
	return g.bus.Read(tileAddr)
}

// pushTileRow appends a freshly-fetched tile row's 8 pixels to the FIFO.
// With the background disabled (LCDC bit 0 clear), both background and
// window render as color 0 - DMG's well-known "master" disable bit - while
// sprites still draw over it.
func (g *GPU) pushTileRow() {
	if !g.bgEnabled {
		for i := 0; i < 8; i++ {
			g.bgFIFO = append(g.bgFIFO, fifoPixel{color: 0})
		}
		return
	}
	row := TileRow{Low: g.fetchLow, High: g.fetchHigh}
	for x := 0; x < 8; x++ {
		g.bgFIFO = append(g.bgFIFO, fifoPixel{color: byte(row.GetPixel(x))})
	}
}

// popPixel shifts one pixel out of the FIFO. Pixels owed to SCX's fine
// scroll are discarded rather than drawn, matching the initial partial-tile
// throwaway real hardware performs at the start of every scanline.
func (g *GPU) popPixel() {
	if len(g.bgFIFO) == 0 {
		return
	}
	p := g.bgFIFO[0]
	g.bgFIFO = g.bgFIFO[1:]

	if g.discardLeft > 0 {
		g.discardLeft--
		return
	}
	if g.screenX >= FramebufferWidth {
		return
	}

	paletteAddr := addr.BGP
	if p.sprite {
		paletteAddr = addr.OBP0
		if p.palette == 2 {
			paletteAddr = addr.OBP1
		}
	}

	palette := g.bus.Read(paletteAddr)
	color := (palette >> (p.color * 2)) & 0x03
	position := g.line*FramebufferWidth + g.screenX
	g.framebuffer.buffer[position] = uint32(ByteToColor(color))
	g.screenX++
}

// LCD Stat (Status) Register bit values
// Bit 7 - unused
// Bit 6 - Interrupt based on LYC to LY comparison (based on bit 2)
// Bit 5 - Interrupt when Mode 10 (oamReadMode)
// Bit 4 - Interrupt when Mode 01 (vblankMode)
// Bit 3 - Interrupt when Mode 00 (hblankMode)
// Bit 2 - condition for triggering LYC/LY (0=LYC != LY, 1=LYC == LY)
// Bit 1,0 - represents the current GPU mode
type statFlag uint8

const (
	statLycIrq       statFlag = 6
	statOamIrq                = 5
	statVblankIrq             = 4
	statHblankIrq             = 3
	statLycCondition          = 2
)

// LCDC (LCD Control) Register bit values
type lcdcFlag uint8

const (
	lcdDisplayEnable       lcdcFlag = 7
	windowTileMapSelect             = 6
	windowDisplayEnable             = 5
	bgWindowTileDataSelect          = 4
	bgTileMapDisplaySelect          = 3
	spriteSize                      = 2
	spriteDisplayEnable             = 1
	bgDisplay                       = 0
)

func (g *GPU) readLCDCVariable(flag lcdcFlag) byte {
	if bit.IsSet(uint8(flag), g.bus.Read(addr.LCDC)) {
		return 1
	}
	return 0
}

// statSourcesActive reports whether any STAT interrupt source currently
// enabled in the STAT register is asserted for the PPU's present state.
func (g *GPU) statSourcesActive(stat byte) bool {
	if bit.IsSet(uint8(statLycIrq), stat) && bit.IsSet(statLycCondition, stat) {
		return true
	}
	switch g.mode {
	case hblankMode:
		return bit.IsSet(uint8(statHblankIrq), stat)
	case vblankMode:
		return bit.IsSet(uint8(statVblankIrq), stat)
	case oamReadMode:
		return bit.IsSet(uint8(statOamIrq), stat)
	default:
		return false
	}
}

// updateStatLine re-evaluates the OR of STAT interrupt sources and requests
// the LCD STAT interrupt only on a rising edge, matching the real PPU's
// "STAT line" behaviour: multiple simultaneously-true sources only fire one
// interrupt, and a source becoming true while another is already true does
// not re-trigger.
func (g *GPU) updateStatLine() {
	stat := g.bus.Read(addr.STAT)
	active := g.statSourcesActive(stat)
	if active && !g.statLine {
		g.bus.RequestInterrupt(addr.LCDSTATInterrupt)
	}
	g.statLine = active
}

func (g *GPU) compareLYToLYC() {
	ly := g.bus.Read(addr.LY)
	lyc := g.bus.Read(addr.LYC)
	stat := g.bus.Read(addr.STAT)

	if ly == lyc {
		stat = bit.Set(statLycCondition, stat)
	} else {
		stat = bit.Reset(statLycCondition, stat)
	}

	g.bus.Write(addr.STAT, stat)
	g.updateStatLine()
}

// setMode updates the PPU's internal mode immediately (CPU VRAM/OAM access
// gating depends on it right away) but, when entering Drawing, defers the
// STAT register's visible mode bits by a few dots - real hardware's mode-2
// to mode-3 STAT transition lags the same way.
func (g *GPU) setMode(mode GpuMode) {
	g.mode = mode
	if mode == vramReadMode {
		g.statModeDelay = 3
		g.pendingStatMode = mode
		return
	}
	g.writeStatMode(mode)
}

func (g *GPU) writeStatMode(mode GpuMode) {
	stat := g.bus.Read(addr.STAT)
	stat = stat&0xFC | byte(mode)
	g.bus.Write(addr.STAT, stat)
	g.updateStatLine()
}

// setLY updates the current scanline (LY register) and re-runs the LY/LYC
// comparison that can itself raise a STAT interrupt.
func (g *GPU) setLY(line int) {
	g.line = line
	g.bus.Write(addr.LY, byte(g.line))
	g.compareLYToLYC()
}
