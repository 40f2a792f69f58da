package jeebie

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jeebie-core/gbcore/jeebie/bit"
	"github.com/jeebie-core/gbcore/jeebie/cpu"
	"github.com/jeebie-core/gbcore/jeebie/debug"
	"github.com/jeebie-core/gbcore/jeebie/input/action"
	"github.com/jeebie-core/gbcore/jeebie/memory"
	"github.com/jeebie-core/gbcore/jeebie/timing"
	"github.com/jeebie-core/gbcore/jeebie/video"
)

// DebuggerState represents the current debugger mode
type DebuggerState int

const (
	DebuggerRunning   DebuggerState = iota // Normal execution
	DebuggerPaused                         // Paused, waiting for commands
	DebuggerStep                           // Execute one instruction then pause
	DebuggerStepFrame                      // Execute one frame then pause
)

// debugSnapshotSize is the window of memory captured around PC for
// disassembly views.
const debugSnapshotSize = 200

// DMG is the root struct driving a single Game Boy (DMG) emulation: it owns
// the CPU, the memory-mapped bus (which in turn owns the PPU/APU/timer) and
// drives the tick-dot loop that keeps them all in sync one M-cycle at a time.
type DMG struct {
	cpu *cpu.CPU
	gpu *video.GPU
	mem *memory.MMU

	// savePath is where battery-backed cartridge RAM is persisted. Empty
	// means no cartridge file backs this instance (New()), so saving is
	// disabled.
	savePath string

	limiter timing.Limiter

	// Debugger state
	debuggerState    DebuggerState
	debuggerMutex    sync.RWMutex
	stepRequested    bool
	frameRequested   bool
	instructionCount uint64
	frameCount       uint64

	// Completion-detection state, for test harnesses driving conformance
	// ROMs that signal pass/fail by looping forever at a fixed address.
	completionMaxFrames    uint64
	completionMinLoopCount int
}

func (e *DMG) init(mem *memory.MMU) {
	e.cpu = cpu.New(mem)
	e.gpu = mem.PPU
	e.mem = mem
	e.limiter = timing.NewNoOpLimiter()
	e.mem.SetRAMDisabledHandler(func() { e.persistSaveRAM() })
}

// New creates a new DMG instance with no cartridge loaded.
func New() *DMG {
	e := &DMG{}
	e.init(memory.NewWithCartridge(memory.NewCartridge()))
	return e
}

// NewWithFile creates a new DMG instance and loads the ROM at path into it.
// Battery-backed save RAM, if any, is loaded from and persisted to a ".sav"
// file next to the ROM; use NewWithFileAndSavePath for explicit control.
func NewWithFile(path string) (*DMG, error) {
	return NewWithFileAndSavePath(path, defaultSavePath(path))
}

// NewWithFileAndSavePath creates a new DMG instance, loading the ROM at path
// and, if present, restoring battery-backed RAM from savePath. Subsequent
// RAM-disable transitions (the point real hardware commits a save) persist
// the cartridge's RAM back to savePath. An empty savePath disables loading
// and persisting entirely.
func NewWithFileAndSavePath(path, savePath string) (*DMG, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	slog.Debug("Loaded ROM data", "size", len(data))

	e := &DMG{savePath: savePath}
	e.init(memory.NewWithCartridge(memory.NewCartridgeWithData(data)))

	if savePath != "" {
		if saved, err := os.ReadFile(savePath); err == nil {
			e.mem.LoadRAM(saved)
			slog.Debug("Loaded save RAM", "path", savePath, "size", len(saved))
		}
	}

	return e, nil
}

// SetSavePath changes where battery-backed RAM is persisted; an empty path
// disables persisting.
func (e *DMG) SetSavePath(path string) {
	e.savePath = path
}

// defaultSavePath derives a sibling ".sav" path from a ROM path, e.g.
// "roms/tetris.gb" -> "roms/tetris.sav".
func defaultSavePath(romPath string) string {
	ext := filepath.Ext(romPath)
	return strings.TrimSuffix(romPath, ext) + ".sav"
}

// PersistSaveRAM writes the cartridge's current battery-backed RAM to disk
// immediately, for embedders that want to flush on a clean shutdown rather
// than rely solely on the RAM-disable transition.
func (e *DMG) PersistSaveRAM() {
	e.persistSaveRAM()
}

// persistSaveRAM writes the cartridge's current battery-backed RAM to
// savePath, if one is configured and the cartridge has RAM to save.
func (e *DMG) persistSaveRAM() {
	if e.savePath == "" {
		return
	}
	data := e.mem.SaveRAM()
	if data == nil {
		return
	}
	if err := os.WriteFile(e.savePath, data, 0644); err != nil {
		slog.Error("Failed to persist save RAM", "path", e.savePath, "error", err)
		return
	}
	slog.Debug("Persisted save RAM", "path", e.savePath, "size", len(data))
}

// RunUntilFrame drives the CPU (and, by the tick-dot contract, everything
// else) forward until a full frame's worth of cycles has elapsed, or until
// the debugger holds execution.
func (e *DMG) RunUntilFrame() error {
	e.debuggerMutex.RLock()
	state := e.debuggerState
	e.debuggerMutex.RUnlock()

	switch state {
	case DebuggerPaused:
		return nil
	case DebuggerStep:
		e.debuggerMutex.Lock()
		requested := e.stepRequested
		if requested {
			e.stepRequested = false
		}
		e.debuggerMutex.Unlock()

		if !requested {
			return nil
		}

		oldPC := e.cpu.GetPC()
		if err := e.step(); err != nil {
			return err
		}
		slog.Debug("Step executed", "pc", fmt.Sprintf("0x%04X", oldPC), "new_pc", fmt.Sprintf("0x%04X", e.cpu.GetPC()))
		e.SetDebuggerState(DebuggerPaused)
		return nil
	case DebuggerStepFrame:
		e.debuggerMutex.Lock()
		requested := e.frameRequested
		if requested {
			e.frameRequested = false
		}
		e.debuggerMutex.Unlock()

		if !requested {
			return nil
		}

		if err := e.runFrame(); err != nil {
			return err
		}
		slog.Debug("Frame step completed", "frame", e.frameCount, "instructions", e.instructionCount)
		e.SetDebuggerState(DebuggerPaused)
		return nil
	default:
		if err := e.runFrame(); err != nil {
			return err
		}
		if e.frameCount%60 == 0 {
			slog.Debug("Frame completed", "frame", e.frameCount, "pc", fmt.Sprintf("0x%04X", e.cpu.GetPC()))
		}
		return nil
	}
}

// step executes a single CPU instruction (or interrupt dispatch, or halted
// M-cycle). All PPU/timer/DMA/APU ticking happens internally through the
// bus, driven by the CPU's own memory accesses.
func (e *DMG) step() error {
	_, _ = e.cpu.Tick()
	e.instructionCount++
	return nil
}

// runFrame runs CPU instructions until a full frame (70224 T-cycles) has
// elapsed, then waits for the frame limiter if one is configured.
func (e *DMG) runFrame() error {
	total := 0
	for total < timing.CyclesPerFrame {
		_, cycles := e.cpu.Tick()
		e.instructionCount++
		total += cycles * 4
	}
	e.frameCount++
	if e.limiter != nil {
		e.limiter.WaitForNextFrame()
	}
	return nil
}

// ConfigureCompletionDetection sets the bounds RunUntilComplete uses to
// decide when a self-contained conformance ROM has finished: either
// maxFrames has elapsed, or the CPU has sat at the same PC for minLoopCount
// consecutive instructions (the usual "JR $" spin loop these ROMs end on).
func (e *DMG) ConfigureCompletionDetection(maxFrames uint64, minLoopCount int) {
	e.completionMaxFrames = maxFrames
	e.completionMinLoopCount = minLoopCount
}

// RunUntilComplete runs instructions until either the configured frame
// budget is exhausted or a tight spin loop is detected at the current PC.
func (e *DMG) RunUntilComplete() {
	maxFrames := e.completionMaxFrames
	if maxFrames == 0 {
		maxFrames = 1000
	}
	minLoopCount := e.completionMinLoopCount
	if minLoopCount <= 0 {
		minLoopCount = 1
	}

	var lastPC uint16
	loopCount := 0
	cyclesThisFrame := 0

	for e.frameCount < maxFrames {
		pcBefore := e.cpu.GetPC()
		_, cycles := e.cpu.Tick()
		e.instructionCount++
		cyclesThisFrame += cycles * 4

		if pcBefore == lastPC {
			loopCount++
		} else {
			loopCount = 0
		}
		lastPC = pcBefore

		if cyclesThisFrame >= timing.CyclesPerFrame {
			cyclesThisFrame -= timing.CyclesPerFrame
			e.frameCount++
		}

		if loopCount >= minLoopCount {
			return
		}
	}
}

// GetCurrentFrame returns the most recently completed framebuffer.
func (e *DMG) GetCurrentFrame() *video.FrameBuffer {
	return e.gpu.GetFrameBuffer()
}

// SetFrameLimiter installs a pacing strategy; nil disables pacing.
func (e *DMG) SetFrameLimiter(limiter timing.Limiter) {
	e.limiter = limiter
}

// ResetFrameTiming resets the installed frame limiter's internal clock.
func (e *DMG) ResetFrameTiming() {
	if e.limiter != nil {
		e.limiter.Reset()
	}
}

// HandleAction dispatches a single input action, mapping Game Boy button
// actions onto joypad presses/releases and leaving debugger/backend actions
// to the debugger control methods below.
func (e *DMG) HandleAction(act action.Action, pressed bool) {
	if key, ok := joypadKeyFor(act); ok {
		if pressed {
			e.mem.HandleKeyPress(key)
		} else {
			e.mem.HandleKeyRelease(key)
		}
		return
	}

	if !pressed {
		return
	}

	switch act {
	case action.EmulatorPauseToggle:
		if e.GetDebuggerState() == DebuggerPaused {
			e.DebuggerResume()
		} else {
			e.DebuggerPause()
		}
	case action.EmulatorStepFrame:
		e.DebuggerStepFrame()
	case action.EmulatorStepInstruction:
		e.DebuggerStepInstruction()
	}
}

// joypadKeyFor maps a Game Boy button action to its joypad key.
func joypadKeyFor(act action.Action) (memory.JoypadKey, bool) {
	switch act {
	case action.GBButtonA:
		return memory.JoypadA, true
	case action.GBButtonB:
		return memory.JoypadB, true
	case action.GBButtonStart:
		return memory.JoypadStart, true
	case action.GBButtonSelect:
		return memory.JoypadSelect, true
	case action.GBDPadUp:
		return memory.JoypadUp, true
	case action.GBDPadDown:
		return memory.JoypadDown, true
	case action.GBDPadLeft:
		return memory.JoypadLeft, true
	case action.GBDPadRight:
		return memory.JoypadRight, true
	default:
		return 0, false
	}
}

func (e *DMG) HandleKeyPress(key memory.JoypadKey) {
	e.mem.HandleKeyPress(key)
}

func (e *DMG) HandleKeyRelease(key memory.JoypadKey) {
	e.mem.HandleKeyRelease(key)
}

func (e *DMG) GetCPU() *cpu.CPU {
	return e.cpu
}

// Debugger control methods
func (e *DMG) SetDebuggerState(state DebuggerState) {
	e.debuggerMutex.Lock()
	defer e.debuggerMutex.Unlock()
	e.debuggerState = state
	slog.Debug("Debugger state changed", "state", state)
}

func (e *DMG) GetDebuggerState() DebuggerState {
	e.debuggerMutex.RLock()
	defer e.debuggerMutex.RUnlock()
	return e.debuggerState
}

func (e *DMG) DebuggerPause() {
	e.SetDebuggerState(DebuggerPaused)
	slog.Info("Emulator paused")
}

func (e *DMG) DebuggerResume() {
	e.SetDebuggerState(DebuggerRunning)
	slog.Info("Emulator resumed")
}

func (e *DMG) DebuggerStepInstruction() {
	e.debuggerMutex.Lock()
	defer e.debuggerMutex.Unlock()
	e.stepRequested = true
	e.debuggerState = DebuggerStep
	slog.Info("Step instruction requested")
}

func (e *DMG) DebuggerStepFrame() {
	e.debuggerMutex.Lock()
	defer e.debuggerMutex.Unlock()
	e.frameRequested = true
	e.debuggerState = DebuggerStepFrame
	slog.Info("Step frame requested")
}

func (e *DMG) GetInstructionCount() uint64 {
	return e.instructionCount
}

func (e *DMG) GetFrameCount() uint64 {
	return e.frameCount
}

func (e *DMG) GetMMU() *memory.MMU {
	return e.mem
}

// ExtractDebugData snapshots CPU, memory, OAM and VRAM state for debug UIs.
// It returns nil if the DMG has not been initialized (no CPU/memory wired).
func (e *DMG) ExtractDebugData() *debug.CompleteDebugData {
	if e.cpu == nil || e.mem == nil {
		return nil
	}

	a, f, b, c, d, eReg, h, l := e.cpu.Registers()
	pc := e.cpu.GetPC()

	snapshotSize := debugSnapshotSize
	if uint32(pc)+uint32(snapshotSize) > 0x10000 {
		snapshotSize = int(0x10000 - uint32(pc))
	}
	snapshotBytes := make([]uint8, snapshotSize)
	for i := 0; i < snapshotSize; i++ {
		snapshotBytes[i] = e.mem.Read(pc + uint16(i))
	}

	cpuState := &debug.CPUState{
		A: a, F: f, B: b, C: c, D: d, E: eReg, H: h, L: l,
		SP:     e.cpu.GetSP(),
		PC:     pc,
		IME:    e.cpu.IME(),
		Cycles: e.instructionCount,
	}

	ie := e.mem.Read(0xFFFF)
	iflags := e.mem.Read(0xFF0F)

	spriteHeight := 8
	if e.gpu != nil && bit.IsSet(2, e.mem.Read(0xFF40)) {
		spriteHeight = 16
	}

	return &debug.CompleteDebugData{
		OAM:  debug.ExtractOAMData(e.mem, e.gpu.GetLine(), spriteHeight),
		VRAM: debug.ExtractVRAMData(e.mem),
		CPU:  cpuState,
		Memory: &debug.MemorySnapshot{
			StartAddr: pc,
			Bytes:     snapshotBytes,
		},
		DebuggerState:   debug.DebuggerState(e.GetDebuggerState()),
		InterruptEnable: ie,
		InterruptFlags:  iflags,
	}
}
