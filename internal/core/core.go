// Package core wires the CPU, bus, and cartridge into a single runnable
// machine: ROM/boot-ROM loading, the frame step loop, host-facing
// framebuffer/audio accessors, and save states. It is the one type the UI
// and CLI front-ends depend on.
package core

import (
	"fmt"
	"io"
	"os"

	"github.com/tilegrid/gbcore/internal/bus"
	"github.com/tilegrid/gbcore/internal/cart"
	"github.com/tilegrid/gbcore/internal/cpu"
	"github.com/tilegrid/gbcore/internal/savestate"
)

// coreRevision is bumped whenever a save state produced by an older build of
// this package would no longer load correctly (slot layout or semantics
// changed). LoadStateFromFile refuses a mismatched revision.
const coreRevision = 1

// Buttons is the joypad state for one frame.
type Buttons struct {
	A, B, Start, Select   bool
	Up, Down, Left, Right bool
}

// Config contains settings that affect emulation behavior but not its
// external interface.
type Config struct {
	Trace        bool // log CPU instructions
	LimitFPS     bool // stored only; Machine does not read it and never throttles
	UseFetcherBG bool // render BG via fetcher/FIFO scanline path
}

// Machine owns one running Game Boy: its bus (and everything hanging off
// it), its CPU, and the bits of host-facing state (ROM identity, compat
// palette selection) that don't belong to any one subsystem.
type Machine struct {
	cfg Config

	bus *bus.Bus
	cpu *cpu.CPU

	romPath  string
	romData  []byte
	bootData []byte
	header   *cart.Header

	fb []byte // RGBA 160x144x4, converted from the PPU's RGB888 framebuffer each frame

	wantCGBColors   bool
	useCGBBG        bool
	isCGBCompat     bool // true when the loaded ROM is DMG-only (CGB flag not 0x80/0xC0)
	compatPaletteID int
}

// New creates a Machine with no cartridge loaded; LoadCartridge or
// LoadROMFromFile must be called before stepping.
func New(cfg Config) *Machine {
	return &Machine{cfg: cfg, fb: make([]byte, 160*144*4)}
}

// SetBootROM stages a boot ROM image to be mapped in on the next
// LoadCartridge/Reset*. Accepts both the 256-byte DMG and 2304-byte CGB
// images; anything else is ignored.
func (m *Machine) SetBootROM(data []byte) {
	if len(data) < 0x100 {
		return
	}
	m.bootData = append([]byte(nil), data...)
}

// LoadCartridge wires a fresh Bus and CPU around rom, replacing any
// cartridge already loaded. boot overrides any boot ROM previously staged
// via SetBootROM when non-empty.
func (m *Machine) LoadCartridge(rom []byte, boot []byte) error {
	h, err := cart.ParseHeader(rom)
	if err != nil {
		return err
	}
	if !cart.Supported(h.CartType) {
		return &cart.UnsupportedCartridgeError{CartType: h.CartType}
	}

	m.romData = append([]byte(nil), rom...)
	m.header = h
	if len(boot) >= 0x100 {
		m.bootData = append([]byte(nil), boot...)
	}

	m.bus = bus.NewWithCartridge(cart.NewCartridge(m.romData))
	m.bus.SetCGBMode(h.CGBFlag == 0x80 || h.CGBFlag == 0xC0)
	m.bus.PPU().SetUseFetcherBG(m.cfg.UseFetcherBG)
	if len(m.bootData) >= 0x100 {
		m.bus.SetBootROM(m.bootData)
	}
	m.cpu = cpu.New(m.bus)

	m.isCGBCompat = h.CGBFlag != 0x80 && h.CGBFlag != 0xC0
	m.wantCGBColors = false
	m.useCGBBG = false
	m.compatPaletteID = 0
	if pid, ok := autoCompatPaletteFromHeader(h); ok {
		m.compatPaletteID = pid
	}

	if len(m.bootData) >= 0x100 {
		m.ResetWithBoot()
	} else {
		m.ResetPostBoot()
	}
	return nil
}

// LoadROMFromFile reads path and loads it as the active cartridge, recording
// path for ROMPath()/title-derived save paths.
func (m *Machine) LoadROMFromFile(path string) error {
	rom, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := m.LoadCartridge(rom, m.bootData); err != nil {
		return err
	}
	m.romPath = path
	return nil
}

// ROMPath returns the path passed to LoadROMFromFile, or "" if the active
// cartridge was loaded directly via LoadCartridge.
func (m *Machine) ROMPath() string { return m.romPath }

// ROMTitle returns the parsed cartridge title, or "" if no cartridge is loaded.
func (m *Machine) ROMTitle() string {
	if m.header == nil {
		return ""
	}
	return m.header.Title
}

// SetUseFetcherBG toggles the PPU's fetcher/FIFO background renderer.
func (m *Machine) SetUseFetcherBG(v bool) {
	m.cfg.UseFetcherBG = v
	if m.bus != nil {
		m.bus.PPU().SetUseFetcherBG(v)
	}
}

// LoadBattery restores external cartridge RAM from a previously saved .sav
// blob; MBC3 RTC state is not part of it. Returns false if no cartridge is
// loaded or the cartridge type has no RAM save support (ROM-only).
func (m *Machine) LoadBattery(data []byte) bool {
	if m.bus == nil {
		return false
	}
	bb, ok := m.bus.Cart().(cart.BatteryBacked)
	if !ok {
		return false
	}
	bb.LoadRAM(data)
	return true
}

// SaveBattery returns the current external cartridge RAM, or ok=false if no
// cartridge is loaded or the cartridge type has no RAM save support (ROM-only).
func (m *Machine) SaveBattery() (data []byte, ok bool) {
	if m.bus == nil {
		return nil, false
	}
	bb, isBB := m.bus.Cart().(cart.BatteryBacked)
	if !isBB {
		return nil, false
	}
	return bb.SaveRAM(), true
}

// SetSerialWriter routes serial-port bytes (link cable output, and the
// standard test-ROM pass/fail convention) to w.
func (m *Machine) SetSerialWriter(w io.Writer) {
	if m.bus != nil {
		m.bus.SetSerialWriter(w)
	}
}

// SetButtons applies the current joypad state for the next step(s).
func (m *Machine) SetButtons(b Buttons) {
	if m.bus == nil {
		return
	}
	var mask byte
	if b.Right {
		mask |= bus.JoypRight
	}
	if b.Left {
		mask |= bus.JoypLeft
	}
	if b.Up {
		mask |= bus.JoypUp
	}
	if b.Down {
		mask |= bus.JoypDown
	}
	if b.A {
		mask |= bus.JoypA
	}
	if b.B {
		mask |= bus.JoypB
	}
	if b.Select {
		mask |= bus.JoypSelectBtn
	}
	if b.Start {
		mask |= bus.JoypStart
	}
	m.bus.SetJoypadState(mask)
}

// resetNoBootIO applies DMG post-boot register/IO defaults, matching
// cmd/cpurunner's no-boot-ROM startup path.
func (m *Machine) resetNoBootIO() {
	m.cpu.ResetNoBoot()
	m.cpu.SetPC(0x0100)
	m.bus.Write(0xFF00, 0xCF)
	m.bus.Write(0xFF05, 0x00)
	m.bus.Write(0xFF06, 0x00)
	m.bus.Write(0xFF07, 0x00)
	m.bus.Write(0xFF40, 0x91)
	m.bus.Write(0xFF42, 0x00)
	m.bus.Write(0xFF43, 0x00)
	m.bus.Write(0xFF45, 0x00)
	m.bus.Write(0xFF47, 0xFC)
	m.bus.Write(0xFF48, 0xFF)
	m.bus.Write(0xFF49, 0xFF)
	m.bus.Write(0xFF4A, 0x00)
	m.bus.Write(0xFF4B, 0x00)
	m.bus.Write(0xFFFF, 0x00)
}

// ResetPostBoot reboots the current cartridge straight into DMG post-boot
// state, bypassing any boot ROM. Used to leave CGB-compat colorization.
func (m *Machine) ResetPostBoot() {
	if m.bus == nil || m.cpu == nil {
		return
	}
	m.bus.SetCGBMode(false)
	m.useCGBBG = false
	m.bus.PPU().SetUseCompatColors(false)
	m.resetNoBootIO()
}

// ResetWithBoot reboots the current cartridge through the staged boot ROM,
// if any; falls back to ResetPostBoot when none is set.
func (m *Machine) ResetWithBoot() {
	if m.bus == nil || m.cpu == nil {
		return
	}
	if len(m.bootData) < 0x100 {
		m.ResetPostBoot()
		return
	}
	m.bus.SetBootROM(m.bootData)
	m.cpu.SetPC(0x0000)
}

// ResetCGBPostBoot reboots into CGB post-boot state. When compat is true the
// loaded cartridge is DMG-only and the PPU's compat palette is engaged
// instead of native CGB palette RAM.
func (m *Machine) ResetCGBPostBoot(compat bool) {
	if m.bus == nil || m.cpu == nil {
		return
	}
	m.bus.SetCGBMode(!compat)
	m.useCGBBG = true
	if compat {
		m.bus.PPU().SetUseCompatColors(true)
		m.bus.PPU().SetCompatPalette(compatPaletteRGB(m.compatPaletteID))
	}
	m.resetNoBootIO()
}

// WantCGBColors reports whether the player has asked for CGB colorization
// (native palette RAM for CGB carts, or the compat palette for DMG carts).
func (m *Machine) WantCGBColors() bool { return m.wantCGBColors }

// SetUseCGBBG records the player's CGB-colors preference; callers are
// responsible for pairing this with a ResetCGBPostBoot/ResetPostBoot to
// actually apply it, matching how the settings menu drives it.
func (m *Machine) SetUseCGBBG(v bool) {
	m.wantCGBColors = v
	m.useCGBBG = v
}

// UseCGBBG reports whether CGB background colorization is currently active.
func (m *Machine) UseCGBBG() bool { return m.useCGBBG }

// IsCGBCompat reports whether the loaded cartridge is DMG-only (so CGB
// colorization, if enabled, comes from the compat palette rather than
// native palette RAM).
func (m *Machine) IsCGBCompat() bool { return m.isCGBCompat }

// CurrentCompatPalette returns the active compat palette ID.
func (m *Machine) CurrentCompatPalette() int { return m.compatPaletteID }

// SetCompatPalette selects a compat palette by ID and applies it immediately
// if compat colorization is active.
func (m *Machine) SetCompatPalette(id int) {
	m.compatPaletteID = normalizeCompatPaletteID(id)
	if m.bus != nil && m.useCGBBG && m.isCGBCompat {
		m.bus.PPU().SetCompatPalette(compatPaletteRGB(m.compatPaletteID))
	}
}

// CycleCompatPalette moves the compat palette selection by delta (wrapping)
// and applies it immediately.
func (m *Machine) CycleCompatPalette(delta int) {
	m.SetCompatPalette(m.compatPaletteID + delta)
}

// CompatPaletteName returns the display name of compat palette id.
func (m *Machine) CompatPaletteName(id int) string {
	return cgbCompatSetNames[normalizeCompatPaletteID(id)]
}

// Step runs up to cycleBudget T-cycles of CPU time (it may slightly
// overshoot, as instructions are not interruptible), stopping early once a
// new frame is ready. It reports how many cycles actually ran, whether a
// frame completed, and whether the CPU crashed on an illegal opcode.
func (m *Machine) Step(cycleBudget int) (cyclesRan int, frameReady bool, crashed bool) {
	if m.cpu == nil || m.bus == nil {
		return 0, false, false
	}
	for cyclesRan < cycleBudget {
		cyclesRan += m.cpu.Step()
		if m.cpu.Crashed() {
			return cyclesRan, m.bus.PPU().FrameReady(), true
		}
		if m.bus.PPU().FrameReady() {
			return cyclesRan, true, false
		}
	}
	return cyclesRan, false, false
}

// cyclesPerFrame is one 59.7 Hz DMG/CGB frame's worth of single-speed
// T-cycles (70224), the budget StepFrame/StepFrameNoRender drive Step with.
const cyclesPerFrame = 70224

// StepFrame runs CPU/PPU/APU until one frame has been produced, the CPU
// crashes, or one frame's cycle budget is spent (e.g. with the LCD off),
// then updates the RGBA framebuffer for the host to present.
func (m *Machine) StepFrame() {
	if m.cpu == nil {
		return
	}
	budget := cyclesPerFrame
	if m.bus.DoubleSpeed() {
		budget *= 2
	}
	ran := 0
	for ran < budget {
		n, frameReady, crashed := m.Step(budget - ran)
		ran += n
		if crashed {
			break
		}
		if frameReady {
			m.bus.PPU().ClearFrameReady()
			break
		}
		if n == 0 {
			break
		}
	}
	m.renderFramebuffer()
}

// StepFrameNoRender behaves like StepFrame but skips the RGBA conversion,
// for headless test-ROM runs that only care about serial output or CRCs.
func (m *Machine) StepFrameNoRender() {
	if m.cpu == nil {
		return
	}
	budget := cyclesPerFrame
	if m.bus.DoubleSpeed() {
		budget *= 2
	}
	ran := 0
	for ran < budget {
		n, frameReady, crashed := m.Step(budget - ran)
		ran += n
		if crashed || frameReady || n == 0 {
			if frameReady {
				m.bus.PPU().ClearFrameReady()
			}
			break
		}
	}
}

// renderFramebuffer converts the PPU's packed RGB888 buffer into the RGBA
// buffer ebiten's WritePixels expects.
func (m *Machine) renderFramebuffer() {
	src := m.bus.PPU().Framebuffer()
	for i, j := 0, 0; i < len(src); i, j = i+3, j+4 {
		m.fb[j+0] = src[i+0]
		m.fb[j+1] = src[i+1]
		m.fb[j+2] = src[i+2]
		m.fb[j+3] = 0xFF
	}
}

// Framebuffer returns the current frame as RGBA8888, 160x144.
func (m *Machine) Framebuffer() []byte { return m.fb }

// APUBufferedStereo returns the number of stereo frames currently queued.
func (m *Machine) APUBufferedStereo() int {
	if m.bus == nil {
		return 0
	}
	return m.bus.APU().StereoAvailable()
}

// APUPullStereo drains up to max buffered stereo frames (L,R interleaved
// int16 samples).
func (m *Machine) APUPullStereo(max int) []int16 {
	if m.bus == nil {
		return nil
	}
	return m.bus.APU().PullStereo(max)
}

// APUCapBufferedStereo discards buffered audio down to at most max stereo
// frames, used to recover from a runaway backlog in low-latency mode.
func (m *Machine) APUCapBufferedStereo(max int) {
	if m.bus == nil {
		return
	}
	for m.bus.APU().StereoAvailable() > max {
		if len(m.bus.APU().PullStereo(4096)) == 0 {
			break
		}
	}
}

// APUClearAudioLatency drops all buffered audio, used when (un)muting to
// avoid playing back stale samples.
func (m *Machine) APUClearAudioLatency() { m.APUCapBufferedStereo(0) }

// SaveStateToFile writes a full save state (CPU, PPU, bus, cartridge, APU)
// to path using the versioned savestate container format.
func (m *Machine) SaveStateToFile(path string) error {
	if m.bus == nil || m.cpu == nil {
		return fmt.Errorf("core: no cartridge loaded")
	}
	slots := map[uint32][]byte{
		savestate.SlotCPU:  m.cpu.SaveState(),
		savestate.SlotPPU:  m.bus.PPU().SaveState(),
		savestate.SlotBus:  m.bus.SaveState(),
		savestate.SlotAPU:  m.bus.APU().SaveState(),
		savestate.SlotCart: cartSaveState(m.bus.Cart()),
	}
	return os.WriteFile(path, savestate.Encode(coreRevision, slots), 0644)
}

// LoadStateFromFile restores a save state written by SaveStateToFile.
func (m *Machine) LoadStateFromFile(path string) error {
	if m.bus == nil || m.cpu == nil {
		return fmt.Errorf("core: no cartridge loaded")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	slots, ok, err := savestate.Decode(data, coreRevision)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("core: save state from an incompatible core revision")
	}
	if s, present := slots[savestate.SlotCPU]; present {
		m.cpu.LoadState(s)
	}
	if s, present := slots[savestate.SlotPPU]; present {
		m.bus.PPU().LoadState(s)
	}
	if s, present := slots[savestate.SlotBus]; present {
		m.bus.LoadState(s)
	}
	if s, present := slots[savestate.SlotAPU]; present {
		m.bus.APU().LoadState(s)
	}
	if s, present := slots[savestate.SlotCart]; present {
		cartLoadState(m.bus.Cart(), s)
	}
	return nil
}

func cartSaveState(c cart.Cartridge) []byte {
	if c == nil {
		return nil
	}
	return c.SaveState()
}

func cartLoadState(c cart.Cartridge, data []byte) {
	if c == nil {
		return
	}
	c.LoadState(data)
}

// normalizeCompatPaletteID wraps id into the valid [0, len(cgbCompatSets)) range.
func normalizeCompatPaletteID(id int) int {
	n := len(cgbCompatSets)
	id %= n
	if id < 0 {
		id += n
	}
	return id
}

func compatPaletteRGB(id int) [4][3]byte { return cgbCompatSets[normalizeCompatPaletteID(id)] }
