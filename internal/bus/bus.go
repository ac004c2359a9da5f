package bus

import (
	"bytes"
	"encoding/gob"
	"io"
	"os"

	"github.com/tilegrid/gbcore/internal/apu"
	"github.com/tilegrid/gbcore/internal/cart"
	"github.com/tilegrid/gbcore/internal/interrupt"
	"github.com/tilegrid/gbcore/internal/ppu"
	"github.com/tilegrid/gbcore/internal/timer"
)

// Bus wires CPU-visible address space to cartridge, WRAM, HRAM, and IO.
type Bus struct {
	cart cart.Cartridge

	// Work RAM. On DMG this is a flat 8 KiB bank; on CGB it is 8 banks of
	// 4 KiB, with bank 0 fixed at 0xC000-0xCFFF and SVBK (0xFF70) selecting
	// which of banks 1-7 is mapped at 0xD000-0xDFFF.
	wram     [8][0x1000]byte
	wramBank byte // 1..7, defaults to 1

	// High RAM (HRAM) 0xFF80–0xFFFE (127 bytes)
	hram [0x7F]byte

	ppu   *ppu.PPU
	apu   *apu.APU
	irq   *interrupt.Controller
	timer *timer.Timer

	cgb         bool
	key1        byte // FF4D: bit0 prepare-switch armed, bit7 current speed (1=double)
	doubleSpeed bool
	speedPhase  int // toggles 0/1 each CPU cycle in double-speed mode; hardware ticks on phase==0

	// JOYP
	joypSelect byte
	joypad     byte
	joypLower4 byte

	// Serial
	sb byte
	sc byte
	sw io.Writer

	// DMA register (still handled here for copy trigger)
	dma byte // FF46

	// OAM DMA state
	dmaActive bool
	dmaSrc    uint16
	dmaIndex  int

	// Boot ROM support
	bootROM     []byte
	bootEnabled bool

	debugTimer bool
}

// New constructs a Bus around rom, with the mapper chosen from its header.
func New(rom []byte) *Bus {
	return NewWithCartridge(cart.NewCartridge(rom))
}

// NewWithCartridge wires a provided cartridge implementation.
func NewWithCartridge(c cart.Cartridge) *Bus {
	b := &Bus{cart: c, wramBank: 1}
	b.irq = interrupt.New()
	b.ppu = ppu.New(func(bit int) { b.irq.Request(bit) })
	b.timer = timer.New(func(bit int) { b.irq.Request(bit) })
	b.apu = apu.New()
	if os.Getenv("GB_DEBUG_TIMER") != "" {
		b.debugTimer = true
	}
	return b
}

// PPU returns the internal PPU for read-only rendering helpers.
func (b *Bus) PPU() *ppu.PPU { return b.ppu }

// APU returns the internal sound unit for host audio consumption.
func (b *Bus) APU() *apu.APU { return b.apu }

// Cart returns the underlying cartridge for optional battery operations.
func (b *Bus) Cart() cart.Cartridge { return b.cart }

// SetCGBMode enables CGB-specific WRAM banking, VRAM banking, and palette RAM.
// When disabled the bus behaves like a plain DMG.
func (b *Bus) SetCGBMode(v bool) {
	b.cgb = v
	b.ppu.SetCGBMode(v)
}

func (b *Bus) CGBMode() bool { return b.cgb }

// DoubleSpeed reports whether the CGB double-speed mode is currently engaged.
func (b *Bus) DoubleSpeed() bool { return b.doubleSpeed }

// readKEY1 returns KEY1: bit7 is the current speed, bit0 the armed
// ("prepare speed switch") request.
func (b *Bus) readKEY1() byte {
	v := byte(0x7E)
	if b.doubleSpeed {
		v |= 0x80
	}
	if b.key1&0x01 != 0 {
		v |= 0x01
	}
	return v
}

func (b *Bus) writeKEY1(value byte) {
	if value&0x01 != 0 {
		b.key1 |= 0x01
	} else {
		b.key1 &^= 0x01
	}
}

// PerformSpeedSwitch is invoked by the CPU when executing STOP with KEY1 bit0
// armed: it flips the speed and disarms the request, per the CGB boot sequence.
func (b *Bus) PerformSpeedSwitch() bool {
	if !b.cgb || b.key1&0x01 == 0 {
		return false
	}
	b.doubleSpeed = !b.doubleSpeed
	b.key1 &^= 0x01
	b.speedPhase = 0
	return true
}

// duringDMABlocked reports whether addr is off-limits to the CPU while an
// OAM DMA transfer is in flight: only HRAM remains reachable, everything
// else (ROM, VRAM, WRAM, cart RAM, OAM, I/O) reads back as open bus.
func (b *Bus) duringDMABlocked(addr uint16) bool {
	return b.dmaActive && !(addr >= 0xFF80 && addr <= 0xFFFE)
}

// Read is the CPU-facing memory read, blocked outside HRAM during OAM DMA.
func (b *Bus) Read(addr uint16) byte {
	if b.duringDMABlocked(addr) {
		return 0xFF
	}
	return b.readRaw(addr)
}

// readRaw performs the actual memory-map dispatch, unaffected by DMA
// blocking; the DMA engine itself uses this to fetch its source bytes.
func (b *Bus) readRaw(addr uint16) byte {
	switch {
	case addr < 0x8000:
		if b.bootEnabled && addr < 0x0100 && len(b.bootROM) >= 0x100 {
			return b.bootROM[addr]
		}
		if b.bootEnabled && b.cgb && addr >= 0x0200 && addr < 0x0900 && len(b.bootROM) >= 0x900 {
			return b.bootROM[addr]
		}
		return b.cart.Read(addr)
	case addr >= 0x8000 && addr <= 0x9FFF:
		return b.ppu.CPURead(addr)
	case addr >= 0xA000 && addr <= 0xBFFF:
		return b.cart.Read(addr)

	case addr >= 0xC000 && addr <= 0xCFFF:
		return b.wram[0][addr-0xC000]
	case addr >= 0xD000 && addr <= 0xDFFF:
		return b.wram[b.wramBankIndex()][addr-0xD000]

	case addr >= 0xE000 && addr <= 0xFDFF:
		mirror := addr - 0x2000
		if mirror < 0xD000 {
			return b.wram[0][mirror-0xC000]
		}
		return b.wram[b.wramBankIndex()][mirror-0xD000]

	case addr >= 0xFF80 && addr <= 0xFFFE:
		return b.hram[addr-0xFF80]
	case addr >= 0xFE00 && addr <= 0xFE9F:
		return b.ppu.CPURead(addr)
	case addr == 0xFF00:
		res := byte(0xC0 | (b.joypSelect & 0x30) | 0x0F)
		if (b.joypSelect & 0x10) == 0 {
			if b.joypad&JoypRight != 0 {
				res &^= 0x01
			}
			if b.joypad&JoypLeft != 0 {
				res &^= 0x02
			}
			if b.joypad&JoypUp != 0 {
				res &^= 0x04
			}
			if b.joypad&JoypDown != 0 {
				res &^= 0x08
			}
		}
		if (b.joypSelect & 0x20) == 0 {
			if b.joypad&JoypA != 0 {
				res &^= 0x01
			}
			if b.joypad&JoypB != 0 {
				res &^= 0x02
			}
			if b.joypad&JoypSelectBtn != 0 {
				res &^= 0x04
			}
			if b.joypad&JoypStart != 0 {
				res &^= 0x08
			}
		}
		return res
	case addr == 0xFF04:
		return b.timer.ReadDIV()
	case addr == 0xFF05:
		return b.timer.ReadTIMA()
	case addr == 0xFF06:
		return b.timer.ReadTMA()
	case addr == 0xFF07:
		return b.timer.ReadTAC()
	case addr == 0xFF01:
		return b.sb
	case addr == 0xFF02:
		return 0x7E | (b.sc & 0x81)
	case addr == 0xFF40, addr == 0xFF41, addr == 0xFF42, addr == 0xFF43,
		addr == 0xFF44, addr == 0xFF45,
		addr == 0xFF47, addr == 0xFF48, addr == 0xFF49,
		addr == 0xFF4A, addr == 0xFF4B, addr == 0xFF4F,
		addr == 0xFF68, addr == 0xFF69, addr == 0xFF6A, addr == 0xFF6B:
		return b.ppu.CPURead(addr)
	case isAPURegister(addr):
		return b.apu.CPURead(addr)
	case addr == 0xFF46:
		return b.dma
	case addr == 0xFF4D:
		return b.readKEY1()
	case addr == 0xFF70:
		if !b.cgb {
			return 0xFF
		}
		return 0xF8 | (b.wramBank & 0x07)
	case addr == 0xFF50:
		return 0xFF
	case addr == 0xFF0F:
		return b.irq.ReadIF()
	case addr == 0xFFFF:
		return b.irq.ReadIE()
	}
	return 0xFF
}

func (b *Bus) wramBankIndex() byte {
	if b.wramBank == 0 {
		return 1
	}
	return b.wramBank
}

// isAPURegister reports whether addr is a sound register or wave RAM byte.
func isAPURegister(addr uint16) bool {
	return (addr >= 0xFF10 && addr <= 0xFF26) || (addr >= 0xFF30 && addr <= 0xFF3F)
}

func (b *Bus) Write(addr uint16, value byte) {
	if b.duringDMABlocked(addr) {
		return
	}
	switch {
	case addr < 0x8000:
		b.cart.Write(addr, value)
		return
	case addr >= 0x8000 && addr <= 0x9FFF:
		b.ppu.CPUWrite(addr, value)
		return
	case addr >= 0xA000 && addr <= 0xBFFF:
		b.cart.Write(addr, value)
		return

	case addr >= 0xC000 && addr <= 0xCFFF:
		b.wram[0][addr-0xC000] = value
		return
	case addr >= 0xD000 && addr <= 0xDFFF:
		b.wram[b.wramBankIndex()][addr-0xD000] = value
		return

	case addr >= 0xE000 && addr <= 0xFDFF:
		mirror := addr - 0x2000
		if mirror < 0xD000 {
			b.wram[0][mirror-0xC000] = value
		} else {
			b.wram[b.wramBankIndex()][mirror-0xD000] = value
		}
		return

	case addr >= 0xFF80 && addr <= 0xFFFE:
		b.hram[addr-0xFF80] = value
		return
	case addr >= 0xFE00 && addr <= 0xFE9F:
		b.ppu.CPUWrite(addr, value)
		return
	case addr == 0xFF00:
		b.joypSelect = value & 0x30
		b.updateJoypadIRQ()
		return
	case addr == 0xFF04:
		b.timer.WriteDIV()
		return
	case addr == 0xFF05:
		b.timer.WriteTIMA(value)
		return
	case addr == 0xFF06:
		b.timer.WriteTMA(value)
		return
	case addr == 0xFF07:
		b.timer.WriteTAC(value)
		return
	case addr == 0xFF01:
		b.sb = value
		return
	case addr == 0xFF02:
		b.sc = value & 0x81
		if (b.sc & 0x80) != 0 {
			if b.sw != nil {
				_, _ = b.sw.Write([]byte{b.sb})
			}
			b.irq.Request(interrupt.Serial)
			b.sc &^= 0x80
		}
		return
	case addr == 0xFF40, addr == 0xFF41, addr == 0xFF42, addr == 0xFF43,
		addr == 0xFF44, addr == 0xFF45,
		addr == 0xFF47, addr == 0xFF48, addr == 0xFF49,
		addr == 0xFF4A, addr == 0xFF4B, addr == 0xFF4F,
		addr == 0xFF68, addr == 0xFF69, addr == 0xFF6A, addr == 0xFF6B:
		b.ppu.CPUWrite(addr, value)
		return
	case isAPURegister(addr):
		b.apu.CPUWrite(addr, value)
		return
	case addr == 0xFF46:
		b.dma = value
		b.dmaActive = true
		b.dmaSrc = uint16(value) << 8
		b.dmaIndex = 0
		return
	case addr == 0xFF4D:
		b.writeKEY1(value)
		return
	case addr == 0xFF70:
		if b.cgb {
			b.wramBank = value & 0x07
		}
		return
	case addr == 0xFF50:
		if value != 0x00 {
			b.bootEnabled = false
		}
		return
	case addr == 0xFF0F:
		b.irq.WriteIF(value)
		return
	case addr == 0xFFFF:
		b.irq.WriteIE(value)
		return
	}
}

// Joypad button bitmasks for SetJoypadState. Bits set mean "pressed".
const (
	JoypRight     = 1 << 0
	JoypLeft      = 1 << 1
	JoypUp        = 1 << 2
	JoypDown      = 1 << 3
	JoypA         = 1 << 4
	JoypB         = 1 << 5
	JoypSelectBtn = 1 << 6
	JoypStart     = 1 << 7
)

// SetJoypadState sets which buttons are currently pressed.
func (b *Bus) SetJoypadState(mask byte) {
	b.joypad = mask
	b.updateJoypadIRQ()
}

// SetSerialWriter sets a sink that receives bytes written via the serial port.
func (b *Bus) SetSerialWriter(w io.Writer) { b.sw = w }

// SetBootROM loads a boot ROM to be mapped at the bottom of address space
// until disabled via a write to 0xFF50. Accepts both the 256-byte DMG boot
// ROM and the 2304-byte CGB boot ROM.
func (b *Bus) SetBootROM(data []byte) {
	b.bootROM = nil
	b.bootEnabled = false
	if len(data) >= 0x100 {
		b.bootROM = make([]byte, len(data))
		copy(b.bootROM, data)
		b.bootEnabled = true
	}
}

// IRQ exposes the interrupt controller for the CPU's service/wake logic.
func (b *Bus) IRQ() *interrupt.Controller { return b.irq }

// Tick advances the bus by cpuCycles T-cycles of CPU time. In double-speed
// mode the timer, PPU, APU, and DMA only advance on every other CPU cycle so
// that their real-time rate stays constant while the CPU executes twice as fast.
func (b *Bus) Tick(cpuCycles int) {
	if cpuCycles <= 0 {
		return
	}
	for i := 0; i < cpuCycles; i++ {
		if b.doubleSpeed {
			b.speedPhase ^= 1
			if b.speedPhase != 0 {
				continue
			}
		}
		b.timer.Tick(1)
		if b.ppu != nil {
			b.ppu.Tick(1)
		}
		if b.apu != nil {
			b.apu.Tick(1)
		}
		if b.dmaActive {
			if b.dmaIndex < 0xA0 {
				v := b.readRaw(b.dmaSrc + uint16(b.dmaIndex))
				b.ppu.CPUWrite(0xFE00+uint16(b.dmaIndex), v)
				b.dmaIndex++
			}
			if b.dmaIndex >= 0xA0 {
				b.dmaActive = false
			}
		}
	}
}

// updateJoypadIRQ recomputes JOYP lower 4 bits (active-low) and raises the
// joypad interrupt on any 1->0 transition.
func (b *Bus) updateJoypadIRQ() {
	newLower := byte(0x0F)
	if (b.joypSelect & 0x10) == 0 {
		if b.joypad&JoypRight != 0 {
			newLower &^= 0x01
		}
		if b.joypad&JoypLeft != 0 {
			newLower &^= 0x02
		}
		if b.joypad&JoypUp != 0 {
			newLower &^= 0x04
		}
		if b.joypad&JoypDown != 0 {
			newLower &^= 0x08
		}
	}
	if (b.joypSelect & 0x20) == 0 {
		if b.joypad&JoypA != 0 {
			newLower &^= 0x01
		}
		if b.joypad&JoypB != 0 {
			newLower &^= 0x02
		}
		if b.joypad&JoypSelectBtn != 0 {
			newLower &^= 0x04
		}
		if b.joypad&JoypStart != 0 {
			newLower &^= 0x08
		}
	}
	falling := b.joypLower4 &^ newLower
	if falling != 0 {
		b.irq.Request(interrupt.Joypad)
	}
	b.joypLower4 = newLower
}

// --- Save/Load state ---
type busState struct {
	WRAM      [8][0x1000]byte
	WRAMBank  byte
	HRAM      [0x7F]byte
	JoypSel   byte
	Joypad    byte
	JoypL4    byte
	SB, SC    byte
	DMA       byte
	DMAActive bool
	DMASrc    uint16
	DMAIdx    int
	BootEn    bool
	CGB       bool
	Key1      byte
	DblSpeed  bool
}

func (b *Bus) SaveState() []byte {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	s := busState{
		WRAM: b.wram, WRAMBank: b.wramBank, HRAM: b.hram,
		JoypSel: b.joypSelect, Joypad: b.joypad, JoypL4: b.joypLower4,
		SB: b.sb, SC: b.sc,
		DMA: b.dma, DMAActive: b.dmaActive, DMASrc: b.dmaSrc, DMAIdx: b.dmaIndex,
		BootEn: b.bootEnabled, CGB: b.cgb, Key1: b.key1, DblSpeed: b.doubleSpeed,
	}
	_ = enc.Encode(s)
	if b.ppu != nil {
		_ = enc.Encode(b.ppu.SaveState())
	} else {
		_ = enc.Encode([]byte(nil))
	}
	_ = enc.Encode(b.timer.SaveState())
	_ = enc.Encode(b.irq.SaveState())
	if b.apu != nil {
		_ = enc.Encode(b.apu.SaveState())
	} else {
		_ = enc.Encode([]byte(nil))
	}
	if bb, ok := b.cart.(interface{ SaveState() []byte }); ok {
		_ = enc.Encode(bb.SaveState())
	} else {
		_ = enc.Encode([]byte(nil))
	}
	return buf.Bytes()
}

func (b *Bus) LoadState(data []byte) {
	dec := gob.NewDecoder(bytes.NewReader(data))
	var s busState
	if err := dec.Decode(&s); err != nil {
		return
	}
	b.wram = s.WRAM
	b.wramBank = s.WRAMBank
	b.hram = s.HRAM
	b.joypSelect, b.joypad, b.joypLower4 = s.JoypSel, s.Joypad, s.JoypL4
	b.sb, b.sc = s.SB, s.SC
	b.dma, b.dmaActive, b.dmaSrc, b.dmaIndex = s.DMA, s.DMAActive, s.DMASrc, s.DMAIdx
	b.bootEnabled = s.BootEn
	b.cgb, b.key1, b.doubleSpeed = s.CGB, s.Key1, s.DblSpeed

	var ps []byte
	if err := dec.Decode(&ps); err == nil && b.ppu != nil {
		b.ppu.LoadState(ps)
	}
	var ts []byte
	if err := dec.Decode(&ts); err == nil {
		b.timer.LoadState(ts)
	}
	var is []byte
	if err := dec.Decode(&is); err == nil {
		b.irq.LoadState(is)
	}
	var as []byte
	if err := dec.Decode(&as); err == nil && b.apu != nil {
		b.apu.LoadState(as)
	}
	var cs []byte
	if err := dec.Decode(&cs); err == nil {
		if bb, ok := b.cart.(interface{ LoadState([]byte) }); ok {
			bb.LoadState(cs)
		}
	}
}
