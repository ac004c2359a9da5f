package ppu

import (
	"bytes"
	"encoding/gob"
	"sort"
)

// InterruptRequester is a callback signature to request IF bits (0:VBlank, 1:STAT, 2:Timer, 3:Serial, 4:Joypad).
type InterruptRequester func(bit int)

// Sprite is one parsed OAM entry considered for a scanline.
type Sprite struct {
	X, Y, Tile, Attr byte
	OAMIndex         int
}

// PPU models VRAM/OAM (two banks in CGB mode), LCDC/STAT regs, LY/LYC, CGB
// palette RAM, and the scanline renderer that produces an RGB framebuffer.
type PPU struct {
	vram [2][0x2000]byte // 0x8000-0x9FFF, bank 1 only meaningful in CGB mode
	oam  [0xA0]byte      // 0xFE00-0xFE9F

	lcdc byte // FF40
	stat byte // FF41 (mode bits 0-1, coincidence flag bit2, enables bits3-6)
	scy  byte // FF42
	scx  byte // FF43
	ly   byte // FF44
	lyc  byte // FF45
	bgp  byte // FF47
	obp0 byte // FF48
	obp1 byte // FF49
	wy   byte // FF4A
	wx   byte // FF4B

	cgb bool // CGB hardware features (palette RAM, VRAM bank 1) active
	vbk byte // FF4F, bit0 selects CPU-visible VRAM bank

	bcpsIdx byte // FF68
	ocpsIdx byte // FF6A
	bcp     [64]byte
	ocp     [64]byte

	useFetcherBG bool // render DMG BG via the fetcher+FIFO path instead of the inline loop

	compatPalette   [4][3]byte // four-shade RGB replacement for dmgShade, used to tint DMG-only ROMs on CGB hardware
	useCompatColors bool

	dot              int // dots within current line [0..455]
	winLine          int
	winDrawnThisLine bool

	framebuffer [160 * 144 * 3]byte
	bgPriority  [160]bool
	frameReady  bool

	req InterruptRequester
}

func New(req InterruptRequester) *PPU {
	return &PPU{req: req, lcdc: 0x00, bgp: 0xFC, obp0: 0xFF, obp1: 0xFF}
}

// SetCGBMode toggles CGB-only register/palette behavior.
func (p *PPU) SetCGBMode(v bool) { p.cgb = v }
func (p *PPU) CGBMode() bool     { return p.cgb }

// SetUseFetcherBG selects the DMG fetcher/FIFO-based BG renderer for parity testing.
func (p *PPU) SetUseFetcherBG(v bool) { p.useFetcherBG = v }

func (p *PPU) cpuVRAMBank() int {
	if p.cgb {
		return int(p.vbk & 1)
	}
	return 0
}

// CPURead returns bytes for VRAM, OAM, and PPU IO registers. Returns 0xFF for others.
func (p *PPU) CPURead(addr uint16) byte {
	switch {
	case addr >= 0x8000 && addr <= 0x9FFF:
		if (p.stat & 0x03) == 3 {
			return 0xFF
		}
		return p.vram[p.cpuVRAMBank()][addr-0x8000]
	case addr >= 0xFE00 && addr <= 0xFE9F:
		m := p.stat & 0x03
		if m == 2 || m == 3 {
			return 0xFF
		}
		return p.oam[addr-0xFE00]
	case addr == 0xFF40:
		return p.lcdc
	case addr == 0xFF41:
		return 0x80 | (p.stat & 0x7F)
	case addr == 0xFF42:
		return p.scy
	case addr == 0xFF43:
		return p.scx
	case addr == 0xFF44:
		return p.ly
	case addr == 0xFF45:
		return p.lyc
	case addr == 0xFF47:
		return p.bgp
	case addr == 0xFF48:
		return p.obp0
	case addr == 0xFF49:
		return p.obp1
	case addr == 0xFF4A:
		return p.wy
	case addr == 0xFF4B:
		return p.wx
	case addr == 0xFF4F:
		if !p.cgb {
			return 0xFF
		}
		return 0xFE | p.vbk
	case addr == 0xFF68:
		return p.bcpsIdx | 0x40
	case addr == 0xFF69:
		if !p.cgb {
			return 0xFF
		}
		return p.bcp[p.bcpsIdx&0x3F]
	case addr == 0xFF6A:
		return p.ocpsIdx | 0x40
	case addr == 0xFF6B:
		if !p.cgb {
			return 0xFF
		}
		return p.ocp[p.ocpsIdx&0x3F]
	default:
		return 0xFF
	}
}

// CPUWrite handles writes to VRAM, OAM, and PPU IO regs. Others are ignored here.
func (p *PPU) CPUWrite(addr uint16, value byte) {
	switch {
	case addr >= 0x8000 && addr <= 0x9FFF:
		if (p.stat & 0x03) == 3 {
			return
		}
		p.vram[p.cpuVRAMBank()][addr-0x8000] = value
	case addr >= 0xFE00 && addr <= 0xFE9F:
		m := p.stat & 0x03
		if m == 2 || m == 3 {
			return
		}
		p.oam[addr-0xFE00] = value
	case addr == 0xFF40:
		prev := p.lcdc
		p.lcdc = value
		if (p.lcdc&0x80) == 0 && (prev&0x80) != 0 {
			p.ly = 0
			p.dot = 0
			p.winLine = 0
			p.setMode(0)
			p.updateLYC()
		} else if (p.lcdc&0x80) != 0 && (prev&0x80) == 0 {
			p.ly = 0
			p.dot = 0
			p.setMode(2)
			p.updateLYC()
		}
	case addr == 0xFF41:
		p.stat = (p.stat & 0x07) | (value & 0x78)
	case addr == 0xFF42:
		p.scy = value
	case addr == 0xFF43:
		p.scx = value
	case addr == 0xFF44:
		p.ly = 0
		p.dot = 0
		p.updateLYC()
		if (p.lcdc & 0x80) != 0 {
			p.setMode(2)
		}
	case addr == 0xFF45:
		p.lyc = value
		p.updateLYC()
	case addr == 0xFF47:
		p.bgp = value
	case addr == 0xFF48:
		p.obp0 = value
	case addr == 0xFF49:
		p.obp1 = value
	case addr == 0xFF4A:
		p.wy = value
	case addr == 0xFF4B:
		p.wx = value
	case addr == 0xFF4F:
		if p.cgb {
			p.vbk = value & 1
		}
	case addr == 0xFF68:
		p.bcpsIdx = value & 0xBF
	case addr == 0xFF69:
		if p.cgb {
			p.bcp[p.bcpsIdx&0x3F] = value
			if p.bcpsIdx&0x80 != 0 {
				p.bcpsIdx = (p.bcpsIdx & 0x80) | ((p.bcpsIdx + 1) & 0x3F)
			}
		}
	case addr == 0xFF6A:
		p.ocpsIdx = value & 0xBF
	case addr == 0xFF6B:
		if p.cgb {
			p.ocp[p.ocpsIdx&0x3F] = value
			if p.ocpsIdx&0x80 != 0 {
				p.ocpsIdx = (p.ocpsIdx & 0x80) | ((p.ocpsIdx + 1) & 0x3F)
			}
		}
	}
}

// Tick advances PPU state by the given number of dots (CPU cycles).
func (p *PPU) Tick(cycles int) {
	if cycles <= 0 {
		return
	}
	for i := 0; i < cycles; i++ {
		if (p.lcdc & 0x80) == 0 {
			continue
		}
		prevMode := p.stat & 0x03
		p.dot++
		var mode byte
		if p.ly >= 144 {
			mode = 1
		} else {
			switch {
			case p.dot < 80:
				mode = 2
			case p.dot < 80+172:
				mode = 3
			default:
				mode = 0
			}
		}
		if prevMode == 3 && mode == 0 {
			p.renderScanline(p.ly)
		}
		p.setMode(mode)

		if p.dot >= 456 {
			p.dot = 0
			p.ly++
			if p.ly == 144 {
				p.frameReady = true
				if p.req != nil {
					p.req(0)
				}
				if (p.stat & (1 << 4)) != 0 {
					if p.req != nil {
						p.req(1)
					}
				}
			} else if p.ly > 153 {
				p.ly = 0
				p.winLine = 0
			}
			p.updateLYC()
			if p.ly >= 144 {
				p.setMode(1)
			} else {
				p.setMode(2)
			}
		}
	}
}

func (p *PPU) setMode(mode byte) {
	prev := p.stat & 0x03
	if prev == mode {
		return
	}
	p.stat = (p.stat &^ 0x03) | (mode & 0x03)
	switch mode {
	case 0:
		if (p.stat & (1 << 3)) != 0 {
			if p.req != nil {
				p.req(1)
			}
		}
	case 2:
		if (p.stat & (1 << 5)) != 0 {
			if p.req != nil {
				p.req(1)
			}
		}
	}
}

func (p *PPU) updateLYC() {
	if p.ly == p.lyc {
		p.stat |= 1 << 2
		if (p.stat & (1 << 6)) != 0 {
			if p.req != nil {
				p.req(1)
			}
		}
	} else {
		p.stat &^= 1 << 2
	}
}

// FrameReady reports whether a full frame has been produced since the last ClearFrameReady.
func (p *PPU) FrameReady() bool   { return p.frameReady }
func (p *PPU) ClearFrameReady()   { p.frameReady = false }
func (p *PPU) Framebuffer() []byte { return p.framebuffer[:] }

func (p *PPU) setPixel(x, y int, rgb [3]byte) {
	off := (y*160 + x) * 3
	p.framebuffer[off] = rgb[0]
	p.framebuffer[off+1] = rgb[1]
	p.framebuffer[off+2] = rgb[2]
}

func expand5to8(c byte) byte { return (c << 3) | (c >> 2) }

// SetCompatPalette installs a four-shade RGB replacement for the plain
// grayscale dmgShade table, used when a DMG-only cartridge runs on CGB
// hardware and the player has asked for a tinted palette instead of gray.
func (p *PPU) SetCompatPalette(colors [4][3]byte) { p.compatPalette = colors }

// SetUseCompatColors toggles whether shade() consults the compat palette.
func (p *PPU) SetUseCompatColors(v bool) { p.useCompatColors = v }

func (p *PPU) UseCompatColors() bool { return p.useCompatColors }

func (p *PPU) shade(idx byte) [3]byte {
	if p.useCompatColors {
		return p.compatPalette[idx&0x03]
	}
	return dmgShade(idx)
}

func dmgShade(idx byte) [3]byte {
	switch idx & 0x03 {
	case 0:
		return [3]byte{0xFF, 0xFF, 0xFF}
	case 1:
		return [3]byte{0xAA, 0xAA, 0xAA}
	case 2:
		return [3]byte{0x55, 0x55, 0x55}
	default:
		return [3]byte{0x00, 0x00, 0x00}
	}
}

func (p *PPU) cgbColor(ram *[64]byte, pal, ci byte) [3]byte {
	off := int(pal&0x07)*8 + int(ci&0x03)*2
	lo := ram[off]
	hi := ram[off+1]
	word := uint16(hi)<<8 | uint16(lo)
	r := byte(word & 0x1F)
	g := byte((word >> 5) & 0x1F)
	b := byte((word >> 10) & 0x1F)
	return [3]byte{expand5to8(r), expand5to8(g), expand5to8(b)}
}

type vramBankAdapter struct {
	p    *PPU
	bank int
}

func (v vramBankAdapter) Read(addr uint16) byte { return v.p.vram[v.bank][addr-0x8000] }

// renderScanline composites BG, window, and sprites for one visible line into the framebuffer.
func (p *PPU) renderScanline(ly byte) {
	if ly >= 144 {
		return
	}
	lcdc := p.lcdc
	tileData8000 := lcdc&0x10 != 0
	bgMapBase := uint16(0x9800)
	if lcdc&0x08 != 0 {
		bgMapBase = 0x9C00
	}
	winMapBase := uint16(0x9800)
	if lcdc&0x40 != 0 {
		winMapBase = 0x9C00
	}
	bgEnabledDMG := lcdc&0x01 != 0
	masterPriorityOff := p.cgb && lcdc&0x01 == 0

	var bgci [160]byte
	var bgPal [160]byte
	var bgAttrPrio [160]bool

	if !p.cgb && p.useFetcherBG {
		ad := vramBankAdapter{p, 0}
		row := RenderBGScanlineUsingFetcher(ad, bgMapBase, tileData8000, p.scx, p.scy, ly)
		bgci = row
		if !bgEnabledDMG {
			bgci = [160]byte{}
		}
	} else {
		for x := 0; x < 160; x++ {
			if !p.cgb && !bgEnabledDMG {
				continue
			}
			bgX := uint16(x) + uint16(p.scx)
			bgY := uint16(ly) + uint16(p.scy)
			tileCol := (bgX >> 3) & 31
			tileRow := (bgY >> 3) & 31
			tileAddr := bgMapBase + tileRow*32 + tileCol
			tileNum := p.vram[0][tileAddr-0x8000]
			var attr byte
			if p.cgb {
				attr = p.vram[1][tileAddr-0x8000]
			}
			fineY := byte(bgY & 7)
			if attr&0x40 != 0 {
				fineY = 7 - fineY
			}
			bank := 0
			if attr&0x08 != 0 {
				bank = 1
			}
			ci, _ := p.fetchPixel(bank, tileData8000, tileNum, fineY, byte(bgX&7), attr&0x20 != 0)
			bgci[x] = ci
			bgPal[x] = attr & 0x07
			bgAttrPrio[x] = attr&0x80 != 0
		}
	}

	if lcdc&0x20 != 0 && p.wy <= ly {
		wxPos := int(p.wx) - 7
		drew := false
		for x := 0; x < 160; x++ {
			if x < wxPos {
				continue
			}
			drew = true
			winX := uint16(x - wxPos)
			winY := uint16(p.winLine)
			tileCol := (winX >> 3) & 31
			tileRow := (winY >> 3) & 31
			tileAddr := winMapBase + tileRow*32 + tileCol
			tileNum := p.vram[0][tileAddr-0x8000]
			var attr byte
			if p.cgb {
				attr = p.vram[1][tileAddr-0x8000]
			}
			fineY := byte(winY & 7)
			if attr&0x40 != 0 {
				fineY = 7 - fineY
			}
			bank := 0
			if attr&0x08 != 0 {
				bank = 1
			}
			ci, _ := p.fetchPixel(bank, tileData8000, tileNum, fineY, byte(winX&7), attr&0x20 != 0)
			bgci[x] = ci
			bgPal[x] = attr & 0x07
			bgAttrPrio[x] = attr&0x80 != 0
		}
		if drew {
			p.winLine++
		}
	}

	for x := 0; x < 160; x++ {
		var rgb [3]byte
		if p.cgb {
			rgb = p.cgbColor(&p.bcp, bgPal[x], bgci[x])
		} else {
			shadeIdx := (p.bgp >> (bgci[x] * 2)) & 0x03
			rgb = p.shade(shadeIdx)
		}
		p.setPixel(x, int(ly), rgb)
		prio := bgci[x] != 0
		if p.cgb && !masterPriorityOff && bgAttrPrio[x] {
			prio = true
		}
		if masterPriorityOff {
			prio = false
		}
		p.bgPriority[x] = prio
	}

	if lcdc&0x02 != 0 {
		p.renderSprites(ly)
	}
}

// fetchPixel reads one 2bpp color index from tile data, applying horizontal flip.
func (p *PPU) fetchPixel(bank int, tileData8000 bool, tileNum byte, fineY, fineX byte, hflip bool) (byte, byte) {
	var base uint16
	if tileData8000 {
		base = 0x8000 + uint16(tileNum)*16 + uint16(fineY)*2
	} else {
		base = 0x9000 + uint16(int8(tileNum))*16 + uint16(fineY)*2
	}
	lo := p.vram[bank][base-0x8000]
	hi := p.vram[bank][base+1-0x8000]
	fx := fineX
	if hflip {
		fx = 7 - fx
	}
	bit := 7 - fx
	ci := ((hi>>bit)&1)<<1 | ((lo >> bit) & 1)
	return ci, 0
}

func (p *PPU) renderSprites(ly byte) {
	height := 8
	if p.lcdc&0x04 != 0 {
		height = 16
	}
	var sprites []Sprite
	for i := 0; i < 40 && len(sprites) < 10; i++ {
		y := int(p.oam[i*4]) - 16
		if int(ly) < y || int(ly) >= y+height {
			continue
		}
		sprites = append(sprites, Sprite{
			X:        p.oam[i*4+1],
			Y:        p.oam[i*4],
			Tile:     p.oam[i*4+2],
			Attr:     p.oam[i*4+3],
			OAMIndex: i,
		})
	}
	if p.cgb {
		sort.SliceStable(sprites, func(i, j int) bool { return sprites[i].OAMIndex < sprites[j].OAMIndex })
	} else {
		sort.SliceStable(sprites, func(i, j int) bool {
			if sprites[i].X != sprites[j].X {
				return sprites[i].X < sprites[j].X
			}
			return sprites[i].OAMIndex < sprites[j].OAMIndex
		})
	}
	// Paint from lowest priority (last in the sorted order) to highest so the
	// highest-priority sprite ends up on top.
	for i := len(sprites) - 1; i >= 0; i-- {
		s := sprites[i]
		x0 := int(s.X) - 8
		y0 := int(s.Y) - 16
		line := int(ly) - y0
		vflip := s.Attr&0x40 != 0
		hflip := s.Attr&0x20 != 0
		tile := s.Tile
		if height == 16 {
			tile &^= 0x01
		}
		row := line
		if vflip {
			row = height - 1 - line
		}
		bank := 0
		if p.cgb && s.Attr&0x08 != 0 {
			bank = 1
		}
		tileNum := uint16(tile) + uint16(row/8)
		fineY := byte(row % 8)
		behindBG := s.Attr&0x80 != 0
		for col := 0; col < 8; col++ {
			x := x0 + col
			if x < 0 || x >= 160 {
				continue
			}
			fx := byte(col)
			if hflip {
				fx = 7 - fx
			}
			base := 0x8000 + tileNum*16 + uint16(fineY)*2
			lo := p.vram[bank][base-0x8000]
			hi := p.vram[bank][base+1-0x8000]
			bit := 7 - fx
			ci := ((hi>>bit)&1)<<1 | ((lo >> bit) & 1)
			if ci == 0 {
				continue
			}
			if behindBG && p.bgPriority[x] {
				continue
			}
			var rgb [3]byte
			if p.cgb {
				rgb = p.cgbColor(&p.ocp, s.Attr&0x07, ci)
			} else {
				pal := p.obp0
				if s.Attr&0x10 != 0 {
					pal = p.obp1
				}
				shadeIdx := (pal >> (ci * 2)) & 0x03
				rgb = p.shade(shadeIdx)
			}
			p.setPixel(x, int(ly), rgb)
		}
	}
}

// Expose palettes and scroll for renderer convenience (optional helpers)
func (p *PPU) BGP() byte  { return p.bgp }
func (p *PPU) OBP0() byte { return p.obp0 }
func (p *PPU) OBP1() byte { return p.obp1 }
func (p *PPU) LCDC() byte { return p.lcdc }
func (p *PPU) SCY() byte  { return p.scy }
func (p *PPU) SCX() byte  { return p.scx }
func (p *PPU) WY() byte   { return p.wy }
func (p *PPU) WX() byte   { return p.wx }

type ppuState struct {
	VRAM0, VRAM1                   [0x2000]byte
	OAM                            [0xA0]byte
	LCDC, STAT, SCY, SCX, LY, LYC  byte
	BGP, OBP0, OBP1, WY, WX        byte
	CGB                            bool
	VBK, BCPSIdx, OCPSIdx          byte
	BCP, OCP                       [64]byte
	Dot, WinLine                   int
	FB                             [160 * 144 * 3]byte
	CompatPalette                  [4][3]byte
	UseCompatColors                bool
}

func (p *PPU) SaveState() []byte {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	s := ppuState{
		VRAM0: p.vram[0], VRAM1: p.vram[1], OAM: p.oam,
		LCDC: p.lcdc, STAT: p.stat, SCY: p.scy, SCX: p.scx, LY: p.ly, LYC: p.lyc,
		BGP: p.bgp, OBP0: p.obp0, OBP1: p.obp1, WY: p.wy, WX: p.wx,
		CGB: p.cgb, VBK: p.vbk, BCPSIdx: p.bcpsIdx, OCPSIdx: p.ocpsIdx,
		BCP: p.bcp, OCP: p.ocp,
		Dot: p.dot, WinLine: p.winLine, FB: p.framebuffer,
		CompatPalette: p.compatPalette, UseCompatColors: p.useCompatColors,
	}
	_ = enc.Encode(s)
	return buf.Bytes()
}

func (p *PPU) LoadState(data []byte) {
	dec := gob.NewDecoder(bytes.NewReader(data))
	var s ppuState
	if err := dec.Decode(&s); err != nil {
		return
	}
	p.vram[0], p.vram[1], p.oam = s.VRAM0, s.VRAM1, s.OAM
	p.lcdc, p.stat, p.scy, p.scx, p.ly, p.lyc = s.LCDC, s.STAT, s.SCY, s.SCX, s.LY, s.LYC
	p.bgp, p.obp0, p.obp1, p.wy, p.wx = s.BGP, s.OBP0, s.OBP1, s.WY, s.WX
	p.cgb, p.vbk, p.bcpsIdx, p.ocpsIdx = s.CGB, s.VBK, s.BCPSIdx, s.OCPSIdx
	p.bcp, p.ocp = s.BCP, s.OCP
	p.dot, p.winLine, p.framebuffer = s.Dot, s.WinLine, s.FB
	p.compatPalette, p.useCompatColors = s.CompatPalette, s.UseCompatColors
}
