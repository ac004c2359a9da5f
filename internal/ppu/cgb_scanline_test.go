package ppu

import "testing"

// writeVRAM writes through the CPU-facing bank-selected VRAM write path.
func writeVRAM(p *PPU, bank int, addr uint16, v byte) {
	p.CPUWrite(0xFF4F, byte(bank))
	p.CPUWrite(addr, v)
}

func writeBGPaletteColor(p *PPU, pal, idx byte, r, g, b byte) {
	off := pal*8 + idx*2
	word := uint16(r) | uint16(g)<<5 | uint16(b)<<10
	p.CPUWrite(0xFF68, off|0x80)
	p.CPUWrite(0xFF69, byte(word))
	p.CPUWrite(0xFF68, (off+1)|0x80)
	p.CPUWrite(0xFF69, byte(word>>8))
}

func TestCGBBackgroundUsesBank1AttributesForPalette(t *testing.T) {
	p := New(nil)
	p.SetCGBMode(true)
	p.CPUWrite(0xFF40, 0x91) // LCD+BG on, 0x8000 addressing, 0x9800 map

	// Tile 1's row 0 in bank0: all four leftmost pixels set to color index 3 (lo=hi=0xF0)
	writeVRAM(p, 0, 0x8010, 0xF0)
	writeVRAM(p, 0, 0x8011, 0xF0)
	// Map entry 0 at 0x9800 selects tile 1
	writeVRAM(p, 0, 0x9800, 0x01)
	// Bank1 attribute byte at the same map address: palette 3
	writeVRAM(p, 1, 0x9800, 0x03)

	writeBGPaletteColor(p, 3, 3, 31, 0, 0) // palette 3, color index 3 -> pure red

	p.Tick(80 + 172 + 1) // render line 0
	fb := p.Framebuffer()
	if fb[0] != 0xFF || fb[1] != 0 || fb[2] != 0 {
		t.Fatalf("expected red pixel at (0,0), got %v", fb[0:3])
	}
}

func TestCGBWindowDrawsOverBackground(t *testing.T) {
	p := New(nil)
	p.SetCGBMode(true)
	p.CPUWrite(0xFF40, 0x91|0x20) // LCD+BG+Window on
	p.CPUWrite(0xFF4A, 0)         // WY=0
	p.CPUWrite(0xFF4B, 7)         // WX=7 -> window starts at x=0

	// Window tile 2 all-opaque color index 3
	writeVRAM(p, 0, 0x8020, 0xFF)
	writeVRAM(p, 0, 0x8021, 0xFF)
	writeVRAM(p, 0, 0x9800, 0x02)

	writeBGPaletteColor(p, 0, 3, 0, 31, 0) // palette 0, idx3 -> green

	p.Tick(80 + 172 + 1)
	fb := p.Framebuffer()
	if fb[1] != 0xFF || fb[0] != 0 {
		t.Fatalf("expected green window pixel at (0,0), got %v", fb[0:3])
	}
}
