package ppu

import "testing"

// advanceLines ticks the PPU forward by n full visible lines (456 dots each).
func advanceLines(p *PPU, n int) { p.Tick(456 * n) }

func TestWindowInternalLineCounterAdvancesOnlyWhenDrawn(t *testing.T) {
	p := New(nil)
	p.CPUWrite(0xFF40, 0x80)           // LCD on
	p.CPUWrite(0xFF40, 0x80|0x01)      // BG on
	p.CPUWrite(0xFF40, 0x80|0x01|0x20) // Window on
	p.CPUWrite(0xFF4A, 10)             // WY = 10
	p.CPUWrite(0xFF4B, 7)              // WX = 7 -> window starts at x=0

	advanceLines(p, 10)
	if p.winLine != 0 {
		t.Fatalf("expected winLine=0 before WY is reached, got %d", p.winLine)
	}
	p.Tick(80 + 172 + 1) // render line 10, window visible -> counter advances
	if p.winLine != 1 {
		t.Fatalf("expected winLine=1 after drawing line 10, got %d", p.winLine)
	}
	advanceLines(p, 1)
	p.Tick(80 + 172 + 1)
	if p.winLine != 2 {
		t.Fatalf("expected winLine=2 after drawing line 11, got %d", p.winLine)
	}
}

func TestWindowNotVisibleWhenWXTooLarge(t *testing.T) {
	p := New(nil)
	p.CPUWrite(0xFF40, 0x80|0x01|0x20)
	p.CPUWrite(0xFF4A, 5)
	p.CPUWrite(0xFF4B, 200) // off the visible 160-pixel line
	advanceLines(p, 8)
	for i := 0; i < 4; i++ {
		p.Tick(80 + 172 + 1)
	}
	if p.winLine != 0 {
		t.Fatalf("expected winLine=0 when WX places the window off-screen, got %d", p.winLine)
	}
}
