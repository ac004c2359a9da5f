package core

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// buildROM makes a synthetic, header-valid ROM-only cartridge image so tests
// can exercise Machine without a real ROM file on disk.
func buildROM(title string, cgbFlag byte) []byte {
	rom := make([]byte, 32*1024)
	tbytes := []byte(title)
	if len(tbytes) > 16 {
		tbytes = tbytes[:16]
	}
	copy(rom[0x0134:0x0144], tbytes)
	rom[0x0143] = cgbFlag
	rom[0x0144], rom[0x0145] = '0', '1'
	rom[0x0147] = 0x00 // ROM only
	rom[0x0148] = 0x00 // 32 KiB
	rom[0x0149] = 0x00 // no RAM
	rom[0x014B] = 0x33

	var hsum byte
	for addr := 0x0134; addr <= 0x014C; addr++ {
		hsum = hsum - rom[addr] - 1
	}
	rom[0x014D] = hsum

	var gsum uint16
	for i := range rom {
		if i == 0x014E || i == 0x014F {
			continue
		}
		gsum += uint16(rom[i])
	}
	binary.BigEndian.PutUint16(rom[0x014E:0x0150], gsum)
	return rom
}

func TestLoadCartridge_DMGPostBoot(t *testing.T) {
	m := New(Config{})
	if err := m.LoadCartridge(buildROM("TESTGAME", 0x00), nil); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}
	if m.ROMTitle() != "TESTGAME" {
		t.Fatalf("ROMTitle got %q", m.ROMTitle())
	}
	if m.IsCGBCompat() != true {
		t.Fatalf("expected a non-CGB-flagged cartridge to be CGB-compat eligible")
	}
}

func TestStepFrame_ProducesNoCrash(t *testing.T) {
	m := New(Config{})
	if err := m.LoadCartridge(buildROM("NOPLOOP", 0x00), nil); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}
	// A ROM-only image with a zeroed body is an unbroken run of NOPs (0x00);
	// this only checks that one frame's worth of cycles executes cleanly.
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("StepFrame panicked: %v", r)
		}
	}()
	m.StepFrame()
	if len(m.Framebuffer()) != 160*144*4 {
		t.Fatalf("framebuffer size got %d want %d", len(m.Framebuffer()), 160*144*4)
	}
}

func TestSetButtons_RoundTripsThroughJoypad(t *testing.T) {
	m := New(Config{})
	if err := m.LoadCartridge(buildROM("BTN", 0x00), nil); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}
	m.SetButtons(Buttons{A: true, Up: true})
	m.bus.Write(0xFF00, 0x10) // select action buttons
	v := m.bus.Read(0xFF00)
	if v&0x01 != 0 {
		t.Fatalf("expected A bit low (pressed), got JOYP=%02x", v)
	}
}

func TestSaveLoadStateRoundTrip(t *testing.T) {
	m := New(Config{})
	if err := m.LoadCartridge(buildROM("STATE", 0x00), nil); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}
	for i := 0; i < 5; i++ {
		m.StepFrameNoRender()
	}
	path := filepath.Join(t.TempDir(), "slot0.savestate")
	if err := m.SaveStateToFile(path); err != nil {
		t.Fatalf("SaveStateToFile: %v", err)
	}
	wantPC := m.cpu.PC

	m2 := New(Config{})
	if err := m2.LoadCartridge(buildROM("STATE", 0x00), nil); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}
	if err := m2.LoadStateFromFile(path); err != nil {
		t.Fatalf("LoadStateFromFile: %v", err)
	}
	if m2.cpu.PC != wantPC {
		t.Fatalf("PC after load got %#04x want %#04x", m2.cpu.PC, wantPC)
	}
}

func TestLoadStateFromFile_RejectsGarbage(t *testing.T) {
	m := New(Config{})
	if err := m.LoadCartridge(buildROM("GARBAGE", 0x00), nil); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}
	path := filepath.Join(t.TempDir(), "bad.savestate")
	if err := os.WriteFile(path, []byte("not a save state"), 0644); err != nil {
		t.Fatalf("write garbage file: %v", err)
	}
	if err := m.LoadStateFromFile(path); err == nil {
		t.Fatalf("expected error loading garbage save state")
	}
}

func TestCompatPaletteCyclesAndWraps(t *testing.T) {
	m := New(Config{})
	if err := m.LoadCartridge(buildROM("TETRIS", 0x00), nil); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}
	if got := m.CurrentCompatPalette(); got != 2 {
		t.Fatalf("expected TETRIS to auto-select palette 2 (Blue), got %d", got)
	}
	m.SetCompatPalette(len(cgbCompatSets) - 1)
	m.CycleCompatPalette(1)
	if got := m.CurrentCompatPalette(); got != 0 {
		t.Fatalf("expected wraparound to 0, got %d", got)
	}
	if name := m.CompatPaletteName(0); name != "Green" {
		t.Fatalf("CompatPaletteName(0) got %q", name)
	}
}
