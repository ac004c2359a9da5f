package cart

import "fmt"

// Cartridge defines the minimal interface the Bus needs for ROM/RAM banking.
// Implementations can be ROM-only or MBC variants. Addresses are CPU addresses.
type Cartridge interface {
	// Read returns a byte for ROM (0x0000–0x7FFF) and external RAM (0xA000–0xBFFF).
	Read(addr uint16) byte
	// Write handles MBC control writes (0x0000–0x7FFF) and external RAM writes (0xA000–0xBFFF).
	Write(addr uint16, value byte)
	// SaveState/LoadState serialize internal banking registers and external RAM for save states.
	SaveState() []byte
	LoadState(data []byte)
}

// BatteryBacked is an optional interface for cartridges with external RAM to be persisted.
// Implementations should return a copy of RAM bytes (may be empty if no RAM), and accept data to load.
type BatteryBacked interface {
	SaveRAM() []byte
	LoadRAM(data []byte)
}

// UnsupportedCartridgeError reports a mapper byte (0x0147) outside the supported set.
type UnsupportedCartridgeError struct {
	CartType byte
}

func (e *UnsupportedCartridgeError) Error() string {
	return fmt.Sprintf("unsupported cartridge type %#02x", e.CartType)
}

// supportedMapperSet lists every 0x0147 value this core knows how to drive.
var supportedMapperSet = map[byte]bool{
	0x00: true,                         // ROM only
	0x01: true, 0x02: true, 0x03: true, // MBC1 (+RAM, +RAM+BATTERY)
	0x05: true, 0x06: true, // MBC2 (+BATTERY)
	0x0F: true, 0x10: true, 0x11: true, 0x12: true, 0x13: true, // MBC3 (+RTC/+RAM/+BATTERY)
	0x19: true, 0x1A: true, 0x1B: true, 0x1C: true, 0x1D: true, 0x1E: true, // MBC5 (+RAM/+BATTERY/+RUMBLE)
}

// Supported reports whether the given cartridge-type byte has a known mapper implementation.
func Supported(cartType byte) bool { return supportedMapperSet[cartType] }

// NewCartridge picks an implementation based on the ROM header. Callers that need to
// surface UnsupportedCartridge to the host should check Supported(header.CartType) first.
func NewCartridge(rom []byte) Cartridge {
	h, err := ParseHeader(rom)
	if err != nil {
		return NewROMOnly(rom)
	}
	switch h.CartType {
	case 0x00:
		return NewROMOnly(rom)
	case 0x01, 0x02, 0x03:
		return NewMBC1(rom, h.RAMSizeBytes)
	case 0x05, 0x06:
		return NewMBC2(rom)
	case 0x0F, 0x10, 0x11, 0x12, 0x13:
		return NewMBC3(rom, h.RAMSizeBytes)
	case 0x19, 0x1A, 0x1B, 0x1C, 0x1D, 0x1E:
		return NewMBC5(rom, h.RAMSizeBytes)
	default:
		return NewROMOnly(rom)
	}
}
