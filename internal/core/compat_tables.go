package core

import (
	"strings"

	"github.com/tilegrid/gbcore/internal/cart"
)

// cgbCompatSetNames names the curated compat palettes selectable for a
// DMG-only cartridge running colorized on CGB hardware, in the same order
// as cgbCompatSets and the IDs used by compatTitleExact/compatTitleContains.
var cgbCompatSetNames = []string{
	"Green",  // 0: classic DMG green-gray
	"Sepia",  // 1
	"Blue",   // 2
	"Red",    // 3
	"Pastel", // 4
}

// cgbCompatSets holds, per palette, the four shade colors (lightest to
// darkest) substituted for the DMG's BGP/OBP0/OBP1 indices when compat
// colorization is active.
var cgbCompatSets = [][4][3]byte{
	{{0xE0, 0xF8, 0xD0}, {0x88, 0xC0, 0x70}, {0x34, 0x68, 0x56}, {0x08, 0x18, 0x20}}, // Green
	{{0xF8, 0xE8, 0xC8}, {0xD0, 0xA8, 0x70}, {0x90, 0x60, 0x38}, {0x38, 0x20, 0x10}}, // Sepia
	{{0xE0, 0xF0, 0xF8}, {0x78, 0xA8, 0xD0}, {0x38, 0x58, 0x90}, {0x10, 0x18, 0x38}}, // Blue
	{{0xF8, 0xE0, 0xE0}, {0xD8, 0x80, 0x80}, {0x90, 0x30, 0x30}, {0x30, 0x08, 0x08}}, // Red
	{{0xF8, 0xF0, 0xF8}, {0xC8, 0xA8, 0xD0}, {0x88, 0x70, 0x98}, {0x30, 0x28, 0x40}}, // Pastel
}

// compatTitleExact maps exact, normalized cartridge titles to a preferred
// compat palette ID.
var compatTitleExact = map[string]int{
	"TETRIS":              2,
	"TETRIS DX":           2,
	"SUPER MARIO LAND":    3,
	"SUPER MARIO LAND 2":  3,
	"DR. MARIO":           4,
	"DONKEY KONG":         1,
	"THE LEGEND OF ZELDA": 0,
	"ZELDA":               0,
	"METROID II":          3,
	"KIRBY'S DREAM LAND":  4,
	"MEGA MAN":            2,
	"MEGAMAN":             2,
	"WARIO LAND":          1,
	"POKEMON YELLOW":      4,
	"POKEMON RED":         4,
	"POKEMON BLUE":        4,
	"POCKET MONSTERS":     4,
}

type containsRule struct {
	substr string
	id     int
}

// compatTitleContains applies broader substring heuristics for families not
// caught by the exact-title table.
var compatTitleContains = []containsRule{
	{"TETRIS", 2},
	{"MARIO", 3},
	{"ZELDA", 0},
	{"KIRBY", 4},
	{"DONKEY KONG", 1},
	{"METROID", 3},
	{"MEGA MAN", 2},
	{"MEGAMAN", 2},
	{"WARIO", 1},
	{"POKEMON", 4},
	{"POCKET MONSTERS", 4},
}

// autoCompatPaletteFromHeader picks a default compat palette using the title
// tables above, then a stable per-ROM fallback based on licensee/checksum.
func autoCompatPaletteFromHeader(h *cart.Header) (int, bool) {
	if h == nil {
		return 0, false
	}
	title := strings.TrimSpace(strings.TrimRight(h.Title, "\x00"))
	t := strings.ToUpper(title)
	if id, ok := compatTitleExact[t]; ok {
		return id, true
	}
	for _, r := range compatTitleContains {
		if strings.Contains(t, r.substr) {
			return r.id, true
		}
	}
	nintendo := false
	if h.OldLicensee == 0x33 {
		nintendo = strings.ToUpper(h.NewLicensee) == "01"
	} else {
		nintendo = h.OldLicensee == 0x01
	}
	if nintendo {
		return int(h.HeaderChecksum) % len(cgbCompatSets), true
	}
	return 0, true
}
