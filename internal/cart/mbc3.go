package cart

import (
	"bytes"
	"encoding/gob"
)

// MBC3 implements ROM/RAM banking plus the RTC registers (0x08-0x0C) latched
// through writes to 0x6000-0x7FFF.
// Banking behavior:
// - 0000-1FFF: RAM/RTC enable (0x0A in low nibble)
// - 2000-3FFF: ROM bank, 7 bits (0 maps to 1)
// - 4000-5FFF: RAM bank 0-3, or RTC register select 0x08-0x0C
// - 6000-7FFF: latch clock: a 0->1 write copies the live RTC counters into the latched copy
// - A000-BFFF: external RAM, or the latched RTC register when 0x08-0x0C is selected
type MBC3 struct {
	rom []byte
	ram []byte

	ramEnabled  bool
	romBank     byte // 7 bits (1..127)
	ramOrRTCSel byte // 0..3 selects RAM bank; 0x08..0x0C selects an RTC register

	rtc       rtcRegisters
	rtcLatch  rtcRegisters
	latchPrev byte
}

// rtcRegisters mirrors the MBC3 real-time-clock register set.
type rtcRegisters struct {
	Seconds, Minutes, Hours byte
	DaysLow                 byte
	DaysHighAndFlags        byte // bit0: day counter bit8, bit6: halt, bit7: day counter carry
}

func NewMBC3(rom []byte, ramSize int) *MBC3 {
	m := &MBC3{rom: rom}
	if ramSize > 0 {
		m.ram = make([]byte, ramSize)
	}
	m.romBank = 1
	return m
}

func (m *MBC3) Read(addr uint16) byte {
	switch {
	case addr < 0x4000:
		if int(addr) < len(m.rom) {
			return m.rom[addr]
		}
		return 0xFF
	case addr < 0x8000:
		bank := int(m.romBank & 0x7F)
		if bank == 0 {
			bank = 1
		}
		off := bank*0x4000 + int(addr-0x4000)
		if off >= 0 && off < len(m.rom) {
			return m.rom[off]
		}
		return 0xFF
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return 0xFF
		}
		if reg, ok := m.rtcReg(); ok {
			return reg
		}
		if len(m.ram) == 0 {
			return 0xFF
		}
		rb := int(m.ramOrRTCSel & 0x03)
		off := rb*0x2000 + int(addr-0xA000)
		if off >= 0 && off < len(m.ram) {
			return m.ram[off]
		}
		return 0xFF
	default:
		return 0xFF
	}
}

func (m *MBC3) rtcReg() (byte, bool) {
	switch m.ramOrRTCSel {
	case 0x08:
		return m.rtcLatch.Seconds, true
	case 0x09:
		return m.rtcLatch.Minutes, true
	case 0x0A:
		return m.rtcLatch.Hours, true
	case 0x0B:
		return m.rtcLatch.DaysLow, true
	case 0x0C:
		return m.rtcLatch.DaysHighAndFlags, true
	default:
		return 0, false
	}
}

func (m *MBC3) Write(addr uint16, value byte) {
	switch {
	case addr < 0x2000:
		m.ramEnabled = (value & 0x0F) == 0x0A
	case addr < 0x4000:
		v := value & 0x7F
		if v == 0 {
			v = 1
		}
		m.romBank = v
	case addr < 0x6000:
		m.ramOrRTCSel = value
	case addr < 0x8000:
		if m.latchPrev == 0x00 && value == 0x01 {
			m.rtcLatch = m.rtc
		}
		m.latchPrev = value
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return
		}
		switch m.ramOrRTCSel {
		case 0x08:
			m.rtc.Seconds = value
		case 0x09:
			m.rtc.Minutes = value
		case 0x0A:
			m.rtc.Hours = value
		case 0x0B:
			m.rtc.DaysLow = value
		case 0x0C:
			m.rtc.DaysHighAndFlags = value
		default:
			if len(m.ram) == 0 {
				return
			}
			rb := int(m.ramOrRTCSel & 0x03)
			off := rb*0x2000 + int(addr-0xA000)
			if off >= 0 && off < len(m.ram) {
				m.ram[off] = value
			}
		}
	}
}

// TickRTC advances the RTC by the given number of whole seconds. The host
// calls this at its own cadence; the core does not own wall-clock time.
func (m *MBC3) TickRTC(seconds int) {
	if m.rtc.DaysHighAndFlags&0x40 != 0 { // halted
		return
	}
	for i := 0; i < seconds; i++ {
		m.rtc.Seconds++
		if m.rtc.Seconds < 60 {
			continue
		}
		m.rtc.Seconds = 0
		m.rtc.Minutes++
		if m.rtc.Minutes < 60 {
			continue
		}
		m.rtc.Minutes = 0
		m.rtc.Hours++
		if m.rtc.Hours < 24 {
			continue
		}
		m.rtc.Hours = 0
		days := uint16(m.rtc.DaysLow) | uint16(m.rtc.DaysHighAndFlags&0x01)<<8
		days++
		if days > 0x1FF {
			days = 0
			m.rtc.DaysHighAndFlags |= 0x80 // overflow carry
		}
		m.rtc.DaysLow = byte(days)
		m.rtc.DaysHighAndFlags = (m.rtc.DaysHighAndFlags &^ 0x01) | byte((days>>8)&0x01)
	}
}

func (m *MBC3) SaveRAM() []byte {
	if len(m.ram) == 0 {
		return nil
	}
	out := make([]byte, len(m.ram))
	copy(out, m.ram)
	return out
}

func (m *MBC3) LoadRAM(data []byte) {
	if len(m.ram) == 0 || len(data) == 0 {
		return
	}
	copy(m.ram, data)
}

type mbc3State struct {
	RAM                     []byte
	RamEnabled              bool
	RomBank, RamOrRTCSel    byte
	RTC, RTCLatch           rtcRegisters
	LatchPrev               byte
}

func (m *MBC3) SaveState() []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(mbc3State{
		RAM: m.ram, RamEnabled: m.ramEnabled, RomBank: m.romBank, RamOrRTCSel: m.ramOrRTCSel,
		RTC: m.rtc, RTCLatch: m.rtcLatch, LatchPrev: m.latchPrev,
	})
	return buf.Bytes()
}

func (m *MBC3) LoadState(data []byte) {
	var s mbc3State
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	if len(s.RAM) == len(m.ram) {
		copy(m.ram, s.RAM)
	}
	m.ramEnabled, m.romBank, m.ramOrRTCSel = s.RamEnabled, s.RomBank, s.RamOrRTCSel
	m.rtc, m.rtcLatch, m.latchPrev = s.RTC, s.RTCLatch, s.LatchPrev
}
