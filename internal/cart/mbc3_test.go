package cart

import "testing"

func TestMBC3_RTC_LatchAndRead(t *testing.T) {
	rom := make([]byte, 0x8000)
	m := NewMBC3(rom, 0x2000)

	m.Write(0x0000, 0x0A) // RAM/RTC enable
	m.rtc = rtcRegisters{Seconds: 5, Minutes: 6, Hours: 7, DaysLow: 0x01, DaysHighAndFlags: 0x01}
	m.Write(0x6000, 0x00)
	m.Write(0x6000, 0x01) // latch on 0->1 transition

	m.Write(0x4000, 0x08) // select seconds register
	if got := m.Read(0xA000); got != 5 {
		t.Fatalf("latched sec got %d want 5", got)
	}
	// Changing the live register must not change the already-latched read.
	m.rtc.Seconds = 30
	if got := m.Read(0xA000); got != 5 {
		t.Fatalf("latched sec changed unexpectedly: got %d", got)
	}

	m.Write(0x4000, 0x0B) // day low
	if got := m.Read(0xA000); got != 0x01 {
		t.Fatalf("latched day low got %02X want 01", got)
	}
	m.Write(0x4000, 0x0C) // day high/carry/halt
	got := m.Read(0xA000)
	if got&0x01 == 0 {
		t.Fatalf("latched day-high bit not set")
	}
	if got&0x40 != 0 {
		t.Fatalf("halt bit set unexpectedly")
	}
}

func TestMBC3_RTC_AdvanceRolloverAndPersist(t *testing.T) {
	rom := make([]byte, 0x8000)
	m := NewMBC3(rom, 0x2000)
	m.rtc = rtcRegisters{Seconds: 30, Minutes: 59, Hours: 23, DaysLow: 0xFF, DaysHighAndFlags: 0x01}

	m.TickRTC(20)
	if m.rtc.Seconds != 50 || m.rtc.Minutes != 59 {
		t.Fatalf("rtc advance 20s got sec=%d min=%d", m.rtc.Seconds, m.rtc.Minutes)
	}

	m.TickRTC(60)
	if m.rtc.Seconds != 50 || m.rtc.Minutes != 0 || m.rtc.Hours != 0 || m.rtc.DaysLow != 0 || m.rtc.DaysHighAndFlags&0x80 == 0 {
		t.Fatalf("rtc +60s rollover got %02d:%02d:%02d dayLow=%d flags=%02X",
			m.rtc.Hours, m.rtc.Minutes, m.rtc.Seconds, m.rtc.DaysLow, m.rtc.DaysHighAndFlags)
	}

	data := m.SaveState()
	n := NewMBC3(rom, 0x2000)
	n.LoadState(data)
	if n.rtc != m.rtc {
		t.Fatalf("rtc state did not round-trip: got %+v want %+v", n.rtc, m.rtc)
	}
}

func TestMBC3_RTC_HaltStopsAdvance(t *testing.T) {
	rom := make([]byte, 0x8000)
	m := NewMBC3(rom, 0x2000)
	m.rtc = rtcRegisters{Seconds: 0, DaysHighAndFlags: 0x40} // halted
	m.TickRTC(120)
	if m.rtc.Seconds != 0 {
		t.Fatalf("expected halted RTC to not advance, got seconds=%d", m.rtc.Seconds)
	}
}
