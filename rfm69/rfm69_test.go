// Copyright 2021 by Thorsten von Eicken, see LICENSE file

package rfm69

import (
	"bytes"
	"testing"
	"time"
)

// fakeSPI simulates enough of the sx1231 for the driver's register traffic: a plain
// register RAM, a FIFO with IRQ flags derived from its state, and a pluggable RSSI
// source. It counts Tx calls so tests can assert that an operation caused no bus
// traffic at all.
type fakeSPI struct {
	regs    [0x80]byte
	fifo    []byte
	payload bool // a complete packet sits in the FIFO
	pktSent bool // a packet went out since the last FIFO clear

	txCount   int      // number of Tx calls, i.e. chip select windows
	sent      [][]byte // FIFO content at each entry into transmit mode
	noPktSent bool     // suppress the packet-sent flag to exercise the timeout

	rssi       func() byte      // value for RSSI register reads, nil: use regs
	onTransmit func(pkt []byte) // invoked with the FIFO content on TX entry

	rssiSettleReads int // RSSICONFIG reads before RssiDone asserts, 0: immediately
	rssiConfigReads int // number of RSSICONFIG reads so far
}

func newFakeSPI() *fakeSPI {
	f := &fakeSPI{}
	f.regs[REG_RSSIVALUE] = 0xE0 // -112dBm, a free channel
	return f
}

func (f *fakeSPI) Tx(w, r []byte) error {
	f.txCount++
	addr := w[0] & 0x7F
	if w[0]&0x80 != 0 {
		for i := 1; i < len(w); i++ {
			f.write(f.burstReg(addr, i), w[i])
		}
	} else {
		for i := 1; i < len(w); i++ {
			r[i] = f.read(f.burstReg(addr, i))
		}
	}
	return nil
}

// burstReg maps the i-th data byte of a burst to a register: the chip auto-increments
// the address for every register except the FIFO.
func (f *fakeSPI) burstReg(addr byte, i int) byte {
	if addr == REG_FIFO {
		return REG_FIFO
	}
	return addr + byte(i-1)
}

func (f *fakeSPI) read(reg byte) byte {
	switch reg {
	case REG_FIFO:
		if len(f.fifo) == 0 {
			return 0
		}
		v := f.fifo[0]
		f.fifo = f.fifo[1:]
		if len(f.fifo) == 0 {
			f.payload = false
		}
		return v
	case REG_IRQFLAGS1:
		return f.regs[reg] | IRQ1_MODEREADY
	case REG_IRQFLAGS2:
		var v byte
		if len(f.fifo) > 0 {
			v |= IRQ2_FIFONOTEMPTY
		}
		if f.payload {
			v |= IRQ2_PAYLOADREADY | IRQ2_CRCOK
		}
		if f.pktSent && !f.noPktSent {
			v |= IRQ2_PACKETSENT
		}
		return v
	case REG_RSSICONFIG:
		f.rssiConfigReads++
		if f.rssiConfigReads > f.rssiSettleReads {
			return RSSI_DONE
		}
		return 0
	case REG_RSSIVALUE:
		if f.rssi != nil {
			return f.rssi()
		}
		return f.regs[reg]
	}
	return f.regs[reg]
}

func (f *fakeSPI) write(reg, val byte) {
	switch reg {
	case REG_FIFO:
		f.fifo = append(f.fifo, val)
		return
	case REG_IRQFLAGS2:
		if val&IRQ2_FIFOOVERRUN != 0 {
			f.fifo = nil
			f.payload = false
			f.pktSent = false
		}
		return
	case REG_OPMODE:
		f.regs[reg] = val
		if val == byte(ModeTransmit)<<2 {
			pkt := append([]byte(nil), f.fifo...)
			f.fifo = nil
			f.pktSent = true
			f.sent = append(f.sent, pkt)
			if f.onTransmit != nil {
				f.onTransmit(pkt)
			}
		}
		return
	}
	f.regs[reg] = val
}

// deliver places a length-prefixed packet into the FIFO as if it had been received.
func (f *fakeSPI) deliver(payload []byte) {
	f.fifo = append(f.fifo, byte(len(payload)))
	f.fifo = append(f.fifo, payload...)
	f.payload = true
}

func (f *fakeSPI) Speed(hz int64) error           { return nil }
func (f *fakeSPI) Configure(mode, bits int) error { return nil }
func (f *fakeSPI) Close() error                   { return nil }

// fakeClock stands in for time.Now/time.Sleep so the bounded busy-waits run without
// real elapsed time. Every now() call advances the clock a little to guarantee that
// even a never-true condition exhausts its budget.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time {
	c.t = c.t.Add(250 * time.Microsecond)
	return c.t
}

func (c *fakeClock) sleep(d time.Duration) { c.t = c.t.Add(d) }

func newTestRadio(t *testing.T, highPower bool) (*Radio, *fakeSPI) {
	t.Helper()
	f := newFakeSPI()
	r, err := New(f, RadioOpts{HighPower: highPower})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	clk := &fakeClock{t: time.Unix(0, 0)}
	r.now = clk.now
	r.sleep = clk.sleep
	return r, f
}

func TestRegisterRoundTrip(t *testing.T) {
	r, _ := newTestRadio(t, false)
	for reg := byte(0x01); reg <= 0x7F; reg++ {
		switch reg {
		case REG_RSSICONFIG, REG_IRQFLAGS1, REG_IRQFLAGS2:
			continue // read-mostly flag registers, simulated from chip state
		}
		want := reg ^ 0x55
		r.writeReg(reg, want)
		if got := r.readReg(reg); got != want {
			t.Errorf("reg %#02x: wrote %#02x, read back %#02x", reg, want, got)
		}
	}
}

func TestInvalidAddressFailsClosed(t *testing.T) {
	r, f := newTestRadio(t, false)
	before := f.txCount
	r.writeReg(0x80, 0xAB)
	if f.txCount != before {
		t.Errorf("write to invalid register touched the bus")
	}
	if got := r.readReg(0xFF); got != 0 {
		t.Errorf("read of invalid register returned %#02x, want 0", got)
	}
	if f.txCount != before {
		t.Errorf("read of invalid register touched the bus")
	}
}

func TestSetModeIdempotent(t *testing.T) {
	r, f := newTestRadio(t, false)
	r.SetMode(ModeReceive)
	before := f.txCount
	if got := r.SetMode(ModeReceive); got != ModeReceive {
		t.Errorf("SetMode returned %v, want ModeReceive", got)
	}
	if f.txCount != before {
		t.Errorf("re-setting the current mode caused bus traffic")
	}
}

func TestSetModeRejectsInvalid(t *testing.T) {
	r, f := newTestRadio(t, false)
	before := f.txCount
	if got := r.SetMode(Mode(7)); got != ModeStandby {
		t.Errorf("SetMode(7) returned %v, want ModeStandby", got)
	}
	if f.txCount != before {
		t.Errorf("invalid mode caused bus traffic")
	}
}

func TestSetModeWritesOpMode(t *testing.T) {
	r, f := newTestRadio(t, false)
	r.SetMode(ModeReceive)
	if got := f.regs[REG_OPMODE]; got != byte(ModeReceive)<<2 {
		t.Errorf("op mode register is %#02x, want %#02x", got, byte(ModeReceive)<<2)
	}
	r.Sleep()
	if got := f.regs[REG_OPMODE]; got != 0 {
		t.Errorf("op mode register is %#02x after Sleep, want 0", got)
	}
}

func TestHighPowerBoostFollowsMode(t *testing.T) {
	r, f := newTestRadio(t, true)
	if err := r.SetPowerDBm(20); err != nil {
		t.Fatalf("SetPowerDBm(20): %v", err)
	}
	if f.regs[REG_TESTPA1] != 0x5D || f.regs[REG_TESTPA2] != 0x7C {
		t.Fatalf("boost registers not set: %#02x %#02x",
			f.regs[REG_TESTPA1], f.regs[REG_TESTPA2])
	}
	r.SetMode(ModeReceive)
	if f.regs[REG_TESTPA1] != 0x55 || f.regs[REG_TESTPA2] != 0x70 {
		t.Errorf("boost still on in RX: %#02x %#02x",
			f.regs[REG_TESTPA1], f.regs[REG_TESTPA2])
	}
	r.SetMode(ModeTransmit)
	if f.regs[REG_TESTPA1] != 0x5D || f.regs[REG_TESTPA2] != 0x7C {
		t.Errorf("boost not re-enabled in TX: %#02x %#02x",
			f.regs[REG_TESTPA1], f.regs[REG_TESTPA2])
	}
}

func TestSetPowerDBm(t *testing.T) {
	cases := map[string]struct {
		highPower bool
		dBm       int
		wantErr   bool
		wantPA    byte // expected power level register value
		wantBoost bool
	}{
		"regular max":      {false, 13, false, 0x80 | 31, false},
		"regular min":      {false, -18, false, 0x80 | 0, false},
		"regular mid":      {false, 0, false, 0x80 | 18, false},
		"regular too high": {false, 14, true, 0, false},
		"high single":      {true, 13, false, 0x40 | 31, false},
		"high dual":        {true, 17, false, 0x60 | 31, false},
		"high dual low":    {true, 14, false, 0x60 | 28, false},
		"high boost":       {true, 20, false, 0x60 | 31, true},
		"high boost low":   {true, 18, false, 0x60 | 29, true},
		"high too low":     {true, -3, true, 0, false},
		"above range":      {true, 21, true, 0, false},
		"below range":      {false, -19, true, 0, false},
	}
	for name, tc := range cases {
		r, f := newTestRadio(t, tc.highPower)
		before := f.txCount
		err := r.SetPowerDBm(tc.dBm)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s: expected error for %ddBm", name, tc.dBm)
			}
			if f.txCount != before {
				t.Errorf("%s: rejected power request touched the bus", name)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error: %v", name, err)
			continue
		}
		if got := f.regs[REG_PALEVEL]; got != tc.wantPA {
			t.Errorf("%s: power level register %#02x, want %#02x", name, got, tc.wantPA)
		}
		boost := f.regs[REG_TESTPA1] == 0x5D && f.regs[REG_TESTPA2] == 0x7C
		if boost != tc.wantBoost {
			t.Errorf("%s: boost registers enabled=%v, want %v", name, boost, tc.wantBoost)
		}
	}
}

func TestSetPASettingsDefaults(t *testing.T) {
	r, f := newTestRadio(t, false)
	r.SetPASettings(0)
	if got := f.regs[REG_OCP]; got != 0x1A {
		t.Errorf("OCP register %#02x, want %#02x (enabled for regular device)", got, 0x1A)
	}
	if got := f.regs[REG_PALEVEL] & 0xE0; got != 0x80 {
		t.Errorf("PA bits %#02x, want PA0 only", got)
	}

	r, f = newTestRadio(t, true)
	r.SetPASettings(0)
	if got := f.regs[REG_OCP]; got != 0x0A {
		t.Errorf("OCP register %#02x, want %#02x (disabled for high power device)", got, 0x0A)
	}
	if got := f.regs[REG_PALEVEL] & 0xE0; got != 0x40 {
		t.Errorf("PA bits %#02x, want PA1 only", got)
	}
}

func TestSetPASettingsForced(t *testing.T) {
	r, f := newTestRadio(t, true)
	r.SetPASettings(0x02 | 0x04 | 0x08) // PA1+PA2 with boost
	if got := f.regs[REG_PALEVEL] & 0xE0; got != 0x60 {
		t.Errorf("PA bits %#02x, want PA1+PA2", got)
	}
	if !r.highPowerSettings {
		t.Errorf("forced boost did not set the high power flag")
	}
	if f.regs[REG_TESTPA1] != 0x5D || f.regs[REG_TESTPA2] != 0x7C {
		t.Errorf("boost registers not written")
	}
}

func TestSetPowerLevelClamps(t *testing.T) {
	r, f := newTestRadio(t, false)
	f.regs[REG_PALEVEL] = 0x80
	r.SetPowerLevel(40)
	if got := f.regs[REG_PALEVEL]; got != 0x80|31 {
		t.Errorf("power level register %#02x, want %#02x", got, 0x80|31)
	}
	if r.powerLevel != 31 {
		t.Errorf("cached power level %d, want 31", r.powerLevel)
	}
}

func TestInitAppliesBaseConfig(t *testing.T) {
	r, f := newTestRadio(t, false)
	if err := r.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	sync := f.regs[REG_SYNCVALUE1 : REG_SYNCVALUE1+4]
	if !bytes.Equal(sync, []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Errorf("sync word %#x, want deadbeef", sync)
	}
	if got := f.regs[REG_PKTCONFIG1]; got != 0xD0 {
		t.Errorf("packet config %#02x, want 0xD0", got)
	}
	if got := f.regs[REG_PAYLOADLENGTH]; got != 0x40 {
		t.Errorf("payload length %#02x, want 0x40", got)
	}
	if got := f.regs[REG_PALEVEL] & 0xE0; got != 0x80 {
		t.Errorf("PA bits %#02x, want PA0 for regular device", got)
	}
	if len(f.fifo) != 0 {
		t.Errorf("FIFO not cleared after Init")
	}
}

func TestSetFrequency(t *testing.T) {
	r, f := newTestRadio(t, false)
	r.SetMode(ModeReceive)
	const hz = 868300000
	r.SetFrequency(hz)
	if r.mode != ModeStandby {
		t.Errorf("radio still in %v, want standby", r.mode)
	}
	frf := uint32(hz / fStep)
	if f.regs[REG_FRFMSB] != byte(frf>>16) || f.regs[REG_FRFMID] != byte(frf>>8) ||
		f.regs[REG_FRFLSB] != byte(frf) {
		t.Errorf("FRF registers %#02x %#02x %#02x, want %#06x",
			f.regs[REG_FRFMSB], f.regs[REG_FRFMID], f.regs[REG_FRFLSB], frf)
	}
}

func TestSetBitrate(t *testing.T) {
	r, f := newTestRadio(t, false)
	r.SetBitrate(9600)
	val := uint32(xtalFreq / 9600)
	if f.regs[REG_BITRATEMSB] != byte(val>>8) || f.regs[REG_BITRATELSB] != byte(val) {
		t.Errorf("bitrate registers %#02x %#02x, want %#04x",
			f.regs[REG_BITRATEMSB], f.regs[REG_BITRATELSB], val)
	}
}

func TestSetFrequencyDeviation(t *testing.T) {
	r, f := newTestRadio(t, false)
	r.SetFrequencyDeviation(20000)
	fdev := uint32(20000 / fStep)
	if f.regs[REG_FDEVMSB] != byte(fdev>>8) || f.regs[REG_FDEVLSB] != byte(fdev) {
		t.Errorf("fdev registers %#02x %#02x, want %#04x",
			f.regs[REG_FDEVMSB], f.regs[REG_FDEVLSB], fdev)
	}
}

func TestSetAESEncryption(t *testing.T) {
	r, f := newTestRadio(t, false)
	key := []byte("0123456789abcdef")
	if !r.SetAESEncryption(key) {
		t.Fatalf("valid 16-byte key did not enable encryption")
	}
	if got := f.regs[REG_AESKEYMSB : REG_AESKEYMSB+16]; !bytes.Equal(got, key) {
		t.Errorf("AES key registers %q, want %q", got, key)
	}
	if f.regs[REG_PKTCONFIG2]&PKT2_AESON == 0 {
		t.Errorf("AES enable bit not set")
	}
	if r.mode != ModeStandby {
		t.Errorf("radio in %v after key load, want standby", r.mode)
	}

	if r.SetAESEncryption([]byte("short")) {
		t.Errorf("short key enabled encryption")
	}
	if f.regs[REG_PKTCONFIG2]&PKT2_AESON != 0 {
		t.Errorf("AES enable bit still set after disable")
	}
	if r.SetAESEncryption(nil) {
		t.Errorf("nil key enabled encryption")
	}
}

func TestSetOOKMode(t *testing.T) {
	r, f := newTestRadio(t, false)
	r.SetOOKMode(true)
	if f.regs[REG_DATAMODUL]&0x08 == 0 {
		t.Errorf("OOK bit not set")
	}
	r.SetOOKMode(false)
	if f.regs[REG_DATAMODUL]&0x18 != 0 {
		t.Errorf("modulation bits not cleared for FSK")
	}
}

func TestRSSISentinel(t *testing.T) {
	r, f := newTestRadio(t, false)
	if got := r.RSSI(); got != -127 {
		t.Errorf("initial RSSI %d, want -127", got)
	}
	f.regs[REG_RSSIVALUE] = 180
	if got := r.readRSSI(); got != -90 {
		t.Errorf("readRSSI returned %d, want -90", got)
	}
	if got := r.RSSI(); got != -90 {
		t.Errorf("cached RSSI %d, want -90", got)
	}
}
