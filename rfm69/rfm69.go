// Copyright 2021 by Thorsten von Eicken, see LICENSE file

// Package rfm69 interfaces with a HopeRF RFM69 radio module connected to an SPI bus.
//
// The RFM69 modules use a Semtech SX1231 or SX1231H radio chip and this package should
// work fine with other radio modules using the same chip. The +20dBm high power modules
// (RFM69HW/RFM69HCW) are supported as well and differ in which of the chip's power
// amplifiers may be enabled, see the HighPower option.
//
// Unlike the interrupt driven sx1231 driver this one is fully synchronous: Send blocks
// until the packet went out (or a timeout expired) and Receive polls the chip's IRQ
// flags over SPI, so no interrupt pin needs to be wired up. This makes the driver usable
// on boards where no interrupt-capable pin is free and keeps the control flow trivial:
// one owning goroutine calls Send and Receive in a loop.
//
// The chip is operated in FSK variable-length packet mode, which limits payloads to the
// 64 bytes configured as max length. A CSMA/CA algorithm can be enabled to sense the
// channel before transmitting; it is best-effort: after a 500ms ceiling the packet goes
// out regardless. Any packet that arrives while CSMA waits for a free channel is held
// in a single-slot buffer and handed out by the next Receive call.
//
// The methods on the Radio object are not concurrency safe: the register bus is a single
// exclusively-owned resource and all access must come from one goroutine (or be guarded
// by an external mutex).
package rfm69

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/tve/radio"
)

// MaxPayload is the largest payload Send accepts; longer slices get clamped.
const MaxPayload = 64

// Clock constants of the chip, do not change.
const (
	xtalFreq = 32000000 // crystal frequency in Hz
	fStep    = 61       // synthesizer step in Hz, xtalFreq/2^19 truncated
)

// Timing budgets for the bounded busy-waits. Every wait is advisory: expiry does not
// raise an error, the driver proceeds as if the awaited condition held and leaves
// recovery to the caller's retry logic.
const (
	modeReadyTimeout  = 100 * time.Millisecond // max time for a mode switch
	packetSentTimeout = 100 * time.Millisecond // max time until packet must be out
	csmaTimeout       = 500 * time.Millisecond // ceiling for the channel-free wait
	rssiSettleTimeout = 10 * time.Millisecond  // RSSI sampling after entering RX
)

// csmaRSSIThreshold is the RSSI in dBm below which the channel counts as free.
const csmaRSSIThreshold = -85

// noRSSI is the cached RSSI value before any sample was taken.
const noRSSI = -127

// Mode is one of the chip's five operating modes.
type Mode byte

const (
	ModeSleep   Mode = iota // lowest power consumption
	ModeStandby             // oscillator running
	ModeFS                  // frequency synthesizer locked
	ModeTransmit            // carrier active
	ModeReceive             // receiver active
)

// DataMode selects the chip's data operation mode.
type DataMode byte

const (
	DataModePacket DataMode = 0 // packet engine active, the only supported mode
)

// ErrInvalidPower is returned by SetPowerDBm for output powers the device cannot produce.
var ErrInvalidPower = errors.New("rfm69: output power out of range for device")

// LogPrintf is a function used by the driver to print logging info.
type LogPrintf func(format string, v ...interface{})

// Radio represents an RFM69 radio module.
type Radio struct {
	spi radio.SPI // bus to access the chip's registers
	log LogPrintf // function to use for logging
	// configuration
	highPower bool // true: RFM69Hxx device with PA1/PA2 output stage
	// policy flags, caller settable
	autoReadRSSI bool // sample RSSI after each received packet
	csmaEnabled  bool // sense channel before transmitting
	// state
	mode              Mode     // last mode written to the chip
	dataMode          DataMode // current data operation mode
	ookEnabled        bool     // OOK instead of FSK modulation
	powerLevel        byte     // last value written to the power level field
	highPowerSettings bool     // +20dBm boost registers are to be used in TX
	rssi              int      // last sampled RSSI in dBm, noRSSI if none yet
	rxBuf             [MaxPayload]byte
	rxBufLen          int // number of stashed bytes in rxBuf, 0: empty
	// time source, swapped out in tests
	now   func() time.Time
	sleep func(time.Duration)
}

// RadioOpts contains options used when initializing a Radio.
type RadioOpts struct {
	HighPower bool      // true: RFM69HW/RFM69HCW with PA1+PA2, false: RFM69W with PA0
	Logger    LogPrintf // function to use for logging, nil disables logging
}

// New creates a Radio on the provided SPI device and configures the bus. The radio
// itself is untouched until Init is called. An error is returned if the bus cannot be
// configured; the device is unusable in that case and there is nothing to recover.
func New(dev radio.SPI, opts RadioOpts) (*Radio, error) {
	r := &Radio{
		spi:          dev,
		log:          func(format string, v ...interface{}) {},
		highPower:    opts.HighPower,
		autoReadRSSI: true,
		mode:         ModeStandby,
		dataMode:     DataModePacket,
		rssi:         noRSSI,
		now:          time.Now,
		sleep:        time.Sleep,
	}
	if opts.Logger != nil {
		r.log = func(format string, v ...interface{}) {
			opts.Logger("rfm69: "+format, v...)
		}
	}

	if err := dev.Speed(4 * 1000 * 1000); err != nil {
		return nil, fmt.Errorf("rfm69: cannot set speed, %v", err)
	}
	if err := dev.Configure(radio.SPIMode0, 8); err != nil {
		return nil, fmt.Errorf("rfm69: cannot set mode, %v", err)
	}
	return r, nil
}

// Init writes the base configuration into the chip, selects the power amplifier
// matching the device class, and clears the FIFO. The chip ends up in standby mode.
// Bus errors are fatal at the transport layer, so Init itself cannot fail.
func (r *Radio) Init() error {
	r.SetCustomConfig(baseConfig)
	r.SetPASettings(0)
	r.clearFIFO()
	return nil
}

// SetCustomConfig writes a set of register/value pairs in order.
func (r *Radio) SetCustomConfig(config []RegConfig) {
	for _, c := range config {
		r.writeReg(c.Reg, c.Val)
	}
}

// SetFrequency changes the carrier frequency, specified in Hz.
// The radio drops to standby mode if TX or RX was active.
func (r *Radio) SetFrequency(hz uint32) {
	if r.mode == ModeReceive || r.mode == ModeTransmit {
		r.SetMode(ModeStandby)
	}
	frf := hz / fStep
	r.writeReg(REG_FRFMSB, byte(frf>>16))
	r.writeReg(REG_FRFMID, byte(frf>>8))
	r.writeReg(REG_FRFLSB, byte(frf))
}

// SetFrequencyDeviation changes the FSK frequency deviation, specified in Hz.
// The radio drops to standby mode if TX or RX was active.
func (r *Radio) SetFrequencyDeviation(hz uint32) {
	if r.mode == ModeReceive || r.mode == ModeTransmit {
		r.SetMode(ModeStandby)
	}
	fdev := hz / fStep
	r.writeReg(REG_FDEVMSB, byte(fdev>>8))
	r.writeReg(REG_FDEVLSB, byte(fdev))
}

// SetBitrate changes the bit rate, specified in bits per second.
// The radio drops to standby mode if TX or RX was active.
func (r *Radio) SetBitrate(bps uint32) {
	if r.mode == ModeReceive || r.mode == ModeTransmit {
		r.SetMode(ModeStandby)
	}
	val := xtalFreq / bps
	r.writeReg(REG_BITRATEMSB, byte(val>>8))
	r.writeReg(REG_BITRATELSB, byte(val))
}

// SetMode switches the radio's operating mode and returns the new mode. Requesting the
// current mode or a mode outside the valid range is a no-op and returns the mode
// unchanged. On high power devices the +20dBm boost registers are switched off when
// entering RX and back on when entering TX, the boost must never be active in RX.
//
// The mode register write is assumed to take effect eventually; callers that need the
// transition completed follow up with waitForModeReady.
func (r *Radio) SetMode(mode Mode) Mode {
	if mode == r.mode || mode > ModeReceive {
		return r.mode
	}

	r.writeReg(REG_OPMODE, byte(mode)<<2)

	if r.highPower {
		switch mode {
		case ModeReceive:
			if r.highPowerSettings {
				r.setHighPowerRegs(false)
			}
		case ModeTransmit:
			if r.highPowerSettings {
				r.setHighPowerRegs(true)
			}
		}
	}

	r.mode = mode
	return r.mode
}

// Sleep puts the radio into sleep mode (lowest power consumption).
func (r *Radio) Sleep() { r.SetMode(ModeSleep) }

// SetPASettings enables the power amplifier(s) matching the device class and sets
// over-current protection: OCP is disabled on high power devices and enabled otherwise.
//
// With forcePA == 0 the defaults are used: PA0 for regular devices, PA1 for high power
// ones. A non-zero forcePA overrides them: 0x01 enables PA0, 0x02 PA1, 0x04 PA2, and
// 0x08 selects the +20dBm boost register settings. PA0 only works on regular devices,
// PA1/PA2 only on high power ones; the caller is trusted on this.
func (r *Radio) SetPASettings(forcePA byte) {
	ocp := byte(0x00)
	if !r.highPower {
		ocp = 0x10
	}
	r.writeReg(REG_OCP, 0x0A|ocp)

	if forcePA == 0 {
		if r.highPower {
			r.writeReg(REG_PALEVEL, (r.readReg(REG_PALEVEL)&0x1F)|0x40) // PA1 only
		} else {
			r.writeReg(REG_PALEVEL, (r.readReg(REG_PALEVEL)&0x1F)|0x80) // PA0 only
		}
		return
	}

	var pa byte
	if forcePA&0x01 != 0 {
		pa |= 0x80
	}
	if forcePA&0x02 != 0 {
		pa |= 0x40
	}
	if forcePA&0x04 != 0 {
		pa |= 0x20
	}
	r.highPowerSettings = forcePA&0x08 != 0
	r.setHighPowerRegs(r.highPowerSettings)
	r.writeReg(REG_PALEVEL, (r.readReg(REG_PALEVEL)&0x1F)|pa)
}

// SetPowerLevel sets the raw output power level field, 0..31. Values above 31 are
// clamped. Most callers want SetPowerDBm instead.
func (r *Radio) SetPowerLevel(power byte) {
	if power > 31 {
		power = 31
	}
	r.writeReg(REG_PALEVEL, (r.readReg(REG_PALEVEL)&0xE0)|power)
	r.powerLevel = power
}

// SetPowerDBm sets the output power in dBm, selecting the amplifier combination the
// chip vendor documents for the requested band. Regular devices produce -18..+13dBm
// on PA0; high power devices produce -2..+13dBm on PA1, +14..+17dBm on PA1+PA2, and
// +18..+20dBm on PA1+PA2 with the boost settings. A request outside the device's
// range returns ErrInvalidPower without touching any register.
func (r *Radio) SetPowerDBm(dBm int) error {
	if dBm < -18 || dBm > 20 {
		return ErrInvalidPower
	}
	if !r.highPower && dBm > 13 {
		return ErrInvalidPower
	}
	if r.highPower && dBm < -2 {
		return ErrInvalidPower
	}

	switch {
	case !r.highPower:
		// only PA0 can be used
		r.powerLevel = byte(dBm + 18)
		r.writeReg(REG_PALEVEL, 0x80|r.powerLevel)
	case dBm <= 13:
		// use PA1 on pin PA_BOOST
		r.powerLevel = byte(dBm + 18)
		r.writeReg(REG_PALEVEL, 0x40|r.powerLevel)
		r.highPowerSettings = false
		r.setHighPowerRegs(false)
	case dBm <= 17:
		// use PA1 and PA2 combined on pin PA_BOOST
		r.powerLevel = byte(dBm + 14)
		r.writeReg(REG_PALEVEL, 0x60|r.powerLevel)
		r.highPowerSettings = false
		r.setHighPowerRegs(false)
	default:
		// +18..+20dBm, PA1+PA2 with the high power settings
		r.powerLevel = byte(dBm + 11)
		r.writeReg(REG_PALEVEL, 0x60|r.powerLevel)
		r.highPowerSettings = true
		r.setHighPowerRegs(true)
	}
	return nil
}

// SetHighPowerSettings enables or disables the +20dBm boost registers. Enabling is
// only possible on high power devices and gets demoted to disabling on others.
func (r *Radio) SetHighPowerSettings(enable bool) {
	if enable && !r.highPower {
		enable = false
	}
	r.setHighPowerRegs(enable)
}

// setHighPowerRegs writes the two test registers controlling the +20dBm boost path.
func (r *Radio) setHighPowerRegs(enable bool) {
	if enable {
		r.writeReg(REG_TESTPA1, 0x5D)
		r.writeReg(REG_TESTPA2, 0x7C)
	} else {
		r.writeReg(REG_TESTPA1, 0x55)
		r.writeReg(REG_TESTPA2, 0x70)
	}
}

// SetOOKMode switches between OOK (true) and FSK (false) modulation.
// The radio drops to standby mode if TX or RX was active.
func (r *Radio) SetOOKMode(enable bool) {
	if r.mode == ModeReceive || r.mode == ModeTransmit {
		r.SetMode(ModeStandby)
	}
	if enable {
		r.writeReg(REG_DATAMODUL, (r.readReg(REG_DATAMODUL)&0xE7)|0x08)
	} else {
		r.writeReg(REG_DATAMODUL, r.readReg(REG_DATAMODUL)&0xE7)
	}
	r.ookEnabled = enable
}

// SetDataMode configures the chip's data operation mode. Only packet mode is
// supported; other values are ignored. The radio drops to standby mode if TX or RX
// was active.
func (r *Radio) SetDataMode(mode DataMode) {
	if r.mode == ModeReceive || r.mode == ModeTransmit {
		r.SetMode(ModeStandby)
	}
	switch mode {
	case DataModePacket:
		r.writeReg(REG_DATAMODUL, r.readReg(REG_DATAMODUL)&0x1F)
	default:
		return
	}
	r.dataMode = mode
}

// SetAutoReadRSSI enables or disables sampling the RSSI during packet reception.
func (r *Radio) SetAutoReadRSSI(enable bool) { r.autoReadRSSI = enable }

// SetCSMA enables or disables the CSMA/CA carrier sense algorithm before sending
// a packet. Default is off.
func (r *Radio) SetCSMA(enable bool) { r.csmaEnabled = enable }

// SetAESEncryption enables the chip's AES-128 hardware encryption with the given
// 16-byte key, or disables it when the key is nil or has the wrong length. It returns
// whether encryption is now enabled. The radio ends up in standby mode.
func (r *Radio) SetAESEncryption(key []byte) bool {
	enable := len(key) == 16

	r.SetMode(ModeStandby)

	if enable {
		// burst the key into the 16 AES key registers, MSB first
		wBuf := make([]byte, len(key)+1)
		rBuf := make([]byte, len(key)+1)
		wBuf[0] = REG_AESKEYMSB | 0x80
		copy(wBuf[1:], key)
		r.spi.Tx(wBuf, rBuf)
	}

	var aesOn byte
	if enable {
		aesOn = PKT2_AESON
	}
	r.writeReg(REG_PKTCONFIG2, (r.readReg(REG_PKTCONFIG2)&^byte(PKT2_AESON))|aesOn)
	return enable
}

// RSSI returns the last cached RSSI reading in dBm, or -127 if no sample was taken
// yet. A fresh sample is only taken during reception (see SetAutoReadRSSI) and while
// the CSMA algorithm senses the channel.
func (r *Radio) RSSI() int { return r.rssi }

// readRSSI samples the RSSI register and caches the value.
func (r *Radio) readRSSI() int {
	r.rssi = -int(r.readReg(REG_RSSIVALUE)) / 2
	return r.rssi
}

// channelFree checks whether the current RSSI is below the CSMA threshold.
func (r *Radio) channelFree() bool {
	return r.readRSSI() < csmaRSSIThreshold
}

// clearFIFO clears the chip's FIFO and the IRQ flags.
func (r *Radio) clearFIFO() {
	r.writeReg(REG_IRQFLAGS2, IRQ2_FIFOOVERRUN)
}

// waitFor polls cond until it holds or the timeout budget is exhausted. The budget is
// advisory: running out is not an error, the caller proceeds regardless.
func (r *Radio) waitFor(cond func() bool, timeout time.Duration) bool {
	for start := r.now(); r.now().Sub(start) < timeout; {
		if cond() {
			return true
		}
	}
	return false
}

func (r *Radio) waitForModeReady() {
	r.waitFor(func() bool { return r.readReg(REG_IRQFLAGS1)&IRQ1_MODEREADY != 0 },
		modeReadyTimeout)
}

func (r *Radio) waitForPacketSent() {
	r.waitFor(func() bool { return r.readReg(REG_IRQFLAGS2)&IRQ2_PACKETSENT != 0 },
		packetSentTimeout)
}

// randomBackoff sleeps for a random 0..9ms interval between CSMA channel probes.
func (r *Radio) randomBackoff() {
	r.sleep(time.Duration(rand.Intn(10)) * time.Millisecond)
}

// DumpRegisters logs the content of all chip registers, for debugging.
func (r *Radio) DumpRegisters() {
	for reg := byte(0x01); reg <= 0x71; reg++ {
		r.log("[0x%02X]: 0x%02X", reg, r.readReg(reg))
	}
}

// writeReg writes one 8-bit register. Addresses outside the chip's register range are
// silently dropped without touching the bus.
func (r *Radio) writeReg(reg, value byte) {
	if reg > 0x7F {
		return
	}
	var rBuf [2]byte
	r.spi.Tx([]byte{reg | 0x80, value}, rBuf[:])
}

// readReg reads one 8-bit register and returns its value. Addresses outside the chip's
// register range read as 0 without touching the bus.
func (r *Radio) readReg(reg byte) byte {
	if reg > 0x7F {
		return 0
	}
	var rBuf [2]byte
	r.spi.Tx([]byte{reg, 0}, rBuf[:])
	return rBuf[1]
}
