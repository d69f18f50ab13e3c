// Copyright 2021 by Thorsten von Eicken, see LICENSE file

package rfm69

const (
	REG_FIFO          = 0x00
	REG_OPMODE        = 0x01
	REG_DATAMODUL     = 0x02
	REG_BITRATEMSB    = 0x03
	REG_BITRATELSB    = 0x04
	REG_FDEVMSB       = 0x05
	REG_FDEVLSB       = 0x06
	REG_FRFMSB        = 0x07
	REG_FRFMID        = 0x08
	REG_FRFLSB        = 0x09
	REG_VERSION       = 0x10
	REG_PALEVEL       = 0x11
	REG_OCP           = 0x13
	REG_LNAVALUE      = 0x18
	REG_RXBW          = 0x19
	REG_RSSICONFIG    = 0x23
	REG_RSSIVALUE     = 0x24
	REG_IRQFLAGS1     = 0x27
	REG_IRQFLAGS2     = 0x28
	REG_PREAMBLEMSB   = 0x2C
	REG_PREAMBLELSB   = 0x2D
	REG_SYNCCONFIG    = 0x2E
	REG_SYNCVALUE1    = 0x2F
	REG_PKTCONFIG1    = 0x37
	REG_PAYLOADLENGTH = 0x38
	REG_FIFOTHRESH    = 0x3C
	REG_PKTCONFIG2    = 0x3D
	REG_AESKEYMSB     = 0x3E
	REG_TESTLNA       = 0x58
	REG_TESTPA1       = 0x5A
	REG_TESTPA2       = 0x5C
	REG_TESTDAGC      = 0x6F

	IRQ1_MODEREADY = 1 << 7
	IRQ1_RXREADY   = 1 << 6
	IRQ1_RSSI      = 1 << 3

	IRQ2_FIFONOTEMPTY = 1 << 6
	IRQ2_FIFOOVERRUN  = 1 << 4
	IRQ2_PACKETSENT   = 1 << 3
	IRQ2_PAYLOADREADY = 1 << 2
	IRQ2_CRCOK        = 1 << 1

	RSSI_DONE = 1 << 1 // RssiDone bit in REG_RSSICONFIG

	// REG_PKTCONFIG2 bits used by the RX pipeline.
	PKT2_AESON         = 1 << 0
	PKT2_AUTORXRESTART = 1 << 1
	PKT2_RESTARTRX     = 1 << 2
)

// RegConfig is a single register/value pair of a configuration set. Sets are applied
// in order, so a later entry may overwrite an earlier one for the same register.
type RegConfig struct {
	Reg byte
	Val byte
}

// baseConfig is the configuration written by Init. It leaves the chip in standby,
// FSK packet mode at 9600bps with 20kHz deviation on 868.3MHz, variable length
// packets with CRC and whitening, and a 4-byte sync word.
// Use SetCustomConfig after Init to deviate from it.
var baseConfig = []RegConfig{
	{REG_OPMODE, 0x04},        // standby mode
	{REG_DATAMODUL, 0x00},     // packet mode, FSK, no shaping
	{REG_BITRATEMSB, 0x0D},    // 9600bps: 32MHz / 0x0D05
	{REG_BITRATELSB, 0x05},
	{REG_FDEVMSB, 0x01},       // 20kHz deviation
	{REG_FDEVLSB, 0x48},
	{REG_FRFMSB, 0xD9},        // carrier 868.3MHz
	{REG_FRFMID, 0x13},
	{REG_FRFLSB, 0x33},
	{REG_LNAVALUE, 0x00},      // LNA gain select: auto
	{REG_RXBW, 0x4B},          // DccFreq 010, RxBw 20/2 -> 100kHz
	{REG_PREAMBLEMSB, 0x00},   // 6 bytes preamble
	{REG_PREAMBLELSB, 0x06},
	{REG_SYNCCONFIG, 0x98},    // sync on, 4 sync bytes
	{REG_SYNCVALUE1, 0xDE},    // sync word 0xDEADBEEF
	{REG_SYNCVALUE1 + 1, 0xAD},
	{REG_SYNCVALUE1 + 2, 0xBE},
	{REG_SYNCVALUE1 + 3, 0xEF},
	{REG_PKTCONFIG1, 0xD0},    // variable length, CRC on, whitening
	{REG_PAYLOADLENGTH, 0x40}, // 64 bytes max payload
	{REG_FIFOTHRESH, 0x8F},    // TxStart on FifoNotEmpty, FifoLevel 15
	{REG_TESTLNA, 0x1B},       // normal sensitivity mode
	{REG_TESTDAGC, 0x30},      // improved margin, use if AfcLowBetaOn=0
}
