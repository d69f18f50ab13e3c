// Copyright 2021 by Thorsten von Eicken, see LICENSE file

package rfm69

// Send transmits a single packet and returns the number of bytes that went out.
// Payloads longer than MaxPayload are clamped, an empty payload is rejected and
// returns 0 without any bus activity.
//
// If CSMA/CA is enabled (see SetCSMA) the channel is sensed first and transmission
// deferred with randomized backoff until it is free or the 500ms ceiling elapsed; a
// packet arriving during that window is stashed for the next Receive call. The chip
// ends up in standby mode.
func (r *Radio) Send(payload []byte) int {
	// switch to standby and wait for mode ready, unless the radio sleeps
	if r.mode != ModeSleep {
		r.SetMode(ModeStandby)
		r.waitForModeReady()
	}

	// clear FIFO to remove old data and clear flags
	r.clearFIFO()

	if len(payload) > MaxPayload {
		payload = payload[:MaxPayload]
	}
	if len(payload) == 0 {
		return 0
	}

	if r.csmaEnabled {
		r.waitForFreeChannel()
	}

	// push the length-prefixed payload into the FIFO in one burst
	wBuf := make([]byte, len(payload)+2)
	rBuf := make([]byte, len(payload)+2)
	wBuf[0] = REG_FIFO | 0x80
	wBuf[1] = byte(len(payload))
	copy(wBuf[2:], payload)
	r.spi.Tx(wBuf, rBuf)

	// start the transmission and return to standby once the packet is out
	r.SetMode(ModeTransmit)
	r.waitForPacketSent()
	r.SetMode(ModeStandby)

	return len(payload)
}

// waitForFreeChannel is the CSMA/CA carrier sense loop run before a transmission.
// It samples the RSSI in RX mode and defers while the channel is busy, sleeping a
// random 0..9ms between probes. Reaching the ceiling timeout is treated exactly like
// a free channel: this is collision avoidance, not a guarantee. Takes around 1.4ms
// when the channel is free.
//
// Packets that come in while waiting are not dropped: they go into the single-slot
// stash that the next Receive call drains. A second packet overwrites the first.
func (r *Radio) waitForFreeChannel() {
	r.restartRx()
	r.SetMode(ModeReceive)

	// RSSI sampling takes ~960us after the switch to RX; without this wait the RSSI
	// register reads as -127dBm and the channel would falsely count as free.
	start := r.now()
	r.waitFor(r.rssiSampled, rssiSettleTimeout)

	for !r.channelFree() && r.now().Sub(start) < csmaTimeout {
		r.randomBackoff()

		// opportunistically pick up a packet that arrived while we were waiting
		if n := r.receivePacket(r.rxBuf[:]); n > 0 {
			r.rxBufLen = n
			r.restartRx()
			r.waitFor(r.rssiSampled, rssiSettleTimeout)
		}
	}

	r.SetMode(ModeStandby)
}

// rssiSampled checks whether the chip finished its RSSI sampling phase.
func (r *Radio) rssiSampled() bool {
	return r.readReg(REG_RSSICONFIG)&RSSI_DONE != 0
}

// restartRx forces a receiver restart so the next RSSI sample reflects the current
// channel instead of the last reception. AutoRxRestartOn is left untouched; the
// post-read re-arm in receivePacket uses the RestartRx bit instead.
func (r *Radio) restartRx() {
	r.writeReg(REG_PKTCONFIG2, (r.readReg(REG_PKTCONFIG2)&0xFB)|0x20)
}

// Receive returns a single received packet, copying at most len(buf) bytes into buf,
// and returns the number of bytes copied. 0 means no packet is pending, which is the
// normal case, not an error. The radio resides in RX mode afterwards.
//
// A packet stashed by the CSMA/CA loop takes priority over a fresh look at the chip.
func (r *Radio) Receive(buf []byte) int {
	if r.rxBufLen > 0 {
		n := r.rxBufLen
		if n > len(buf) {
			n = len(buf)
		}
		copy(buf, r.rxBuf[:n])
		r.rxBufLen = 0
		return n
	}
	return r.receivePacket(buf)
}

// receivePacket checks the chip for a complete packet and drains the FIFO into buf.
func (r *Radio) receivePacket(buf []byte) int {
	// go to RX mode if not already there
	if r.mode != ModeReceive {
		r.SetMode(ModeReceive)
		r.waitForModeReady()
	}

	if r.readReg(REG_IRQFLAGS2)&IRQ2_PAYLOADREADY == 0 {
		return 0
	}

	// go to standby before touching the FIFO
	r.SetMode(ModeStandby)

	// drain the FIFO until it is empty or buf is full; the first byte is the
	// chip's length byte
	n := 0
	for r.readReg(REG_IRQFLAGS2)&IRQ2_FIFONOTEMPTY != 0 && n < len(buf) {
		buf[n] = r.readReg(REG_FIFO)
		n++
	}

	if r.autoReadRSSI {
		r.readRSSI()
	}

	// back to RX mode and re-arm the receiver
	r.SetMode(ModeReceive)
	r.writeReg(REG_PKTCONFIG2, r.readReg(REG_PKTCONFIG2)|PKT2_RESTARTRX)

	return n
}
