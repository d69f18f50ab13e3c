// Copyright (c) 2021 by Thorsten von Eicken, see LICENSE file for details

// rfm69udp is a small bridge that receives packets on an RFM69 radio and forwards each
// payload as a UDP datagram to a broadcast address on the local network. It is the
// receive-only counterpart of rfm69mqtt for setups where a simple broadcast is all the
// downstream consumers need.
package main

import (
	"flag"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tve/radio"
	"github.com/tve/radio/rfm69"
	"github.com/tve/radio/thread"
)

var log = logrus.New()

func main() {
	spiPort := flag.String("spi", "", "SPI port name, empty selects the first available port")
	highPower := flag.Bool("highpower", false, "radio is an RFM69HW/RFM69HCW (+20dBm) module")
	power := flag.Int("power", 13, "output power in dBm")
	freq := flag.Uint("freq", 0, "center frequency in Hz, 0 keeps the 868.3MHz default")
	dest := flag.String("dest", "10.1.0.255:12345", "destination host:port for forwarded payloads")
	interval := flag.Duration("interval", 10*time.Millisecond, "receive poll interval")
	strip := flag.Bool("striplen", true, "strip the chip's length byte from forwarded payloads")
	debug := flag.Bool("debug", false, "enable debug output, including radio register traffic")
	flag.Parse()

	log.Formatter = new(logrus.TextFormatter)
	log.Out = os.Stdout
	if *debug {
		log.Level = logrus.DebugLevel
	}

	r := openRadio(*spiPort, *highPower, *power, uint32(*freq), *debug)

	addr, err := net.ResolveUDPAddr("udp4", *dest)
	if err != nil {
		log.Fatalf("cannot resolve %s: %s", *dest, err)
	}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		log.Fatalf("cannot open UDP socket: %s", err)
	}

	if err := thread.Realtime(10); err != nil {
		log.Warnf("cannot get realtime priority for poll loop: %s", err)
	}

	log.Infof("forwarding radio packets to %s", *dest)
	var buf [rfm69.MaxPayload]byte
	for {
		time.Sleep(*interval)

		n := r.Receive(buf[:])
		if n == 0 {
			continue
		}
		pkt := buf[:n]
		if *strip && n > 1 {
			pkt = buf[1:n] // drop the chip's length byte
		}
		log.Debugf("RX %ddBm %db: %#x", r.RSSI(), len(pkt), pkt)

		// forwarding is fire-and-forget, a lost datagram is no worse than a lost packet
		if _, err := conn.Write(pkt); err != nil {
			log.Warnf("UDP forward failed: %s", err)
		}
	}
}

// openRadio brings up the SPI bus and the radio; any failure here is fatal since the
// bridge is useless without the device.
func openRadio(spiPort string, highPower bool, power int, freq uint32, debug bool) *rfm69.Radio {
	if err := radio.Init(); err != nil {
		log.Fatalf("%s", err)
	}
	dev, err := radio.NewSPI(spiPort)
	if err != nil {
		log.Fatalf("%s", err)
	}

	var logger rfm69.LogPrintf
	if debug {
		logger = log.Debugf
	}
	r, err := rfm69.New(dev, rfm69.RadioOpts{HighPower: highPower, Logger: logger})
	if err != nil {
		log.Fatalf("%s", err)
	}
	if err := r.Init(); err != nil {
		log.Fatalf("cannot init radio: %s", err)
	}
	if freq != 0 {
		r.SetFrequency(freq)
	}
	if err := r.SetPowerDBm(power); err != nil {
		log.Fatalf("cannot set %ddBm: %s", power, err)
	}
	log.Infof("radio ready, %ddBm, high power: %v", power, highPower)
	return r
}
