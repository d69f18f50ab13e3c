// Copyright (c) 2021 by Thorsten von Eicken, see LICENSE file for details

// rfm69check probes the SPI bus for an RFM69 module by reading the chip's version
// register and optionally dumps all registers. Handy to verify the wiring before
// bringing up one of the bridges.
package main

import (
	"flag"
	"log"

	"github.com/tve/radio"
	"github.com/tve/radio/rfm69"
)

func panicIf(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	spiPort := flag.String("spi", "", "SPI port name, empty selects the first available port")
	dump := flag.Bool("dump", false, "dump all chip registers after the probe")
	flag.Parse()

	panicIf(radio.Init())
	dev, err := radio.NewSPI(*spiPort)
	panicIf(err)
	panicIf(dev.Configure(radio.SPIMode0, 8))
	panicIf(dev.Speed(1000000))

	log.Printf("Checking rfm69...")
	var r [2]byte
	panicIf(dev.Tx([]byte{0x01, 0}, r[:]))
	log.Printf("  op-mode is %#x", r[1])
	panicIf(dev.Tx([]byte{0x10, 0}, r[:]))
	switch r[1] {
	case 0x23:
		log.Printf("  found sx1231: OK!")
	case 0x24:
		log.Printf("  found sx1231h: OK!")
	default:
		log.Printf("  oops, got %#x instead of 0x23", r[1])
	}

	if !*dump {
		return
	}
	rad, err := rfm69.New(dev, rfm69.RadioOpts{Logger: log.Printf})
	panicIf(err)
	rad.DumpRegisters()
}
