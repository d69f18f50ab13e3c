// Copyright 2021 by Thorsten von Eicken, see LICENSE file

package radio

// The SPI interface in here decouples the device drivers from the library used to
// reach the actual hardware. The drivers only ever exchange full-duplex byte frames;
// opening and configuring the bus is the business of whoever constructs the driver.

import (
	"fmt"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// SPI is the capability a device driver needs to talk to a chip on an SPI bus.
// A single Tx call corresponds to a single chip-select assert/release window.
type SPI interface {
	Tx(w, r []byte) error
	Speed(hz int64) error
	Configure(mode int, bits int) error
	Close() error
}

const (
	SPIMode0 = 0x0 // CPOL=0, CPHA=0
	SPIMode1 = 0x1 // CPOL=0, CPHA=1
	SPIMode2 = 0x2 // CPOL=1, CPHA=0
	SPIMode3 = 0x3 // CPOL=1, CPHA=1
)

// Init loads the periph.io host drivers. It must be called once before NewSPI.
func Init() error {
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("radio: cannot init host: %v", err)
	}
	return nil
}

//===== SPI implementation for periph.io

// NewSPI opens an SPI port by name using the periph.io port registry. An empty name
// selects the first available port. The returned device is unconfigured: the driver
// is expected to call Speed and Configure before the first Tx.
func NewSPI(name string) (SPI, error) {
	port, err := spireg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("radio: cannot open SPI port %q: %v", name, err)
	}
	return &spiDev{port: port, speed: 4 * physic.MegaHertz}, nil
}

type spiDev struct {
	port  spi.PortCloser
	conn  spi.Conn
	speed physic.Frequency
}

func (s *spiDev) Speed(hz int64) error {
	s.speed = physic.Frequency(hz) * physic.Hertz
	s.conn = nil // force a re-connect with the new speed
	return nil
}

func (s *spiDev) Configure(mode int, bits int) error {
	conn, err := s.port.Connect(s.speed, spi.Mode(mode), bits)
	if err != nil {
		return fmt.Errorf("radio: cannot configure SPI port: %v", err)
	}
	s.conn = conn
	return nil
}

func (s *spiDev) Tx(w, r []byte) error {
	if s.conn == nil {
		if err := s.Configure(SPIMode0, 8); err != nil {
			return err
		}
	}
	return s.conn.Tx(w, r)
}

func (s *spiDev) Close() error {
	return s.port.Close()
}
