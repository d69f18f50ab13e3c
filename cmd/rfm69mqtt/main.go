// Copyright (c) 2021 by Thorsten von Eicken, see LICENSE file for details

// rfm69mqtt gateways between an RFM69 radio and an MQTT broker. Received packets are
// published as JSON to <prefix>/rx and packets to transmit are accepted as JSON on
// <prefix>/tx. CSMA/CA is enabled on the radio so the gateway plays nice on a shared
// channel.
//
// The radio driver is synchronous and not concurrency safe, so a single goroutine owns
// the radio: it polls for received packets and drains a transmit channel that the MQTT
// subscription handler feeds.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"github.com/tve/radio"
	"github.com/tve/radio/rfm69"
)

var log = logrus.New()

// RxPacket is the structure published to MQTT for packets received on the radio.
type RxPacket struct {
	Packet []byte    `json:"packet"` // packet as read from the FIFO, incl length byte
	Rssi   int       `json:"rssi"`   // RSSI in dBm for the packet, -127 if unknown
	At     time.Time `json:"at"`     // time the packet was picked up
}

// TxPacket is the payload expected via MQTT for packets to be transmitted. It is a
// struct for symmetry with RxPacket and to allow more fields to be added as needed.
type TxPacket struct {
	Packet []byte `json:"packet"` // payload to transmit, excl length byte
}

func main() {
	spiPort := flag.String("spi", "", "SPI port name, empty selects the first available port")
	highPower := flag.Bool("highpower", false, "radio is an RFM69HW/RFM69HCW (+20dBm) module")
	power := flag.Int("power", 13, "output power in dBm")
	freq := flag.Uint("freq", 0, "center frequency in Hz, 0 keeps the 868.3MHz default")
	broker := flag.String("mqtt", "localhost:1883", "host:port of MQTT broker")
	prefix := flag.String("prefix", "radio/0", "MQTT topic prefix, uses <prefix>/rx and <prefix>/tx")
	interval := flag.Duration("interval", 10*time.Millisecond, "receive poll interval")
	debug := flag.Bool("debug", false, "enable debug output, including radio register traffic")
	flag.Parse()

	log.Formatter = new(logrus.TextFormatter)
	log.Out = os.Stdout
	if *debug {
		log.Level = logrus.DebugLevel
	}

	var logger rfm69.LogPrintf
	if *debug {
		logger = log.Debugf
	}

	if err := radio.Init(); err != nil {
		log.Fatalf("%s", err)
	}
	dev, err := radio.NewSPI(*spiPort)
	if err != nil {
		log.Fatalf("%s", err)
	}
	r, err := rfm69.New(dev, rfm69.RadioOpts{HighPower: *highPower, Logger: logger})
	if err != nil {
		log.Fatalf("%s", err)
	}
	if err := r.Init(); err != nil {
		log.Fatalf("cannot init radio: %s", err)
	}
	if *freq != 0 {
		r.SetFrequency(uint32(*freq))
	}
	if err := r.SetPowerDBm(*power); err != nil {
		log.Fatalf("cannot set %ddBm: %s", *power, err)
	}
	r.SetCSMA(true)
	log.Infof("radio ready, %ddBm, high power: %v", *power, *highPower)

	conn, err := connectMQTT(*broker)
	if err != nil {
		log.Fatalf("cannot connect to MQTT broker %s: %s", *broker, err)
	}

	// the subscription handler runs on paho's goroutines, it only feeds the channel
	txChan := make(chan TxPacket, 10)
	handler := func(c mqtt.Client, m mqtt.Message) {
		var pkt TxPacket
		if err := json.Unmarshal(m.Payload(), &pkt); err != nil {
			log.Warnf("cannot decode payload on %s: %s", m.Topic(), err)
			return
		}
		select {
		case txChan <- pkt:
		default:
			log.Warnf("TX queue full, dropping packet from %s", m.Topic())
		}
	}
	if err := waitToken(conn.Subscribe(*prefix+"/tx", 1, handler), 2*time.Second); err != nil {
		log.Fatalf("cannot subscribe to %s/tx: %s", *prefix, err)
	}

	log.Infof("gateway ready on %s", *prefix)
	gateway(r, conn, *prefix, txChan, *interval)
}

// connectMQTT opens a persistent connection to the broker; paho re-establishes the
// connection and subscriptions after a disconnect.
func connectMQTT(broker string) (mqtt.Client, error) {
	hostname, _ := os.Hostname()
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s", broker))
	opts.ClientID = "rfm69mqtt-" + hostname
	opts.AutoReconnect = true

	conn := mqtt.NewClient(opts)
	if err := waitToken(conn.Connect(), 10*time.Second); err != nil {
		return nil, err
	}
	return conn, nil
}

// waitToken waits for a paho operation to finish. WaitTimeout returning true only
// means the wait ended, the operation's outcome is in the token's Error.
func waitToken(token mqtt.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return errors.New("timed out")
	}
	return token.Error()
}

// gateway is the radio-owning loop: it alternates between transmitting queued packets
// and polling the chip for received ones. It never returns.
func gateway(r *rfm69.Radio, conn mqtt.Client, prefix string, txChan <-chan TxPacket,
	interval time.Duration,
) {
	rxTopic := prefix + "/rx"
	var buf [rfm69.MaxPayload]byte
	for {
		select {
		case pkt := <-txChan:
			log.Debugf("TX %db: %#x", len(pkt.Packet), pkt.Packet)
			if n := r.Send(pkt.Packet); n != len(pkt.Packet) {
				log.Warnf("TX clamped to %d of %d bytes", n, len(pkt.Packet))
			}
		case <-time.After(interval):
			n := r.Receive(buf[:])
			if n == 0 {
				continue
			}
			rx := RxPacket{Packet: buf[:n], Rssi: r.RSSI(), At: time.Now()}
			log.Debugf("RX %ddBm %db: %#x", rx.Rssi, n, rx.Packet)
			payload, _ := json.Marshal(&rx)
			conn.Publish(rxTopic, 1, false, payload)
		}
	}
}
