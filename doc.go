// Copyright 2021 by Thorsten von Eicken, see LICENSE file

// github.com/tve/radio contains drivers for sub-GHz radio transceivers attached to an SPI bus.
// It uses periph.io for the low level access to the hardware. Each device driver is in its own
// directory and is stand-alone. Simple commands to test a device and to gateway its packets
// onto the local network can be found in the cmd directory tree.
package radio
