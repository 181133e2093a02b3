// Package goethercat is a pure golang implementation of an EtherCAT
// MainDevice (master). It drives a segment of SubDevices over a raw
// layer-2 Ethernet link : topology discovery, SII/EEPROM access,
// CoE mailbox transfers, distributed clocks and cyclic process data
// exchange.
package goethercat

import "errors"

var (
	ErrIllegalArgument = errors.New("error in function arguments")
	ErrNotConnected    = errors.New("link is not connected")
)
