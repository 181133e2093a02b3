//go:build linux

// Package afpacket implements the link interface with a raw AF_PACKET
// socket bound to the EtherCAT EtherType on a dedicated interface.
package afpacket

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/samsamfire/goethercat/pkg/frame"
	"github.com/samsamfire/goethercat/pkg/link"
)

func init() {
	link.RegisterInterface("afpacket", NewRawLink)
}

type RawLink struct {
	channel string
	fd      int
	ifindex int
}

func NewRawLink(channel string) (link.Link, error) {
	return &RawLink{channel: channel, fd: -1}, nil
}

// htons converts to network byte order for the socket protocol field.
func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

// "Connect" implementation of Link interface
func (l *RawLink) Connect(...any) error {
	iface, err := net.InterfaceByName(l.channel)
	if err != nil {
		return fmt.Errorf("interface %v: %w", l.channel, err)
	}
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(frame.EtherType)))
	if err != nil {
		return fmt.Errorf("open raw socket: %w", err)
	}
	addr := &unix.SockaddrLinklayer{
		Protocol: htons(frame.EtherType),
		Ifindex:  iface.Index,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("bind %v: %w", l.channel, err)
	}
	l.fd = fd
	l.ifindex = iface.Index
	return nil
}

// "Disconnect" implementation of Link interface
func (l *RawLink) Disconnect() error {
	if l.fd < 0 {
		return nil
	}
	err := unix.Close(l.fd)
	l.fd = -1
	return err
}

// "Send" implementation of Link interface
func (l *RawLink) Send(buf []byte) (int, error) {
	return unix.Write(l.fd, buf)
}

// "Recv" implementation of Link interface
func (l *RawLink) Recv(buf []byte) (int, error) {
	for {
		n, err := unix.Read(l.fd, buf)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}
