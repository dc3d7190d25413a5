//go:build linux

package tun

import (
	"fmt"
	"sync"

	"github.com/vishvananda/netlink"
	wgtun "golang.zx2c4.com/wireguard/tun"

	"github.com/YujinSharp/meshvpn/types"
)

// The wireguard tun driver reserves space in front of each packet.
const tunOffsetBytes = 4

type linuxDevice struct {
	dev  wgtun.Device
	name string

	readMutex  sync.Mutex
	readBuf    []byte
	writeMutex sync.Mutex
	writeBuf   []byte
}

// Open creates a TUN interface with the requested name hint and MTU.
// Addressing and link state are managed through netlink.
func Open(nameHint string, mtu int) (types.Device, error) {
	dev, err := wgtun.CreateTUN(nameHint, mtu)
	if err != nil {
		return nil, fmt.Errorf("create tun: %w", err)
	}
	name, err := dev.Name()
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("query tun name: %w", err)
	}
	return &linuxDevice{
		dev:      dev,
		name:     name,
		readBuf:  make([]byte, tunOffsetBytes+65536),
		writeBuf: make([]byte, tunOffsetBytes+65536),
	}, nil
}

func (d *linuxDevice) Name() string {
	return d.name
}

func (d *linuxDevice) SetIPv4(addr, mask string) error {
	prefixLen, err := maskToPrefixLen(mask)
	if err != nil {
		return err
	}
	nlAddr, err := netlink.ParseAddr(fmt.Sprintf("%s/%d", addr, prefixLen))
	if err != nil {
		return fmt.Errorf("parse address: %w", err)
	}
	link, err := netlink.LinkByName(d.name)
	if err != nil {
		return fmt.Errorf("find link %s: %w", d.name, err)
	}
	if err := netlink.AddrAdd(link, nlAddr); err != nil {
		return fmt.Errorf("assign address: %w", err)
	}
	return nil
}

func (d *linuxDevice) SetMTU(mtu int) error {
	link, err := netlink.LinkByName(d.name)
	if err != nil {
		return fmt.Errorf("find link %s: %w", d.name, err)
	}
	return netlink.LinkSetMTU(link, mtu)
}

func (d *linuxDevice) Up() error {
	link, err := netlink.LinkByName(d.name)
	if err != nil {
		return fmt.Errorf("find link %s: %w", d.name, err)
	}
	return netlink.LinkSetUp(link)
}

func (d *linuxDevice) Read(buf []byte) (int, error) {
	d.readMutex.Lock()
	defer d.readMutex.Unlock()
	n, err := d.dev.Read(d.readBuf, tunOffsetBytes)
	if err != nil {
		return 0, err
	}
	return copy(buf, d.readBuf[tunOffsetBytes:tunOffsetBytes+n]), nil
}

func (d *linuxDevice) Write(buf []byte) (int, error) {
	d.writeMutex.Lock()
	defer d.writeMutex.Unlock()
	if len(buf) > len(d.writeBuf)-tunOffsetBytes {
		return 0, ErrBufferFull
	}
	copy(d.writeBuf[tunOffsetBytes:], buf)
	if _, err := d.dev.Write(d.writeBuf[:tunOffsetBytes+len(buf)], tunOffsetBytes); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (d *linuxDevice) Close() error {
	return d.dev.Close()
}
