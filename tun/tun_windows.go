//go:build windows

package tun

import (
	"fmt"
	"os/exec"
	"sync"

	wgtun "golang.zx2c4.com/wireguard/tun"

	"github.com/YujinSharp/meshvpn/types"
)

type windowsDevice struct {
	dev  wgtun.Device
	name string

	readMutex  sync.Mutex
	readBuf    []byte
	writeMutex sync.Mutex
	writeBuf   []byte
}

// Open creates a wintun interface. Addressing goes through netsh; the
// adapter is active as soon as it exists, so Up is a no-op here.
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
	return &windowsDevice{
		dev:      dev,
		name:     name,
		readBuf:  make([]byte, 65536),
		writeBuf: make([]byte, 65536),
	}, nil
}

func (d *windowsDevice) Name() string {
	return d.name
}

func (d *windowsDevice) SetIPv4(addr, mask string) error {
	cmd := exec.Command("netsh", "interface", "ip", "set", "address",
		fmt.Sprintf("name=%s", d.name), "static", addr, mask)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("netsh set address: %w: %s", err, out)
	}
	return nil
}

func (d *windowsDevice) SetMTU(mtu int) error {
	cmd := exec.Command("netsh", "interface", "ipv4", "set", "subinterface",
		d.name, fmt.Sprintf("mtu=%d", mtu), "store=active")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("netsh set mtu: %w: %s", err, out)
	}
	return nil
}

func (d *windowsDevice) Up() error {
	return nil
}

func (d *windowsDevice) Read(buf []byte) (int, error) {
	d.readMutex.Lock()
	defer d.readMutex.Unlock()
	n, err := d.dev.Read(d.readBuf, 0)
	if err != nil {
		return 0, err
	}
	return copy(buf, d.readBuf[:n]), nil
}

func (d *windowsDevice) Write(buf []byte) (int, error) {
	d.writeMutex.Lock()
	defer d.writeMutex.Unlock()
	if len(buf) > len(d.writeBuf) {
		return 0, ErrBufferFull
	}
	copy(d.writeBuf, buf)
	if _, err := d.dev.Write(d.writeBuf[:len(buf)], 0); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (d *windowsDevice) Close() error {
	return d.dev.Close()
}
