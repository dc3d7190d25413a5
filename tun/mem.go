package tun

import (
	"sync"

	"github.com/YujinSharp/meshvpn/types"
)

// MemDevice is an in-memory types.Device. Frames injected with InjectRead
// come out of Read; frames the bridge writes land on the Outbound channel.
// Tests use it to stand in for a real TUN interface.
type MemDevice struct {
	name string

	mutex sync.Mutex
	addr  string
	mask  string
	mtu   int
	up    bool

	inbound   chan []byte
	outbound  chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

var _ types.Device = (*MemDevice)(nil)

func NewMem(name string) *MemDevice {
	return &MemDevice{
		name:     name,
		inbound:  make(chan []byte, 256),
		outbound: make(chan []byte, 256),
		closed:   make(chan struct{}),
	}
}

func (d *MemDevice) Name() string {
	return d.name
}

func (d *MemDevice) SetIPv4(addr, mask string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.addr, d.mask = addr, mask
	return nil
}

func (d *MemDevice) SetMTU(mtu int) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.mtu = mtu
	return nil
}

func (d *MemDevice) Up() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.up = true
	return nil
}

func (d *MemDevice) Read(buf []byte) (int, error) {
	select {
	case <-d.closed:
		return 0, ErrClosed
	case frame := <-d.inbound:
		return copy(buf, frame), nil
	}
}

func (d *MemDevice) Write(buf []byte) (int, error) {
	select {
	case <-d.closed:
		return 0, ErrClosed
	default:
	}
	frame := append([]byte(nil), buf...)
	select {
	case d.outbound <- frame:
		return len(buf), nil
	default:
		return 0, ErrBufferFull
	}
}

func (d *MemDevice) Close() error {
	d.closeOnce.Do(func() {
		close(d.closed)
	})
	return nil
}

// InjectRead queues one frame for the next Read, as if the host OS had
// written it to the interface.
func (d *MemDevice) InjectRead(frame []byte) error {
	cp := append([]byte(nil), frame...)
	select {
	case <-d.closed:
		return ErrClosed
	case d.inbound <- cp:
		return nil
	}
}

// Outbound exposes the frames written to the device.
func (d *MemDevice) Outbound() <-chan []byte {
	return d.outbound
}

// Addr returns the assigned address and mask.
func (d *MemDevice) Addr() (addr, mask string) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.addr, d.mask
}

// MTU returns the configured MTU.
func (d *MemDevice) MTU() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.mtu
}

// IsUp reports whether Up has been called.
func (d *MemDevice) IsUp() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.up
}
