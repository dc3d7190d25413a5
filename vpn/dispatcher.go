package vpn

import (
	"time"

	"go.uber.org/zap"

	"github.com/YujinSharp/meshvpn/types"
)

const (
	dispatchBatchSize = 64
	dispatchMinPoll   = 100 * time.Microsecond
	dispatchMaxPoll   = time.Millisecond
)

// dispatcher drains the transport's inbound queue and hands each frame to the
// bridge. Polling is adaptive: a non-empty batch resets the interval to the
// minimum, silence grows it toward the maximum to spare the CPU.
type dispatcher struct {
	logger    *zap.Logger
	transport types.Transport
	handle    func(sender types.PeerID, bs []byte)
	stop      chan struct{}
	done      chan struct{}
}

func newDispatcher(logger *zap.Logger, transport types.Transport, handle func(types.PeerID, []byte)) *dispatcher {
	return &dispatcher{
		logger:    logger,
		transport: transport,
		handle:    handle,
	}
}

func (d *dispatcher) start() {
	if d.stop != nil {
		return
	}
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.run()
}

func (d *dispatcher) stopRunning() {
	if d.stop == nil {
		return
	}
	close(d.stop)
	<-d.done
	d.stop = nil
	d.done = nil
}

func (d *dispatcher) run() {
	defer close(d.done)
	buf := make([]types.Message, dispatchBatchSize)
	interval := dispatchMinPoll
	for {
		select {
		case <-d.stop:
			return
		default:
		}
		n := d.transport.RecvBatch(buf)
		for i := 0; i < n; i++ {
			d.handle(buf[i].From, buf[i].Payload)
		}
		if n > 0 {
			interval = dispatchMinPoll
			continue
		}
		interval *= 2
		if interval > dispatchMaxPoll {
			interval = dispatchMaxPoll
		}
		select {
		case <-d.stop:
			return
		case <-time.After(interval):
		}
	}
}
