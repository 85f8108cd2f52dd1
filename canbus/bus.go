// Package canbus wraps the SocketCAN transport behind a small bus interface
// so that channel tasks can be driven by real hardware or by fakes in tests.
package canbus

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/brutella/can"
)

// ErrClosed is reported by Err after an orderly Close.
var ErrClosed = errors.New("bus closed")

// Bus is the transport contract the gateway needs: publish one frame,
// receive frames in arrival order, and find out why receiving stopped.
type Bus interface {
	// Publish sends one frame on the bus.
	Publish(f can.Frame) error
	// Frames returns the receive channel. It is closed when the transport
	// fails or the bus is closed; Err reports the cause.
	Frames() <-chan can.Frame
	// Err returns the error that closed the receive channel, or nil.
	Err() error
	// Close releases the bus handle. Safe to call from any goroutine and
	// more than once.
	Close() error
}

// socketBus is the SocketCAN implementation of Bus.
type socketBus struct {
	name   string
	bus    *can.Bus
	frames chan can.Frame

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

// Open binds to the named SocketCAN interface and starts receiving.
func Open(ifname string) (Bus, error) {
	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("CAN interface %s: %w", ifname, err)
	}
	conn, err := can.NewReadWriteCloserForInterface(iface)
	if err != nil {
		return nil, fmt.Errorf("CAN interface %s: %w", ifname, err)
	}

	b := &socketBus{
		name:   ifname,
		bus:    can.NewBus(conn),
		frames: make(chan can.Frame, 64),
	}
	b.bus.SubscribeFunc(b.handleFrame)
	go b.run()
	return b, nil
}

// handleFrame forwards received frames to the channel. Frames are dropped
// when no task is draining the channel, e.g. an output channel in push mode
// that never reads its bus.
func (b *socketBus) handleFrame(f can.Frame) {
	select {
	case b.frames <- f:
	default:
	}
}

func (b *socketBus) run() {
	err := b.bus.ConnectAndPublish()
	b.mu.Lock()
	if b.err == nil {
		if err == nil {
			err = ErrClosed
		}
		b.err = err
	}
	b.mu.Unlock()
	close(b.frames)
}

func (b *socketBus) Publish(f can.Frame) error {
	if err := b.bus.Publish(f); err != nil {
		return fmt.Errorf("send on %s: %w", b.name, err)
	}
	return nil
}

func (b *socketBus) Frames() <-chan can.Frame {
	return b.frames
}

func (b *socketBus) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *socketBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		if b.err == nil {
			b.err = ErrClosed
		}
		b.mu.Unlock()
		err = b.bus.Disconnect()
	})
	return err
}
