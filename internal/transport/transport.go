// Package transport defines the channel a protocol run exchanges bytes over.
package transport

import (
	"context"
	"errors"
)

// Broadcast addresses every other party of the run.
const Broadcast = -1

// ErrClosed is returned once a transport has been shut down.
var ErrClosed = errors.New("transport closed")

// Transport carries opaque messages between the parties of one run. Party
// indexes are positions in the run's party list. Delivery must be FIFO per
// sender; authentication happens above this layer.
type Transport interface {
	// Send delivers msg to party to, or to every other party for Broadcast.
	Send(ctx context.Context, to int, msg []byte) error
	// Receive blocks until a message arrives or ctx is done.
	Receive(ctx context.Context) (from int, msg []byte, err error)
}
