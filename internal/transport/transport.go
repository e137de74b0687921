// Package transport abstracts the datagram channel the protocol engine
// runs over. The engine assumes nothing about reliability or ordering:
// every datagram is self-contained.
package transport

import (
	"context"
	"net"
	"time"
)

// DefaultConnectTimeout bounds how long Connect waits for the channel to
// become ready.
const DefaultConnectTimeout = 3 * time.Second

// Conn is a single bidirectional datagram channel to one peer.
type Conn interface {
	// Send transmits one datagram.
	Send(data []byte) error
	// Receive blocks until one datagram is available and returns it.
	Receive() ([]byte, error)
	// RemoteAddr identifies the peer endpoint.
	RemoteAddr() net.Addr
	// Cancel tears the channel down. It is idempotent; pending Receive
	// calls fail after cancellation.
	Cancel() error
}

// Listener produces inbound Conns, one per remote endpoint.
type Listener interface {
	Accept() (Conn, error)
	Addr() net.Addr
	Close() error
}

// Transport opens client channels and listeners.
type Transport interface {
	Connect(ctx context.Context, endpoint string) (Conn, error)
	Listen(port int) (Listener, error)
}
