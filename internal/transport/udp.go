package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/navicore/zimsync/pkg/models"
	"github.com/navicore/zimsync/pkg/protocol"
)

// inboxDepth bounds buffered datagrams per inbound connection;
// overflow is dropped like any other lost datagram.
const inboxDepth = 128

// UDPTransport implements Transport over UDP sockets.
type UDPTransport struct {
	ConnectTimeout time.Duration
	Log            zerolog.Logger
}

// NewUDPTransport creates a UDP transport with the default connect timeout.
func NewUDPTransport(log zerolog.Logger) *UDPTransport {
	return &UDPTransport{
		ConnectTimeout: DefaultConnectTimeout,
		Log:            log.With().Str("component", "transport").Logger(),
	}
}

// Connect readies a client-side datagram channel to endpoint (host:port).
func (t *UDPTransport) Connect(ctx context.Context, endpoint string) (Conn, error) {
	timeout := t.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", endpoint)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: connect to %s", models.ErrTimeout, endpoint)
		}
		return nil, fmt.Errorf("%w: %v", models.ErrConnectionFailed, err)
	}
	return &clientConn{conn: conn.(*net.UDPConn)}, nil
}

// Listen binds a UDP socket on port and demultiplexes inbound datagrams
// into one Conn per remote endpoint.
func (t *UDPTransport) Listen(port int) (Listener, error) {
	addr := &net.UDPAddr{Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: bind udp port %d: %v", models.ErrConnectionFailed, port, err)
	}

	l := &udpListener{
		conn:    conn,
		accepts: make(chan *serverConn, 16),
		conns:   make(map[string]*serverConn),
		closed:  make(chan struct{}),
		log:     t.Log,
	}
	l.wg.Add(1)
	go l.readLoop()
	return l, nil
}

// clientConn is the dialer side: a connected UDP socket.
type clientConn struct {
	conn     *net.UDPConn
	cancelMu sync.Mutex
	canceled bool
}

func (c *clientConn) Send(data []byte) error {
	_, err := c.conn.Write(data)
	return err
}

func (c *clientConn) Receive() ([]byte, error) {
	buf := make([]byte, protocol.MaxPacketSize)
	n, err := c.conn.Read(buf)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: zero-length datagram", models.ErrInvalidPacket)
	}
	return buf[:n], nil
}

func (c *clientConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *clientConn) Cancel() error {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	if c.canceled {
		return nil
	}
	c.canceled = true
	return c.conn.Close()
}

// udpListener owns the bound socket and routes datagrams by source
// address.
type udpListener struct {
	conn    *net.UDPConn
	accepts chan *serverConn

	mu    sync.Mutex
	conns map[string]*serverConn

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	log       zerolog.Logger
}

func (l *udpListener) readLoop() {
	defer l.wg.Done()
	buf := make([]byte, protocol.MaxPacketSize)
	for {
		n, from, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.closed:
				return
			default:
				l.log.Warn().Err(err).Msg("udp receive error")
				continue
			}
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		l.route(from, datagram)
	}
}

func (l *udpListener) route(from *net.UDPAddr, datagram []byte) {
	key := from.String()

	l.mu.Lock()
	c, ok := l.conns[key]
	if !ok {
		c = &serverConn{
			listener: l,
			remote:   from,
			inbox:    make(chan []byte, inboxDepth),
			done:     make(chan struct{}),
		}
		l.conns[key] = c
	}
	l.mu.Unlock()

	if !ok {
		select {
		case l.accepts <- c:
		default:
			// Accept backlog full; drop the peer, it will retry.
			l.drop(key)
			return
		}
	}

	select {
	case c.inbox <- datagram:
	default:
		l.log.Debug().Str("peer", key).Msg("inbox full, dropping datagram")
	}
}

func (l *udpListener) drop(key string) {
	l.mu.Lock()
	delete(l.conns, key)
	l.mu.Unlock()
}

// Accept blocks for the next new remote endpoint.
func (l *udpListener) Accept() (Conn, error) {
	select {
	case c := <-l.accepts:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *udpListener) Addr() net.Addr { return l.conn.LocalAddr() }

func (l *udpListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.conn.Close()
		l.wg.Wait()

		l.mu.Lock()
		for key, c := range l.conns {
			c.closeInbox()
			delete(l.conns, key)
		}
		l.mu.Unlock()
	})
	return err
}

// serverConn is one demultiplexed inbound peer channel. Sends go out the
// shared listener socket; receives drain the routed inbox.
type serverConn struct {
	listener *udpListener
	remote   *net.UDPAddr
	inbox    chan []byte

	done     chan struct{}
	doneOnce sync.Once
}

func (c *serverConn) Send(data []byte) error {
	_, err := c.listener.conn.WriteToUDP(data, c.remote)
	return err
}

func (c *serverConn) Receive() ([]byte, error) {
	select {
	case datagram, ok := <-c.inbox:
		if !ok {
			return nil, net.ErrClosed
		}
		if len(datagram) == 0 {
			return nil, fmt.Errorf("%w: zero-length datagram", models.ErrInvalidPacket)
		}
		return datagram, nil
	case <-c.done:
		return nil, net.ErrClosed
	case <-c.listener.closed:
		return nil, net.ErrClosed
	}
}

func (c *serverConn) RemoteAddr() net.Addr { return c.remote }

func (c *serverConn) Cancel() error {
	c.doneOnce.Do(func() {
		close(c.done)
		c.listener.drop(c.remote.String())
	})
	return nil
}

func (c *serverConn) closeInbox() {
	c.doneOnce.Do(func() { close(c.done) })
}
