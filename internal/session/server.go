package session

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/navicore/zimsync/internal/catalog"
	"github.com/navicore/zimsync/internal/transport"
	"github.com/navicore/zimsync/pkg/models"
)

// Server accepts peer connections and runs one Engine per peer. Each
// peer conversation is an independent actor: a single goroutine owns the
// engine and serializes all of its state changes.
type Server struct {
	device     models.DeviceInfo
	cat        *catalog.Catalog
	inboundDir string
	log        zerolog.Logger

	wg sync.WaitGroup
}

// NewServer wires a server over the given catalog and device identity.
// Inbound files land in inboundDir.
func NewServer(device models.DeviceInfo, cat *catalog.Catalog, inboundDir string, log zerolog.Logger) *Server {
	return &Server{
		device:     device,
		cat:        cat,
		inboundDir: inboundDir,
		log:        log.With().Str("component", "server").Logger(),
	}
}

// Serve accepts connections from the listener until ctx is canceled or
// the listener closes.
func (s *Server) Serve(ctx context.Context, l transport.Listener) error {
	defer s.wg.Wait()

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go s.handlePeer(conn)
	}
}

// handlePeer is the per-connection actor loop: receive, dispatch, reply.
func (s *Server) handlePeer(conn transport.Conn) {
	defer s.wg.Done()
	defer conn.Cancel()

	peer := conn.RemoteAddr().String()
	log := s.log.With().Str("peer", peer).Logger()
	engine := NewEngine(s.device, s.cat, s.inboundDir, log)
	defer engine.Abort()

	log.Info().Msg("peer connected")
	for {
		datagram, err := conn.Receive()
		if err != nil {
			// Transport errors end the conversation; live transfer
			// sessions are dropped by the deferred Abort.
			log.Info().Err(err).Msg("peer connection closed")
			return
		}
		for _, reply := range engine.HandleDatagram(datagram) {
			if reply == nil {
				continue
			}
			if err := conn.Send(reply); err != nil {
				log.Warn().Err(err).Msg("send reply failed")
				return
			}
		}
	}
}
