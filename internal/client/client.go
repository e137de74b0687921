// Package client implements the pull side of a peer conversation:
// discover, read the catalog, then request chunks and acknowledge them.
package client

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/navicore/zimsync/internal/telemetry"
	"github.com/navicore/zimsync/internal/transfer"
	"github.com/navicore/zimsync/internal/transport"
	"github.com/navicore/zimsync/pkg/models"
	"github.com/navicore/zimsync/pkg/protocol"
)

// responseTimeout bounds one request/response exchange before the chunk
// is treated as lost and re-requested.
const responseTimeout = 2 * time.Second

// Client drives one peer conversation from the requesting side.
type Client struct {
	conn      transport.Conn
	device    models.DeviceInfo
	transfers *transfer.Engine
	stats     *telemetry.Collector
	backoff   *transport.Backoff
	log       zerolog.Logger

	seq uint16

	inbox    chan []byte
	pumpErr  error
	pumpOnce sync.Once
	done     chan struct{}
}

// Dial connects to a peer endpoint and starts the receive pump.
func Dial(ctx context.Context, t transport.Transport, endpoint string, device models.DeviceInfo, log zerolog.Logger) (*Client, error) {
	conn, err := t.Connect(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:      conn,
		device:    device,
		transfers: transfer.NewEngine(log),
		stats:     telemetry.NewCollector(),
		backoff:   transport.NewBackoff(),
		log:       log.With().Str("component", "client").Str("peer", endpoint).Logger(),
		inbox:     make(chan []byte, 64),
		done:      make(chan struct{}),
	}
	go c.pump()
	return c, nil
}

// Close tears down the connection and any live transfer sessions.
func (c *Client) Close() {
	c.pumpOnce.Do(func() { close(c.done) })
	c.conn.Cancel()
	c.transfers.Abort()
}

// Stats exposes the transfer statistics collector.
func (c *Client) Stats() *telemetry.Collector { return c.stats }

// pump moves datagrams from the connection into the inbox so request
// loops can apply timeouts.
func (c *Client) pump() {
	for {
		datagram, err := c.conn.Receive()
		if err != nil {
			c.pumpErr = err
			close(c.inbox)
			return
		}
		c.stats.RecordBytesReceived(len(datagram))
		select {
		case c.inbox <- datagram:
		case <-c.done:
			return
		}
	}
}

// send frames and transmits one packet with the next sequence number.
func (c *Client) send(p protocol.Packet) error {
	c.seq++
	raw, err := protocol.Encode(p, c.seq)
	if err != nil {
		return err
	}
	if err := c.conn.Send(raw); err != nil {
		return fmt.Errorf("%w: %v", models.ErrConnectionFailed, err)
	}
	c.stats.RecordBytesSent(len(raw))
	return nil
}

// await reads inbound packets until accept returns true for one, an
// Error packet arrives, or the timeout elapses.
func (c *Client) await(timeout time.Duration, accept func(protocol.Header, protocol.Packet) bool) (protocol.Header, protocol.Packet, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case datagram, ok := <-c.inbox:
			if !ok {
				return protocol.Header{}, nil, fmt.Errorf("%w: %v", models.ErrConnectionFailed, c.pumpErr)
			}
			hdr, pkt, err := protocol.Decode(datagram)
			if err != nil {
				c.log.Debug().Err(err).Msg("dropping undecodable datagram")
				continue
			}
			if errPkt, ok := pkt.(*protocol.ErrorPacket); ok {
				return hdr, pkt, wireError(errPkt)
			}
			if accept(hdr, pkt) {
				return hdr, pkt, nil
			}
		case <-timer.C:
			return protocol.Header{}, nil, models.ErrTimeout
		}
	}
}

// wireError maps a peer Error packet to the local error taxonomy.
func wireError(p *protocol.ErrorPacket) error {
	switch p.Code {
	case models.CodeFileNotFound:
		return fmt.Errorf("%w: %s", models.ErrFileNotFound, p.Message)
	case models.CodeChecksumMismatch:
		return fmt.Errorf("%w: %s", models.ErrChecksumMismatch, p.Message)
	case models.CodeTimeout:
		return fmt.Errorf("%w: %s", models.ErrTimeout, p.Message)
	default:
		return fmt.Errorf("peer error %d: %s", p.Code, p.Message)
	}
}

// Discover announces interest and collects the peer's Announce and
// FileList replies.
func (c *Client) Discover(ctx context.Context) (*protocol.AnnouncePacket, *protocol.FileListPacket, error) {
	if err := c.send(&protocol.DiscoverPacket{DeviceID: c.device.ID, Timestamp: time.Now()}); err != nil {
		return nil, nil, err
	}

	var (
		announce *protocol.AnnouncePacket
		list     *protocol.FileListPacket
	)
	deadline := time.Now().Add(responseTimeout * 2)
	for (announce == nil || list == nil) && time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		_, pkt, err := c.await(time.Until(deadline), func(_ protocol.Header, p protocol.Packet) bool {
			switch p.(type) {
			case *protocol.AnnouncePacket, *protocol.FileListPacket:
				return true
			}
			return false
		})
		if err != nil {
			return announce, list, err
		}
		switch p := pkt.(type) {
		case *protocol.AnnouncePacket:
			announce = p
		case *protocol.FileListPacket:
			list = p
		}
	}
	if announce == nil || list == nil {
		return announce, list, models.ErrTimeout
	}
	return announce, list, nil
}

// Fetch pulls one offered file into destDir, re-requesting missing
// chunks per the selective-ACK report and verifying the full-file hash
// on completion. progress, when non-nil, receives stored byte counts.
func (c *Client) Fetch(ctx context.Context, meta models.FileMetadata, destDir string, chunkSize int32, progress func(int64)) error {
	if err := models.ValidateBasename(meta.Path); err != nil {
		// The offer itself is hostile; tell the peer and store nothing.
		c.send(&protocol.ErrorPacket{Code: models.CodeUnsupportedFormat, Message: "invalid file path"})
		return fmt.Errorf("%w: %v", models.ErrInvalidPacket, err)
	}
	if chunkSize <= 0 {
		chunkSize = transfer.DefaultChunkSize
	}

	target := filepath.Join(destDir, meta.Path)
	session, err := c.transfers.StartReceiving(meta, target, chunkSize)
	if err != nil {
		return err
	}

	total := session.TotalChunks()
	c.log.Info().Str("file", meta.Path).Int64("size", meta.Size).
		Uint32("chunks", total).Msg("fetch started")

	// First pass requests every chunk in order; subsequent passes
	// re-request whatever the received set still reports missing.
	wanted := make([]uint32, 0, total)
	for i := uint32(0); i < total; i++ {
		wanted = append(wanted, i)
	}

	for attempt := 0; ; attempt++ {
		if err := c.fetchChunks(ctx, meta.ID, wanted, chunkSize, attempt > 0, progress); err != nil {
			c.transfers.CompleteTransfer(meta.ID)
			return err
		}
		wanted, err = c.transfers.MissingChunks(meta.ID)
		if err != nil {
			return err
		}
		if len(wanted) == 0 {
			break
		}
		if !c.backoff.ShouldRetry(attempt) {
			c.transfers.CompleteTransfer(meta.ID)
			return fmt.Errorf("%w: %d chunks still missing", models.ErrTimeout, len(wanted))
		}
		delay := c.backoff.Next(attempt + 1)
		c.log.Warn().Int("missing", len(wanted)).Dur("backoff", delay).Msg("re-requesting chunks")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			c.transfers.CompleteTransfer(meta.ID)
			return ctx.Err()
		}
	}

	return c.transfers.CompleteTransfer(meta.ID)
}

// fetchChunks requests each wanted chunk and stores the replies,
// acknowledging every stored chunk with the current received bitmap.
func (c *Client) fetchChunks(ctx context.Context, fileID uuid.UUID, wanted []uint32, chunkSize int32, retransmit bool, progress func(int64)) error {
	for _, index := range wanted {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if retransmit {
			c.stats.RecordRetransmit()
		}

		req := &protocol.FileRequestPacket{
			FileID:      fileID,
			StartOffset: int64(index) * int64(chunkSize),
			ChunkSize:   chunkSize,
			Compression: protocol.CompressionZlib,
		}
		start := time.Now()
		if err := c.send(req); err != nil {
			return err
		}

		hdr, pkt, err := c.await(responseTimeout, func(_ protocol.Header, p protocol.Packet) bool {
			fd, ok := p.(*protocol.FileDataPacket)
			return ok && fd.FileID == fileID && fd.ChunkIndex == index
		})
		if err != nil {
			if errors.Is(err, models.ErrTimeout) {
				// Lost datagram; the next pass re-requests it.
				continue
			}
			return err
		}
		c.stats.RecordRTT(time.Since(start))

		chunk := pkt.(*protocol.FileDataPacket)
		if err := c.transfers.ReceiveChunk(chunk); err != nil {
			return err
		}
		if progress != nil {
			stored := int64(len(chunk.Data))
			if chunk.OriginalSize != nil {
				stored = int64(*chunk.OriginalSize)
			}
			progress(stored)
		}

		ack := &protocol.AckPacket{
			Sequence:       hdr.Sequence,
			ReceivedBitmap: c.transfers.ReceivedBitmap(fileID),
		}
		if err := c.send(ack); err != nil {
			return err
		}
	}
	return nil
}

// Probe sends raw bytes and returns the raw response, used for the
// diagnostic echo path.
func (c *Client) Probe(text string) (string, error) {
	if err := c.conn.Send([]byte(text)); err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrConnectionFailed, err)
	}
	select {
	case datagram, ok := <-c.inbox:
		if !ok {
			return "", fmt.Errorf("%w: %v", models.ErrConnectionFailed, c.pumpErr)
		}
		return string(datagram), nil
	case <-time.After(responseTimeout):
		return "", models.ErrTimeout
	}
}
