// Package session implements the per-peer protocol state machine. One
// Engine handles one peer conversation; all of its state is mutated from
// a single goroutine, so the engine itself carries no locks.
package session

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/navicore/zimsync/internal/catalog"
	"github.com/navicore/zimsync/internal/transfer"
	"github.com/navicore/zimsync/pkg/models"
	"github.com/navicore/zimsync/pkg/protocol"
)

// State is the engine's position in the peer conversation.
type State int

const (
	StateIdle State = iota
	StateCatalogSent
	StateTransferring
)

// echoPrefix is prepended to undecodable UTF-8 datagrams when echoing
// them back, a diagnostic aid for hand-sent packets.
const echoPrefix = "ZimSync Echo: "

// Engine is the server-side protocol machine for one peer connection.
type Engine struct {
	device     models.DeviceInfo
	cat        *catalog.Catalog
	transfers  *transfer.Engine
	inboundDir string
	log        zerolog.Logger

	state State
	seq   uint16

	// outstanding correlates FileData sequence numbers with file IDs so
	// selective ACKs can be applied to the right sender session.
	outstanding map[uint16]uuid.UUID
	acked       map[uuid.UUID]*transfer.ChunkBitmap
}

// NewEngine creates the state machine for one peer conversation.
func NewEngine(device models.DeviceInfo, cat *catalog.Catalog, inboundDir string, log zerolog.Logger) *Engine {
	return &Engine{
		device:      device,
		cat:         cat,
		transfers:   transfer.NewEngine(log),
		inboundDir:  inboundDir,
		log:         log,
		state:       StateIdle,
		outstanding: make(map[uint16]uuid.UUID),
		acked:       make(map[uuid.UUID]*transfer.ChunkBitmap),
	}
}

// State returns the engine's current conversation state.
func (e *Engine) State() State { return e.state }

// Abort drops all live transfer sessions; called when the connection dies.
func (e *Engine) Abort() { e.transfers.Abort() }

// nextSeq bumps the peer-local sequence counter with wrapping addition.
func (e *Engine) nextSeq() uint16 {
	e.seq++
	return e.seq
}

// encode frames a packet with the next sequence number. Encoding only
// fails for oversized payloads, which is a programming error upstream,
// so failures are logged and swallowed here.
func (e *Engine) encode(p protocol.Packet) []byte {
	seq := e.nextSeq()
	raw, err := protocol.Encode(p, seq)
	if err != nil {
		e.log.Error().Err(err).Uint8("type", uint8(p.Type())).Msg("encode reply failed")
		return nil
	}
	if fd, ok := p.(*protocol.FileDataPacket); ok {
		e.outstanding[seq] = fd.FileID
	}
	return raw
}

func (e *Engine) errorPacket(code int, message string) []byte {
	return e.encode(&protocol.ErrorPacket{Code: code, Message: message})
}

// HandleDatagram decodes one inbound datagram, advances the state
// machine, and returns zero or more datagrams to send back.
func (e *Engine) HandleDatagram(datagram []byte) [][]byte {
	hdr, pkt, err := protocol.Decode(datagram)
	if err != nil {
		return e.handleUndecodable(hdr, datagram, err)
	}

	switch p := pkt.(type) {
	case *protocol.DiscoverPacket:
		return e.handleDiscover(p)
	case *protocol.FileRequestPacket:
		return e.handleFileRequest(p)
	case *protocol.FileDataPacket:
		return e.handleFileData(hdr, p)
	case *protocol.AckPacket:
		e.handleAck(p)
		return nil
	default:
		// Announce, FileList, and Error are peer-role packets; a server
		// silently drops them.
		e.log.Debug().Uint8("type", uint8(hdr.Type)).Msg("dropping unexpected packet")
		return nil
	}
}

// handleUndecodable answers version mismatches with Error(415) and
// unframed UTF-8 text with a diagnostic echo; everything else is
// silently dropped.
func (e *Engine) handleUndecodable(hdr protocol.Header, datagram []byte, err error) [][]byte {
	if hdr.Magic == protocol.Magic && hdr.Version > protocol.Version {
		e.log.Warn().Uint8("version", hdr.Version).Msg("peer speaks a newer protocol")
		return [][]byte{e.errorPacket(models.CodeUnsupportedFormat, "unsupported version")}
	}

	if hdr.Magic != protocol.Magic && utf8.Valid(datagram) {
		text := string(datagram)
		if !strings.HasSuffix(text, "\n") {
			text += "\n"
		}
		return [][]byte{[]byte(echoPrefix + text)}
	}

	e.log.Debug().Err(err).Msg("dropping undecodable datagram")
	return nil
}

// handleDiscover refreshes the catalog and replies Announce then
// FileList. Valid in every state; from Idle it advances to CatalogSent.
func (e *Engine) handleDiscover(p *protocol.DiscoverPacket) [][]byte {
	e.log.Info().Str("peer_device", p.DeviceID.String()).Msg("discover received")

	snap, err := e.cat.Refresh()
	if err != nil {
		e.log.Error().Err(err).Msg("catalog refresh failed")
		return [][]byte{e.errorPacket(models.CodeFileNotFound, "shared directory unavailable")}
	}

	announce := &protocol.AnnouncePacket{
		DeviceInfo:        e.device,
		AvailableSpace:    e.cat.AvailableSpace(),
		SupportedFeatures: models.SupportedFeatures(),
	}
	list := &protocol.FileListPacket{
		Files:     snap.Files,
		TotalSize: snap.TotalSize,
	}

	if e.state == StateIdle {
		e.state = StateCatalogSent
	}
	return [][]byte{e.encode(announce), e.encode(list)}
}

// handleFileRequest starts (or continues) a sender session and returns
// the requested chunk.
func (e *Engine) handleFileRequest(p *protocol.FileRequestPacket) [][]byte {
	if e.state == StateIdle {
		// Peers must discover before requesting.
		e.log.Debug().Msg("file request before discover; dropping")
		return nil
	}
	if p.ChunkSize <= 0 {
		return [][]byte{e.errorPacket(models.CodeUnsupportedFormat, "invalid chunk size")}
	}
	if p.StartOffset < 0 {
		return [][]byte{e.errorPacket(models.CodeUnsupportedFormat, "invalid start offset")}
	}
	switch p.Compression {
	case protocol.CompressionLZMA, protocol.CompressionLZ4:
		return [][]byte{e.errorPacket(models.CodeUnsupportedFormat, "unsupported compression")}
	}

	meta, path, ok := e.cat.Lookup(p.FileID)
	if !ok {
		return [][]byte{e.errorPacket(models.CodeFileNotFound, "File not found")}
	}

	if _, err := e.transfers.StartSending(meta, path, p.ChunkSize); err != nil {
		e.log.Error().Err(err).Str("file", meta.Path).Msg("start sending failed")
		return [][]byte{e.errorPacket(models.CodeFileNotFound, "File not found")}
	}

	chunkIndex := uint32(p.StartOffset / int64(p.ChunkSize))
	chunk, err := e.transfers.NextChunk(p.FileID, chunkIndex)
	if err != nil {
		e.log.Error().Err(err).Uint32("chunk", chunkIndex).Msg("read chunk failed")
		return [][]byte{e.errorPacket(models.CodeFileNotFound, "File not found")}
	}
	if chunk == nil {
		// Past end of file: the requester already has everything, so
		// there is nothing to answer with.
		e.log.Debug().Str("file", meta.Path).Uint32("chunk", chunkIndex).
			Msg("request past end of file")
		return nil
	}

	e.state = StateTransferring
	return [][]byte{e.encode(chunk)}
}

// handleFileData routes an inbound chunk to the receiver session and
// acknowledges it with the current received bitmap.
func (e *Engine) handleFileData(hdr protocol.Header, p *protocol.FileDataPacket) [][]byte {
	if err := e.transfers.ReceiveChunk(p); err != nil {
		switch {
		case errors.Is(err, models.ErrFileNotFound):
			return [][]byte{e.errorPacket(models.CodeFileNotFound, "File not found")}
		case errors.Is(err, models.ErrChecksumMismatch):
			return [][]byte{e.errorPacket(models.CodeChecksumMismatch, err.Error())}
		default:
			e.log.Error().Err(err).Msg("receive chunk failed")
			return [][]byte{e.errorPacket(models.CodeInsufficientSpace, "write failed")}
		}
	}

	ack := &protocol.AckPacket{
		Sequence:       hdr.Sequence,
		ReceivedBitmap: e.transfers.ReceivedBitmap(p.FileID),
	}
	replies := [][]byte{e.encode(ack)}

	if hdr.Flags&protocol.FlagLastChunk != 0 {
		if missing, err := e.transfers.MissingChunks(p.FileID); err == nil && len(missing) == 0 {
			if err := e.transfers.CompleteTransfer(p.FileID); err != nil {
				replies = append(replies,
					e.errorPacket(models.CodeChecksumMismatch, "Transfer failed: "+err.Error()))
			}
		}
	}
	return replies
}

// handleAck applies a selective-ACK report to the sender-side accounting
// for the file correlated by the acknowledged sequence number.
func (e *Engine) handleAck(p *protocol.AckPacket) {
	fileID, ok := e.outstanding[p.Sequence]
	if !ok {
		return
	}
	delete(e.outstanding, p.Sequence)

	if len(p.ReceivedBitmap) == 0 {
		return
	}
	total := uint32(len(p.ReceivedBitmap) * 8)
	bitmap, err := transfer.LoadBitmap(total, p.ReceivedBitmap)
	if err != nil {
		e.log.Debug().Err(err).Msg("ignoring malformed ack bitmap")
		return
	}
	e.acked[fileID] = bitmap
}

// AckedChunks returns the peer's last reported received set for a file,
// or nil when the peer has not reported yet.
func (e *Engine) AckedChunks(fileID uuid.UUID) *transfer.ChunkBitmap {
	return e.acked[fileID]
}

// StartReceiving registers an inbound transfer agreed upon out of band
// (the caller chose a file from the peer's FileList). The on-wire
// basename is validated before any file is created.
func (e *Engine) StartReceiving(meta models.FileMetadata, chunkSize int32) error {
	if err := models.ValidateBasename(meta.Path); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidPacket, err)
	}
	target := filepath.Join(e.inboundDir, meta.Path)
	_, err := e.transfers.StartReceiving(meta, target, chunkSize)
	return err
}

// Transfers exposes the per-peer transfer engine.
func (e *Engine) Transfers() *transfer.Engine { return e.transfers }
