package transfer

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/navicore/zimsync/internal/audio"
	"github.com/navicore/zimsync/internal/compress"
	"github.com/navicore/zimsync/pkg/models"
	"github.com/navicore/zimsync/pkg/protocol"
	"github.com/navicore/zimsync/pkg/utils"
)

const (
	// DefaultChunkSize is the chunk length used when a requester does
	// not specify one.
	DefaultChunkSize = 32 * 1024

	// payloadOverhead is a conservative bound on the JSON envelope
	// around the base64 chunk data in a FileData payload.
	payloadOverhead = 256
)

// Direction tells which side of a transfer a session represents.
type Direction int

const (
	Sending Direction = iota
	Receiving
)

// Session is the transient per-file, per-direction transfer state. The
// engine owns live sessions exclusively; a session dies on completion
// or abort and nothing of it survives the process.
type Session struct {
	Meta      models.FileMetadata
	Path      string
	ChunkSize int32
	Direction Direction
	StartedAt time.Time

	file     *os.File
	received *ChunkBitmap // receiver only
}

// TotalChunks returns ceil(size/chunkSize) for the session's file.
func (s *Session) TotalChunks() uint32 {
	if s.Meta.Size == 0 {
		return 0
	}
	return uint32((s.Meta.Size + int64(s.ChunkSize) - 1) / int64(s.ChunkSize))
}

// Engine slices outbound files into chunks and reassembles inbound ones,
// with at most one live session per (fileId, direction).
type Engine struct {
	mu        sync.Mutex
	sending   map[uuid.UUID]*Session
	receiving map[uuid.UUID]*Session
	log       zerolog.Logger
}

// NewEngine creates an empty transfer engine.
func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{
		sending:   make(map[uuid.UUID]*Session),
		receiving: make(map[uuid.UUID]*Session),
		log:       log.With().Str("component", "transfer").Logger(),
	}
}

// PrepareFileForTransfer stats and hashes the file at path and builds the
// metadata under which it will be offered, including a fresh file ID and
// any audio properties the container exposes.
func PrepareFileForTransfer(path string) (models.FileMetadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return models.FileMetadata{}, fmt.Errorf("%w: %s", models.ErrFileNotFound, path)
		}
		return models.FileMetadata{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return models.FileMetadata{}, fmt.Errorf("%w: %s is a directory", models.ErrFileNotFound, path)
	}

	checksum, err := utils.HashFileSHA256(path)
	if err != nil {
		return models.FileMetadata{}, fmt.Errorf("hash %s: %w", path, err)
	}

	meta := models.FileMetadata{
		ID:       uuid.New(),
		Path:     filepath.Base(path),
		Size:     info.Size(),
		Modified: info.ModTime(),
		Checksum: checksum,
	}

	// Audio metadata is best-effort; a probe failure never blocks the offer.
	if audioMeta, err := audio.Probe(path); err == nil && audioMeta != nil {
		meta.Audio = audioMeta
	}
	return meta, nil
}

// StartSending opens path for reading and registers a sender session for
// meta.ID. Calling it again for the same file returns the live session.
func (e *Engine) StartSending(meta models.FileMetadata, path string, chunkSize int32) (*Session, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.sending[meta.ID]; ok {
		return s, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", models.ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	s := &Session{
		Meta:      meta,
		Path:      path,
		ChunkSize: chunkSize,
		Direction: Sending,
		StartedAt: time.Now(),
		file:      f,
	}
	e.sending[meta.ID] = s
	e.log.Debug().Str("file_id", meta.ID.String()).Str("path", meta.Path).
		Int64("size", meta.Size).Msg("sender session started")
	return s, nil
}

// NextChunk reads chunk chunkIndex of the sender session for fileID and
// packages it, applying the audio-aware compression policy. It returns
// (nil, nil) once chunkIndex points past end of file.
func (e *Engine) NextChunk(fileID uuid.UUID, chunkIndex uint32) (*protocol.FileDataPacket, error) {
	e.mu.Lock()
	s, ok := e.sending[fileID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no sender session for %s", models.ErrFileNotFound, fileID)
	}

	offset := int64(chunkIndex) * int64(s.ChunkSize)
	if offset >= s.Meta.Size {
		return nil, nil
	}

	readLen := int64(s.ChunkSize)
	if remaining := s.Meta.Size - offset; remaining < readLen {
		readLen = remaining
	}

	buf := make([]byte, readLen)
	if _, err := s.file.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read chunk %d at offset %d: %w", chunkIndex, offset, err)
	}

	data, algo, err := compress.CompressAudioChunk(buf, filepath.Ext(s.Path))
	if err != nil {
		return nil, fmt.Errorf("compress chunk %d: %w", chunkIndex, err)
	}

	if base64.StdEncoding.EncodedLen(len(data))+payloadOverhead > protocol.MaxPayloadSize {
		return nil, fmt.Errorf("%w: chunk %d would not fit in a datagram",
			models.ErrInvalidPacket, chunkIndex)
	}

	pkt := &protocol.FileDataPacket{
		FileID:      fileID,
		ChunkIndex:  chunkIndex,
		Offset:      offset,
		TotalChunks: s.TotalChunks(),
		Data:        data,
	}
	if algo != protocol.CompressionNone {
		original := int32(readLen)
		pkt.OriginalSize = &original
	}
	return pkt, nil
}

// StartReceiving creates (or truncates) the target file and registers a
// receiver session for meta.ID. Parent directories are created as needed.
func (e *Engine) StartReceiving(meta models.FileMetadata, path string, chunkSize int32) (*Session, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.receiving[meta.ID]; ok {
		return s, nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create inbound dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}

	s := &Session{
		Meta:      meta,
		Path:      path,
		ChunkSize: chunkSize,
		Direction: Receiving,
		StartedAt: time.Now(),
		file:      f,
	}
	s.received = NewChunkBitmap(s.TotalChunks())
	e.receiving[meta.ID] = s
	e.log.Debug().Str("file_id", meta.ID.String()).Str("path", path).
		Int64("size", meta.Size).Uint32("chunks", s.TotalChunks()).
		Msg("receiver session started")
	return s, nil
}

// ReceiveChunk decompresses (when marked) and writes one inbound chunk at
// its offset, recording the index in the session's received set.
func (e *Engine) ReceiveChunk(pkt *protocol.FileDataPacket) error {
	e.mu.Lock()
	s, ok := e.receiving[pkt.FileID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no receiver session for %s", models.ErrFileNotFound, pkt.FileID)
	}

	data := pkt.Data
	if pkt.OriginalSize != nil {
		decompressed, err := compress.Decompress(data, protocol.CompressionZlib)
		if err != nil {
			return fmt.Errorf("%w: chunk %d: %v", models.ErrChecksumMismatch, pkt.ChunkIndex, err)
		}
		if int32(len(decompressed)) != *pkt.OriginalSize {
			return fmt.Errorf("%w: chunk %d inflated to %d bytes, expected %d",
				models.ErrChecksumMismatch, pkt.ChunkIndex, len(decompressed), *pkt.OriginalSize)
		}
		data = decompressed
	}

	if _, err := s.file.WriteAt(data, pkt.Offset); err != nil {
		return fmt.Errorf("write chunk %d at offset %d: %w", pkt.ChunkIndex, pkt.Offset, err)
	}
	return s.received.Set(pkt.ChunkIndex)
}

// MissingChunks returns the complement of the receiver session's stored
// set over [0, totalChunks), the input to selective retransmit.
func (e *Engine) MissingChunks(fileID uuid.UUID) ([]uint32, error) {
	e.mu.Lock()
	s, ok := e.receiving[fileID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no receiver session for %s", models.ErrFileNotFound, fileID)
	}
	return s.received.Missing(), nil
}

// ReceivedBitmap returns the packed selective-ACK bitmap of the receiver
// session for fileID, or nil when no such session exists.
func (e *Engine) ReceivedBitmap(fileID uuid.UUID) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.receiving[fileID]
	if !ok {
		return nil
	}
	return s.received.Bytes()
}

// CompleteTransfer closes the session for fileID. For a receiver session
// the full-file hash is recomputed and compared against the offered
// checksum; on mismatch the partial file is removed and
// ErrChecksumMismatch returned. The session is dropped either way.
func (e *Engine) CompleteTransfer(fileID uuid.UUID) error {
	e.mu.Lock()
	s, receiving := e.receiving[fileID]
	if receiving {
		delete(e.receiving, fileID)
	} else if s2, ok := e.sending[fileID]; ok {
		s = s2
		delete(e.sending, fileID)
	}
	e.mu.Unlock()

	if s == nil {
		return fmt.Errorf("%w: no session for %s", models.ErrFileNotFound, fileID)
	}

	closeErr := s.file.Close()

	if !receiving {
		return closeErr
	}
	if closeErr != nil {
		os.Remove(s.Path)
		return fmt.Errorf("close %s: %w", s.Path, closeErr)
	}

	actual, err := utils.HashFileSHA256(s.Path)
	if err != nil {
		os.Remove(s.Path)
		return fmt.Errorf("verify %s: %w", s.Path, err)
	}
	if actual != s.Meta.Checksum {
		os.Remove(s.Path)
		return fmt.Errorf("%w: %s: got %s, want %s",
			models.ErrChecksumMismatch, s.Meta.Path, actual, s.Meta.Checksum)
	}

	e.log.Info().Str("file_id", fileID.String()).Str("path", s.Path).
		Dur("elapsed", time.Since(s.StartedAt)).Msg("transfer verified")
	return nil
}

// Abort drops every live session, closing handles and deleting partial
// inbound files. Used when a peer connection dies mid-transfer.
func (e *Engine) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, s := range e.sending {
		s.file.Close()
		delete(e.sending, id)
	}
	for id, s := range e.receiving {
		s.file.Close()
		os.Remove(s.Path)
		delete(e.receiving, id)
	}
}
