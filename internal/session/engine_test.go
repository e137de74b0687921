package session

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/navicore/zimsync/internal/catalog"
	"github.com/navicore/zimsync/internal/transfer"
	"github.com/navicore/zimsync/pkg/models"
	"github.com/navicore/zimsync/pkg/protocol"
	"github.com/navicore/zimsync/pkg/utils"
)

func testDevice() models.DeviceInfo {
	return models.DeviceInfo{
		ID:       uuid.MustParse("00000000-0000-0000-0000-0000000000aa"),
		Name:     "Studio",
		Platform: models.PlatformMacOS,
		Version:  "1.0.0",
	}
}

// newTestEngine builds an engine over a fresh shared directory and
// returns both.
func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()

	shared := t.TempDir()
	cat, err := catalog.New(shared, zerolog.Nop())
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	engine := NewEngine(testDevice(), cat, t.TempDir(), zerolog.Nop())
	return engine, shared
}

func discoverDatagram(t *testing.T) []byte {
	t.Helper()
	raw, err := protocol.Encode(&protocol.DiscoverPacket{
		DeviceID:  uuid.MustParse("00000000-0000-0000-0000-000000000001"),
		Timestamp: time.Now(),
	}, 1)
	if err != nil {
		t.Fatalf("encode discover: %v", err)
	}
	return raw
}

func decodeReply(t *testing.T, raw []byte) (protocol.Header, protocol.Packet) {
	t.Helper()
	hdr, pkt, err := protocol.Decode(raw)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return hdr, pkt
}

func TestDiscoverYieldsAnnounceAndFileList(t *testing.T) {
	engine, _ := newTestEngine(t)

	replies := engine.HandleDatagram(discoverDatagram(t))
	if len(replies) != 2 {
		t.Fatalf("got %d replies, want 2", len(replies))
	}

	_, first := decodeReply(t, replies[0])
	announce, ok := first.(*protocol.AnnouncePacket)
	if !ok {
		t.Fatalf("first reply is %T, want Announce", first)
	}
	if announce.DeviceInfo != testDevice() {
		t.Fatalf("device info = %+v", announce.DeviceInfo)
	}
	if len(announce.SupportedFeatures) != 3 {
		t.Fatalf("features = %v", announce.SupportedFeatures)
	}

	_, second := decodeReply(t, replies[1])
	list, ok := second.(*protocol.FileListPacket)
	if !ok {
		t.Fatalf("second reply is %T, want FileList", second)
	}
	if len(list.Files) != 0 || list.TotalSize != 0 {
		t.Fatalf("empty directory should list no files, got %+v", list)
	}

	if engine.State() != StateCatalogSent {
		t.Fatalf("state = %d, want catalog-sent", engine.State())
	}
}

func TestRepeatedDiscoverReemitsCatalog(t *testing.T) {
	engine, _ := newTestEngine(t)

	engine.HandleDatagram(discoverDatagram(t))
	replies := engine.HandleDatagram(discoverDatagram(t))
	if len(replies) != 2 {
		t.Fatalf("got %d replies, want 2", len(replies))
	}
	if engine.State() != StateCatalogSent {
		t.Fatalf("state = %d, want catalog-sent", engine.State())
	}
}

func TestEchoFallback(t *testing.T) {
	engine, _ := newTestEngine(t)

	replies := engine.HandleDatagram([]byte("Hello ZimSync!\n"))
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}
	if got, want := string(replies[0]), "ZimSync Echo: Hello ZimSync!\n"; got != want {
		t.Fatalf("echo = %q, want %q", got, want)
	}
}

func TestEchoAppendsNewline(t *testing.T) {
	engine, _ := newTestEngine(t)

	replies := engine.HandleDatagram([]byte("Hello from ZimSync!"))
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}
	if got, want := string(replies[0]), "ZimSync Echo: Hello from ZimSync!\n"; got != want {
		t.Fatalf("echo = %q, want %q", got, want)
	}
}

func TestNoEchoForCorruptedFrame(t *testing.T) {
	engine, _ := newTestEngine(t)

	raw := discoverDatagram(t)
	raw[len(raw)-1] ^= 0x01 // checksum now fails, but framing is real

	if replies := engine.HandleDatagram(raw); len(replies) != 0 {
		t.Fatalf("corrupted frame must be dropped silently, got %d replies", len(replies))
	}
}

func TestFutureVersionRejected(t *testing.T) {
	engine, _ := newTestEngine(t)

	raw := discoverDatagram(t)
	raw[4] = protocol.Version + 1

	replies := engine.HandleDatagram(raw)
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}
	_, pkt := decodeReply(t, replies[0])
	errPkt, ok := pkt.(*protocol.ErrorPacket)
	if !ok {
		t.Fatalf("reply is %T, want Error", pkt)
	}
	if errPkt.Code != models.CodeUnsupportedFormat {
		t.Fatalf("code = %d, want 415", errPkt.Code)
	}
}

func TestBadMagicSilentlyDroppedWhenBinary(t *testing.T) {
	engine, _ := newTestEngine(t)

	datagram := make([]byte, 64)
	datagram[0] = 0xFF
	datagram[1] = 0xFE
	if replies := engine.HandleDatagram(datagram); len(replies) != 0 {
		t.Fatalf("binary junk must be dropped, got %d replies", len(replies))
	}
}

func TestFileRequestBeforeDiscoverDropped(t *testing.T) {
	engine, _ := newTestEngine(t)

	raw, err := protocol.Encode(&protocol.FileRequestPacket{
		FileID:    uuid.New(),
		ChunkSize: 32768,
	}, 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if replies := engine.HandleDatagram(raw); len(replies) != 0 {
		t.Fatalf("request in idle must be dropped, got %d replies", len(replies))
	}
}

func TestUnknownFileIDYields404(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.HandleDatagram(discoverDatagram(t))

	raw, err := protocol.Encode(&protocol.FileRequestPacket{
		FileID:    uuid.New(),
		ChunkSize: 32768,
	}, 2)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	replies := engine.HandleDatagram(raw)
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}
	_, pkt := decodeReply(t, replies[0])
	errPkt, ok := pkt.(*protocol.ErrorPacket)
	if !ok {
		t.Fatalf("reply is %T, want Error", pkt)
	}
	if errPkt.Code != models.CodeFileNotFound || errPkt.Message != "File not found" {
		t.Fatalf("got %d %q", errPkt.Code, errPkt.Message)
	}
}

func TestInvalidChunkSizeYields415(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.HandleDatagram(discoverDatagram(t))

	raw, err := protocol.Encode(&protocol.FileRequestPacket{FileID: uuid.New()}, 2)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	replies := engine.HandleDatagram(raw)
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}
	_, pkt := decodeReply(t, replies[0])
	if errPkt := pkt.(*protocol.ErrorPacket); errPkt.Code != models.CodeUnsupportedFormat {
		t.Fatalf("code = %d, want 415", errPkt.Code)
	}
}

func TestUnsupportedCompressionYields415(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.HandleDatagram(discoverDatagram(t))

	for _, algo := range []protocol.CompressionType{protocol.CompressionLZMA, protocol.CompressionLZ4} {
		raw, err := protocol.Encode(&protocol.FileRequestPacket{
			FileID:      uuid.New(),
			ChunkSize:   32768,
			Compression: algo,
		}, 2)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		replies := engine.HandleDatagram(raw)
		if len(replies) != 1 {
			t.Fatalf("%s: got %d replies, want 1", algo, len(replies))
		}
		_, pkt := decodeReply(t, replies[0])
		if errPkt := pkt.(*protocol.ErrorPacket); errPkt.Code != models.CodeUnsupportedFormat {
			t.Fatalf("%s: code = %d, want 415", algo, errPkt.Code)
		}
	}
}

func TestRequestPastEndOfFileDropped(t *testing.T) {
	engine, shared := newTestEngine(t)

	if err := os.WriteFile(filepath.Join(shared, "short.wav"), make([]byte, 1000), 0o644); err != nil {
		t.Fatalf("write shared file: %v", err)
	}

	replies := engine.HandleDatagram(discoverDatagram(t))
	_, pkt := decodeReply(t, replies[1])
	meta := pkt.(*protocol.FileListPacket).Files[0]

	raw, err := protocol.Encode(&protocol.FileRequestPacket{
		FileID:      meta.ID,
		StartOffset: 10 * 32768,
		ChunkSize:   32768,
	}, 2)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if replies := engine.HandleDatagram(raw); len(replies) != 0 {
		t.Fatalf("over-read of an existing file must be dropped, got %d replies", len(replies))
	}
}

// TestServeFileEndToEnd walks the full pull protocol against the engine:
// discover, request every chunk, and verify the reassembled bytes.
func TestServeFileEndToEnd(t *testing.T) {
	engine, shared := newTestEngine(t)

	content := make([]byte, 100000)
	rng := rand.New(rand.NewSource(11))
	if _, err := rng.Read(content); err != nil {
		t.Fatalf("rand: %v", err)
	}
	if err := os.WriteFile(filepath.Join(shared, "note.wav"), content, 0o644); err != nil {
		t.Fatalf("write shared file: %v", err)
	}

	replies := engine.HandleDatagram(discoverDatagram(t))
	if len(replies) != 2 {
		t.Fatalf("discover: got %d replies", len(replies))
	}
	_, pkt := decodeReply(t, replies[1])
	list := pkt.(*protocol.FileListPacket)
	if len(list.Files) != 1 {
		t.Fatalf("catalog has %d files, want 1", len(list.Files))
	}
	meta := list.Files[0]
	if meta.Checksum != utils.HashBytesSHA256(content) {
		t.Fatalf("offered checksum mismatch")
	}

	receiver := transfer.NewEngine(zerolog.Nop())
	dest := filepath.Join(t.TempDir(), meta.Path)
	if _, err := receiver.StartReceiving(meta, dest, 32768); err != nil {
		t.Fatalf("StartReceiving: %v", err)
	}

	var sawLastChunk bool
	for index := uint32(0); index < 4; index++ {
		raw, err := protocol.Encode(&protocol.FileRequestPacket{
			FileID:      meta.ID,
			StartOffset: int64(index) * 32768,
			ChunkSize:   32768,
		}, uint16(10+index))
		if err != nil {
			t.Fatalf("encode request: %v", err)
		}

		replies := engine.HandleDatagram(raw)
		if len(replies) != 1 {
			t.Fatalf("chunk %d: got %d replies", index, len(replies))
		}
		hdr, pkt := decodeReply(t, replies[0])
		chunk, ok := pkt.(*protocol.FileDataPacket)
		if !ok {
			t.Fatalf("chunk %d: reply is %T", index, pkt)
		}
		if chunk.ChunkIndex != index || chunk.TotalChunks != 4 {
			t.Fatalf("chunk %d: index %d of %d", index, chunk.ChunkIndex, chunk.TotalChunks)
		}
		if hdr.Flags&protocol.FlagLastChunk != 0 {
			sawLastChunk = true
		}
		if err := receiver.ReceiveChunk(chunk); err != nil {
			t.Fatalf("ReceiveChunk(%d): %v", index, err)
		}

		// Acknowledge so the sender's accounting sees our progress.
		ackRaw, err := protocol.Encode(&protocol.AckPacket{
			Sequence:       hdr.Sequence,
			ReceivedBitmap: receiver.ReceivedBitmap(meta.ID),
		}, uint16(20+index))
		if err != nil {
			t.Fatalf("encode ack: %v", err)
		}
		if replies := engine.HandleDatagram(ackRaw); len(replies) != 0 {
			t.Fatalf("ack should not produce replies, got %d", len(replies))
		}
	}

	if !sawLastChunk {
		t.Fatalf("final chunk was never flagged")
	}
	if engine.State() != StateTransferring {
		t.Fatalf("state = %d, want transferring", engine.State())
	}
	if acked := engine.AckedChunks(meta.ID); acked == nil || !acked.Has(3) {
		t.Fatalf("selective acks were not recorded")
	}

	if err := receiver.CompleteTransfer(meta.ID); err != nil {
		t.Fatalf("CompleteTransfer: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("received content differs")
	}
}

func TestSequenceNumbersWrap(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.seq = 65534

	replies := engine.HandleDatagram(discoverDatagram(t))
	if len(replies) != 2 {
		t.Fatalf("got %d replies, want 2", len(replies))
	}

	first := binary.BigEndian.Uint16(replies[0][7:9])
	second := binary.BigEndian.Uint16(replies[1][7:9])
	if first != 65535 {
		t.Fatalf("first seq = %d, want 65535", first)
	}
	if second != 0 {
		t.Fatalf("second seq = %d, want 0 after wrap", second)
	}
}

func TestStartReceivingRejectsTraversal(t *testing.T) {
	engine, _ := newTestEngine(t)

	meta := models.FileMetadata{
		ID:       uuid.New(),
		Path:     "../evil.wav",
		Size:     10,
		Checksum: utils.HashBytesSHA256([]byte("x")),
	}
	if err := engine.StartReceiving(meta, 32768); err == nil {
		t.Fatalf("expected traversal rejection")
	}

	meta.Path = "dir/inner.wav"
	if err := engine.StartReceiving(meta, 32768); err == nil {
		t.Fatalf("expected separator rejection")
	}
}
