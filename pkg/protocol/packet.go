package protocol

import (
	"time"

	"github.com/google/uuid"

	"github.com/navicore/zimsync/pkg/models"
)

// PacketType is the discriminator byte for the closed set of ZimSync
// message variants.
type PacketType uint8

const (
	PacketTypeDiscover    PacketType = 0x01
	PacketTypeAnnounce    PacketType = 0x02
	PacketTypeFileList    PacketType = 0x03
	PacketTypeFileRequest PacketType = 0x04
	PacketTypeFileData    PacketType = 0x05
	PacketTypeAck         PacketType = 0x06
	PacketTypeError       PacketType = 0x07
)

// valid reports whether t is inside the closed discriminator set.
func (t PacketType) valid() bool {
	return t >= PacketTypeDiscover && t <= PacketTypeError
}

// Flag bits in the header flags byte. Compressed and Encrypted are
// reserved: compression is signaled inside FileDataPacket instead.
const (
	FlagCompressed  uint8 = 1 << 0
	FlagEncrypted   uint8 = 1 << 1
	FlagLastChunk   uint8 = 1 << 2
	FlagRequiresAck uint8 = 1 << 3
)

const (
	// Magic is the wire constant "ZIMS".
	Magic uint32 = 0x5A494D53
	// Version is the protocol version this implementation speaks.
	// Datagrams with a higher version are rejected.
	Version uint8 = 1
	// HeaderSize is the fixed big-endian header length.
	HeaderSize = 17
	// MaxPacketSize is the largest datagram the protocol permits.
	MaxPacketSize = 64 * 1024
	// MaxPayloadSize is the largest payload that fits after the header.
	MaxPayloadSize = MaxPacketSize - HeaderSize
)

// Header is the fixed-length packet header.
//
// Wire layout (big-endian):
//
//	Magic       uint32  // "ZIMS"
//	Version     uint8
//	Type        uint8
//	Flags       uint8
//	Sequence    uint16
//	PayloadSize uint32  // bytes following the header
//	Checksum    [4]byte // first 4 bytes of SHA-256(payload)
type Header struct {
	Magic       uint32
	Version     uint8
	Type        PacketType
	Flags       uint8
	Sequence    uint16
	PayloadSize uint32
	Checksum    [4]byte
}

// Packet is the closed union of ZimSync message variants.
type Packet interface {
	Type() PacketType
}

// DiscoverPacket probes for peers and asks for their catalog.
type DiscoverPacket struct {
	DeviceID  uuid.UUID `json:"deviceId"`
	Timestamp time.Time `json:"timestamp"`
}

func (*DiscoverPacket) Type() PacketType { return PacketTypeDiscover }

// AnnouncePacket answers a Discover with device identity and capabilities.
type AnnouncePacket struct {
	DeviceInfo        models.DeviceInfo `json:"deviceInfo"`
	AvailableSpace    int64             `json:"availableSpace"`
	SupportedFeatures []string          `json:"supportedFeatures"`
}

func (*AnnouncePacket) Type() PacketType { return PacketTypeAnnounce }

// FileListPacket carries the shared-file catalog.
type FileListPacket struct {
	Files     []models.FileMetadata `json:"files"`
	TotalSize int64                 `json:"totalSize"`
}

func (*FileListPacket) Type() PacketType { return PacketTypeFileList }

// CompressionType names the algorithm a requester is willing to accept.
type CompressionType string

const (
	CompressionZlib CompressionType = "zlib"
	CompressionLZ4  CompressionType = "lz4"
	CompressionLZMA CompressionType = "lzma"
	CompressionNone CompressionType = "none"
)

// FileRequestPacket asks for a chunk of a previously offered file.
type FileRequestPacket struct {
	FileID      uuid.UUID       `json:"fileId"`
	StartOffset int64           `json:"startOffset"`
	ChunkSize   int32           `json:"chunkSize"`
	Compression CompressionType `json:"compressionType,omitempty"`
}

func (*FileRequestPacket) Type() PacketType { return PacketTypeFileRequest }

// FileDataPacket carries one chunk. OriginalSize is non-nil iff Data is
// compressed; it is the exact decompressed length.
type FileDataPacket struct {
	FileID       uuid.UUID `json:"fileId"`
	ChunkIndex   uint32    `json:"chunkIndex"`
	Offset       int64     `json:"offset"`
	TotalChunks  uint32    `json:"totalChunks"`
	Data         []byte    `json:"data"`
	OriginalSize *int32    `json:"originalSize,omitempty"`
}

func (*FileDataPacket) Type() PacketType { return PacketTypeFileData }

// AckPacket acknowledges receipt. ReceivedBitmap, when present, is a
// packed bit-vector over chunk indices: bit k at byte k/8, offset k%8.
type AckPacket struct {
	Sequence       uint16 `json:"sequenceNumber"`
	ReceivedBitmap []byte `json:"receivedBitmap,omitempty"`
}

func (*AckPacket) Type() PacketType { return PacketTypeAck }

// ErrorPacket reports a protocol-level failure with a closed code set.
type ErrorPacket struct {
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func (*ErrorPacket) Type() PacketType { return PacketTypeError }
