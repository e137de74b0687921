package protocol

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/navicore/zimsync/pkg/models"
)

// Encode serializes a packet with the given sequence number into a single
// datagram: the fixed big-endian header followed by the JSON payload.
// The header checksum is the first 4 bytes of the SHA-256 of the payload
// as transmitted.
func Encode(p Packet, seq uint16) ([]byte, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal payload: %v", models.ErrInvalidPacket, err)
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload %d exceeds %d bytes",
			models.ErrInvalidPacket, len(payload), MaxPayloadSize)
	}

	sum := sha256.Sum256(payload)

	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	buf[4] = Version
	buf[5] = byte(p.Type())
	buf[6] = flagsFor(p)
	binary.BigEndian.PutUint16(buf[7:9], seq)
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(payload)))
	copy(buf[13:17], sum[:4])
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// flagsFor derives the header flag bits from the packet itself. FileData
// chunks always request acknowledgement; the final chunk of a file is
// marked so receivers can finalize eagerly.
func flagsFor(p Packet) uint8 {
	fd, ok := p.(*FileDataPacket)
	if !ok {
		return 0
	}
	flags := FlagRequiresAck
	if fd.TotalChunks > 0 && fd.ChunkIndex == fd.TotalChunks-1 {
		flags |= FlagLastChunk
	}
	return flags
}

// Decode parses a datagram into its header and typed packet. The header
// is returned even when decoding fails, so callers can answer version
// mismatches. Errors wrap ErrInvalidPacket for framing problems and
// ErrChecksumMismatch for payload corruption.
func Decode(datagram []byte) (Header, Packet, error) {
	var hdr Header
	if len(datagram) < HeaderSize {
		return hdr, nil, fmt.Errorf("%w: datagram shorter than header (%d bytes)",
			models.ErrInvalidPacket, len(datagram))
	}

	hdr.Magic = binary.BigEndian.Uint32(datagram[0:4])
	hdr.Version = datagram[4]
	hdr.Type = PacketType(datagram[5])
	hdr.Flags = datagram[6]
	hdr.Sequence = binary.BigEndian.Uint16(datagram[7:9])
	hdr.PayloadSize = binary.BigEndian.Uint32(datagram[9:13])
	copy(hdr.Checksum[:], datagram[13:17])

	if hdr.Magic != Magic {
		return hdr, nil, fmt.Errorf("%w: bad magic 0x%08X", models.ErrInvalidPacket, hdr.Magic)
	}
	if hdr.Version > Version {
		return hdr, nil, fmt.Errorf("%w: unsupported version %d", models.ErrInvalidPacket, hdr.Version)
	}
	if !hdr.Type.valid() {
		return hdr, nil, fmt.Errorf("%w: unknown packet type 0x%02X", models.ErrInvalidPacket, byte(hdr.Type))
	}
	if int(hdr.PayloadSize) > len(datagram)-HeaderSize {
		return hdr, nil, fmt.Errorf("%w: payload size %d past end of datagram",
			models.ErrInvalidPacket, hdr.PayloadSize)
	}

	payload := datagram[HeaderSize : HeaderSize+int(hdr.PayloadSize)]
	sum := sha256.Sum256(payload)
	if hdr.Checksum != [4]byte(sum[:4]) {
		return hdr, nil, fmt.Errorf("%w: header checksum does not match payload",
			models.ErrChecksumMismatch)
	}

	pkt, err := decodePayload(hdr.Type, payload)
	if err != nil {
		return hdr, nil, err
	}
	return hdr, pkt, nil
}

// decodePayload selects the payload deserializer by discriminator. The
// mapping is static; no reflection.
func decodePayload(t PacketType, payload []byte) (Packet, error) {
	var pkt Packet
	switch t {
	case PacketTypeDiscover:
		pkt = &DiscoverPacket{}
	case PacketTypeAnnounce:
		pkt = &AnnouncePacket{}
	case PacketTypeFileList:
		pkt = &FileListPacket{}
	case PacketTypeFileRequest:
		pkt = &FileRequestPacket{}
	case PacketTypeFileData:
		pkt = &FileDataPacket{}
	case PacketTypeAck:
		pkt = &AckPacket{}
	case PacketTypeError:
		pkt = &ErrorPacket{}
	default:
		return nil, fmt.Errorf("%w: unknown packet type 0x%02X", models.ErrInvalidPacket, byte(t))
	}
	if err := json.Unmarshal(payload, pkt); err != nil {
		return nil, fmt.Errorf("%w: decode %T payload: %v", models.ErrInvalidPacket, pkt, err)
	}
	return pkt, nil
}
