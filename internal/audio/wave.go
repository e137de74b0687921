// Package audio probes audio files for catalog metadata. Only the RIFF
// WAVE container is parsed; other formats get no metadata rather than an
// error, since metadata is optional on the wire.
package audio

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/navicore/zimsync/pkg/models"
)

var (
	riffID = [4]byte{'R', 'I', 'F', 'F'}
	waveID = [4]byte{'W', 'A', 'V', 'E'}
	fmtID  = [4]byte{'f', 'm', 't', ' '}
	dataID = [4]byte{'d', 'a', 't', 'a'}
)

var errNotWave = errors.New("not a RIFF WAVE file")

// formatName maps the fmt chunk's audio format tag to a label.
func formatName(tag uint16) string {
	switch tag {
	case 1:
		return "pcm"
	case 3:
		return "float"
	case 0xFFFE:
		return "extensible"
	default:
		return "unknown"
	}
}

// Probe inspects the file at path and returns audio metadata when the
// container is recognized. A nil result with a nil error means the file
// is not a supported audio container.
func Probe(path string) (*models.AudioMetadata, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if ext != "wav" && ext != "wave" {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	meta, err := readWave(f)
	if errors.Is(err, errNotWave) {
		return nil, nil
	}
	return meta, err
}

// readWave walks the RIFF chunk list. Each chunk has a 4-byte ID and a
// little-endian 4-byte body size; odd-sized bodies carry a padding byte.
func readWave(r io.ReadSeeker) (*models.AudioMetadata, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, errNotWave
	}
	if [4]byte(hdr[0:4]) != riffID || [4]byte(hdr[8:12]) != waveID {
		return nil, errNotWave
	}

	var (
		meta      models.AudioMetadata
		byteRate  uint32
		dataBytes uint32
		haveFmt   bool
	)

scan:
	for {
		var chunkHdr [8]byte
		if _, err := io.ReadFull(r, chunkHdr[:]); err != nil {
			break
		}
		id := [4]byte(chunkHdr[0:4])
		size := binary.LittleEndian.Uint32(chunkHdr[4:8])

		switch id {
		case fmtID:
			if size < 16 {
				return nil, errNotWave
			}
			var body [16]byte
			if _, err := io.ReadFull(r, body[:]); err != nil {
				return nil, errNotWave
			}
			meta.Format = formatName(binary.LittleEndian.Uint16(body[0:2]))
			meta.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			meta.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			byteRate = binary.LittleEndian.Uint32(body[8:12])
			haveFmt = true
			if skip := int64(size) - 16 + int64(size&1); skip > 0 {
				if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
					return nil, err
				}
			}
		case dataID:
			dataBytes = size
			// The data body is not needed for metadata.
			if _, err := r.Seek(int64(size)+int64(size&1), io.SeekCurrent); err != nil {
				break scan
			}
		default:
			if _, err := r.Seek(int64(size)+int64(size&1), io.SeekCurrent); err != nil {
				break scan
			}
		}

		if haveFmt && dataBytes > 0 {
			break
		}
	}

	if !haveFmt {
		return nil, errNotWave
	}
	if byteRate > 0 && dataBytes > 0 {
		meta.Duration = float64(dataBytes) / float64(byteRate)
	}
	return &meta, nil
}
