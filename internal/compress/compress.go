package compress

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zlib"

	"github.com/navicore/zimsync/pkg/protocol"
)

// alreadyCompressed lists audio container extensions whose content is
// already entropy-coded. Compressing these wastes CPU for no gain.
var alreadyCompressed = map[string]struct{}{
	"mp3":  {},
	"m4a":  {},
	"aac":  {},
	"ogg":  {},
	"opus": {},
	"flac": {},
}

// shrinkRatio is the gate for keeping a compressed chunk: the output
// must be smaller than 90% of the input or the original bytes are sent.
const shrinkRatio = 0.9

// Compress compresses data with the named algorithm. The second return
// value reports whether compression was actually applied: when the
// compressed form is not strictly smaller than the input, the input is
// returned unchanged.
func Compress(data []byte, algo protocol.CompressionType) ([]byte, bool, error) {
	var buf bytes.Buffer
	switch algo {
	case protocol.CompressionZlib:
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, false, fmt.Errorf("zlib write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, false, fmt.Errorf("zlib close: %w", err)
		}
	case protocol.CompressionNone, "":
		return data, false, nil
	default:
		return nil, false, fmt.Errorf("unsupported compression algorithm %q", algo)
	}

	if buf.Len() >= len(data) {
		return data, false, nil
	}
	return buf.Bytes(), true, nil
}

// Decompress inflates data previously produced by Compress.
func Decompress(data []byte, algo protocol.CompressionType) ([]byte, error) {
	switch algo {
	case protocol.CompressionZlib:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("zlib reader: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("zlib inflate: %w", err)
		}
		return out, nil
	case protocol.CompressionNone, "":
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm %q", algo)
	}
}

// CompressAudioChunk applies the content-aware policy for one chunk of a
// file with the given extension (without the dot, case-insensitive):
// already-compressed audio formats are passed through untouched, and for
// everything else zlib is kept only when it shrinks the chunk by more
// than 10%.
func CompressAudioChunk(data []byte, ext string) ([]byte, protocol.CompressionType, error) {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if _, ok := alreadyCompressed[ext]; ok {
		return data, protocol.CompressionNone, nil
	}

	compressed, applied, err := Compress(data, protocol.CompressionZlib)
	if err != nil {
		return nil, protocol.CompressionNone, err
	}
	if !applied || float64(len(compressed)) >= shrinkRatio*float64(len(data)) {
		return data, protocol.CompressionNone, nil
	}
	return compressed, protocol.CompressionZlib, nil
}
