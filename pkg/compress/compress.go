// Package compress implements the UMICP compression manager: an
// algorithm-agnostic byte-buffer compress/decompress layer used for
// frame payloads above a configurable size threshold.
package compress

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"github.com/umicp/umicp-go/pkg/protocol"
)

// Algorithm selects the compression primitive.
type Algorithm uint8

const (
	None Algorithm = iota
	Zlib
	Gzip
	Brotli // reserved, not implemented
)

func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case Zlib:
		return "zlib"
	case Gzip:
		return "gzip"
	case Brotli:
		return "brotli"
	default:
		return "unknown"
	}
}

// Compression levels for the deflate family.
const (
	DefaultLevel = 6
	BestSpeed    = 1
	BestLevel    = 9
)

// DefaultMaxDecodedSize bounds decompression output. The growable
// output buffer never exceeds this cap, so a malicious tiny input
// cannot balloon into unbounded memory.
const DefaultMaxDecodedSize = 64 << 20

// Manager performs compression and decompression with one configured
// algorithm. The zero value is unusable; use NewManager.
type Manager struct {
	algorithm  Algorithm
	maxDecoded int
}

// NewManager creates a manager for the given algorithm.
func NewManager(algorithm Algorithm) *Manager {
	return &Manager{
		algorithm:  algorithm,
		maxDecoded: DefaultMaxDecodedSize,
	}
}

// SetAlgorithm switches the active algorithm.
func (m *Manager) SetAlgorithm(algorithm Algorithm) {
	m.algorithm = algorithm
}

// Algorithm returns the active algorithm.
func (m *Manager) Algorithm() Algorithm {
	return m.algorithm
}

// SetMaxDecodedSize overrides the decompression output cap.
func (m *Manager) SetMaxDecodedSize(n int) {
	m.maxDecoded = n
}

// Compress compresses data at the given level (1-9 for the deflate
// family). For algorithm None the input is returned unchanged.
func (m *Manager) Compress(data []byte, level int) ([]byte, error) {
	switch m.algorithm {
	case None:
		return data, nil
	case Zlib, Gzip:
		return m.deflate(data, level)
	default:
		return nil, protocol.Errorf(protocol.CodeNotImplemented,
			"compression algorithm %s not implemented", m.algorithm)
	}
}

func (m *Manager) deflate(data []byte, level int) ([]byte, error) {
	if len(data) == 0 {
		return []byte{}, nil
	}

	// Pre-size the output: input plus 10% plus a small constant covers
	// the worst-case deflate expansion for typical payloads.
	buf := bytes.NewBuffer(make([]byte, 0, len(data)+len(data)/10+12))

	var (
		w   io.WriteCloser
		err error
	)
	if m.algorithm == Gzip {
		w, err = gzip.NewWriterLevel(buf, level)
	} else {
		w, err = zlib.NewWriterLevel(buf, level)
	}
	if err != nil {
		return nil, protocol.WrapError(protocol.CodeInvalidArgument,
			"invalid compression level", err)
	}

	if _, err := w.Write(data); err != nil {
		return nil, protocol.WrapError(protocol.CodeCompressionFailed,
			"compression failed", err)
	}

	// Close flushes the stream; a failure here means the stream never
	// reached a clean end state.
	if err := w.Close(); err != nil {
		return nil, protocol.WrapError(protocol.CodeCompressionFailed,
			"compression stream did not finish", err)
	}

	return buf.Bytes(), nil
}

// Decompress inflates data compressed with the manager's algorithm.
// The output buffer starts at 4x the input size and doubles whenever
// the primitive needs more space, up to the configured cap.
func (m *Manager) Decompress(data []byte) ([]byte, error) {
	switch m.algorithm {
	case None:
		return data, nil
	case Zlib, Gzip:
		return m.inflate(data)
	default:
		return nil, protocol.Errorf(protocol.CodeNotImplemented,
			"compression algorithm %s not implemented", m.algorithm)
	}
}

func (m *Manager) inflate(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return []byte{}, nil
	}

	var (
		r   io.ReadCloser
		err error
	)
	if m.algorithm == Gzip {
		r, err = gzip.NewReader(bytes.NewReader(data))
	} else {
		r, err = zlib.NewReader(bytes.NewReader(data))
	}
	if err != nil {
		return nil, protocol.WrapError(protocol.CodeDecompressionFailed,
			"decompression stream invalid", err)
	}
	defer r.Close()

	out := make([]byte, m.initialDecodeSize(len(data)))
	total := 0

	for {
		if total == len(out) {
			if len(out) >= m.maxDecoded {
				return nil, protocol.Errorf(protocol.CodeDecompressionFailed,
					"decompressed size exceeds cap of %d bytes", m.maxDecoded)
			}
			grown := len(out) * 2
			if grown > m.maxDecoded {
				grown = m.maxDecoded
			}
			next := make([]byte, grown)
			copy(next, out)
			out = next
		}

		n, err := r.Read(out[total:])
		total += n
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, protocol.WrapError(protocol.CodeDecompressionFailed,
				"decompression failed", err)
		}
	}

	return out[:total], nil
}

func (m *Manager) initialDecodeSize(inputSize int) int {
	size := inputSize * 4
	if size > m.maxDecoded {
		size = m.maxDecoded
	}
	if size == 0 {
		size = protocol.DefaultBufferSize
	}
	return size
}

// EstimateCompressedSize is a cheap pre-allocation heuristic, not a
// guarantee: roughly 50% of the input for the deflate family, exact
// passthrough for None.
func EstimateCompressedSize(data []byte, algorithm Algorithm) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	switch algorithm {
	case None:
		return len(data), nil
	case Zlib, Gzip:
		return len(data)/2 + 128, nil
	default:
		return 0, protocol.Errorf(protocol.CodeNotImplemented,
			"no size estimate for algorithm %s", algorithm)
	}
}

// ShouldCompress reports whether data is worth compressing: true only
// when the algorithm is real and the payload meets the threshold.
func ShouldCompress(data []byte, threshold int, algorithm Algorithm) bool {
	return algorithm != None && len(data) >= threshold
}
