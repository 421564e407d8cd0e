// Package compress implements the Compressor (C3): optional per-chunk
// compression with a size threshold, per §4.3.
package compress

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/prn-tf/vaultsync/internal/domain"
)

// Policy configures the Compressor's threshold and preferred algorithm.
type Policy struct {
	Algo             domain.CompressionTag
	MinSizeThreshold int
}

// DefaultPolicy returns lz4 with the spec's 1 KiB skip threshold.
func DefaultPolicy() Policy {
	return Policy{
		Algo:             domain.CompressionLZ4,
		MinSizeThreshold: 1024,
	}
}

// Compressor compresses and decompresses chunk payloads, recording the
// algorithm tag used so a reader never has to guess.
type Compressor struct {
	policy Policy

	mu          sync.Mutex
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
}

// New constructs a Compressor for the given policy. The zstd codec is
// created up front when the policy selects zstd; otherwise it is created
// on first use (e.g. when decompressing a zstd-tagged blob).
func New(policy Policy) (*Compressor, error) {
	c := &Compressor{policy: policy}
	if policy.Algo == domain.CompressionZstd {
		if err := c.initZstd(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Compressor) initZstd() error {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("compress: create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("compress: create zstd decoder: %w", err)
	}
	c.zstdEncoder = enc
	c.zstdDecoder = dec
	return nil
}

// Close releases the zstd codec's resources, if any were created.
func (c *Compressor) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.zstdEncoder != nil {
		c.zstdEncoder.Close()
	}
	if c.zstdDecoder != nil {
		c.zstdDecoder.Close()
	}
}

// Compress applies the configured algorithm to plaintext, unless plaintext
// is below the skip threshold or compression does not actually shrink it —
// in either case it returns the plaintext untouched tagged `none`, per
// §4.3's policy.
func (c *Compressor) Compress(plaintext []byte) ([]byte, domain.CompressionTag, error) {
	if len(plaintext) < c.policy.MinSizeThreshold {
		return plaintext, domain.CompressionNone, nil
	}

	var out []byte
	var err error
	switch c.policy.Algo {
	case domain.CompressionZstd:
		out, err = c.compressZstd(plaintext)
	case domain.CompressionLZ4:
		out, err = compressLZ4(plaintext)
	default:
		return plaintext, domain.CompressionNone, nil
	}
	if err != nil {
		return nil, domain.CompressionNone, err
	}

	if len(out) >= len(plaintext) {
		return plaintext, domain.CompressionNone, nil
	}
	return out, c.policy.Algo, nil
}

// Decompress reverses Compress given the tag recorded alongside the chunk
// and the chunk's known plaintext size (carried in the chunk store's blob
// header), which sizes the lz4 destination buffer exactly.
func (c *Compressor) Decompress(stored []byte, tag domain.CompressionTag, plaintextSize int64) ([]byte, error) {
	switch tag {
	case domain.CompressionNone:
		return stored, nil
	case domain.CompressionZstd:
		return c.decompressZstd(stored)
	case domain.CompressionLZ4:
		return decompressLZ4(stored, plaintextSize)
	default:
		return nil, fmt.Errorf("compress: unknown compression tag %d", tag)
	}
}

func (c *Compressor) compressZstd(plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.zstdEncoder == nil {
		if err := c.initZstd(); err != nil {
			return nil, err
		}
	}
	return c.zstdEncoder.EncodeAll(plaintext, nil), nil
}

func (c *Compressor) decompressZstd(stored []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.zstdDecoder == nil {
		if err := c.initZstd(); err != nil {
			return nil, err
		}
	}
	out, err := c.zstdDecoder.DecodeAll(stored, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd decode: %v", domain.ErrIntegrity, err)
	}
	return out, nil
}

func compressLZ4(plaintext []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(plaintext)))
	var c lz4.Compressor
	n, err := c.CompressBlock(plaintext, dst)
	if err != nil {
		return nil, fmt.Errorf("compress: lz4 encode: %w", err)
	}
	if n == 0 {
		// Incompressible input: lz4 reports this rather than growing the
		// block; treat it as "no benefit" and let the caller fall back.
		return plaintext, nil
	}
	return dst[:n], nil
}

// decompressLZ4 sizes its destination buffer exactly from the chunk's
// known plaintext size, as recorded in the chunk store's blob header.
func decompressLZ4(stored []byte, plaintextSize int64) ([]byte, error) {
	dst := make([]byte, plaintextSize)
	n, err := lz4.UncompressBlock(stored, dst)
	if err != nil {
		return nil, fmt.Errorf("%w: lz4 decode: %v", domain.ErrIntegrity, err)
	}
	return dst[:n], nil
}
