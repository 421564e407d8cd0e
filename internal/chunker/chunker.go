// Package chunker implements Content-Defined Chunking (C1): splitting a
// byte stream into content-defined chunks via a Rabin-Karp polynomial
// rolling hash over a sliding window, per §4.1.
package chunker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math/bits"

	"github.com/prn-tf/vaultsync/internal/domain"
	"github.com/prn-tf/vaultsync/internal/hash"
)

// Options bounds the chunking algorithm. Chunking is deterministic given
// the same Options and input (D1).
type Options struct {
	WindowSize   int
	MinChunkSize int
	AvgChunkSize int
	MaxChunkSize int
}

// DefaultOptions returns the spec's suggested defaults: 2 KiB / 8 KiB /
// 32 KiB bounds with a 48-byte window.
func DefaultOptions() Options {
	return Options{
		WindowSize:   48,
		MinChunkSize: 2 * 1024,
		AvgChunkSize: 8 * 1024,
		MaxChunkSize: 32 * 1024,
	}
}

func (o Options) validate() error {
	if o.WindowSize <= 0 {
		return fmt.Errorf("chunker: window size must be > 0")
	}
	if o.MinChunkSize <= 0 || o.MinChunkSize > o.AvgChunkSize {
		return fmt.Errorf("chunker: min_chunk_size must be >0 and <= avg_chunk_size")
	}
	if o.AvgChunkSize > o.MaxChunkSize {
		return fmt.Errorf("chunker: avg_chunk_size must be <= max_chunk_size")
	}
	return nil
}

// rollingHashBase is the ring multiplier for the Rabin-Karp polynomial.
// Arithmetic is carried out mod 2^64 (natural uint64 wraparound), with
// base chosen odd so it has no common factor with the modulus.
const rollingHashBase uint64 = 0x100000001b3 // FNV-1a prime, reused as a convenient odd multiplier

// boundaryTarget is the fixed constant the masked hash must equal to
// declare a chunk boundary, per §4.1's recommendation of 0.
const boundaryTarget uint64 = 0

// Chunker splits a byte stream into content-defined chunks.
type Chunker interface {
	// Chunk streams chunks from reader, closing the channel when done or
	// on error.
	Chunk(ctx context.Context, reader io.Reader) (<-chan domain.Chunk, <-chan error)

	// ChunkAll reads all chunks into a slice; convenient for small inputs.
	ChunkAll(ctx context.Context, reader io.Reader) ([]domain.Chunk, error)
}

// CDC is the Chunker implementation described by §4.1.
type CDC struct {
	opts   Options
	mask   uint64
	popMul uint64 // rollingHashBase^WindowSize, used to evict the oldest byte
}

// New constructs a CDC chunker, validating opts.
func New(opts Options) (*CDC, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &CDC{
		opts:   opts,
		mask:   maskFor(opts.AvgChunkSize),
		popMul: pow(rollingHashBase, opts.WindowSize),
	}, nil
}

// maskFor derives `mask = (1<<bits)-1` where bits = floor(log2(avg)), per
// §4.1's `bits = log2(avg_chunk_size)`.
func maskFor(avg int) uint64 {
	if avg <= 1 {
		return 0
	}
	n := bits.Len(uint(avg)) - 1
	return (uint64(1) << uint(n)) - 1
}

func pow(base uint64, exp int) uint64 {
	result := uint64(1)
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// ChunkAll reads all chunks into a slice.
func (c *CDC) ChunkAll(ctx context.Context, reader io.Reader) ([]domain.Chunk, error) {
	chunks := make([]domain.Chunk, 0, 16)
	chunkCh, errCh := c.Chunk(ctx, reader)
	for ch := range chunkCh {
		chunks = append(chunks, ch)
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	return chunks, nil
}

// Chunk streams chunks from reader. The returned channels are closed
// together when the stream ends or an error occurs; at most one error is
// ever sent.
func (c *CDC) Chunk(ctx context.Context, reader io.Reader) (<-chan domain.Chunk, <-chan error) {
	out := make(chan domain.Chunk)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		br := bufio.NewReaderSize(reader, 64*1024)
		window := make([]byte, 0, c.opts.WindowSize)
		current := make([]byte, 0, c.opts.AvgChunkSize*2)
		var h uint64

		flush := func() {
			if len(current) == 0 {
				return
			}
			chunk := domain.Chunk{
				ChunkID:   hash.Strong(current),
				Size:      int64(len(current)),
				WeakHash:  h,
				Plaintext: append([]byte(nil), current...),
			}
			current = current[:0]
			window = window[:0]
			h = 0
			select {
			case out <- chunk:
			case <-ctx.Done():
			}
		}

		for {
			if err := ctx.Err(); err != nil {
				errc <- err
				return
			}

			b, err := br.ReadByte()
			if err == io.EOF {
				flush()
				return
			}
			if err != nil {
				errc <- fmt.Errorf("%w: %v", domain.ErrIO, err)
				return
			}

			current = append(current, b)

			if len(window) < c.opts.WindowSize {
				window = append(window, b)
				h = h*rollingHashBase + uint64(b)
			} else {
				oldest := window[0]
				window = append(window[1:], b)
				h = h*rollingHashBase + uint64(b) - uint64(oldest)*c.popMul
			}

			size := len(current)
			if size < c.opts.MinChunkSize {
				continue
			}
			if size >= c.opts.MaxChunkSize {
				flush()
				continue
			}
			if len(window) == c.opts.WindowSize && (h&c.mask) == boundaryTarget {
				flush()
			}
		}
	}()

	return out, errc
}

var _ Chunker = (*CDC)(nil)
