// Package delta implements the Delta Engine (C7): signature exchange and
// content-addressed reconstruction plans between two versions of the same
// file, per §4.7. Unlike a byte-offset diff, every step names a chunk_id,
// so a Reuse step is satisfiable from any local chunk with that id (I4),
// not only from the literal target version it was computed against.
package delta

import (
	"context"
	"fmt"

	"github.com/prn-tf/vaultsync/internal/domain"
	"github.com/prn-tf/vaultsync/internal/hash"
)

// StepKind distinguishes a Reuse step (the receiver already has the
// chunk) from a Fetch step (the receiver must obtain it from the sender).
type StepKind string

const (
	StepReuse StepKind = "reuse"
	StepFetch StepKind = "fetch"
)

// Step is one instruction in the ordered reconstruction plan for the
// source version. OffsetInTarget is meaningful only for StepReuse and is
// carried for observability (it is not required for correctness, since
// Reuse is resolved by chunk_id against the local store, not by offset).
type Step struct {
	Kind           StepKind `json:"kind"`
	ChunkID        string   `json:"chunk_id"`
	Size           int64    `json:"size"`
	OffsetInTarget int64    `json:"offset_in_target,omitempty"`
}

// Delta is the ordered reconstruction plan turning the receiver's target
// into the sender's source, executed in order per §4.7.
type Delta struct {
	Steps        []Step `json:"steps"`
	SourceSize   int64  `json:"source_size"`
	BytesToFetch int64  `json:"bytes_to_fetch"`
}

// SavingsRatio is the proportion of source bytes NOT transferred, per
// §4.7's "Savings" reporting.
func (d *Delta) SavingsRatio() float64 {
	if d.SourceSize == 0 {
		return 0
	}
	return 1 - float64(d.BytesToFetch)/float64(d.SourceSize)
}

// FetchChunkIDs returns the distinct chunk ids this delta requires the
// sender to materialize, in plan order.
func (d *Delta) FetchChunkIDs() []string {
	seen := make(map[string]struct{}, len(d.Steps))
	ids := make([]string, 0, len(d.Steps))
	for _, s := range d.Steps {
		if s.Kind != StepFetch {
			continue
		}
		if _, ok := seen[s.ChunkID]; ok {
			continue
		}
		seen[s.ChunkID] = struct{}{}
		ids = append(ids, s.ChunkID)
	}
	return ids
}

// Signature builds the compact, wire-serializable description of v
// sufficient to compute a delta against another version, per §4.7.
func Signature(fileID string, v *domain.Version) domain.FileSignature {
	sig := domain.FileSignature{
		FileID:        fileID,
		WholeFileHash: v.WholeFileHash,
		FileSize:      v.LogicalSize,
		Chunks:        make([]domain.ChunkMeta, 0, len(v.Chunks)),
	}
	for _, ref := range v.Chunks {
		sig.Chunks = append(sig.Chunks, domain.ChunkMeta{ChunkID: ref.ChunkID, Size: ref.Length})
	}
	return sig
}

// EmptySignature is the signature of a file that does not exist locally
// yet, used as the "target" side of a first-ever pull (§4.9 step 1).
func EmptySignature(fileID string) domain.FileSignature {
	return domain.FileSignature{FileID: fileID, WholeFileHash: hash.Strong(nil), FileSize: 0}
}

// Diff computes the ordered reconstruction plan for sourceSig against the
// chunks targetSig already has, per §4.7. Implemented as the recommended
// linear pass: index the target's chunk ids with the offset of their first
// occurrence in the target, then walk the source sequence emitting Reuse
// (carrying that target offset) when the id is present and Fetch otherwise.
func Diff(sourceSig, targetSig domain.FileSignature) *Delta {
	targetOffsets := make(map[string]int64, len(targetSig.Chunks))
	var targetOffset int64
	for _, c := range targetSig.Chunks {
		if _, seen := targetOffsets[c.ChunkID]; !seen {
			targetOffsets[c.ChunkID] = targetOffset
		}
		targetOffset += c.Size
	}

	d := &Delta{
		Steps:      make([]Step, 0, len(sourceSig.Chunks)),
		SourceSize: sourceSig.FileSize,
	}

	for _, c := range sourceSig.Chunks {
		if offset, ok := targetOffsets[c.ChunkID]; ok {
			d.Steps = append(d.Steps, Step{
				Kind:           StepReuse,
				ChunkID:        c.ChunkID,
				Size:           c.Size,
				OffsetInTarget: offset,
			})
		} else {
			d.Steps = append(d.Steps, Step{
				Kind:    StepFetch,
				ChunkID: c.ChunkID,
				Size:    c.Size,
			})
			d.BytesToFetch += c.Size
		}
	}
	return d
}

// ChunkReader fetches a chunk's plaintext by id; satisfied by
// chunkstore.Store on both the extract (sender) and apply (receiver)
// sides.
type ChunkReader interface {
	Get(ctx context.Context, chunkID string) ([]byte, error)
}

// Extract materializes exactly the Fetch chunks of delta from the
// sender's local store, as a wire payload — no Reuse chunks included,
// per §4.7.
func Extract(ctx context.Context, source ChunkReader, d *Delta) (map[string][]byte, error) {
	out := make(map[string][]byte, len(d.Steps))
	for _, chunkID := range d.FetchChunkIDs() {
		plaintext, err := source.Get(ctx, chunkID)
		if err != nil {
			return nil, fmt.Errorf("delta: extract chunk %s: %w", chunkID, err)
		}
		out[chunkID] = plaintext
	}
	return out, nil
}

// Apply executes delta's plan on the receiver: Reuse steps are read from
// the local store (satisfiable by any chunk bearing that id, per I4),
// Fetch steps are read from fetched. The assembled bytes are verified
// against wantWholeFileHash; a mismatch returns ErrIntegrity so the Sync
// Coordinator can fall back to a whole-object transfer.
func Apply(ctx context.Context, local ChunkReader, d *Delta, fetched map[string][]byte, wantWholeFileHash string) ([]byte, error) {
	out := make([]byte, 0, d.SourceSize)
	for _, step := range d.Steps {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		var plaintext []byte
		switch step.Kind {
		case StepReuse:
			p, err := local.Get(ctx, step.ChunkID)
			if err != nil {
				return nil, fmt.Errorf("delta: apply reuse chunk %s: %w", step.ChunkID, err)
			}
			plaintext = p
		case StepFetch:
			p, ok := fetched[step.ChunkID]
			if !ok {
				return nil, fmt.Errorf("%w: delta: fetch chunk %s missing from payload", domain.ErrIntegrity, step.ChunkID)
			}
			plaintext = p
		default:
			return nil, fmt.Errorf("delta: unknown step kind %q", step.Kind)
		}
		out = append(out, plaintext...)
	}

	if got := hash.Strong(out); got != wantWholeFileHash {
		return nil, fmt.Errorf("%w: assembled whole_file_hash %s != expected %s", domain.ErrIntegrity, got, wantWholeFileHash)
	}
	return out, nil
}
