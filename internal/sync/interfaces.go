package sync

import (
	"context"

	"github.com/prn-tf/vaultsync/internal/domain"
)

// Peer is the Sync Coordinator's contract with a remote node, adapted
// from the teacher's cluster.NodeClient down to the two endpoints §6.5
// actually defines plus the whole-object fallback transport. It is
// transport-neutral: a concrete implementation might speak gRPC, plain
// HTTP, or an in-process shim for tests.
type Peer interface {
	// ID identifies the peer for logging and metrics.
	ID() string

	// GetSignature fetches the peer's current FileSignature for fileID.
	// A peer with no such file returns domain.ErrNotFound.
	GetSignature(ctx context.Context, fileID string) (domain.FileSignature, error)

	// GetDeltaChunks asks the peer to compute diff(peerSig, targetSig)
	// against its own copy of fileID and return only the Fetch chunks,
	// keyed by chunk_id. targetSig is the signature of what the caller
	// already holds locally (domain.FileSignature{} / EmptySignature if
	// nothing).
	GetDeltaChunks(ctx context.Context, fileID string, targetSig domain.FileSignature) (map[string][]byte, error)

	// FetchWholeObject retrieves fileID's full plaintext directly,
	// bypassing delta reconstruction. Used when Apply reports
	// domain.ErrIntegrity and the coordinator falls back to a plain
	// whole-file transfer per §4.9 step 6.
	FetchWholeObject(ctx context.Context, fileID string) ([]byte, error)

	Close() error
}
