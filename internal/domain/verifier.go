package domain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// IdentityProof is a zero-knowledge membership proof for one unique
// identity. The verifier guarantees each real-world identity produces at
// most one valid NullifierHash per (scope, signal) pair.
type IdentityProof struct {
	Root                  common.Hash `json:"root"`
	GroupID               uint64      `json:"group_id"`
	SignalHash            common.Hash `json:"signal_hash"`
	NullifierHash         common.Hash `json:"nullifier_hash"`
	ExternalNullifierHash common.Hash `json:"external_nullifier_hash"`
	Proof                 []byte      `json:"proof"`
}

// IdentityVerifier is the external proof-verification collaborator. A nil
// error means the proof is accepted; any error aborts the enclosing
// operation with no side effects.
type IdentityVerifier interface {
	Verify(ctx context.Context, proof IdentityProof) error
}

// EntropySource supplies block-level entropy that is unpredictable before
// the block is produced (a randao-style per-block value).
type EntropySource interface {
	// Entropy returns the beacon value at or after minHeight together with
	// the height it was captured at. It returns ErrTimeNotReached while the
	// chain has not reached minHeight.
	Entropy(ctx context.Context, minHeight uint64) (common.Hash, uint64, error)
	// Height returns the current chain height.
	Height(ctx context.Context) (uint64, error)
}
