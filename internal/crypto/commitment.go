// Package crypto provides the commit-reveal primitives for the market
// lifecycle: commitment construction, reveal verification, draw-seed
// derivation, and encrypted at-rest storage of reveal secrets.
package crypto

import (
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Commit returns the keccak256 commitment binding a reveal secret. Published
// before entries close, it proves the secret was fixed before any
// randomness-relevant event.
func Commit(secret []byte) common.Hash {
	return ethcrypto.Keccak256Hash(secret)
}

// PrecommitNullifier returns the Variant A commitment: a seller-supplied
// secret nullifier bound to the market identity at creation time, so the
// seller cannot regenerate it after seeing participants.
func PrecommitNullifier(secretNullifier common.Hash, marketID string) common.Hash {
	return ethcrypto.Keccak256Hash(secretNullifier[:], []byte(marketID))
}

// VerifyReveal reports whether secret is the preimage of commitment.
func VerifyReveal(commitment common.Hash, secret []byte) bool {
	return Commit(secret) == commitment
}

// VerifyPrecommitReveal reports whether secretNullifier reproduces a
// Variant A commitment for the given market.
func VerifyPrecommitReveal(commitment common.Hash, secretNullifier common.Hash, marketID string) bool {
	return PrecommitNullifier(secretNullifier, marketID) == commitment
}

// DeriveSeed combines the three entropy contributions into the draw seed:
// block entropy nobody controlled at commit time, the seller's revealed
// secret, and the XOR-folded participant nullifiers.
func DeriveSeed(blockEntropy common.Hash, secret []byte, nullifierSum common.Hash) common.Hash {
	return ethcrypto.Keccak256Hash(blockEntropy[:], secret, nullifierSum[:])
}

// SignalHash hashes a wallet address into the verifier signal field.
func SignalHash(addr common.Address) common.Hash {
	return ethcrypto.Keccak256Hash(addr.Bytes())
}

// XORHash folds b into a. Used for the running participant nullifier sum.
func XORHash(a, b common.Hash) common.Hash {
	var out common.Hash
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
