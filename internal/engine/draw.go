package engine

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// drawWinners selects count distinct winners from pool with a Fisher-Yates
// draw without replacement: each pick hashes (seed || drawIndex) to an index
// into the shrinking candidate slice, swap-removes the pick, and shrinks.
// Pure function of (seed, pool, count); the pool is mutated in place on a
// private copy, so state stays constant-size across draws.
func drawWinners(seed common.Hash, pool []common.Address, count int) []common.Address {
	if count > len(pool) {
		count = len(pool)
	}
	candidates := make([]common.Address, len(pool))
	copy(candidates, pool)

	winners := make([]common.Address, 0, count)
	for i := 0; i < count; i++ {
		n := len(candidates)
		idx := drawIndex(seed, uint64(i), n)
		winners = append(winners, candidates[idx])
		candidates[idx] = candidates[n-1]
		candidates = candidates[:n-1]
	}
	return winners
}

// drawIndex maps keccak(seed || i) onto [0, n). The modulo bias over a
// 256-bit hash is negligible for any realistic participant count.
func drawIndex(seed common.Hash, i uint64, n int) int {
	var ib [8]byte
	binary.BigEndian.PutUint64(ib[:], i)
	h := ethcrypto.Keccak256Hash(seed[:], ib[:])
	idx := new(big.Int).Mod(new(big.Int).SetBytes(h[:]), big.NewInt(int64(n)))
	return int(idx.Int64())
}
