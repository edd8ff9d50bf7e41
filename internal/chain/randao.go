// Package chain sources block-level entropy from an Ethereum execution
// client. The per-block randao value (header MixDigest) is unpredictable
// before the block is produced, which is what the commit-reveal protocol
// needs from its third entropy contribution.
package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/wafflebay/marketd/internal/domain"
)

// RandaoSource implements domain.EntropySource against a JSON-RPC endpoint.
type RandaoSource struct {
	ec *ethclient.Client
}

// Dial connects to the execution client at rpcURL.
func Dial(ctx context.Context, rpcURL string) (*RandaoSource, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}
	return &RandaoSource{ec: ec}, nil
}

// Close releases the underlying RPC connection.
func (s *RandaoSource) Close() {
	s.ec.Close()
}

// Height returns the current chain height.
func (s *RandaoSource) Height(ctx context.Context) (uint64, error) {
	n, err := s.ec.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: block number: %w", err)
	}
	return n, nil
}

// Entropy returns the randao value of the block at minHeight together with
// the current height. While the chain has not reached minHeight it returns
// domain.ErrTimeNotReached so callers fail deterministically instead of
// waiting.
//
// The value is read from the eligible block itself, not the head, so every
// caller observing the same market gets the same entropy regardless of when
// the reveal transaction lands.
func (s *RandaoSource) Entropy(ctx context.Context, minHeight uint64) (common.Hash, uint64, error) {
	head, err := s.ec.BlockNumber(ctx)
	if err != nil {
		return common.Hash{}, 0, fmt.Errorf("chain: block number: %w", err)
	}
	if head < minHeight {
		return common.Hash{}, 0, fmt.Errorf("chain: height %d below %d: %w",
			head, minHeight, domain.ErrTimeNotReached)
	}

	header, err := s.ec.HeaderByNumber(ctx, new(big.Int).SetUint64(minHeight))
	if err != nil {
		return common.Hash{}, 0, fmt.Errorf("chain: header %d: %w", minHeight, err)
	}
	return header.MixDigest, head, nil
}

// Compile-time interface check.
var _ domain.EntropySource = (*RandaoSource)(nil)
