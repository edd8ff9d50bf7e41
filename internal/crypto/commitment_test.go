package crypto

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestCommitRoundTrip(t *testing.T) {
	secret := []byte("the seller's secret")
	c := Commit(secret)

	if !VerifyReveal(c, secret) {
		t.Fatal("correct preimage rejected")
	}
	if VerifyReveal(c, []byte("something else")) {
		t.Fatal("wrong preimage accepted")
	}
}

func TestPrecommitBoundToMarket(t *testing.T) {
	n := common.HexToHash("0x1234")
	c := PrecommitNullifier(n, "market-a")

	if !VerifyPrecommitReveal(c, n, "market-a") {
		t.Fatal("correct nullifier rejected")
	}
	// The same secret committed under a different market identity must not
	// verify; the binding prevents cross-market commitment reuse.
	if VerifyPrecommitReveal(c, n, "market-b") {
		t.Fatal("commitment verified against the wrong market")
	}
	if VerifyPrecommitReveal(c, common.HexToHash("0x9999"), "market-a") {
		t.Fatal("wrong nullifier accepted")
	}
}

func TestDeriveSeedBindsAllInputs(t *testing.T) {
	entropy := common.HexToHash("0xaa")
	secret := []byte("s")
	sum := common.HexToHash("0xbb")

	base := DeriveSeed(entropy, secret, sum)
	if DeriveSeed(common.HexToHash("0xab"), secret, sum) == base {
		t.Fatal("seed ignores block entropy")
	}
	if DeriveSeed(entropy, []byte("t"), sum) == base {
		t.Fatal("seed ignores secret")
	}
	if DeriveSeed(entropy, secret, common.HexToHash("0xbc")) == base {
		t.Fatal("seed ignores nullifier sum")
	}
	if DeriveSeed(entropy, secret, sum) != base {
		t.Fatal("seed is not deterministic")
	}
}

func TestXORHash(t *testing.T) {
	a := common.HexToHash("0x0f")
	b := common.HexToHash("0xf0")

	x := XORHash(a, b)
	if x != common.HexToHash("0xff") {
		t.Fatalf("xor = %s", x.Hex())
	}
	// Folding the same value twice cancels out.
	if XORHash(x, b) != a {
		t.Fatal("xor does not cancel")
	}
	if XORHash(a, common.Hash{}) != a {
		t.Fatal("xor with zero changed the value")
	}
}

func TestSignalHashDistinctPerAddress(t *testing.T) {
	var a1, a2 common.Address
	a1[19] = 1
	a2[19] = 2
	if SignalHash(a1) == SignalHash(a2) {
		t.Fatal("signal hashes collide")
	}
	if SignalHash(a1) != SignalHash(a1) {
		t.Fatal("signal hash not deterministic")
	}
}
