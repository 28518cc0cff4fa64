package fair

import (
	"errors"
	"regexp"
	"testing"
	"time"
)

var hexRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

func TestGenerateSeedFormat(t *testing.T) {
	a, err := GenerateSeed()
	if err != nil {
		t.Fatalf("GenerateSeed error: %v", err)
	}
	b, err := GenerateSeed()
	if err != nil {
		t.Fatalf("GenerateSeed error: %v", err)
	}

	if !hexRe.MatchString(a) {
		t.Fatalf("seed must be 64 lowercase hex chars, got %q", a)
	}
	if a == b {
		t.Fatalf("two generated seeds must differ")
	}
}

func TestCommitDeterministicAndVerify(t *testing.T) {
	seed := "0f1e2d3c4b5a69788796a5b4c3d2e1f00f1e2d3c4b5a69788796a5b4c3d2e1f0"

	c1 := Commit(seed)
	c2 := Commit(seed)

	if c1 != c2 {
		t.Fatalf("Commit must be deterministic, got %s and %s", c1, c2)
	}
	if !hexRe.MatchString(c1) {
		t.Fatalf("commitment must be 64 lowercase hex chars, got %q", c1)
	}
	if !Verify(seed, c1) {
		t.Fatalf("Verify must accept the commitment of its own seed")
	}
	if Verify(seed+"00", c1) {
		t.Fatalf("Verify must reject a different seed")
	}
}

func TestWinningIndexRangeAndDeterminism(t *testing.T) {
	seed := "0f1e2d3c4b5a69788796a5b4c3d2e1f00f1e2d3c4b5a69788796a5b4c3d2e1f0"

	for _, total := range []int64{1, 2, 3, 7, 100, 12345} {
		i1, err := WinningIndex(seed, total)
		if err != nil {
			t.Fatalf("WinningIndex(%d) error: %v", total, err)
		}
		i2, _ := WinningIndex(seed, total)

		if i1 != i2 {
			t.Fatalf("WinningIndex must be deterministic: %d != %d", i1, i2)
		}
		if i1 < 0 || i1 >= total {
			t.Fatalf("WinningIndex(%d) = %d out of range", total, i1)
		}
	}
}

func TestWinningIndexSingleEntry(t *testing.T) {
	seed := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	idx, err := WinningIndex(seed, 1)
	if err != nil {
		t.Fatalf("WinningIndex error: %v", err)
	}
	if idx != 0 {
		t.Fatalf("single entry must always win, got index %d", idx)
	}
}

func TestWinningIndexNoEntries(t *testing.T) {
	_, err := WinningIndex("deadbeef", 0)
	if !errors.Is(err, ErrNoEntries) {
		t.Fatalf("expected ErrNoEntries, got %v", err)
	}
}

func TestSealTicket(t *testing.T) {
	secret := []byte("server-only-secret")
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	seal := SealTicket(secret, 10, 2, 7, 3, at)

	if !hexRe.MatchString(seal) {
		t.Fatalf("seal must be 64 lowercase hex chars, got %q", seal)
	}
	if !VerifyTicketSeal(secret, seal, 10, 2, 7, 3, at) {
		t.Fatalf("seal must verify against the same fields")
	}
	if VerifyTicketSeal(secret, seal, 10, 2, 7, 4, at) {
		t.Fatalf("seal must not verify after a field change")
	}
	if VerifyTicketSeal([]byte("other-secret"), seal, 10, 2, 7, 3, at) {
		t.Fatalf("seal must not verify under another secret")
	}
}
