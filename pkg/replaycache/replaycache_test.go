package replaycache

import (
	"testing"
	"time"
)

func TestSeenDetectsReplay(t *testing.T) {
	c := New()
	defer c.Stop()
	sig := "0x1234567890abcdef"

	if c.Seen(sig) {
		t.Fatalf("first sighting reported as replay")
	}
	c.Remember(sig)
	if !c.Seen(sig) {
		t.Fatalf("second sighting not detected as replay")
	}
}

func TestSeenExpiresAfterTTL(t *testing.T) {
	c := New()
	defer c.Stop()
	sig := "0xaaaa"

	c.Remember(sig)
	// Backdate the entry past its TTL instead of sleeping 120s.
	c.mu.Lock()
	c.entries[sig] = time.Now().Add(-time.Second)
	c.mu.Unlock()

	if c.Seen(sig) {
		t.Fatalf("expired signature still reported as seen")
	}
}

func TestDifferentSignaturesDoNotCollide(t *testing.T) {
	c := New()
	defer c.Stop()

	c.Remember("0xaaaa")
	if c.Seen("0xbbbb") {
		t.Fatalf("unrelated signature reported as replay")
	}
}
