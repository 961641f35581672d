package failcache

import (
	"testing"
	"time"

	"github.com/smnsjas/agentmux"
	"github.com/smnsjas/agentmux/internal/clockutil"
)

func TestCache_MarkFailedAndIsCached(t *testing.T) {
	mc := clockutil.NewMock(time.Now())
	c := New(time.Minute)
	c.clock = mc

	const fp agentmux.Fingerprint = "ABCDEF0123456789"
	if c.IsCached(fp, "A") {
		t.Fatal("IsCached before MarkFailed = true, want false")
	}

	c.MarkFailed(fp, "A")
	if !c.IsCached(fp, "A") {
		t.Fatal("IsCached after MarkFailed = false, want true")
	}

	// A different backend for the same fingerprint is unaffected.
	if c.IsCached(fp, "B") {
		t.Fatal("IsCached for different backend = true, want false")
	}
}

func TestCache_ExpiresAfterTTL(t *testing.T) {
	mc := clockutil.NewMock(time.Now())
	c := New(time.Minute)
	c.clock = mc

	const fp agentmux.Fingerprint = "ABCDEF0123456789"
	c.MarkFailed(fp, "A")
	mc.Advance(61 * time.Second)

	if c.IsCached(fp, "A") {
		t.Fatal("IsCached after TTL elapsed = true, want false")
	}
}

func TestCache_Clear(t *testing.T) {
	c := New(time.Minute)
	const fp agentmux.Fingerprint = "ABCDEF0123456789"
	c.MarkFailed(fp, "A")
	c.Clear(fp, "A")
	if c.IsCached(fp, "A") {
		t.Fatal("IsCached after Clear = true, want false")
	}
}

func TestCache_DefaultTTL(t *testing.T) {
	c := New(0)
	if c.ttl != DefaultTTL {
		t.Fatalf("ttl = %v, want %v", c.ttl, DefaultTTL)
	}
}
