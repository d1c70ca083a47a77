package dispatch

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestAdminCacheExpiry(t *testing.T) {
	t.Parallel()

	mck := clock.NewMock()
	c := newAdminCache(mck, time.Minute)

	if c.get(7) {
		t.Fatal("empty cache reported a hit")
	}
	c.put(7)
	if !c.get(7) {
		t.Fatal("fresh entry not served")
	}

	mck.Add(time.Minute)
	if !c.get(7) {
		t.Fatal("entry at exactly TTL should still be valid")
	}
	mck.Add(time.Nanosecond)
	if c.get(7) {
		t.Fatal("expired entry served")
	}
	// Eviction happened on read.
	if c.get(7) {
		t.Fatal("evicted entry served")
	}
}

func TestAdminCacheDisabled(t *testing.T) {
	t.Parallel()

	c := newAdminCache(clock.NewMock(), 0)
	c.put(7)
	if c.get(7) {
		t.Fatal("disabled cache stored an entry")
	}
}

func TestAdminCacheSetTTLFlushesWhenDisabled(t *testing.T) {
	t.Parallel()

	mck := clock.NewMock()
	c := newAdminCache(mck, time.Minute)
	c.put(7)
	c.setTTL(0)
	if c.get(7) {
		t.Fatal("flush on disable did not drop the entry")
	}
	c.setTTL(time.Minute)
	if c.get(7) {
		t.Fatal("re-enable resurrected a flushed entry")
	}
	c.put(7)
	if !c.get(7) {
		t.Fatal("cache did not store after re-enable")
	}
}
