package ristretto

import (
	"testing"
	"time"
)

func TestSetGetRoundTrip(t *testing.T) {
	c, err := New[time.Time](Backoff)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stamp := time.Now()
	if !c.Set("t1\x1fa1", stamp, 1) {
		t.Fatal("Set rejected the entry")
	}
	c.Wait()

	got, found := c.Get("t1\x1fa1")
	if !found {
		t.Fatal("entry missing after Set and Wait")
	}
	if !got.Equal(stamp) {
		t.Errorf("got %v, want %v", got, stamp)
	}

	if _, found := c.Get("t2\x1fa2"); found {
		t.Error("unexpected hit for a key never stored")
	}
}

func TestSetWithTTLExpires(t *testing.T) {
	c, err := New[time.Time](Backoff)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.SetWithTTL("t1\x1fa1", time.Now(), 1, 20*time.Millisecond)
	c.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, found := c.Get("t1\x1fa1"); !found {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("entry still present long after its TTL")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
