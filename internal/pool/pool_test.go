package pool

import (
	"testing"

	"github.com/websoft9/sshpool/internal/descriptor"
)

func TestShardForIsStable(t *testing.T) {
	p := New(nil, nil, nil)
	key := "example.com:22:root"
	first := p.shardFor(key)
	for i := 0; i < 10; i++ {
		if p.shardFor(key) != first {
			t.Fatal("shardFor must be stable for a fixed key and shard set")
		}
	}
}

func TestPushMRUOrderAndCap(t *testing.T) {
	p := New(nil, nil, nil)
	for i := 0; i < mruSize+3; i++ {
		p.pushMRU(string(rune('a' + i)))
	}
	mru := p.MRU()
	if len(mru) != mruSize {
		t.Fatalf("expected MRU capped at %d, got %d", mruSize, len(mru))
	}
	if mru[0] != string(rune('a'+mruSize+2)) {
		t.Fatalf("expected most recent push first, got %v", mru)
	}
}

func TestGetByTabIDUnknownReturnsFalse(t *testing.T) {
	p := New(nil, nil, nil)
	if _, ok := p.GetByTabID("nonexistent"); ok {
		t.Fatal("expected no match for unknown tab id")
	}
}

func TestAcquireRejectsInvalidDescriptor(t *testing.T) {
	p := New(nil, nil, nil)
	_, err := p.Acquire(nil, &descriptor.Descriptor{}, nil)
	if err == nil {
		t.Fatal("expected validation error for empty descriptor")
	}
}
