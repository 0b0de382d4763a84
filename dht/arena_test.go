package dht

import "testing"

func TestPacketArenaRecycles(t *testing.T) {
	a := newPacketArena(2)
	b := a.Pop()
	if len(b) != MaxReadPacketSize {
		t.Fatalf("expected %d-byte block, got %d", MaxReadPacketSize, len(b))
	}
	b = b[:10]
	a.Push(b)
	c := a.Pop()
	if len(c) != MaxReadPacketSize {
		t.Fatalf("pushed block not restored to capacity, got %d", len(c))
	}
}
