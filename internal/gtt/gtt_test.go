package gtt

import "testing"

func TestSimulatedInsertThenIsMapped(t *testing.T) {
	s := NewSimulated()
	if s.IsMapped(0x1000, 0x2000) {
		t.Fatal("nothing inserted yet")
	}
	s.Insert(0x1000, 0x2000, nil)
	if !s.IsMapped(0x1000, 0x2000) {
		t.Fatal("expected range to be mapped after Insert")
	}
	if s.IsMapped(0x1000, 0x1000) {
		t.Fatal("a different size at the same start must not read as mapped")
	}
}

func TestSimulatedClearRemovesMapping(t *testing.T) {
	s := NewSimulated()
	s.Insert(0x4000, 0x1000, nil)
	s.Clear(0x4000, 0x1000)
	if s.IsMapped(0x4000, 0x1000) {
		t.Fatal("expected range to be unmapped after Clear")
	}
}

func TestSimulatedTracksMultipleRanges(t *testing.T) {
	s := NewSimulated()
	s.Insert(0, 0x1000, nil)
	s.Insert(0x1000, 0x1000, nil)
	s.Clear(0, 0x1000)
	if s.IsMapped(0, 0x1000) {
		t.Fatal("cleared range should not remain mapped")
	}
	if !s.IsMapped(0x1000, 0x1000) {
		t.Fatal("unrelated range should remain mapped")
	}
}
