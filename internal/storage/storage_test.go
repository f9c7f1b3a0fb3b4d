package storage

import (
	"errors"
	"testing"
)

func TestMemory(t *testing.T) {
	m := NewMemory()

	if _, ok, err := m.GetItem("missing"); ok || err != nil {
		t.Errorf("Expected missing key, got ok=%v err=%v", ok, err)
	}
	if err := m.SetItem("key", "value"); err != nil {
		t.Fatalf("Failed to set item: %v", err)
	}
	value, ok, err := m.GetItem("key")
	if err != nil || !ok || value != "value" {
		t.Errorf("Expected value, got %q (ok=%v err=%v)", value, ok, err)
	}
	if m.Len() != 1 {
		t.Errorf("Expected 1 key, got %d", m.Len())
	}
	if err := m.RemoveItem("key"); err != nil {
		t.Fatalf("Failed to remove item: %v", err)
	}
	if m.Len() != 0 {
		t.Errorf("Expected 0 keys, got %d", m.Len())
	}
}

func TestUnavailable(t *testing.T) {
	var s Storage = Unavailable{}
	if _, _, err := s.GetItem("key"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}
	if err := s.SetItem("key", "value"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}
	if err := s.RemoveItem("key"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}
}
