package checkpoint

import (
	"testing"

	"logcore/pkg/types"
)

func TestGetUnknownReturnsInvalid(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	lsn, err := s.Get("c1", 42)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if lsn != types.LSNInvalid {
		t.Fatalf("expected LSNInvalid, got %v", lsn)
	}
}

func TestUpdateThenGet(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	want := types.LSN{Epoch: 1, ESN: 100}
	if err := s.Update("c1", 42, want); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := s.Get("c1", 42)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestUpdateOverwritesPreviousValue(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = s.Update("c1", 42, types.LSN{Epoch: 1, ESN: 1})
	_ = s.Update("c1", 42, types.LSN{Epoch: 1, ESN: 2})

	got, err := s.Get("c1", 42)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := types.LSN{Epoch: 1, ESN: 2}
	if got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestUpdateBatch(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	updates := map[types.LogID]types.LSN{
		1: {Epoch: 1, ESN: 10},
		2: {Epoch: 1, ESN: 20},
	}
	if err := s.UpdateBatch("c1", updates); err != nil {
		t.Fatalf("UpdateBatch: %v", err)
	}
	for log, want := range updates {
		got, err := s.Get("c1", log)
		if err != nil {
			t.Fatalf("Get(%d): %v", log, err)
		}
		if got != want {
			t.Fatalf("log %d: got %v, want %v", log, got, want)
		}
	}
}

func TestRemove(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = s.Update("c1", 42, types.LSN{Epoch: 1, ESN: 1})
	if err := s.Remove("c1", []types.LogID{42}); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	got, err := s.Get("c1", 42)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != types.LSNInvalid {
		t.Fatalf("expected LSNInvalid after remove, got %v", got)
	}
}

func TestRemoveAll(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = s.Update("c1", 1, types.LSN{Epoch: 1, ESN: 1})
	_ = s.Update("c1", 2, types.LSN{Epoch: 1, ESN: 2})
	_ = s.Update("c2", 1, types.LSN{Epoch: 1, ESN: 5})

	if err := s.RemoveAll("c1"); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}

	got1, _ := s.Get("c1", 1)
	got2, _ := s.Get("c1", 2)
	if got1 != types.LSNInvalid || got2 != types.LSNInvalid {
		t.Fatalf("c1 checkpoints should be gone: %v %v", got1, got2)
	}

	other, err := s.Get("c2", 1)
	if err != nil {
		t.Fatalf("Get c2: %v", err)
	}
	if other != (types.LSN{Epoch: 1, ESN: 5}) {
		t.Fatalf("c2 checkpoint should survive c1's remove_all, got %v", other)
	}
}
