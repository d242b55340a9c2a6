package store

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stratequeue/pkg/types"
)

func TestSaveAndLoadFinal(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	snap := FinalSnapshot{
		Record: types.StrategyRecord{
			ID:     "s1",
			Name:   "momentum",
			Status: types.StatusStopped,
		},
		SavedAt: time.Date(2026, 1, 5, 15, 0, 0, 0, time.UTC),
	}
	if err := s.SaveFinal(snap); err != nil {
		t.Fatalf("SaveFinal: %v", err)
	}

	loaded, err := s.LoadFinal("s1")
	if err != nil {
		t.Fatalf("LoadFinal: %v", err)
	}
	if loaded == nil {
		t.Fatal("LoadFinal returned nil")
	}
	if loaded.Record.Name != "momentum" || loaded.Record.Status != types.StatusStopped {
		t.Errorf("record = %+v, want momentum/STOPPED", loaded.Record)
	}
	if !loaded.SavedAt.Equal(snap.SavedAt) {
		t.Errorf("SavedAt = %v, want %v", loaded.SavedAt, snap.SavedAt)
	}
}

func TestLoadFinalMissing(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	loaded, err := s.LoadFinal("nonexistent")
	if err != nil {
		t.Fatalf("LoadFinal: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil for missing snapshot, got %+v", loaded)
	}
}

func TestSaveFinalOverwrites(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_ = s.SaveFinal(FinalSnapshot{Record: types.StrategyRecord{ID: "s1", Status: types.StatusErrored}})
	_ = s.SaveFinal(FinalSnapshot{Record: types.StrategyRecord{ID: "s1", Status: types.StatusStopped}})

	loaded, err := s.LoadFinal("s1")
	if err != nil {
		t.Fatalf("LoadFinal: %v", err)
	}
	if loaded.Record.Status != types.StatusStopped {
		t.Errorf("status = %s, want STOPPED (latest save)", loaded.Record.Status)
	}
}

func TestFillLogAppendAndRead(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	for i := 1; i <= 3; i++ {
		f := types.Fill{
			BrokerOrderID: "B1",
			Seq:           int64(i),
			StrategyID:    "s1",
			Symbol:        "AAPL",
			Side:          types.SideBuy,
			Qty:           decimal.NewFromInt(int64(i)),
			Price:         decimal.NewFromInt(100),
			TS:            time.Now().UTC(),
		}
		if err := s.AppendFill(f); err != nil {
			t.Fatalf("AppendFill %d: %v", i, err)
		}
	}

	fills, err := s.Fills("s1")
	if err != nil {
		t.Fatalf("Fills: %v", err)
	}
	if len(fills) != 3 {
		t.Fatalf("fills = %d, want 3", len(fills))
	}
	for i, f := range fills {
		if f.Seq != int64(i+1) {
			t.Errorf("fill %d seq = %d, want %d", i, f.Seq, i+1)
		}
	}

	other, err := s.Fills("ghost")
	if err != nil {
		t.Fatalf("Fills ghost: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("fills for unknown strategy = %d, want 0", len(other))
	}
}
