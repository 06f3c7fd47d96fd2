package gate

import (
	"context"
	"testing"

	"sonde_relay/internal/sonde"
	"sonde_relay/internal/storage"
)

func newTestGate(t *testing.T) (*Gate, storage.Store) {
	t.Helper()
	store, err := storage.OpenSQLite(storage.SQLiteConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store), store
}

func TestAcceptThenDuplicate(t *testing.T) {
	g, store := newTestGate(t)
	ctx := context.Background()

	obs := &sonde.Observation{Serial: "ME1234567", Time: 1700000000, VFrame: 1000}

	status, err := g.Accept(ctx, obs)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if status != Accepted {
		t.Fatalf("status = %v, want ACCEPTED", status)
	}

	status, err = g.Accept(ctx, obs)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if status != Duplicate {
		t.Errorf("status = %v, want DUPLICATE", status)
	}

	// The duplicate left no second record behind.
	latest, err := store.LatestBySerial(ctx, "ME1234567")
	if err != nil {
		t.Fatalf("LatestBySerial: %v", err)
	}
	if latest == nil || latest.VFrame != 1000 {
		t.Errorf("latest = %+v, want single vframe 1000 record", latest)
	}
}

func TestSameSerialDifferentFrame(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()

	first := &sonde.Observation{Serial: "ME1234567", Time: 1700000000, VFrame: 1000}
	second := &sonde.Observation{Serial: "ME1234567", Time: 1700000000, VFrame: 1001}

	if status, _ := g.Accept(ctx, first); status != Accepted {
		t.Fatal("first frame rejected")
	}
	// Same second, new frame: vframe is the dedup key, not epoch seconds.
	if status, _ := g.Accept(ctx, second); status != Accepted {
		t.Error("new vframe in the same second rejected")
	}
}

func TestDifferentSerialSameFrame(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()

	if status, _ := g.Accept(ctx, &sonde.Observation{Serial: "A", VFrame: 1000, Time: 1}); status != Accepted {
		t.Fatal("first serial rejected")
	}
	if status, _ := g.Accept(ctx, &sonde.Observation{Serial: "B", VFrame: 1000, Time: 1}); status != Accepted {
		t.Error("second serial with same vframe rejected")
	}
}
