package storage

import (
	"testing"

	"github.com/example/ride-realtime/model"
)

func TestMemoryStoreLatestByLogicalTime(t *testing.T) {
	s := NewMemoryStore()

	if _, ok, err := s.LatestStatus("r1"); err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}

	// Insertion order deliberately disagrees with logical time.
	for _, rec := range []model.RideStatus{
		{RideID: "r1", ID: "b", Status: "ongoing", UpdatedAt: 20},
		{RideID: "r1", ID: "a", Status: "accepted", UpdatedAt: 10},
		{RideID: "r1", ID: "c", Status: "completed", UpdatedAt: 30},
	} {
		if err := s.SaveStatus(rec); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	latest, ok, err := s.LatestStatus("r1")
	if err != nil || !ok {
		t.Fatalf("latest: ok=%v err=%v", ok, err)
	}
	if latest.Status != "completed" {
		t.Fatalf("latest = %q, want completed", latest.Status)
	}

	hist, err := s.History("r1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 3 || hist[0].UpdatedAt != 10 || hist[2].UpdatedAt != 30 {
		t.Fatalf("history not in logical order: %+v", hist)
	}
}

func TestMemoryStoreRidesAreIsolated(t *testing.T) {
	s := NewMemoryStore()
	_ = s.SaveStatus(model.RideStatus{RideID: "r1", Status: "ongoing", UpdatedAt: 1})
	if _, ok, _ := s.LatestStatus("r2"); ok {
		t.Fatal("record leaked across rides")
	}
}
