package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-realtime/model"
)

type fakeSink struct {
	setErrs     int
	publishErrs int
	setCalls    int
	pubCalls    int
	latest      model.LocationSample
}

func (f *fakeSink) SetLatest(ctx context.Context, s model.LocationSample) error {
	f.setCalls++
	if f.setErrs > 0 {
		f.setErrs--
		return errors.New("redis down")
	}
	f.latest = s
	return nil
}

func (f *fakeSink) PublishSample(ctx context.Context, s model.LocationSample) error {
	f.pubCalls++
	if f.publishErrs > 0 {
		f.publishErrs--
		return errors.New("redis down")
	}
	return nil
}

func TestUpdateWithRetrySucceedsAfterTransientErrors(t *testing.T) {
	sink := &fakeSink{setErrs: 2}
	sample := model.LocationSample{RideID: "r1", Lat: 1, Lng: 2}

	err := UpdateWithRetry(context.Background(), sink, sample, 4, time.Millisecond)
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if sink.setCalls != 3 {
		t.Fatalf("set calls = %d, want 3", sink.setCalls)
	}
	if sink.latest.RideID != "r1" {
		t.Fatalf("latest cache not written: %+v", sink.latest)
	}
}

func TestUpdateWithRetryRetriesThePublishToo(t *testing.T) {
	sink := &fakeSink{publishErrs: 1}
	err := UpdateWithRetry(context.Background(), sink, model.LocationSample{RideID: "r1"}, 3, time.Millisecond)
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if sink.pubCalls != 2 {
		t.Fatalf("publish calls = %d, want 2", sink.pubCalls)
	}
}

func TestUpdateWithRetryGivesUpAfterAttempts(t *testing.T) {
	sink := &fakeSink{setErrs: 10}
	err := UpdateWithRetry(context.Background(), sink, model.LocationSample{RideID: "r1"}, 3, time.Millisecond)
	if err == nil {
		t.Fatal("expected failure after exhausting attempts")
	}
	if sink.setCalls != 3 {
		t.Fatalf("set calls = %d, want 3", sink.setCalls)
	}
}

func TestEnrichDerivesSpeedAndHeading(t *testing.T) {
	r := &Relay{lastByRide: make(map[string]model.LocationSample)}

	// First sample has no predecessor, nothing to derive from.
	first := r.enrich(model.LocationSample{RideID: "r1", Lat: 0, Lng: 0, TS: 0})
	if first.Speed != 0 || first.Heading != 0 {
		t.Fatalf("first sample enriched from nothing: %+v", first)
	}

	// One second later, ~111m further north: ~111 m/s heading 0.
	second := r.enrich(model.LocationSample{RideID: "r1", Lat: 0.001, Lng: 0, TS: 1000})
	if second.Speed < 100 || second.Speed > 120 {
		t.Fatalf("derived speed %v, want ~111 m/s", second.Speed)
	}
	if second.Heading != 0 {
		t.Fatalf("derived heading %v, want 0 (due north)", second.Heading)
	}

	// Device-reported values are left alone.
	third := r.enrich(model.LocationSample{RideID: "r1", Lat: 0.002, Lng: 0, TS: 2000, Speed: 5, Heading: 42})
	if third.Speed != 5 || third.Heading != 42 {
		t.Fatalf("reported values overwritten: %+v", third)
	}
}

func TestEnrichIgnoresOutOfOrderSamples(t *testing.T) {
	r := &Relay{lastByRide: make(map[string]model.LocationSample)}
	r.enrich(model.LocationSample{RideID: "r1", Lat: 0, Lng: 0, TS: 2000})
	late := r.enrich(model.LocationSample{RideID: "r1", Lat: 1, Lng: 1, TS: 1000})
	if late.Speed != 0 || late.Heading != 0 {
		t.Fatalf("out-of-order sample enriched: %+v", late)
	}
}
