package flow

import (
	"errors"
	"testing"
	"time"
)

func TestEventValidate(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		ev      Event
		wantErr bool
	}{
		{"valid tcp", Event{SrcIP: "10.0.0.1", Protocol: "tcp", Timestamp: now, Packets: 1}, false},
		{"valid icmp", Event{SrcIP: "192.168.1.5", Protocol: "icmp", Timestamp: now, Packets: 3}, false},
		{"missing src ip", Event{Protocol: "tcp", Timestamp: now, Packets: 1}, true},
		{"bad src ip", Event{SrcIP: "not-an-ip", Protocol: "tcp", Timestamp: now, Packets: 1}, true},
		{"missing timestamp", Event{SrcIP: "10.0.0.1", Protocol: "tcp", Packets: 1}, true},
		{"missing protocol", Event{SrcIP: "10.0.0.1", Timestamp: now, Packets: 1}, true},
		{"unknown protocol", Event{SrcIP: "10.0.0.1", Protocol: "sctp", Timestamp: now, Packets: 1}, true},
		{"zero packets", Event{SrcIP: "10.0.0.1", Protocol: "tcp", Timestamp: now}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ev.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, want error %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrMalformedEvent) {
				t.Fatalf("Validate() error %v does not wrap ErrMalformedEvent", err)
			}
		})
	}
}

func TestFeatureNames(t *testing.T) {
	names := FeatureNames()
	if len(names) != FeatureCount {
		t.Fatalf("got %d names, want %d", len(names), FeatureCount)
	}
	seen := map[string]bool{}
	for i, n := range names {
		if n == "" {
			t.Fatalf("feature %d has empty name", i)
		}
		if seen[n] {
			t.Fatalf("duplicate feature name %q", n)
		}
		seen[n] = true
		if FeatureName(i) != n {
			t.Fatalf("FeatureName(%d) = %q, want %q", i, FeatureName(i), n)
		}
	}
	if FeatureName(-1) != "" || FeatureName(FeatureCount) != "" {
		t.Fatal("out-of-range FeatureName should return empty string")
	}
}

func TestFeatureLookup(t *testing.T) {
	var fv FeatureVector
	fv.Features[FeatPacketRate] = 123.5
	v, ok := fv.Feature("packet_rate")
	if !ok || v != 123.5 {
		t.Fatalf("Feature(packet_rate) = %v, %v", v, ok)
	}
	if _, ok := fv.Feature("nope"); ok {
		t.Fatal("unknown feature name should not resolve")
	}
}
