// Package flow defines the wire-level data model shared by the detection
// pipeline: raw flow events produced by external collectors and the derived
// per-window feature vectors consumed by the model ensemble.
package flow

import (
	"errors"
	"fmt"
	"net"
	"time"
)

var ErrMalformedEvent = errors.New("malformed flow event")

// Event is one already-extracted flow observation for a source identity.
// Events are produced externally (collector agents, NetFlow exporters) and
// are never mutated after ingestion.
type Event struct {
	SrcIP          string    `json:"src_ip"`
	DstIP          string    `json:"dst_ip,omitempty"`
	SrcPort        uint16    `json:"src_port,omitempty"`
	DstPort        uint16    `json:"dst_port,omitempty"`
	Protocol       string    `json:"protocol"` // tcp | udp | icmp
	Timestamp      time.Time `json:"timestamp"`
	Packets        uint64    `json:"packets"`
	Bytes          uint64    `json:"bytes"`
	FlagSYN        uint64    `json:"flag_syn,omitempty"`
	FlagACK        uint64    `json:"flag_ack,omitempty"`
	FlagFIN        uint64    `json:"flag_fin,omitempty"`
	FlagRST        uint64    `json:"flag_rst,omitempty"`
	PayloadEntropy float64   `json:"payload_entropy,omitempty"`
}

// Identity returns the mitigation-scoped source identity key.
// Decisions are keyed by source IP; port/protocol stay informational.
func (e *Event) Identity() string { return e.SrcIP }

// Validate checks the fields the aggregator depends on. A nil error means
// the event can be attributed to a window bucket.
func (e *Event) Validate() error {
	if e.SrcIP == "" {
		return fmt.Errorf("%w: missing source ip", ErrMalformedEvent)
	}
	if net.ParseIP(e.SrcIP) == nil {
		return fmt.Errorf("%w: bad source ip %q", ErrMalformedEvent, e.SrcIP)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrMalformedEvent)
	}
	switch e.Protocol {
	case "tcp", "udp", "icmp":
	case "":
		return fmt.Errorf("%w: missing protocol", ErrMalformedEvent)
	default:
		return fmt.Errorf("%w: unknown protocol %q", ErrMalformedEvent, e.Protocol)
	}
	if e.Packets == 0 {
		return fmt.Errorf("%w: zero packet count", ErrMalformedEvent)
	}
	return nil
}

// Feature indices into FeatureVector.Features. The layout is fixed; models
// and the explainer address features by these positions.
const (
	FeatPacketRate = iota
	FeatByteRate
	FeatFlowDuration
	FeatPacketSizeAvg
	FeatPacketSizeStd
	FeatInterArrivalTime
	FeatProtocolTCP
	FeatProtocolUDP
	FeatProtocolICMP
	FeatSrcPortEntropy
	FeatDstPortEntropy
	FeatFlagSYN
	FeatFlagACK
	FeatFlagFIN
	FeatFlagRST
	FeatPayloadEntropy

	FeatureCount
)

var featureNames = [FeatureCount]string{
	"packet_rate", "byte_rate", "flow_duration", "packet_size_avg",
	"packet_size_std", "inter_arrival_time", "protocol_tcp", "protocol_udp",
	"protocol_icmp", "src_port_entropy", "dst_port_entropy", "flag_syn",
	"flag_ack", "flag_fin", "flag_rst", "payload_entropy",
}

// FeatureNames returns the ordered feature names matching the vector layout.
func FeatureNames() []string {
	out := make([]string, FeatureCount)
	copy(out, featureNames[:])
	return out
}

// FeatureName returns the name for a vector position, or "" if out of range.
func FeatureName(i int) string {
	if i < 0 || i >= FeatureCount {
		return ""
	}
	return featureNames[i]
}

// FeatureVector summarizes one source identity's traffic over a single
// closed aggregation window. Immutable after creation.
type FeatureVector struct {
	Identity    string                `json:"identity"`
	WindowStart time.Time             `json:"window_start"`
	WindowEnd   time.Time             `json:"window_end"`
	Features    [FeatureCount]float64 `json:"features"`
}

// Feature returns the named feature value; ok is false for unknown names.
func (fv *FeatureVector) Feature(name string) (float64, bool) {
	for i, n := range featureNames {
		if n == name {
			return fv.Features[i], true
		}
	}
	return 0, false
}
