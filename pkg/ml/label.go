package ml

import "github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/flow"

// AttackLabel derives a best-effort attack-type label from the dominant
// features of a flagged window. Labels feed alert summaries only; the
// mitigation decision never depends on them.
func AttackLabel(fv *flow.FeatureVector) string {
	syn := fv.Features[flow.FeatFlagSYN]
	ack := fv.Features[flow.FeatFlagACK]
	tcp := fv.Features[flow.FeatProtocolTCP]
	udp := fv.Features[flow.FeatProtocolUDP]
	icmp := fv.Features[flow.FeatProtocolICMP]
	rate := fv.Features[flow.FeatPacketRate]
	sizeAvg := fv.Features[flow.FeatPacketSizeAvg]
	duration := fv.Features[flow.FeatFlowDuration]

	switch {
	case tcp > 0.5 && syn > 0.6 && ack < 0.3:
		return "SYN Flood"
	case icmp > 0.4:
		return "ICMP Flood"
	case udp > 0.5:
		return "UDP Flood"
	case tcp > 0.5 && rate < 50 && duration > 30 && sizeAvg < 200:
		return "Slowloris"
	case tcp > 0.5 && sizeAvg > 200:
		return "HTTP Flood"
	default:
		return "Volumetric Flood"
	}
}
