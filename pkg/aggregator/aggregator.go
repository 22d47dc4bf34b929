// Package aggregator turns the raw flow event stream into fixed-interval
// per-identity feature vectors with bounded memory.
package aggregator

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/flow"
)

var (
	aggEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ddos", Subsystem: "aggregator", Name: "events_total",
		Help: "Total flow events accepted into window buckets.",
	})
	aggMalformed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ddos", Subsystem: "aggregator", Name: "malformed_total",
		Help: "Total flow events rejected as malformed.",
	})
	aggLate = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ddos", Subsystem: "aggregator", Name: "late_events_total",
		Help: "Total flow events dropped for arriving after their window closed.",
	})
	aggCapacityEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ddos", Subsystem: "aggregator", Name: "capacity_evictions_total",
		Help: "Identities evicted because the tracked-identity limit was reached.",
	})
	aggTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ddos", Subsystem: "aggregator", Name: "tracked_identities",
		Help: "Identities with an open window bucket.",
	})
	aggVectors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ddos", Subsystem: "aggregator", Name: "vectors_total",
		Help: "Feature vectors produced by closed windows.",
	})
)

func init() {
	_ = prometheus.Register(aggEvents)
	_ = prometheus.Register(aggMalformed)
	_ = prometheus.Register(aggLate)
	_ = prometheus.Register(aggCapacityEvictions)
	_ = prometheus.Register(aggTracked)
	_ = prometheus.Register(aggVectors)
}

// Config bounds the aggregator's window size and memory footprint.
type Config struct {
	WindowSize    time.Duration
	MaxIdentities int // across all shards; beyond this, least-recently-active buckets are evicted
	ShardCount    int // rounded up to a power of two
}

// DefaultConfig mirrors the operational defaults used in production.
func DefaultConfig() Config {
	return Config{
		WindowSize:    10 * time.Second,
		MaxIdentities: 100000,
		ShardCount:    32,
	}
}

// bucket accumulates counters for one identity's open window.
type bucket struct {
	identity    string
	windowStart time.Time
	windowEnd   time.Time
	lastActive  time.Time

	firstTS time.Time
	lastTS  time.Time

	events  uint64
	packets uint64
	bytes   uint64

	protoPackets map[string]uint64
	srcPorts     map[uint16]uint64
	dstPorts     map[uint16]uint64

	flagSYN uint64
	flagACK uint64
	flagFIN uint64
	flagRST uint64

	// Welford accumulators over per-event mean packet size.
	sizeMean float64
	sizeM2   float64

	entropySum float64
	entropyN   uint64
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	closed  []flow.FeatureVector
}

// Aggregator shards window buckets by identity hash so concurrent flows for
// different identities never contend on the same lock.
type Aggregator struct {
	cfg      Config
	shards   []*shard
	mask     uint32
	perShard int
}

func New(cfg Config) *Aggregator {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	if cfg.MaxIdentities <= 0 {
		cfg.MaxIdentities = DefaultConfig().MaxIdentities
	}
	n := 1
	for n < cfg.ShardCount {
		n <<= 1
	}
	if n < 1 {
		n = 1
	}
	a := &Aggregator{
		cfg:      cfg,
		shards:   make([]*shard, n),
		mask:     uint32(n - 1),
		perShard: cfg.MaxIdentities/n + 1,
	}
	for i := range a.shards {
		a.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return a
}

func fnv32(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

func (a *Aggregator) shardFor(identity string) *shard {
	return a.shards[fnv32(identity)&a.mask]
}

// Ingest validates one event and folds it into the open window bucket for
// its identity. Events older than the open window are dropped (windows are
// disjoint and ordered; a closed window never reopens).
func (a *Aggregator) Ingest(ev flow.Event) error {
	if err := ev.Validate(); err != nil {
		aggMalformed.Inc()
		return err
	}
	id := ev.Identity()
	sh := a.shardFor(id)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	b := sh.buckets[id]
	if b != nil && !ev.Timestamp.Before(b.windowEnd) {
		sh.closed = append(sh.closed, a.finalize(b))
		delete(sh.buckets, id)
		aggTracked.Dec()
		b = nil
	}
	if b == nil {
		if len(sh.buckets) >= a.perShard {
			a.evictOldest(sh)
		}
		start := ev.Timestamp.Truncate(a.cfg.WindowSize)
		b = &bucket{
			identity:     id,
			windowStart:  start,
			windowEnd:    start.Add(a.cfg.WindowSize),
			firstTS:      ev.Timestamp,
			protoPackets: make(map[string]uint64, 3),
			srcPorts:     make(map[uint16]uint64),
			dstPorts:     make(map[uint16]uint64),
		}
		sh.buckets[id] = b
		aggTracked.Inc()
	}
	if ev.Timestamp.Before(b.windowStart) {
		aggLate.Inc()
		return nil
	}

	b.lastActive = time.Now()
	if ev.Timestamp.After(b.lastTS) {
		b.lastTS = ev.Timestamp
	}
	b.events++
	b.packets += ev.Packets
	b.bytes += ev.Bytes
	b.protoPackets[ev.Protocol] += ev.Packets
	if ev.SrcPort != 0 {
		b.srcPorts[ev.SrcPort] += ev.Packets
	}
	if ev.DstPort != 0 {
		b.dstPorts[ev.DstPort] += ev.Packets
	}
	b.flagSYN += ev.FlagSYN
	b.flagACK += ev.FlagACK
	b.flagFIN += ev.FlagFIN
	b.flagRST += ev.FlagRST

	if ev.Packets > 0 {
		size := float64(ev.Bytes) / float64(ev.Packets)
		delta := size - b.sizeMean
		b.sizeMean += delta / float64(b.events)
		b.sizeM2 += delta * (size - b.sizeMean)
	}
	if ev.PayloadEntropy > 0 {
		b.entropySum += ev.PayloadEntropy
		b.entropyN++
	}

	aggEvents.Inc()
	return nil
}

// evictOldest drops the least-recently-active bucket in the shard, emitting
// its partial window so scoring degrades lossily instead of failing.
// Caller holds the shard lock.
func (a *Aggregator) evictOldest(sh *shard) {
	var oldest *bucket
	for _, b := range sh.buckets {
		if oldest == nil || b.lastActive.Before(oldest.lastActive) {
			oldest = b
		}
	}
	if oldest == nil {
		return
	}
	sh.closed = append(sh.closed, a.finalize(oldest))
	delete(sh.buckets, oldest.identity)
	aggTracked.Dec()
	aggCapacityEvictions.Inc()
}

// FlushDue closes every window whose end time has elapsed and returns the
// resulting feature vectors. Closed windows leave pending state entirely.
func (a *Aggregator) FlushDue(now time.Time) []flow.FeatureVector {
	var out []flow.FeatureVector
	for _, sh := range a.shards {
		sh.mu.Lock()
		if len(sh.closed) > 0 {
			out = append(out, sh.closed...)
			sh.closed = nil
		}
		for id, b := range sh.buckets {
			if !now.Before(b.windowEnd) {
				out = append(out, a.finalize(b))
				delete(sh.buckets, id)
				aggTracked.Dec()
			}
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Identity != out[j].Identity {
			return out[i].Identity < out[j].Identity
		}
		return out[i].WindowStart.Before(out[j].WindowStart)
	})
	aggVectors.Add(float64(len(out)))
	return out
}

// TrackedIdentities reports how many identities currently hold an open bucket.
func (a *Aggregator) TrackedIdentities() int {
	n := 0
	for _, sh := range a.shards {
		sh.mu.Lock()
		n += len(sh.buckets)
		sh.mu.Unlock()
	}
	return n
}

func (a *Aggregator) finalize(b *bucket) flow.FeatureVector {
	fv := flow.FeatureVector{
		Identity:    b.identity,
		WindowStart: b.windowStart,
		WindowEnd:   b.windowEnd,
	}
	winSec := a.cfg.WindowSize.Seconds()
	if winSec <= 0 {
		winSec = 1
	}
	fv.Features[flow.FeatPacketRate] = float64(b.packets) / winSec
	fv.Features[flow.FeatByteRate] = float64(b.bytes) / winSec
	fv.Features[flow.FeatFlowDuration] = b.lastTS.Sub(b.firstTS).Seconds()
	if b.packets > 0 {
		fv.Features[flow.FeatPacketSizeAvg] = float64(b.bytes) / float64(b.packets)
		fv.Features[flow.FeatFlagSYN] = ratio(b.flagSYN, b.packets)
		fv.Features[flow.FeatFlagACK] = ratio(b.flagACK, b.packets)
		fv.Features[flow.FeatFlagFIN] = ratio(b.flagFIN, b.packets)
		fv.Features[flow.FeatFlagRST] = ratio(b.flagRST, b.packets)
		fv.Features[flow.FeatProtocolTCP] = ratio(b.protoPackets["tcp"], b.packets)
		fv.Features[flow.FeatProtocolUDP] = ratio(b.protoPackets["udp"], b.packets)
		fv.Features[flow.FeatProtocolICMP] = ratio(b.protoPackets["icmp"], b.packets)
	}
	if b.events > 1 {
		fv.Features[flow.FeatPacketSizeStd] = math.Sqrt(b.sizeM2 / float64(b.events-1))
		fv.Features[flow.FeatInterArrivalTime] = b.lastTS.Sub(b.firstTS).Seconds() / float64(b.events-1)
	}
	fv.Features[flow.FeatSrcPortEntropy] = portEntropy(b.srcPorts)
	fv.Features[flow.FeatDstPortEntropy] = portEntropy(b.dstPorts)
	if b.entropyN > 0 {
		fv.Features[flow.FeatPayloadEntropy] = b.entropySum / float64(b.entropyN)
	}
	return fv
}

func ratio(n, d uint64) float64 {
	if d == 0 {
		return 0
	}
	r := float64(n) / float64(d)
	if r > 1 {
		r = 1
	}
	return r
}

// portEntropy computes Shannon entropy over the packet-weighted port
// distribution. Low entropy under high rate is a flood signature.
func portEntropy(ports map[uint16]uint64) float64 {
	var total uint64
	for _, c := range ports {
		total += c
	}
	if total == 0 {
		return 0
	}
	entropy := 0.0
	for _, c := range ports {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}
