// Package pipeline wires ingestion, feature aggregation, ensemble scoring,
// mitigation decisions and dispatch into one bounded-queue flow. Every
// stage hands off through a fixed-capacity channel; when ingestion cannot
// keep up the caller gets ErrBusy instead of unbounded buffering.
package pipeline

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/aggregator"
	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/config"
	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/dispatch"
	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/flow"
	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/history"
	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/mitigation"
	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/ml"
	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/statestore"
	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/structlog"
)

// ErrBusy is returned when ingestion sheds load.
var ErrBusy = errors.New("pipeline: ingestion queue full")

var (
	pipeShed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ddos", Subsystem: "pipeline", Name: "shed_total",
		Help: "Events rejected at ingestion under backpressure.",
	})
	pipeVectorsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ddos", Subsystem: "pipeline", Name: "vectors_dropped_total",
		Help: "Feature vectors dropped because the scoring queue was full.",
	})
	pipeQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ddos", Subsystem: "pipeline", Name: "queue_depth",
		Help: "Current depth per stage queue.",
	}, []string{"stage"})
)

func init() {
	_ = prometheus.Register(pipeShed)
	_ = prometheus.Register(pipeVectorsDropped)
	_ = prometheus.Register(pipeQueueDepth)
}

// Auditor persists actions and alerts. Implemented by store.AuditStore;
// nil disables auditing.
type Auditor interface {
	RecordAction(ctx context.Context, a *mitigation.Action) error
	RecordAlert(ctx context.Context, alert *mitigation.Alert) error
}

// Pipeline owns the workers between raw events and dispatched decisions.
type Pipeline struct {
	cfg *config.Config
	log *structlog.Logger

	agg       *aggregator.Aggregator
	ensemble  *ml.Ensemble
	anomaly   *ml.AnomalyDetector
	explainer *ml.Explainer
	engine    *mitigation.Engine
	store     *statestore.Store
	disp      *dispatch.Dispatcher
	hist      history.History
	audit     Auditor

	events chan flow.Event
	// vectors holds one queue per scoring worker; an identity always
	// hashes to the same queue so its windows are scored in order.
	vectors   []chan flow.FeatureVector
	decisions chan mitigation.Decision

	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// Deps carries the pipeline collaborators. All except Audit and History
// are required.
type Deps struct {
	Log       *structlog.Logger
	Agg       *aggregator.Aggregator
	Ensemble  *ml.Ensemble
	Anomaly   *ml.AnomalyDetector
	Explainer *ml.Explainer
	Engine    *mitigation.Engine
	Store     *statestore.Store
	Disp      *dispatch.Dispatcher
	Hist      history.History
	Audit     Auditor
}

func New(cfg *config.Config, d Deps) (*Pipeline, error) {
	if d.Agg == nil || d.Ensemble == nil || d.Engine == nil || d.Store == nil || d.Disp == nil {
		return nil, errors.New("pipeline: missing required dependency")
	}
	if d.Log == nil {
		d.Log = structlog.NewLogger(cfg.ServiceName, structlog.ParseLevel(cfg.LogLevel), nil)
	}
	if d.Hist == nil {
		d.Hist = history.NewMemoryHistory(cfg.HistoryPerKey, cfg.MaxIdentities)
	}
	workers := cfg.ScoreWorkers
	if workers < 1 {
		workers = 1
	}
	vectors := make([]chan flow.FeatureVector, workers)
	for i := range vectors {
		vectors[i] = make(chan flow.FeatureVector, cfg.VerdictQueueSize)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		cfg:       cfg,
		log:       d.Log,
		agg:       d.Agg,
		ensemble:  d.Ensemble,
		anomaly:   d.Anomaly,
		explainer: d.Explainer,
		engine:    d.Engine,
		store:     d.Store,
		disp:      d.Disp,
		hist:      d.Hist,
		audit:     d.Audit,
		events:    make(chan flow.Event, cfg.IngestQueueSize),
		vectors:   vectors,
		decisions: make(chan mitigation.Decision, cfg.VerdictQueueSize),
		limiter:   rate.NewLimiter(rate.Limit(cfg.IngestRatePerSec), cfg.IngestBurst),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Submit offers one event to the pipeline. Returns ErrBusy under
// backpressure and flow.ErrMalformedEvent for events that fail validation.
func (p *Pipeline) Submit(ev flow.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if !p.limiter.Allow() {
		pipeShed.Inc()
		return ErrBusy
	}
	select {
	case p.events <- ev:
		pipeQueueDepth.WithLabelValues("ingest").Set(float64(len(p.events)))
		return nil
	default:
		pipeShed.Inc()
		return ErrBusy
	}
}

// Start launches the stage workers. Idempotent.
func (p *Pipeline) Start() {
	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.runIngest()
		for i := range p.vectors {
			p.wg.Add(1)
			go p.runScore(p.vectors[i])
		}
		p.wg.Add(1)
		go p.runDispatch()
		p.wg.Add(1)
		go p.runHousekeeping()
	})
}

// Stop drains in-flight work and shuts the workers down. Events submitted
// after Stop are rejected with ErrBusy once the queues close.
func (p *Pipeline) Stop(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		p.cancel()
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

// runIngest consumes raw events and drives window rotation.
func (p *Pipeline) runIngest() {
	defer p.wg.Done()
	flushEvery := p.cfg.WindowSize / 2
	if flushEvery < 100*time.Millisecond {
		flushEvery = 100 * time.Millisecond
	}
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			p.flushVectors(p.agg.FlushDue(time.Now().Add(p.cfg.WindowSize)))
			for _, ch := range p.vectors {
				close(ch)
			}
			return
		case ev := <-p.events:
			if err := p.agg.Ingest(ev); err != nil {
				p.log.Debug("event rejected", structlog.Fields{"identity": ev.Identity(), "error": err.Error()})
			}
			pipeQueueDepth.WithLabelValues("ingest").Set(float64(len(p.events)))
		case now := <-ticker.C:
			p.flushVectors(p.agg.FlushDue(now))
		}
	}
}

func (p *Pipeline) flushVectors(vectors []flow.FeatureVector) {
	for _, fv := range vectors {
		ch := p.vectors[p.workerFor(fv.Identity)]
		select {
		case ch <- fv:
			pipeQueueDepth.WithLabelValues("score").Set(float64(len(ch)))
		default:
			// Scoring is saturated. Dropping a vector loses one window for
			// one source, never the source's state.
			pipeVectorsDropped.Inc()
		}
	}
}

// workerFor pins an identity to one scoring worker.
func (p *Pipeline) workerFor(identity string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return int(h.Sum32() % uint32(len(p.vectors)))
}

// stageCtx returns the pipeline context while it is alive. During the
// shutdown drain it returns a fresh deadline-bounded context instead, so
// drained work still runs against live models and sinks.
func (p *Pipeline) stageCtx() (context.Context, context.CancelFunc) {
	if p.ctx.Err() == nil {
		return p.ctx, func() {}
	}
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// runScore turns feature vectors into fused verdicts and decisions.
func (p *Pipeline) runScore(vectors <-chan flow.FeatureVector) {
	defer p.wg.Done()
	for fv := range vectors {
		p.scoreVector(fv)
	}
}

func (p *Pipeline) scoreVector(fv flow.FeatureVector) {
	ctx, cancel := p.stageCtx()
	defer cancel()

	verdict := p.ensemble.Score(ctx, fv)

	if p.hist != nil {
		if err := p.hist.Append(ctx, &verdict); err != nil {
			p.log.Warn("history append failed", structlog.Fields{"identity": verdict.Identity, "error": err.Error()})
		}
	}
	if p.anomaly != nil && verdict.Score < p.cfg.SuspiciousThreshold {
		// Quiet traffic refines the behavioral baseline.
		p.anomaly.Update(&fv)
	}

	decision := p.engine.Apply(&verdict)
	if decision.Alert != nil && p.explainer != nil {
		if exp, err := p.explainer.Explain(ctx, &verdict); err == nil {
			decision.Alert.Explanation = exp
		} else if !errors.Is(err, ml.ErrExplanationUnavailable) {
			p.log.Warn("explanation failed", structlog.Fields{"verdict_id": verdict.ID, "error": err.Error()})
		}
	}
	if decision.Action != nil && decision.Action.Kind == mitigation.ActionBlock {
		p.scheduleExpiry(decision.State)
	}
	if decision.Action != nil || decision.Alert != nil {
		p.enqueueDecision(decision)
	}
}

// scheduleExpiry arms a timer for the block's expiry. The generation
// captured here makes the callback a no-op if the block was superseded.
func (p *Pipeline) scheduleExpiry(st statestore.SourceState) {
	identity, generation := st.Identity, st.Generation
	delay := time.Until(st.BlockExpiry)
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, func() {
		decision := p.engine.ExpireBlock(identity, generation, time.Now())
		if decision == nil {
			return
		}
		p.enqueueDecision(*decision)
	})
}

func (p *Pipeline) enqueueDecision(d mitigation.Decision) {
	select {
	case p.decisions <- d:
		pipeQueueDepth.WithLabelValues("dispatch").Set(float64(len(p.decisions)))
	case <-p.ctx.Done():
		// Shutdown races a late decision; deliver synchronously so the
		// unblock or alert is not lost.
		p.dispatchDecision(d)
	}
}

// runDispatch delivers decisions and persists the audit trail.
func (p *Pipeline) runDispatch() {
	defer p.wg.Done()
	for {
		select {
		case d := <-p.decisions:
			p.dispatchDecision(d)
			pipeQueueDepth.WithLabelValues("dispatch").Set(float64(len(p.decisions)))
		case <-p.ctx.Done():
			for {
				select {
				case d := <-p.decisions:
					p.dispatchDecision(d)
				default:
					return
				}
			}
		}
	}
}

func (p *Pipeline) dispatchDecision(d mitigation.Decision) {
	ctx, cancel := p.stageCtx()
	defer cancel()
	if d.Action != nil {
		p.disp.DispatchAction(ctx, d.Action)
		if p.audit != nil {
			if err := p.audit.RecordAction(ctx, d.Action); err != nil {
				p.log.Warn("audit action failed", structlog.Fields{"action_id": d.Action.ID, "error": err.Error()})
			}
		}
	}
	if d.Alert != nil {
		p.disp.DispatchAlert(ctx, d.Alert)
		if p.audit != nil {
			if err := p.audit.RecordAlert(ctx, d.Alert); err != nil {
				p.log.Warn("audit alert failed", structlog.Fields{"alert_id": d.Alert.ID, "error": err.Error()})
			}
		}
	}
}

// runHousekeeping evicts idle identities on a slow cadence.
func (p *Pipeline) runHousekeeping() {
	defer p.wg.Done()
	interval := p.cfg.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case now := <-ticker.C:
			if n := p.engine.EvictIdle(now); n > 0 {
				p.log.Debug("evicted idle identities", structlog.Fields{"count": n})
			}
		}
	}
}
