package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Pipeline is the asset registry with the policy gate in front and the
// processors behind. All state lives in memory; assets are transient by
// design and expire on TTL.
type Pipeline struct {
	policy           Policy
	ttl              time.Duration
	auditEnabled     bool
	processors       []Processor
	processorTimeout time.Duration

	mu     sync.Mutex
	assets map[string]*Asset
	order  []string // registration order, oldest first
	audits map[string][]AuditEvent

	newID func() string
	now   func() time.Time
}

// PipelineConfig assembles a Pipeline.
type PipelineConfig struct {
	Policy           Policy
	TTL              time.Duration
	AuditEvents      bool
	Processors       []Processor
	ProcessorTimeout time.Duration
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.TTL <= 0 {
		cfg.TTL = 60 * time.Minute
	}
	if cfg.ProcessorTimeout <= 0 {
		cfg.ProcessorTimeout = 30 * time.Second
	}
	return &Pipeline{
		policy:           cfg.Policy,
		ttl:              cfg.TTL,
		auditEnabled:     cfg.AuditEvents,
		processors:       cfg.Processors,
		processorTimeout: cfg.ProcessorTimeout,
		assets:           make(map[string]*Asset),
		audits:           make(map[string][]AuditEvent),
		newID:            func() string { return uuid.NewString() },
		now:              time.Now,
	}
}

// RegisterInbound gates, registers and (when allowed) processes one inbound
// attachment. The returned asset is a snapshot of its settled state; the
// live record stays inside the registry.
func (p *Pipeline) RegisterInbound(ctx context.Context, req RegisterRequest, actor string) (*Asset, error) {
	now := p.now()
	asset := &Asset{
		ID:         p.newID(),
		Channel:    req.Channel,
		ChatID:     req.ChatID,
		MimeType:   req.MimeType,
		FileName:   req.FileName,
		SizeBytes:  req.SizeBytes,
		SourceType: req.SourceType,
		SourceRef:  req.SourceRef,
		LocalPath:  req.LocalPath,
		State:      StateReceived,
		CreatedAt:  now,
		ExpiresAt:  now.Add(p.ttl),
		Metadata:   make(map[string]string),
	}

	p.mu.Lock()
	p.assets[asset.ID] = asset
	p.order = append(p.order, asset.ID)
	p.mu.Unlock()

	p.audit(asset.ID, "received", actor,
		fmt.Sprintf("%s %s (%d bytes) from %s", req.MimeType, req.FileName, req.SizeBytes, req.Channel))

	decision, reason := p.policy.Evaluate(req)
	p.mu.Lock()
	asset.PolicyDecision = decision
	asset.PolicyReason = reason
	p.mu.Unlock()
	p.audit(asset.ID, "policy", "policy-gate", decision+auditReason(reason))

	switch decision {
	case DecisionReject:
		p.transition(asset, StateRejected)
		return p.snapshot(asset), nil
	case DecisionQuarantine:
		p.transition(asset, StateQuarantined)
		return p.snapshot(asset), nil
	}

	if asset.LocalPath == "" {
		p.transition(asset, StateValidated)
		return p.snapshot(asset), nil
	}
	p.transition(asset, StateMaterialized)

	p.process(ctx, asset)
	return p.snapshot(asset), nil
}

// process runs every applicable processor under the per-stage timeout.
func (p *Pipeline) process(ctx context.Context, asset *Asset) {
	ran := false
	for _, proc := range p.processors {
		if !proc.Applicable(asset.MimeType) {
			continue
		}
		ran = true

		stageCtx, cancel := context.WithTimeout(ctx, p.processorTimeout)
		results, err := proc.Process(stageCtx, asset)
		cancel()

		if err != nil {
			code := FailProcessing
			var pe *ProcessError
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				code = FailTimeout
			case errors.As(err, &pe):
				code = pe.Code
			}
			p.mu.Lock()
			asset.FailureCode = code
			p.mu.Unlock()
			p.audit(asset.ID, "failure", proc.Name(), fmt.Sprintf("%s: %v", code, err))
			p.transition(asset, StateFailed)
			return
		}

		p.mu.Lock()
		for k, v := range results {
			asset.Metadata[k] = v
		}
		p.mu.Unlock()
		p.audit(asset.ID, "processor", proc.Name(), "completed")
	}

	if ran {
		p.transition(asset, StateProcessed)
	}
}

// GetByID returns a copy of the asset, or nil when unknown.
func (p *Pipeline) GetByID(id string) *Asset {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.assets[id]
	if !ok {
		return nil
	}
	return cloneAsset(a)
}

// ListRecent returns copies of up to limit assets, newest first. The limit
// is clamped to 1..1000.
func (p *Pipeline) ListRecent(limit int) []*Asset {
	if limit < 1 {
		limit = 1
	}
	if limit > 1000 {
		limit = 1000
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Asset, 0, limit)
	for i := len(p.order) - 1; i >= 0 && len(out) < limit; i-- {
		if a, ok := p.assets[p.order[i]]; ok {
			out = append(out, cloneAsset(a))
		}
	}
	return out
}

// GetAudit returns the asset's audit trail in emission order.
func (p *Pipeline) GetAudit(id string) []AuditEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	events := p.audits[id]
	out := make([]AuditEvent, len(events))
	copy(out, events)
	return out
}

// CleanupExpired removes every asset whose TTL has elapsed and returns how
// many were dropped.
func (p *Pipeline) CleanupExpired() int {
	now := p.now()

	p.mu.Lock()
	var expired []string
	for id, a := range p.assets {
		if !a.ExpiresAt.After(now) {
			expired = append(expired, id)
			a.State = StateExpired
		}
	}
	for _, id := range expired {
		delete(p.assets, id)
	}
	kept := p.order[:0]
	for _, id := range p.order {
		if _, ok := p.assets[id]; ok {
			kept = append(kept, id)
		}
	}
	p.order = kept
	p.mu.Unlock()

	for _, id := range expired {
		p.audit(id, "expired", "pipeline", "ttl elapsed")
	}
	if len(expired) > 0 {
		slog.Debug("media: expired assets removed", "count", len(expired))
	}
	return len(expired)
}

// GetStats aggregates the registry by state and policy decision.
func (p *Pipeline) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{
		ByState:    make(map[AssetState]int),
		ByDecision: make(map[string]int),
	}
	for _, a := range p.assets {
		stats.Total++
		stats.ByState[a.State]++
		if a.PolicyDecision != "" {
			stats.ByDecision[a.PolicyDecision]++
		}
	}
	return stats
}

func (p *Pipeline) transition(asset *Asset, to AssetState) {
	p.mu.Lock()
	from := asset.State
	asset.State = to
	p.mu.Unlock()
	p.audit(asset.ID, "state", "pipeline", fmt.Sprintf("%s -> %s", from, to))
}

// snapshot copies the asset under the registry lock so callers can read it
// without racing the pipeline.
func (p *Pipeline) snapshot(asset *Asset) *Asset {
	p.mu.Lock()
	defer p.mu.Unlock()
	return cloneAsset(asset)
}

// cloneAsset must be called with p.mu held.
func cloneAsset(a *Asset) *Asset {
	c := *a
	c.Metadata = make(map[string]string, len(a.Metadata))
	for k, v := range a.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

func (p *Pipeline) audit(id, typ, actor, message string) {
	if !p.auditEnabled {
		return
	}
	p.mu.Lock()
	p.audits[id] = append(p.audits[id], AuditEvent{
		Timestamp: p.now(),
		Type:      typ,
		Actor:     actor,
		Message:   message,
	})
	p.mu.Unlock()
}

func auditReason(reason string) string {
	if reason == "" {
		return ""
	}
	return ": " + reason
}
