// Package reputation tracks per-agent trust scores and detects malicious
// behavior patterns in consensus traffic. Scores start at 1.0, only
// detections lower them, and only explicit rehabilitation raises them.
// Agents falling below the quarantine threshold are excluded from
// consensus until rehabilitated.
package reputation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/maestro-run/maestro/pkg/config"
	"github.com/maestro-run/maestro/pkg/events"
	"github.com/maestro-run/maestro/pkg/metrics"
	"github.com/maestro-run/maestro/pkg/models"
)

// Sample is one historical score observation.
type Sample struct {
	Score     float64   `json:"score"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is an agent's reputation state. Snapshots returned by the
// tracker are copies; the live record is owned by the tracker.
type Record struct {
	AgentID      string                     `json:"agent_id"`
	Score        float64                    `json:"score"`
	TrustLevel   models.TrustLevel          `json:"trust_level"`
	Samples      []Sample                   `json:"samples,omitempty"`
	Behaviors    []models.MaliciousBehavior `json:"behaviors,omitempty"`
	Interactions map[string]int             `json:"interactions,omitempty"`
	Quarantined  bool                       `json:"quarantined"`
	Suspicious   bool                       `json:"suspicious"`
}

// basePenalty maps each behavior type to its penalty before confidence
// and severity scaling.
var basePenalty = map[models.BehaviorType]float64{
	models.BehaviorDoubleVoting:        0.3,
	models.BehaviorConflictingMessages: 0.25,
	models.BehaviorTimingManipulation:  0.15,
	models.BehaviorFakeSignatures:      0.35,
	models.BehaviorSpamFlooding:        0.2,
	models.BehaviorCollusion:           0.25,
	models.BehaviorViewChangeAbuse:     0.2,
	models.BehaviorConsensusDisruption: 0.3,
	models.BehaviorSybilAttack:         0.4,
	models.BehaviorEclipseAttack:       0.35,
}

// severityClass groups behavior types by their worst plausible impact;
// the detected confidence then decides the final grade.
var severityClass = map[models.BehaviorType]models.Severity{
	models.BehaviorFakeSignatures:      models.SeverityCritical,
	models.BehaviorSybilAttack:         models.SeverityCritical,
	models.BehaviorEclipseAttack:       models.SeverityCritical,
	models.BehaviorDoubleVoting:        models.SeverityHigh,
	models.BehaviorConflictingMessages: models.SeverityHigh,
	models.BehaviorConsensusDisruption: models.SeverityHigh,
	models.BehaviorTimingManipulation:  models.SeverityMedium,
	models.BehaviorSpamFlooding:        models.SeverityMedium,
	models.BehaviorCollusion:           models.SeverityMedium,
	models.BehaviorViewChangeAbuse:     models.SeverityMedium,
}

// gradeSeverity maps a behavior's class and confidence to its final
// severity.
func gradeSeverity(t models.BehaviorType, confidence float64) models.Severity {
	switch severityClass[t] {
	case models.SeverityCritical:
		if confidence > 0.8 {
			return models.SeverityCritical
		}
	case models.SeverityHigh:
		if confidence > 0.7 {
			return models.SeverityHigh
		}
	case models.SeverityMedium:
		if confidence > 0.6 {
			return models.SeverityMedium
		}
	}
	return models.SeverityLow
}

// rehabilitationCredit is the score restored per manual rehabilitation.
const rehabilitationCredit = 0.2

// Tracker owns all reputation records. Writes are serialized by the
// tracker mutex; consensus holds a read-only view through IsAgentTrusted.
type Tracker struct {
	cfg    config.ReputationConfig
	bus    *events.Bus
	logger *slog.Logger

	mu          sync.RWMutex
	records     map[string]*Record
	quarantined map[string]struct{}
	suspicious  map[string]struct{}
}

// NewTracker creates an empty tracker.
func NewTracker(cfg config.ReputationConfig, bus *events.Bus) *Tracker {
	return &Tracker{
		cfg:         cfg,
		bus:         bus,
		logger:      slog.With("component", "reputation"),
		records:     make(map[string]*Record),
		quarantined: make(map[string]struct{}),
		suspicious:  make(map[string]struct{}),
	}
}

// RegisterAgent creates a record with a pristine score. Re-registering an
// existing agent is a no-op.
func (t *Tracker) RegisterAgent(agent models.AgentIdentity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[agent.ID]; ok {
		return
	}
	t.records[agent.ID] = &Record{
		AgentID:      agent.ID,
		Score:        1.0,
		TrustLevel:   models.TrustVerified,
		Interactions: make(map[string]int),
	}
	t.logger.Info("Registered agent", "agent_id", agent.ID)
}

// IsAgentTrusted reports whether the agent may participate in consensus.
// Unknown and quarantined agents are never trusted.
func (t *Tracker) IsAgentTrusted(agentID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[agentID]
	if !ok {
		return false
	}
	if _, q := t.quarantined[agentID]; q {
		return false
	}
	return r.Score >= t.cfg.QuarantineThreshold
}

// Score returns the agent's current score, or 0 for unknown agents.
func (t *Tracker) Score(agentID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if r, ok := t.records[agentID]; ok {
		return r.Score
	}
	return 0
}

// Snapshot returns a copy of the agent's record.
func (t *Tracker) Snapshot(agentID string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[agentID]
	if !ok {
		return Record{}, false
	}
	snap := *r
	snap.Samples = append([]Sample(nil), r.Samples...)
	snap.Behaviors = append([]models.MaliciousBehavior(nil), r.Behaviors...)
	snap.Interactions = make(map[string]int, len(r.Interactions))
	for k, v := range r.Interactions {
		snap.Interactions[k] = v
	}
	_, snap.Quarantined = t.quarantined[agentID]
	_, snap.Suspicious = t.suspicious[agentID]
	return snap, true
}

// Quarantined lists agents currently in quarantine.
func (t *Tracker) Quarantined() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.quarantined))
	for id := range t.quarantined {
		out = append(out, id)
	}
	return out
}

// AnalyzeBehavior runs every detection rule over the agent's recent
// messages and votes and applies the resulting penalties. Within one
// pass the score only moves down.
func (t *Tracker) AnalyzeBehavior(agentID string, messages []models.ConsensusMessage, votes []models.Vote) []models.MaliciousBehavior {
	now := time.Now()
	windowStart := now.Add(-t.cfg.TimeWindow)
	messages = messagesSince(messages, windowStart)
	votes = votesSince(votes, windowStart)

	var detected []models.MaliciousBehavior
	for _, rule := range detectionRules {
		if b, ok := rule(t.cfg, agentID, messages, votes, now); ok {
			detected = append(detected, b)
		}
	}

	for _, b := range detected {
		t.applyPenalty(b)
	}
	return detected
}

// ReportBehavior records a behavior detected outside the rule engine
// (signature verification, membership audits) and applies its penalty.
func (t *Tracker) ReportBehavior(agentID string, behaviorType models.BehaviorType, confidence float64, evidence map[string]any) models.MaliciousBehavior {
	b := models.MaliciousBehavior{
		AgentID:    agentID,
		Type:       behaviorType,
		Severity:   gradeSeverity(behaviorType, confidence),
		Confidence: confidence,
		Evidence:   evidence,
		Timestamp:  time.Now(),
	}
	t.applyPenalty(b)
	return b
}

// Rehabilitate manually restores part of an agent's score and lifts
// quarantine. Calling it at the cap is a no-op beyond set removal.
func (t *Tracker) Rehabilitate(agentID, reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[agentID]
	if !ok {
		return false
	}

	r.Score += rehabilitationCredit
	if r.Score > 1.0 {
		r.Score = 1.0
	}
	r.TrustLevel = models.TrustLevelForScore(r.Score)
	r.Samples = append(r.Samples, Sample{Score: r.Score, Timestamp: time.Now()})
	delete(t.quarantined, agentID)
	delete(t.suspicious, agentID)
	metrics.QuarantinedAgents.Set(float64(len(t.quarantined)))

	t.logger.Info("Rehabilitated agent",
		"agent_id", agentID,
		"reason", reason,
		"score", r.Score)
	t.publish(events.EventAgentRehabilitated, map[string]any{
		"agent_id": agentID,
		"reason":   reason,
		"score":    r.Score,
	})
	return true
}

// RecordInteraction bumps the interaction history between two agents.
func (t *Tracker) RecordInteraction(agentID, peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[agentID]; ok {
		r.Interactions[peerID]++
	}
}

func (t *Tracker) applyPenalty(b models.MaliciousBehavior) {
	t.mu.Lock()
	r, ok := t.records[b.AgentID]
	if !ok {
		// Behavior from an unregistered agent still creates a record so the
		// penalty is not lost.
		r = &Record{
			AgentID:      b.AgentID,
			Score:        1.0,
			TrustLevel:   models.TrustVerified,
			Interactions: make(map[string]int),
		}
		t.records[b.AgentID] = r
	}

	penalty := basePenalty[b.Type] * b.Confidence * b.Severity.Multiplier()
	r.Score -= penalty
	if r.Score < 0 {
		r.Score = 0
	}
	r.TrustLevel = models.TrustLevelForScore(r.Score)
	r.Behaviors = append(r.Behaviors, b)
	r.Samples = append(r.Samples, Sample{Score: r.Score, Timestamp: b.Timestamp})

	quarantinedNow := false
	if r.Score < t.cfg.QuarantineThreshold {
		if _, already := t.quarantined[b.AgentID]; !already {
			t.quarantined[b.AgentID] = struct{}{}
			quarantinedNow = true
		}
	}
	if r.Score < t.cfg.SuspiciousThreshold {
		t.suspicious[b.AgentID] = struct{}{}
	}
	score := r.Score
	metrics.QuarantinedAgents.Set(float64(len(t.quarantined)))
	t.mu.Unlock()

	metrics.MaliciousBehaviors.WithLabelValues(string(b.Type), string(b.Severity)).Inc()
	t.logger.Warn("Malicious behavior detected",
		"agent_id", b.AgentID,
		"type", string(b.Type),
		"severity", string(b.Severity),
		"confidence", b.Confidence,
		"penalty", penalty,
		"score", score)
	t.publish(events.EventMaliciousBehavior, b)
	if quarantinedNow {
		t.logger.Warn("Agent quarantined", "agent_id", b.AgentID, "score", score)
		t.publish(events.EventAgentQuarantined, map[string]any{
			"agent_id": b.AgentID,
			"score":    score,
		})
	}
}

func (t *Tracker) publish(eventType events.EventType, payload any) {
	if t.bus != nil {
		t.bus.Publish(eventType, payload)
	}
}

func messagesSince(msgs []models.ConsensusMessage, cutoff time.Time) []models.ConsensusMessage {
	out := msgs[:0:0]
	for _, m := range msgs {
		if !m.Timestamp.Before(cutoff) {
			out = append(out, m)
		}
	}
	return out
}

func votesSince(votes []models.Vote, cutoff time.Time) []models.Vote {
	out := votes[:0:0]
	for _, v := range votes {
		if !v.Timestamp.Before(cutoff) {
			out = append(out, v)
		}
	}
	return out
}
