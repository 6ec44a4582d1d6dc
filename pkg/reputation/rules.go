package reputation

import (
	"sort"
	"time"

	"github.com/maestro-run/maestro/pkg/config"
	"github.com/maestro-run/maestro/pkg/models"
)

// Rule confidence constants.
const (
	confidenceDoubleVoting        = 0.95
	confidenceConflictingMessages = 0.85
	confidenceTimingManipulation  = 0.75
	confidenceSpamFlooding        = 0.80
	confidenceCollusion           = 0.70
	confidenceViewChangeAbuse     = 0.80
)

// Timing-manipulation thresholds: consecutive messages closer than
// minMessageGap, or artificially regular inter-arrival times.
const (
	minMessageGap          = 10 * time.Millisecond
	regularitySampleFloor  = 5
	regularityVarianceCap  = 100.0 // ms²
	collusionPatternShare  = 0.8
	viewChangeMessageLimit = 3
)

type detectionRule func(cfg config.ReputationConfig, agentID string, messages []models.ConsensusMessage, votes []models.Vote, now time.Time) (models.MaliciousBehavior, bool)

var detectionRules = []detectionRule{
	detectDoubleVoting,
	detectConflictingMessages,
	detectTimingManipulation,
	detectSpamFlooding,
	detectCollusion,
	detectViewChangeAbuse,
}

func newBehavior(agentID string, t models.BehaviorType, confidence float64, evidence map[string]any, now time.Time) models.MaliciousBehavior {
	return models.MaliciousBehavior{
		AgentID:    agentID,
		Type:       t,
		Severity:   gradeSeverity(t, confidence),
		Confidence: confidence,
		Evidence:   evidence,
		Timestamp:  now,
	}
}

// detectDoubleVoting flags more than one vote on the same proposal.
func detectDoubleVoting(_ config.ReputationConfig, agentID string, _ []models.ConsensusMessage, votes []models.Vote, now time.Time) (models.MaliciousBehavior, bool) {
	perProposal := make(map[string]int)
	for _, v := range votes {
		if v.SenderID == agentID {
			perProposal[v.ProposalID]++
		}
	}
	for proposalID, n := range perProposal {
		if n > 1 {
			return newBehavior(agentID, models.BehaviorDoubleVoting, confidenceDoubleVoting, map[string]any{
				"proposal_id": proposalID,
				"vote_count":  n,
			}, now), true
		}
	}
	return models.MaliciousBehavior{}, false
}

// detectConflictingMessages flags two messages with the same
// (type, view, sequence) but different payload digests.
func detectConflictingMessages(_ config.ReputationConfig, agentID string, messages []models.ConsensusMessage, _ []models.Vote, now time.Time) (models.MaliciousBehavior, bool) {
	type slot struct {
		t models.MessageType
		v uint64
		s uint64
	}
	seen := make(map[slot]string)
	for _, m := range messages {
		if m.SenderID != agentID {
			continue
		}
		k := slot{m.Type, m.View, m.Sequence}
		if digest, ok := seen[k]; ok && digest != m.Digest {
			return newBehavior(agentID, models.BehaviorConflictingMessages, confidenceConflictingMessages, map[string]any{
				"message_type": string(m.Type),
				"view":         m.View,
				"sequence":     m.Sequence,
			}, now), true
		}
		seen[k] = m.Digest
	}
	return models.MaliciousBehavior{}, false
}

// detectTimingManipulation flags sub-10ms consecutive messages and
// artificially regular message spacing.
func detectTimingManipulation(_ config.ReputationConfig, agentID string, messages []models.ConsensusMessage, _ []models.Vote, now time.Time) (models.MaliciousBehavior, bool) {
	var times []time.Time
	for _, m := range messages {
		if m.SenderID == agentID {
			times = append(times, m.Timestamp)
		}
	}
	if len(times) < 2 {
		return models.MaliciousBehavior{}, false
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	gaps := make([]float64, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		gap := times[i].Sub(times[i-1])
		if gap < minMessageGap {
			return newBehavior(agentID, models.BehaviorTimingManipulation, confidenceTimingManipulation, map[string]any{
				"gap_ms": gap.Milliseconds(),
			}, now), true
		}
		gaps = append(gaps, float64(gap.Milliseconds()))
	}

	if len(times) >= regularitySampleFloor {
		mean := 0.0
		for _, g := range gaps {
			mean += g
		}
		mean /= float64(len(gaps))
		variance := 0.0
		for _, g := range gaps {
			variance += (g - mean) * (g - mean)
		}
		variance /= float64(len(gaps))
		if variance < regularityVarianceCap {
			return newBehavior(agentID, models.BehaviorTimingManipulation, confidenceTimingManipulation, map[string]any{
				"variance_ms2": variance,
				"messages":     len(times),
			}, now), true
		}
	}
	return models.MaliciousBehavior{}, false
}

// detectSpamFlooding flags message volume above the per-window cap.
func detectSpamFlooding(cfg config.ReputationConfig, agentID string, messages []models.ConsensusMessage, _ []models.Vote, now time.Time) (models.MaliciousBehavior, bool) {
	count := 0
	for _, m := range messages {
		if m.SenderID == agentID {
			count++
		}
	}
	if count > cfg.MaxMessagesPerWindow {
		return newBehavior(agentID, models.BehaviorSpamFlooding, confidenceSpamFlooding, map[string]any{
			"message_count": count,
			"limit":         cfg.MaxMessagesPerWindow,
		}, now), true
	}
	return models.MaliciousBehavior{}, false
}

// detectCollusion flags vote sets dominated by one identical
// (decision, weight) pattern.
func detectCollusion(_ config.ReputationConfig, agentID string, _ []models.ConsensusMessage, votes []models.Vote, now time.Time) (models.MaliciousBehavior, bool) {
	type pattern struct {
		decision string
		weight   float64
	}
	counts := make(map[pattern]int)
	total := 0
	for _, v := range votes {
		if v.SenderID != agentID {
			continue
		}
		counts[pattern{v.Decision, v.Weight}]++
		total++
	}
	if total < 2 {
		return models.MaliciousBehavior{}, false
	}
	for p, n := range counts {
		if float64(n)/float64(total) > collusionPatternShare {
			return newBehavior(agentID, models.BehaviorCollusion, confidenceCollusion, map[string]any{
				"decision":   p.decision,
				"weight":     p.weight,
				"share":      float64(n) / float64(total),
				"vote_count": total,
			}, now), true
		}
	}
	return models.MaliciousBehavior{}, false
}

// detectViewChangeAbuse flags excessive view changes and view-change
// messages missing the required last_committed field.
func detectViewChangeAbuse(_ config.ReputationConfig, agentID string, messages []models.ConsensusMessage, _ []models.Vote, now time.Time) (models.MaliciousBehavior, bool) {
	count := 0
	for _, m := range messages {
		if m.SenderID != agentID || m.Type != models.MsgViewChange {
			continue
		}
		count++
		if _, ok := m.Payload["last_committed"]; !ok {
			return newBehavior(agentID, models.BehaviorViewChangeAbuse, confidenceViewChangeAbuse, map[string]any{
				"reason": "missing last_committed",
				"view":   m.View,
			}, now), true
		}
	}
	if count > viewChangeMessageLimit {
		return newBehavior(agentID, models.BehaviorViewChangeAbuse, confidenceViewChangeAbuse, map[string]any{
			"reason":            "excessive view changes",
			"view_change_count": count,
		}, now), true
	}
	return models.MaliciousBehavior{}, false
}
