package reputation

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/pkg/config"
	"github.com/maestro-run/maestro/pkg/models"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	return NewTracker(*config.DefaultReputationConfig(), nil)
}

func registerAgent(t *Tracker, id string) {
	t.RegisterAgent(models.AgentIdentity{ID: id})
}

func vote(sender, proposal string, at time.Time) models.Vote {
	return models.Vote{
		ProposalID: proposal,
		SenderID:   sender,
		Decision:   "approve",
		Weight:     1.0,
		Timestamp:  at,
	}
}

func TestRegisterStartsPristine(t *testing.T) {
	tr := newTestTracker(t)
	registerAgent(tr, "agent-1")

	assert.Equal(t, 1.0, tr.Score("agent-1"))
	assert.True(t, tr.IsAgentTrusted("agent-1"))

	snap, ok := tr.Snapshot("agent-1")
	require.True(t, ok)
	assert.Equal(t, models.TrustVerified, snap.TrustLevel)
}

func TestUnknownAgentNeverTrusted(t *testing.T) {
	tr := newTestTracker(t)
	assert.False(t, tr.IsAgentTrusted("stranger"))
}

func TestDoubleVotingDetection(t *testing.T) {
	tr := newTestTracker(t)
	registerAgent(tr, "agent-7")
	now := time.Now()

	votes := []models.Vote{
		vote("agent-7", "prop-1", now.Add(-time.Minute)),
		vote("agent-7", "prop-1", now.Add(-30*time.Second)),
	}

	behaviors := tr.AnalyzeBehavior("agent-7", nil, votes)
	require.Len(t, behaviors, 1)
	b := behaviors[0]
	assert.Equal(t, models.BehaviorDoubleVoting, b.Type)
	assert.Equal(t, 0.95, b.Confidence)
	assert.Equal(t, models.SeverityHigh, b.Severity)

	// 1.0 - 0.3*0.95*1.5 = 0.5725: flagged but still trusted.
	assert.InDelta(t, 0.5725, tr.Score("agent-7"), 1e-9)
	assert.True(t, tr.IsAgentTrusted("agent-7"))

	snap, _ := tr.Snapshot("agent-7")
	assert.True(t, snap.Suspicious)
	assert.False(t, snap.Quarantined)
}

func TestSpamFloodingDetection(t *testing.T) {
	tr := newTestTracker(t)
	registerAgent(tr, "agent-3")
	now := time.Now()

	msgs := make([]models.ConsensusMessage, 0, 101)
	for i := 0; i < 101; i++ {
		msgs = append(msgs, models.ConsensusMessage{
			Type:      models.MsgPrepare,
			Sequence:  uint64(i),
			Digest:    fmt.Sprintf("d-%d", i),
			SenderID:  "agent-3",
			Timestamp: now.Add(-time.Duration(101-i) * time.Second),
		})
	}

	behaviors := tr.AnalyzeBehavior("agent-3", msgs, nil)

	var spam *models.MaliciousBehavior
	for i := range behaviors {
		if behaviors[i].Type == models.BehaviorSpamFlooding {
			spam = &behaviors[i]
		}
	}
	require.NotNil(t, spam, "spam-flooding not detected")
	assert.Equal(t, 0.80, spam.Confidence)
	assert.Equal(t, models.SeverityMedium, spam.Severity)

	// Spam penalty alone is 0.2*0.8*1.0 = 0.16.
	snap, _ := tr.Snapshot("agent-3")
	for _, b := range snap.Behaviors {
		if b.Type == models.BehaviorSpamFlooding {
			return
		}
	}
	t.Fatal("spam behavior not appended to record history")
}

func TestSpamPenaltyAlone(t *testing.T) {
	tr := newTestTracker(t)
	registerAgent(tr, "agent-3")
	now := time.Now()

	// One-second spacing with jitter avoids tripping the timing rule.
	msgs := make([]models.ConsensusMessage, 0, 101)
	jitter := []time.Duration{0, 130 * time.Millisecond, 410 * time.Millisecond}
	for i := 0; i < 101; i++ {
		at := now.Add(-time.Duration(101-i)*time.Second + jitter[i%3])
		msgs = append(msgs, models.ConsensusMessage{
			Type:      models.MsgPrepare,
			Sequence:  uint64(i),
			Digest:    fmt.Sprintf("d-%d", i),
			SenderID:  "agent-3",
			Timestamp: at,
		})
	}

	behaviors := tr.AnalyzeBehavior("agent-3", msgs, nil)
	require.Len(t, behaviors, 1)
	assert.Equal(t, models.BehaviorSpamFlooding, behaviors[0].Type)
	assert.InDelta(t, 0.84, tr.Score("agent-3"), 1e-9)
}

func TestConflictingMessagesDetection(t *testing.T) {
	tr := newTestTracker(t)
	registerAgent(tr, "agent-2")
	now := time.Now()

	msgs := []models.ConsensusMessage{
		{Type: models.MsgPrepare, View: 1, Sequence: 9, Digest: "aaa", SenderID: "agent-2", Timestamp: now.Add(-time.Minute)},
		{Type: models.MsgPrepare, View: 1, Sequence: 9, Digest: "bbb", SenderID: "agent-2", Timestamp: now.Add(-30 * time.Second)},
	}

	behaviors := tr.AnalyzeBehavior("agent-2", msgs, nil)
	require.Len(t, behaviors, 1)
	assert.Equal(t, models.BehaviorConflictingMessages, behaviors[0].Type)
	assert.Equal(t, 0.85, behaviors[0].Confidence)
}

func TestTimingManipulationBurst(t *testing.T) {
	tr := newTestTracker(t)
	registerAgent(tr, "agent-4")
	now := time.Now()

	msgs := []models.ConsensusMessage{
		{Type: models.MsgPrepare, Sequence: 1, Digest: "a", SenderID: "agent-4", Timestamp: now.Add(-time.Second)},
		{Type: models.MsgPrepare, Sequence: 2, Digest: "b", SenderID: "agent-4", Timestamp: now.Add(-time.Second + 3*time.Millisecond)},
	}

	behaviors := tr.AnalyzeBehavior("agent-4", msgs, nil)
	require.Len(t, behaviors, 1)
	assert.Equal(t, models.BehaviorTimingManipulation, behaviors[0].Type)
}

func TestCollusionDetection(t *testing.T) {
	tr := newTestTracker(t)
	registerAgent(tr, "agent-5")
	now := time.Now()

	// 9 of 10 votes share the identical (decision, weight) pattern.
	votes := make([]models.Vote, 0, 10)
	for i := 0; i < 9; i++ {
		votes = append(votes, models.Vote{
			ProposalID: fmt.Sprintf("prop-%d", i),
			SenderID:   "agent-5",
			Decision:   "approve",
			Weight:     0.7,
			Timestamp:  now.Add(-time.Duration(i) * time.Minute / 10),
		})
	}
	votes = append(votes, models.Vote{
		ProposalID: "prop-x",
		SenderID:   "agent-5",
		Decision:   "reject",
		Weight:     1.0,
		Timestamp:  now,
	})

	behaviors := tr.AnalyzeBehavior("agent-5", nil, votes)
	require.Len(t, behaviors, 1)
	assert.Equal(t, models.BehaviorCollusion, behaviors[0].Type)
	assert.Equal(t, 0.70, behaviors[0].Confidence)
}

func TestViewChangeAbuse(t *testing.T) {
	tr := newTestTracker(t)
	registerAgent(tr, "agent-6")
	now := time.Now()

	t.Run("missing last_committed", func(t *testing.T) {
		msgs := []models.ConsensusMessage{{
			Type:      models.MsgViewChange,
			View:      2,
			SenderID:  "agent-6",
			Timestamp: now,
			Payload:   map[string]any{},
		}}
		behaviors := tr.AnalyzeBehavior("agent-6", msgs, nil)
		require.Len(t, behaviors, 1)
		assert.Equal(t, models.BehaviorViewChangeAbuse, behaviors[0].Type)
	})

	t.Run("excessive view changes", func(t *testing.T) {
		msgs := make([]models.ConsensusMessage, 0, 4)
		for i := 0; i < 4; i++ {
			msgs = append(msgs, models.ConsensusMessage{
				Type:      models.MsgViewChange,
				View:      uint64(i),
				SenderID:  "agent-6",
				Timestamp: now.Add(-time.Duration(4-i) * 20 * time.Second),
				Payload:   map[string]any{"last_committed": uint64(7)},
			})
		}
		behaviors := tr.AnalyzeBehavior("agent-6", msgs, nil)
		require.Len(t, behaviors, 1)
		assert.Equal(t, "excessive view changes", behaviors[0].Evidence["reason"])
	})
}

func TestWindowExcludesOldTraffic(t *testing.T) {
	tr := newTestTracker(t)
	registerAgent(tr, "agent-8")
	old := time.Now().Add(-time.Hour)

	votes := []models.Vote{
		vote("agent-8", "prop-1", old),
		vote("agent-8", "prop-1", old.Add(time.Second)),
	}
	behaviors := tr.AnalyzeBehavior("agent-8", nil, votes)
	assert.Empty(t, behaviors, "traffic outside the rolling window is ignored")
	assert.Equal(t, 1.0, tr.Score("agent-8"))
}

func TestScoreNeverIncreasesDuringAnalysis(t *testing.T) {
	tr := newTestTracker(t)
	registerAgent(tr, "agent-9")
	now := time.Now()

	msgs := []models.ConsensusMessage{
		{Type: models.MsgPrepare, View: 1, Sequence: 1, Digest: "x", SenderID: "agent-9", Timestamp: now.Add(-time.Minute)},
		{Type: models.MsgPrepare, View: 1, Sequence: 1, Digest: "y", SenderID: "agent-9", Timestamp: now.Add(-time.Minute + 2*time.Millisecond)},
	}
	votes := []models.Vote{
		vote("agent-9", "prop-1", now.Add(-time.Minute)),
		vote("agent-9", "prop-1", now.Add(-30*time.Second)),
	}

	before := tr.Score("agent-9")
	tr.AnalyzeBehavior("agent-9", msgs, votes)
	after := tr.Score("agent-9")

	assert.Less(t, after, before)

	snap, _ := tr.Snapshot("agent-9")
	prev := before
	for _, s := range snap.Samples {
		assert.LessOrEqual(t, s.Score, prev, "score only moves down within a pass")
		prev = s.Score
	}
}

func TestQuarantineAndRehabilitation(t *testing.T) {
	tr := newTestTracker(t)
	registerAgent(tr, "agent-10")

	// A forged-signature report at full confidence is a critical penalty:
	// 0.35*1.0*2.0 = 0.7, score drops to 0.3, then a second one floors it.
	tr.ReportBehavior("agent-10", models.BehaviorFakeSignatures, 1.0, nil)
	tr.ReportBehavior("agent-10", models.BehaviorFakeSignatures, 1.0, nil)

	assert.Equal(t, 0.0, tr.Score("agent-10"))
	assert.False(t, tr.IsAgentTrusted("agent-10"))
	assert.Contains(t, tr.Quarantined(), "agent-10")

	require.True(t, tr.Rehabilitate("agent-10", "manual review"))
	assert.InDelta(t, 0.2, tr.Score("agent-10"), 1e-9)
	assert.NotContains(t, tr.Quarantined(), "agent-10")
}

func TestRehabilitateIdempotentAtCap(t *testing.T) {
	tr := newTestTracker(t)
	registerAgent(tr, "agent-11")

	require.True(t, tr.Rehabilitate("agent-11", "first"))
	require.True(t, tr.Rehabilitate("agent-11", "second"))
	assert.Equal(t, 1.0, tr.Score("agent-11"), "rehabilitation clamps at 1.0")

	assert.False(t, tr.Rehabilitate("ghost", "unknown agent"))
}

func TestScoreFloorsAtZero(t *testing.T) {
	tr := newTestTracker(t)
	registerAgent(tr, "agent-12")

	for i := 0; i < 5; i++ {
		tr.ReportBehavior("agent-12", models.BehaviorSybilAttack, 1.0, nil)
	}
	assert.Equal(t, 0.0, tr.Score("agent-12"))
}
