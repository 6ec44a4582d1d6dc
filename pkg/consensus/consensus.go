// Package consensus implements the Byzantine agreement core. Each
// proposal walks a PBFT-style state machine (proposed, preparing,
// prepared, committing, committed or aborted) driven by admitted
// messages. Admission is gated on the reputation tracker: messages from
// untrusted or quarantined agents are dropped and reported, never
// counted toward quorum.
package consensus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maestro-run/maestro/pkg/config"
	"github.com/maestro-run/maestro/pkg/events"
	"github.com/maestro-run/maestro/pkg/metrics"
	"github.com/maestro-run/maestro/pkg/models"
)

// Sentinel errors for consensus outcomes.
var (
	// ErrQuorumFailed is returned when a proposal cannot gather 2f+1
	// matching messages before its deadline.
	ErrQuorumFailed = errors.New("quorum failed")

	// ErrLivenessLost is returned when too few trusted agents remain for
	// any quorum to form.
	ErrLivenessLost = errors.New("liveness lost")

	// ErrUntrustedSender is returned when a message is dropped at the
	// admission gate.
	ErrUntrustedSender = errors.New("untrusted sender")

	// ErrUnknownProposal is returned for messages referencing no known
	// proposal.
	ErrUnknownProposal = errors.New("unknown proposal")
)

// State is a proposal's position in the agreement state machine.
type State string

// Proposal states.
const (
	StateProposed   State = "proposed"
	StatePreparing  State = "preparing"
	StatePrepared   State = "prepared"
	StateCommitting State = "committing"
	StateCommitted  State = "committed"
	StateAborted    State = "aborted"
)

// TrustChecker is the read-only reputation view consensus consults at
// admission time.
type TrustChecker interface {
	IsAgentTrusted(agentID string) bool
}

// Outcome is the terminal result of one proposal.
type Outcome struct {
	ProposalID string
	State      State
	Err        error
}

type proposal struct {
	id       string
	digest   string
	view     uint64
	sequence uint64
	state    State
	prepares map[string]struct{}
	commits  map[string]struct{}
	done     chan Outcome
	deadline time.Time
}

// Manager runs the agreement protocol over a registered agent set.
type Manager struct {
	cfg    config.ConsensusConfig
	trust  TrustChecker
	bus    *events.Bus
	logger *slog.Logger

	mu          sync.Mutex
	members     map[string]models.AgentIdentity
	proposals   map[string]*proposal // keyed by digest
	byID        map[string]*proposal
	viewChanges map[uint64]map[string]struct{}
	currentView uint64
	nextSeq     uint64
}

// NewManager creates a consensus manager over an empty member set.
func NewManager(cfg config.ConsensusConfig, trust TrustChecker, bus *events.Bus) *Manager {
	return &Manager{
		cfg:         cfg,
		trust:       trust,
		bus:         bus,
		logger:      slog.With("component", "consensus"),
		members:     make(map[string]models.AgentIdentity),
		proposals:   make(map[string]*proposal),
		byID:        make(map[string]*proposal),
		viewChanges: make(map[uint64]map[string]struct{}),
	}
}

// RegisterAgent adds an agent to the member set.
func (m *Manager) RegisterAgent(agent models.AgentIdentity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[agent.ID] = agent
}

// View returns the current view number.
func (m *Manager) View() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentView
}

// Quorum returns the current 2f+1 threshold over the non-quarantined
// member set, with f = ⌊(n−1)/3⌋.
func (m *Manager) Quorum() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quorumLocked()
}

func (m *Manager) quorumLocked() int {
	n := 0
	for id := range m.members {
		if m.trust.IsAgentTrusted(id) {
			n++
		}
	}
	if n == 0 {
		return 1
	}
	f := (n - 1) / 3
	return 2*f + 1
}

// Digest returns the canonical content hash used for equivocation checks.
func Digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Submit opens a proposal for the payload and blocks until it commits,
// aborts, or ctx expires. The proposal aborts with ErrQuorumFailed when
// the proposal timeout passes without a commit quorum.
func (m *Manager) Submit(ctx context.Context, payload []byte) (Outcome, error) {
	m.mu.Lock()
	quorum := m.quorumLocked()
	trusted := 0
	for id := range m.members {
		if m.trust.IsAgentTrusted(id) {
			trusted++
		}
	}
	if trusted < quorum {
		m.mu.Unlock()
		return Outcome{}, fmt.Errorf("%w: %d trusted agents, quorum %d", ErrLivenessLost, trusted, quorum)
	}

	m.nextSeq++
	p := &proposal{
		id:       uuid.NewString(),
		digest:   Digest(payload),
		view:     m.currentView,
		sequence: m.nextSeq,
		state:    StateProposed,
		prepares: make(map[string]struct{}),
		commits:  make(map[string]struct{}),
		done:     make(chan Outcome, 1),
		deadline: time.Now().Add(m.cfg.ProposalTimeout),
	}
	m.proposals[p.digest] = p
	m.byID[p.id] = p
	m.mu.Unlock()

	m.logger.Info("Proposal submitted",
		"proposal_id", p.id,
		"sequence", p.sequence,
		"view", p.view)

	timer := time.NewTimer(m.cfg.ProposalTimeout)
	defer timer.Stop()

	select {
	case out := <-p.done:
		m.prune(p)
		return out, out.Err
	case <-timer.C:
		out := m.abort(p, ErrQuorumFailed)
		m.prune(p)
		return out, out.Err
	case <-ctx.Done():
		out := m.abort(p, ctx.Err())
		m.prune(p)
		return out, out.Err
	}
}

// prune drops a terminal proposal from the indexes. Late messages for it
// come back as unknown-proposal errors, which is fine: the submitter has
// already observed the outcome.
func (m *Manager) prune(p *proposal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.proposals[p.digest]; ok && cur == p {
		delete(m.proposals, p.digest)
	}
	delete(m.byID, p.id)
}

// HandleMessage admits and applies one protocol message. Untrusted
// senders are dropped with a security event.
func (m *Manager) HandleMessage(msg models.ConsensusMessage) error {
	if !m.trust.IsAgentTrusted(msg.SenderID) {
		m.logger.Warn("Dropped message from untrusted agent",
			"agent_id", msg.SenderID,
			"message_type", string(msg.Type))
		m.publish(events.EventSecurityViolation, events.SecurityViolationPayload{
			AgentID: msg.SenderID,
			Detail:  fmt.Sprintf("dropped %s message at admission gate", msg.Type),
		})
		return fmt.Errorf("%w: %s", ErrUntrustedSender, msg.SenderID)
	}

	switch msg.Type {
	case models.MsgViewChange:
		return m.handleViewChange(msg)
	case models.MsgPrePrepare:
		return m.handlePrePrepare(msg)
	case models.MsgPrepare, models.MsgCommit:
		return m.handleAgreement(msg)
	default:
		return fmt.Errorf("unrecognized message type %q", msg.Type)
	}
}

func (m *Manager) handlePrePrepare(msg models.ConsensusMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[msg.Digest]
	if !ok {
		return fmt.Errorf("%w: digest %s", ErrUnknownProposal, msg.Digest)
	}
	if p.state == StateProposed {
		p.state = StatePreparing
	}
	return nil
}

func (m *Manager) handleAgreement(msg models.ConsensusMessage) error {
	m.mu.Lock()
	p, ok := m.proposals[msg.Digest]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: digest %s", ErrUnknownProposal, msg.Digest)
	}
	if p.state == StateCommitted || p.state == StateAborted {
		m.mu.Unlock()
		return nil
	}

	switch msg.Type {
	case models.MsgPrepare:
		if p.state == StateProposed {
			p.state = StatePreparing
		}
		p.prepares[msg.SenderID] = struct{}{}
	case models.MsgCommit:
		p.commits[msg.SenderID] = struct{}{}
	}

	// Quarantine invalidates in-flight messages: recount only currently
	// trusted senders on every quorum check.
	quorum := m.quorumLocked()
	prepares := m.trustedCountLocked(p.prepares)
	commits := m.trustedCountLocked(p.commits)

	committed := false
	if (p.state == StatePreparing || p.state == StateProposed) && prepares >= quorum {
		// prepared is transient: once the prepare quorum lands the core
		// immediately starts collecting commits.
		p.state = StateCommitting
	}
	if p.state == StateCommitting && commits >= quorum {
		p.state = StateCommitted
		committed = true
	}
	m.mu.Unlock()

	if committed {
		m.logger.Info("Proposal committed",
			"proposal_id", p.id,
			"sequence", p.sequence,
			"commits", commits,
			"quorum", quorum)
		metrics.ConsensusProposals.WithLabelValues("committed").Inc()
		p.done <- Outcome{ProposalID: p.id, State: StateCommitted}
	}
	return nil
}

func (m *Manager) handleViewChange(msg models.ConsensusMessage) error {
	m.mu.Lock()
	targetView := msg.View
	set, ok := m.viewChanges[targetView]
	if !ok {
		set = make(map[string]struct{})
		m.viewChanges[targetView] = set
	}
	set[msg.SenderID] = struct{}{}

	quorum := m.quorumLocked()
	supporters := m.trustedCountLocked(set)
	advanced := false
	if supporters >= quorum && targetView > m.currentView {
		m.currentView = targetView
		delete(m.viewChanges, targetView)
		advanced = true
	}
	m.mu.Unlock()

	if advanced {
		m.logger.Info("View change completed", "view", targetView, "supporters", supporters)
	}
	return nil
}

// abort moves a proposal to aborted and emits a security event.
func (m *Manager) abort(p *proposal, cause error) Outcome {
	m.mu.Lock()
	if p.state == StateCommitted {
		m.mu.Unlock()
		return Outcome{ProposalID: p.id, State: StateCommitted}
	}
	p.state = StateAborted
	m.mu.Unlock()

	m.logger.Warn("Proposal aborted",
		"proposal_id", p.id,
		"sequence", p.sequence,
		"error", cause)
	metrics.ConsensusProposals.WithLabelValues("aborted").Inc()
	m.publish(events.EventSecurityViolation, events.SecurityViolationPayload{
		AgentID: "",
		Detail:  fmt.Sprintf("proposal %s aborted: %v", p.id, cause),
	})
	return Outcome{ProposalID: p.id, State: StateAborted, Err: cause}
}

// State returns the current state of a proposal by id.
func (m *Manager) State(proposalID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[proposalID]
	if !ok {
		return "", false
	}
	return p.state, true
}

// StateByDigest returns the current state of a proposal by its payload
// digest.
func (m *Manager) StateByDigest(digest string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[digest]
	if !ok {
		return "", false
	}
	return p.state, true
}

func (m *Manager) trustedCountLocked(senders map[string]struct{}) int {
	n := 0
	for id := range senders {
		if m.trust.IsAgentTrusted(id) {
			n++
		}
	}
	return n
}

func (m *Manager) publish(t events.EventType, payload any) {
	if m.bus != nil {
		m.bus.Publish(t, payload)
	}
}
