package timeguard

import (
	"sync"
	"time"

	"github.com/time-coin/timecoin/config"
	"github.com/time-coin/timecoin/internal/timevote"
	"github.com/time-coin/timecoin/pkg/crypto"
	"github.com/time-coin/timecoin/pkg/types"
)

// alertTracker accumulates LivenessAlerts for one stalled transaction
// until an f+1 quorum is seen, then waits out ALERT_QUIESCE before the
// fallback round protocol may begin.
type alertTracker struct {
	alerts     map[types.Address]LivenessAlert
	quorumAt   time.Time // zero until f+1 distinct alerts observed.
	roundBegun bool
}

// RoundState is one fallback round's propose/vote bookkeeping for a
// single stalled transaction.
type RoundState struct {
	Txid       types.Hash
	Slot       uint64
	Round      uint32
	StartedAt  time.Time
	Leader     types.Address
	Proposal   *FinalityProposal
	Votes      map[types.Address]FallbackVote
	ApproveWt  uint64
	Resolved   bool
	Decision   timevote.Decision
}

// Engine drives the fallback protocol for transactions timevote.Engine
// has moved to FallbackResolution. Like timevote.Engine it owns no
// goroutines: Tick is invoked by the Consensus Engine's scheduler.
type Engine struct {
	mu sync.Mutex

	snapshot timevote.SnapshotSource
	pubkeys  PubKeySource

	localID  types.Address
	localKey *crypto.PrivateKey // nil on a non-masternode node.

	alerts map[types.Hash]*alertTracker
	rounds map[types.Hash]*RoundState

	proposalTimeout time.Duration
	voteTimeout     time.Duration
	roundTimeout    time.Duration
	alertQuiesce    time.Duration
	maxRounds       int

	// OnResolved fires once a stalled transaction's fallback round
	// settles on a decision.
	OnResolved func(txid types.Hash, decision timevote.Decision)
	// OnEscalate fires when MAX_FALLBACK_ROUNDS is exhausted without
	// resolution; the caller must set liveness_recovery on the next
	// TimeLock block header and resolve deterministically.
	OnEscalate func(txid types.Hash)
}

// NewEngine creates a TimeGuard fallback engine. localKey may be nil for
// a node that only observes and tallies fallback messages without acting
// as a potential leader or voter itself.
func NewEngine(snapshot timevote.SnapshotSource, pubkeys PubKeySource, localID types.Address, localKey *crypto.PrivateKey) *Engine {
	return &Engine{
		snapshot:        snapshot,
		pubkeys:         pubkeys,
		localID:         localID,
		localKey:        localKey,
		alerts:          make(map[types.Hash]*alertTracker),
		rounds:          make(map[types.Hash]*RoundState),
		proposalTimeout: time.Duration(config.FallbackProposalTimeoutSeconds) * time.Second,
		voteTimeout:     time.Duration(config.FallbackVoteTimeoutSeconds) * time.Second,
		roundTimeout:    time.Duration(config.FallbackRoundTimeoutSeconds) * time.Second,
		alertQuiesce:    time.Duration(config.AlertQuiesceSeconds) * time.Second,
		maxRounds:       config.MaxFallbackRounds,
	}
}

// quorumThreshold returns f+1 over an AVS of size n, f = floor((n-1)/3).
func quorumThreshold(n int) int {
	if n == 0 {
		return 1
	}
	f := (n - 1) / 3
	return f + 1
}

// RecordAlert records a LivenessAlert from a distinct reporter for txid.
// It returns true the moment the f+1 quorum is first reached; the round
// protocol itself only starts once ALERT_QUIESCE has additionally
// elapsed since that moment (checked by Tick/StartRound).
func (e *Engine) RecordAlert(txid types.Hash, alert LivenessAlert, avsSize int, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.alerts[txid]
	if !ok {
		t = &alertTracker{alerts: make(map[types.Address]LivenessAlert)}
		e.alerts[txid] = t
	}
	t.alerts[alert.Reporter] = alert

	if t.quorumAt.IsZero() && len(t.alerts) >= quorumThreshold(avsSize) {
		t.quorumAt = now
		return true
	}
	return false
}

// ReadyForRound reports whether txid's alert quorum has quiesced long
// enough to begin fallback round 0 ( end: "...then after
// ALERT_QUIESCE with no new conflicting Finalized tx, begin round 0").
func (e *Engine) ReadyForRound(txid types.Hash, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.alerts[txid]
	if !ok || t.quorumAt.IsZero() || t.roundBegun {
		return false
	}
	return now.Sub(t.quorumAt) >= e.alertQuiesce
}

// StartRound begins (or restarts, after a timed-out prior round) the
// fallback round protocol for txid at the given slot, electing the
// deterministic leader for round 0.
func (e *Engine) StartRound(txid types.Hash, slot uint64, now time.Time) (*RoundState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap, err := e.snapshot.Snapshot(slot)
	if err != nil {
		return nil, err
	}
	leader, err := Leader(txid, slot, 0, snap, e.pubkeys)
	if err != nil {
		return nil, err
	}

	rs := &RoundState{
		Txid:      txid,
		Slot:      slot,
		Round:     0,
		StartedAt: now,
		Leader:    leader,
		Votes:     make(map[types.Address]FallbackVote),
	}
	e.rounds[txid] = rs
	if t, ok := e.alerts[txid]; ok {
		t.roundBegun = true
	}
	return rs, nil
}

// IsLocalLeader reports whether this node is the fallback leader for
// txid's current round.
func (e *Engine) IsLocalLeader(txid types.Hash) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, ok := e.rounds[txid]
	return ok && e.localKey != nil && rs.Leader == e.localID
}

// Propose builds and signs this round's FinalityProposal, valid only
// when the local node is the elected leader.
func (e *Engine) Propose(txid types.Hash, ownWeight, conflictWeight uint64, conflictTxid types.Hash) (*FinalityProposal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rs, ok := e.rounds[txid]
	if !ok {
		return nil, errUnknownTx
	}
	if e.localKey == nil || rs.Leader != e.localID {
		return nil, errNotLeader
	}

	decision := DecideProposal(ownWeight, conflictWeight, txid, conflictTxid)
	p := &FinalityProposal{Txid: txid, SlotIndex: rs.Slot, Round: rs.Round, Decision: decision}
	if err := p.Sign(e.localKey); err != nil {
		return nil, err
	}
	rs.Proposal = p
	return p, nil
}

// RecordProposal stores a leader's proposal received over the network,
// verifying it came from the currently elected leader for this round.
func (e *Engine) RecordProposal(p *FinalityProposal, leaderPubKey []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rs, ok := e.rounds[p.Txid]
	if !ok || rs.Round != p.Round {
		return errStaleProposal
	}
	if !p.VerifySignature(leaderPubKey) {
		return errStaleProposal
	}
	rs.Proposal = p
	return nil
}

// Vote casts the local node's FallbackVote on the round's current
// proposal.
func (e *Engine) Vote(txid types.Hash, choice VoteChoice, voterWeight uint64) (*FallbackVote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rs, ok := e.rounds[txid]
	if !ok || rs.Proposal == nil {
		return nil, errUnknownTx
	}
	if e.localKey == nil {
		return nil, errNotLeader
	}

	v := &FallbackVote{
		ProposalHash: rs.Proposal.Hash(),
		Vote:         choice,
		VoterID:      e.localID,
		VoterWeight:  voterWeight,
	}
	if err := v.Sign(e.localKey); err != nil {
		return nil, err
	}
	return v, nil
}

// RecordVote tallies a FallbackVote toward its round's Approve weight
//, returning true the instant Q_finality worth of
// Approve weight is reached within FALLBACK_ROUND_TIMEOUT.
func (e *Engine) RecordVote(txid types.Hash, vote FallbackVote, quorumWeight uint64, now time.Time) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rs, ok := e.rounds[txid]
	if !ok || rs.Resolved {
		return false, errUnknownTx
	}
	if rs.Proposal == nil || vote.ProposalHash != rs.Proposal.Hash() {
		return false, errStaleProposal
	}
	if now.Sub(rs.StartedAt) > e.roundTimeout {
		return false, nil // round already timed out; caller should advance.
	}
	if _, seen := rs.Votes[vote.VoterID]; seen {
		return false, nil
	}
	rs.Votes[vote.VoterID] = vote
	if vote.Vote == VoteApprove {
		rs.ApproveWt += vote.VoterWeight
	}

	if rs.ApproveWt >= quorumWeight {
		rs.Resolved = true
		rs.Decision = rs.Proposal.Decision
		if e.OnResolved != nil {
			e.OnResolved(txid, rs.Decision)
		}
		return true, nil
	}
	return false, nil
}

// Tick advances every in-flight round past its timeout: rounds that ran
// out the clock without reaching quorum move to round+1 (re-electing a
// leader), up to MAX_FALLBACK_ROUNDS, after which the transaction
// escalates to ultimate liveness recovery.
func (e *Engine) Tick(now time.Time) {
	e.mu.Lock()
	var escalated []types.Hash
	for txid, rs := range e.rounds {
		if rs.Resolved || now.Sub(rs.StartedAt) <= e.roundTimeout {
			continue
		}
		if int(rs.Round)+1 >= e.maxRounds {
			escalated = append(escalated, txid)
			continue
		}
		snap, err := e.snapshot.Snapshot(rs.Slot)
		if err != nil {
			continue
		}
		nextRound := rs.Round + 1
		leader, err := Leader(txid, rs.Slot, nextRound, snap, e.pubkeys)
		if err != nil {
			continue
		}
		e.rounds[txid] = &RoundState{
			Txid:      txid,
			Slot:      rs.Slot,
			Round:     nextRound,
			StartedAt: now,
			Leader:    leader,
			Votes:     make(map[types.Address]FallbackVote),
		}
	}
	e.mu.Unlock()

	for _, txid := range escalated {
		e.mu.Lock()
		delete(e.rounds, txid)
		e.mu.Unlock()
		if e.OnEscalate != nil {
			e.OnEscalate(txid)
		}
	}
}

// Round returns the current fallback round for txid, or nil if none is
// in flight.
func (e *Engine) Round(txid types.Hash) *RoundState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rounds[txid]
}

// Clear drops all fallback bookkeeping for txid once it has been
// resolved and folded back into TimeVote/TimeLock state.
func (e *Engine) Clear(txid types.Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rounds, txid)
	delete(e.alerts, txid)
}
