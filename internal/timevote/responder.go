package timevote

import (
	"sync"

	"github.com/time-coin/timecoin/pkg/tx"
	"github.com/time-coin/timecoin/pkg/types"
)

// TxSource resolves a txid to its transaction and lets the responder check
// it against the UTXO set, mirroring the ingress checks
// (syntax, script, UTXO availability).
type TxSource interface {
	Get(txid types.Hash) *tx.Transaction
	ValidateWithUTXOs(t *tx.Transaction) error
}

// Responder answers SampleQuery requests on behalf of a single masternode
// voter, producing signed FinalityVotes. It tracks one
// preferred txid per outpoint and never signs Accept for two conflicting
// transactions spending the same outpoint (equivocation prevention).
type Responder struct {
	mu sync.Mutex

	chainID     uint32
	voterID     types.Address
	voterWeight uint64
	signer      Signer
	source      TxSource

	preferred map[types.Outpoint]types.Hash
}

// Signer signs a FinalityVote. A narrow interface so the responder doesn't
// need the full crypto.PrivateKey type.
type Signer interface {
	Sign(hash []byte) ([]byte, error)
}

// NewResponder creates a responder voting with the given masternode
// identity and weight.
func NewResponder(chainID uint32, voterID types.Address, voterWeight uint64, signer Signer, source TxSource) *Responder {
	return &Responder{
		chainID:     chainID,
		voterID:     voterID,
		voterWeight: voterWeight,
		signer:      signer,
		source:      source,
		preferred:   make(map[types.Outpoint]types.Hash),
	}
}

// Vote produces exactly one signed FinalityVote for txid at the given slot:
// Accept if the transaction is valid and preferred for
// every outpoint it spends, Reject otherwise.
func (r *Responder) Vote(txid types.Hash, slot uint64) (FinalityVote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	decision := r.decide(txid)

	v := FinalityVote{
		ChainID:          r.chainID,
		Txid:             txid,
		TxHashCommitment: txid,
		SlotIndex:        slot,
		Decision:         decision,
		VoterID:          r.voterID,
		VoterWeight:      r.voterWeight,
	}
	hash := v.SigningHash()
	sig, err := r.signer.Sign(hash[:])
	if err != nil {
		return FinalityVote{}, err
	}
	v.Signature = sig
	return v, nil
}

func (r *Responder) decide(txid types.Hash) Decision {
	transaction := r.source.Get(txid)
	if transaction == nil {
		return DecisionReject
	}
	if err := r.source.ValidateWithUTXOs(transaction); err != nil {
		return DecisionReject
	}

	for _, in := range transaction.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		if pref, exists := r.preferred[in.PrevOut]; exists && pref != txid {
			return DecisionReject
		}
	}

	for _, in := range transaction.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		r.preferred[in.PrevOut] = txid
	}
	return DecisionAccept
}
