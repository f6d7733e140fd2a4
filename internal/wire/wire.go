// Package wire defines the message set the core exchanges with its
// transport collaborator. Every message travels inside an Envelope whose
// chain_id provides replay protection across networks; the core never
// dials a peer or frames bytes itself — encoding stops at JSON payloads
// the transport layer carries however it likes.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/time-coin/timecoin/pkg/types"
)

// MsgType names a wire message.
type MsgType string

// Consensus messages.
const (
	MsgTimeLockBlockProposal  MsgType = "timelock_block_proposal"
	MsgTimeVotePrepare        MsgType = "timevote_prepare"
	MsgTimeVotePrecommit      MsgType = "timevote_precommit"
	MsgFinalityVoteBroadcast  MsgType = "finality_vote"
	MsgSampleQuery            MsgType = "sample_query"
	MsgSampleResponse         MsgType = "sample_response"
	MsgTimeProofGossip        MsgType = "timeproof_gossip"
)

// Liveness fallback messages.
const (
	MsgLivenessAlert    MsgType = "liveness_alert"
	MsgFinalityProposal MsgType = "finality_proposal"
	MsgFallbackVote     MsgType = "fallback_vote"
)

// Block, transaction, and peer sync messages.
const (
	MsgTxBroadcast            MsgType = "tx_broadcast"
	MsgBlockAnnouncement      MsgType = "block_announcement"
	MsgGetBlocks              MsgType = "get_blocks"
	MsgBlocksResponse         MsgType = "blocks_response"
	MsgGetBlockHash           MsgType = "get_block_hash"
	MsgGetChainTip            MsgType = "get_chain_tip"
	MsgChainTipResponse       MsgType = "chain_tip_response"
	MsgGetChainWork           MsgType = "get_chain_work"
	MsgForkAlert              MsgType = "fork_alert"
	MsgGetMasternodes         MsgType = "get_masternodes"
	MsgMasternodeAnnouncement MsgType = "masternode_announcement"
	MsgMasternodeInactive     MsgType = "masternode_inactive"
	MsgGetLockedCollaterals   MsgType = "get_locked_collaterals"
	MsgHeartbeat              MsgType = "heartbeat"
	MsgAttestation            MsgType = "attestation"
	MsgUTXOStateQuery         MsgType = "utxo_state_query"
	MsgUTXOStateUpdate        MsgType = "utxo_state_update"
	MsgGenesisHashResponse    MsgType = "genesis_hash_response"
	MsgPeerListRequest        MsgType = "peer_list_request"
	MsgPeerListResponse       MsgType = "peer_list_response"
	MsgPing                   MsgType = "ping"
	MsgPong                   MsgType = "pong"
)

// Envelope frames every message with its type and originating chain.
// Receivers MUST discard envelopes whose ChainID differs from their own
// before looking at the payload.
type Envelope struct {
	Type    MsgType         `json:"type"`
	ChainID uint32          `json:"chain_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps a payload value into an envelope.
func Encode(t MsgType, chainID uint32, payload interface{}) (*Envelope, error) {
	env := &Envelope{Type: t, ChainID: chainID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("wire encode %s: %w", t, err)
		}
		env.Payload = data
	}
	return env, nil
}

// Decode unmarshals an envelope's payload into out, rejecting a chain_id
// mismatch before touching the payload.
func (e *Envelope) Decode(chainID uint32, out interface{}) error {
	if e.ChainID != chainID {
		return fmt.Errorf("wire: envelope chain_id %d, want %d", e.ChainID, chainID)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("wire decode %s: %w", e.Type, err)
	}
	return nil
}

// SampleQuery asks a sampled masternode for signed finality votes over a
// batch of transactions (bounded by the protocol's max batch size).
type SampleQuery struct {
	ReqID     uint64       `json:"req_id"`
	Txids     []types.Hash `json:"txids"`
	SlotIndex uint64       `json:"slot_index"`
	WantVotes bool         `json:"want_votes"`
}

// SampleResponse carries the responder's votes, one per queried txid, as
// raw payloads so this package does not import the consensus engines.
type SampleResponse struct {
	ReqID uint64            `json:"req_id"`
	Votes []json.RawMessage `json:"votes"`
}

// GetBlocks requests the inclusive height range [Start, End].
type GetBlocks struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// GetBlockHash requests the active chain's block hash at a height.
type GetBlockHash struct {
	Height uint64 `json:"height"`
}

// ChainTipResponse reports a peer's active tip.
type ChainTipResponse struct {
	Height  uint64     `json:"height"`
	TipHash types.Hash `json:"tip_hash"`
}

// ForkAlert tells a lagging peer that the sender's chain is ahead or
// diverged. Senders rate-limit these per peer.
type ForkAlert struct {
	Height      uint64     `json:"height"`
	TipHash     types.Hash `json:"tip_hash"`
	CommonGuess uint64     `json:"common_guess,omitempty"`
}

// UTXOStateQuery asks a peer for the current state of an outpoint.
type UTXOStateQuery struct {
	Outpoint types.Outpoint `json:"outpoint"`
}

// UTXOStateUpdate reports an outpoint's state transition.
type UTXOStateUpdate struct {
	Outpoint types.Outpoint `json:"outpoint"`
	State    string         `json:"state"`
	Txid     types.Hash     `json:"txid,omitempty"`
}

// GenesisHashResponse lets peers detect a chain mismatch immediately on
// connect; a wrong-genesis peer is disconnected, never synced from.
type GenesisHashResponse struct {
	GenesisHash types.Hash `json:"genesis_hash"`
}

// MasternodeInactive announces that a masternode's collateral was spent
// and it has been deregistered.
type MasternodeInactive struct {
	ID types.Address `json:"id"`
}

// Ping carries a nonce the peer echoes back in a Pong.
type Ping struct {
	Nonce uint64 `json:"nonce"`
}

// Pong answers a Ping.
type Pong struct {
	Nonce uint64 `json:"nonce"`
}
