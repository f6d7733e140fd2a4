// Package chain implements the Blockchain orchestrator: the
// append-only, height-indexed ledger of TimeLock blocks, their UTXO-set
// application, and the stake-weighted fork resolver that
// decides between competing tips.
package chain

import (
	"fmt"
	"sync"

	"github.com/time-coin/timecoin/config"
	"github.com/time-coin/timecoin/internal/storage"
	"github.com/time-coin/timecoin/internal/utxo"
	"github.com/time-coin/timecoin/pkg/block"
	"github.com/time-coin/timecoin/pkg/tx"
	"github.com/time-coin/timecoin/pkg/types"
)

// FinalizedChecker reports whether a transaction has already crossed
// Q_finality under TimeVote. AddBlock refuses to archive a non-coinbase
// transaction that hasn't; Reorg refuses to revert a block that would
// silently drop one the local node already finalized. Left nil, both
// checks are skipped — used by tests and by
// a node still replaying history before TimeVote comes online.
type FinalizedChecker interface {
	IsFinalized(txid types.Hash) bool
}

// LeaderWeigher resolves the sampling_weight a block's elected leader held
// in the AVS snapshot pinned for its slot, the input to the fork
// resolver's cumulative-weight comparison. Returns 0 (treated
// as unknown) when it cannot resolve, which degrades stake-weighted
// comparison toward plain block-count longest-chain.
type LeaderWeigher interface {
	LeaderWeight(leader types.Address, height uint64) uint64
}

// TipSupport reports how many connected peers currently advertise a block
// hash as their chain tip, the fork resolver's tiebreak between equal
// cumulative stake and the final tip-hash comparison. Implemented by the
// transport collaborator's peer tracking; left nil, both sides count 0
// and the tiebreak falls through.
type TipSupport interface {
	SupportingPeers(tip types.Hash) int
}

// Chain is the Blockchain orchestrator: owns the block store, the UTXO
// state manager, and in-memory tip bookkeeping.
type Chain struct {
	mu sync.Mutex

	ID    types.ChainID
	state State

	blocks  *BlockStore
	utxoMgr *utxo.Manager

	coinbaseMaturity uint64
	blockReward      uint64
	genesisHash      types.Hash

	finalized  FinalizedChecker
	weigher    LeaderWeigher
	tipSupport TipSupport

	// OnBlockAdded fires once a block becomes (or remains) part of the
	// active chain, including blocks applied during a winning reorg.
	OnBlockAdded func(blk *block.Block)
	// OnBlockReverted fires for every block undone by a winning reorg,
	// from tip down to (exclusive of) the fork point.
	OnBlockReverted func(blk *block.Block)
	// OnForkRejected fires when a candidate branch is refused because
	// adopting it would revert a locally finalized transaction.
	OnForkRejected func(txid types.Hash)
}

// New creates a chain backed by db for block/undo storage and utxoMgr for
// UTXO state transitions, recovering tip state if the database is not
// fresh. If the previous process crashed mid-reorg, the UTXO set is
// rebuilt by full replay before New returns.
func New(id types.ChainID, db storage.DB, utxoMgr *utxo.Manager) (*Chain, error) {
	if db == nil {
		return nil, fmt.Errorf("storage db is nil")
	}
	if utxoMgr == nil {
		return nil, fmt.Errorf("utxo manager is nil")
	}

	blocks := NewBlockStore(db)
	tipHash, height, supply, err := blocks.GetTip()
	if err != nil {
		return nil, fmt.Errorf("recover tip: %w", err)
	}
	cumWeight := blocks.GetCumulativeWeight()

	var genesisHash types.Hash
	if genBlk, err := blocks.GetBlockByHeight(0); err == nil {
		genesisHash = genBlk.Hash()
	}

	c := &Chain{
		ID:               id,
		state:            State{TipHash: tipHash, Height: height, Supply: supply, CumulativeWeight: cumWeight},
		blocks:           blocks,
		utxoMgr:          utxoMgr,
		coinbaseMaturity: config.CoinbaseMaturity,
		genesisHash:      genesisHash,
	}

	if _, found := blocks.GetReorgCheckpoint(); found {
		if err := c.RebuildUTXOs(); err != nil {
			return nil, fmt.Errorf("recover from interrupted reorg: %w", err)
		}
	}

	return c, nil
}

// SetFinalizedChecker installs the TimeVote-backed finality oracle. Left
// unset, AddBlock and Reorg both skip finality checks.
func (c *Chain) SetFinalizedChecker(fc FinalizedChecker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finalized = fc
}

// SetLeaderWeigher installs the AVS-backed sampling-weight resolver used
// by the fork resolver's cumulative-weight comparison.
func (c *Chain) SetLeaderWeigher(w LeaderWeigher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.weigher = w
}

// SetTipSupport installs the peer-tip tracker used as the fork resolver's
// equal-stake tiebreak.
func (c *Chain) SetTipSupport(ts TipSupport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tipSupport = ts
}

// InitFromGenesis initializes a fresh chain from genesis configuration.
// Returns an error if the chain already has blocks.
func (c *Chain) InitFromGenesis(gen *config.Genesis) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.IsGenesis() {
		return fmt.Errorf("chain already initialized at height %d", c.state.Height)
	}

	blk, err := CreateGenesisBlock(gen)
	if err != nil {
		return fmt.Errorf("create genesis: %w", err)
	}
	if err := blk.Validate(); err != nil {
		return fmt.Errorf("validate genesis: %w", err)
	}

	// Genesis bypasses TimeLock/TimeVote consensus validation: its single
	// coinbase seeds the initial allocation directly as Unspent outputs.
	coinbase := blk.Transactions[0]
	for i, out := range coinbase.Outputs {
		u := &utxo.UTXO{
			Outpoint:   types.Outpoint{TxID: coinbase.Hash(), Index: uint32(i)},
			Value:      out.Value,
			Script:     out.Script,
			IsCoinbase: true,
			State:      utxo.Unspent(),
		}
		if err := c.utxoMgr.Seed(u); err != nil {
			return fmt.Errorf("seed genesis output %d: %w", i, err)
		}
	}

	if err := c.blocks.PutBlock(blk); err != nil {
		return fmt.Errorf("store genesis: %w", err)
	}

	var supply uint64
	for _, v := range gen.Alloc {
		supply += v
	}

	hash := blk.Hash()
	c.state.TipHash = hash
	c.state.Height = 0
	c.state.Supply = supply
	c.state.TipTimestamp = gen.Timestamp
	c.genesisHash = hash
	c.blockReward = gen.Protocol.BlockRewardBaseUnits

	if err := c.blocks.SetTip(hash, 0, supply); err != nil {
		return fmt.Errorf("set genesis tip: %w", err)
	}
	return nil
}

// State returns a copy of the current tip state.
func (c *Chain) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Height returns the current chain height.
func (c *Chain) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Height
}

// TipHash returns the hash of the current chain tip.
func (c *Chain) TipHash() types.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.TipHash
}

// Supply returns the total coins in circulation.
func (c *Chain) Supply() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Supply
}

// GenesisHash returns the hash of the chain's genesis block.
func (c *Chain) GenesisHash() types.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.genesisHash
}

// GetBlock retrieves a block by its hash.
func (c *Chain) GetBlock(hash types.Hash) (*block.Block, error) {
	return c.blocks.GetBlock(hash)
}

// GetBlockByHeight retrieves a block by its height.
func (c *Chain) GetBlockByHeight(height uint64) (*block.Block, error) {
	return c.blocks.GetBlockByHeight(height)
}

// RebuildUTXOs clears the UTXO set and replays every block from genesis to
// the current tip, reconstructing UTXO state and the supply/weight
// accumulators. Used to recover from a crash during reorg, where the UTXO
// set may otherwise be left inconsistent.
func (c *Chain) RebuildUTXOs() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	store, ok := c.utxoMgr.UnderlyingStore()
	if !ok {
		return fmt.Errorf("utxo manager's set does not support ClearAll (not *utxo.Store)")
	}
	if err := store.ClearAll(); err != nil {
		return fmt.Errorf("clear utxo set: %w", err)
	}

	targetHeight := c.state.Height
	c.state = State{}

	genBlk, err := c.blocks.GetBlockByHeight(0)
	if err != nil {
		return fmt.Errorf("load genesis for rebuild: %w", err)
	}
	genCoinbase := genBlk.Transactions[0]
	for i, out := range genCoinbase.Outputs {
		u := &utxo.UTXO{
			Outpoint:   types.Outpoint{TxID: genCoinbase.Hash(), Index: uint32(i)},
			Value:      out.Value,
			Script:     out.Script,
			IsCoinbase: true,
			State:      utxo.Unspent(),
		}
		if err := c.utxoMgr.Seed(u); err != nil {
			return fmt.Errorf("replay genesis output %d: %w", i, err)
		}
		c.state.Supply += out.Value
	}
	c.state.TipHash = genBlk.Hash()
	c.state.TipTimestamp = genBlk.Header.Timestamp

	for h := uint64(1); h <= targetHeight; h++ {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("load block at height %d: %w", h, err)
		}
		if _, err := c.applyBlockWithUndo(blk, true); err != nil {
			return fmt.Errorf("replay block at height %d: %w", h, err)
		}
	}

	if err := c.blocks.SetTip(c.state.TipHash, c.state.Height, c.state.Supply); err != nil {
		return fmt.Errorf("set tip after rebuild: %w", err)
	}
	if err := c.blocks.SetCumulativeWeight(c.state.CumulativeWeight); err != nil {
		return fmt.Errorf("set weight after rebuild: %w", err)
	}
	if err := c.blocks.DeleteReorgCheckpoint(); err != nil {
		return fmt.Errorf("delete reorg checkpoint: %w", err)
	}
	return nil
}

// TxHeight returns the height of the block a confirmed transaction was
// archived into, or false if the transaction is not in the tx index.
func (c *Chain) TxHeight(txHash types.Hash) (uint64, bool) {
	height, _, err := c.blocks.GetTxLocation(txHash)
	if err != nil {
		return 0, false
	}
	return height, true
}

// GetTransaction looks up a confirmed transaction by hash via the tx index.
func (c *Chain) GetTransaction(hash types.Hash) (*tx.Transaction, error) {
	_, blockHash, err := c.blocks.GetTxLocation(hash)
	if err != nil {
		return nil, err
	}
	blk, err := c.blocks.GetBlock(blockHash)
	if err != nil {
		return nil, fmt.Errorf("load block for tx: %w", err)
	}
	for _, t := range blk.Transactions {
		if t.Hash() == hash {
			return t, nil
		}
	}
	return nil, fmt.Errorf("tx %s not found in block %s (index corrupt)", hash, blockHash)
}

// leaderWeight resolves blk's leader's sampling weight via the installed
// LeaderWeigher, or 0 if none is installed.
func (c *Chain) leaderWeight(blk *block.Block) uint64 {
	if c.weigher == nil {
		return 0
	}
	return c.weigher.LeaderWeight(blk.Header.Leader, blk.Header.Height)
}
