package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/time-coin/timecoin/internal/utxo"
	"github.com/time-coin/timecoin/pkg/block"
	"github.com/time-coin/timecoin/pkg/tx"
	"github.com/time-coin/timecoin/pkg/types"
)

// Block application errors.
var (
	ErrBlockKnown            = errors.New("block already known")
	ErrBadHeight             = errors.New("block height does not extend the current tip")
	ErrBadPrevHash           = errors.New("block previous_hash does not match the current tip")
	ErrTimestampTooFuture    = errors.New("block timestamp too far in the future")
	ErrTimestampBeforeParent = errors.New("block timestamp precedes the parent block")
	ErrCoinbaseNotMature     = errors.New("input spends an immature coinbase output")
	ErrTxNotFinalized        = errors.New("transaction has not reached TimeVote finality")
	ErrCoinbaseRewardTooHigh = errors.New("coinbase reward exceeds subsidy plus collected fees")
	ErrBadRewardDistribution = errors.New("reward distribution transaction does not redistribute the coinbase output")
)

// MaxFutureDriftSeconds bounds how far ahead of the local clock a block's
// timestamp may sit before it is rejected outright.
const MaxFutureDriftSeconds = 120

// UndoData captures everything needed to revert one block's effects on the
// UTXO set and chain tip bookkeeping.
type UndoData struct {
	PrevTipHash   types.Hash
	PrevHeight    uint64
	PrevSupply    uint64
	PrevWeight    uint64
	PrevTimestamp uint64
	Rollback      []utxo.RollbackEntry
}

// AddBlock validates and applies blk. A block directly extending the
// current tip is applied immediately; a block extending any other known
// branch is stored and handed to the fork resolver, which
// switches the active chain only if the stake-weighted rule favors it.
func (c *Chain) AddBlock(blk *block.Block, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addBlockLocked(blk, now)
}

// PreValidate runs the full state-dependent validation a validator needs
// before voting on a proposed next block, without applying anything. The
// proposal must extend the current tip; a node never votes on side
// branches, it only adopts them through fork resolution.
func (c *Chain) PreValidate(blk *block.Block, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if blk.Header.PrevHash != c.state.TipHash || blk.Header.Height != c.state.Height+1 {
		return fmt.Errorf("proposal %s at height %d does not extend tip %s at height %d",
			blk.Hash(), blk.Header.Height, c.state.TipHash, c.state.Height)
	}
	return c.validateBlockState(blk, now)
}

// addBlockLocked is AddBlock's body; callers must already hold c.mu.
func (c *Chain) addBlockLocked(blk *block.Block, now time.Time) error {
	hash := blk.Hash()
	if has, _ := c.blocks.HasBlock(hash); has {
		return fmt.Errorf("%w: %s", ErrBlockKnown, hash)
	}

	if blk.Header.PrevHash == c.state.TipHash && blk.Header.Height == c.state.Height+1 {
		return c.extendTip(blk, now)
	}

	if err := c.blocks.StoreBlock(blk); err != nil {
		return fmt.Errorf("store side-branch block: %w", err)
	}
	return c.tryReorg(blk, now)
}

// extendTip applies blk directly on top of the current tip.
func (c *Chain) extendTip(blk *block.Block, now time.Time) error {
	if err := c.validateBlockState(blk, now); err != nil {
		return err
	}
	undo, err := c.applyBlockWithUndo(blk, false)
	if err != nil {
		return err
	}
	data, err := json.Marshal(undo)
	if err != nil {
		return fmt.Errorf("marshal undo log: %w", err)
	}
	if err := c.blocks.CommitBlock(blk, data, c.state.Supply, c.state.CumulativeWeight); err != nil {
		return fmt.Errorf("commit block: %w", err)
	}
	if c.OnBlockAdded != nil {
		c.OnBlockAdded(blk)
	}
	return nil
}

// validateBlockState checks everything about blk that depends on chain
// state, as opposed to blk.Validate()'s purely structural checks: block
// timing, per-input coinbase maturity, TimeVote finality of every
// non-coinbase transaction, and the coinbase reward ceiling.
func (c *Chain) validateBlockState(blk *block.Block, now time.Time) error {
	if blk.Header.Timestamp < c.state.TipTimestamp {
		return fmt.Errorf("%w: %d < parent %d", ErrTimestampBeforeParent, blk.Header.Timestamp, c.state.TipTimestamp)
	}
	if int64(blk.Header.Timestamp) > now.Unix()+MaxFutureDriftSeconds {
		return fmt.Errorf("%w: %d > now+%ds", ErrTimestampTooFuture, blk.Header.Timestamp, MaxFutureDriftSeconds)
	}

	var fees uint64
	for i, t := range blk.Transactions {
		if i == 0 {
			continue // Coinbase: checked below against subsidy + fees.
		}
		if i == 1 && t.Kind == tx.KindRewardDistribution {
			// Spends the coinbase output produced earlier in this same
			// block, so it can't be resolved via the
			// UTXO manager yet: that output is only archived once
			// applyBlockWithUndo processes transactions in order.
			if err := c.checkRewardDistribution(t, blk.Transactions[0]); err != nil {
				return err
			}
			continue
		}
		if c.finalized != nil && !c.finalized.IsFinalized(t.Hash()) {
			return fmt.Errorf("%w: %s", ErrTxNotFinalized, t.Hash())
		}
		fee, err := c.checkInputsAndFee(t, blk.Header.Height)
		if err != nil {
			return err
		}
		fees += fee
	}

	var coinbaseOut uint64
	for _, out := range blk.Transactions[0].Outputs {
		coinbaseOut += out.Value
	}
	if coinbaseOut > c.blockReward+fees {
		return fmt.Errorf("%w: coinbase pays %d, subsidy %d + fees %d", ErrCoinbaseRewardTooHigh, coinbaseOut, c.blockReward, fees)
	}

	return nil
}

// checkRewardDistribution validates the reward-distribution transaction
// checkRewardDistribution validates transactions[1] against the block's
// own coinbase: its sole input must reference the block's own coinbase
// output, and its outputs must sum exactly to the coinbase's payout —
// the reward-distribution tx only reshuffles the subsidy+fees the leader
// already claimed, it never mints or burns value.
func (c *Chain) checkRewardDistribution(rd, coinbase *tx.Transaction) error {
	coinbaseHash := coinbase.Hash()
	if len(rd.Inputs) != 1 || rd.Inputs[0].PrevOut.TxID != coinbaseHash || rd.Inputs[0].PrevOut.Index != 0 {
		return fmt.Errorf("%w: must spend coinbase output 0", ErrBadRewardDistribution)
	}
	var coinbaseOut, rdOut uint64
	for _, out := range coinbase.Outputs {
		coinbaseOut += out.Value
	}
	for _, out := range rd.Outputs {
		rdOut += out.Value
	}
	if rdOut != coinbaseOut {
		return fmt.Errorf("%w: outputs sum %d, coinbase pays %d", ErrBadRewardDistribution, rdOut, coinbaseOut)
	}
	return nil
}

// checkInputsAndFee verifies every real input of t exists and, if it spends
// a coinbase output, has matured, returning the transaction's fee (inputs
// minus outputs).
func (c *Chain) checkInputsAndFee(t *tx.Transaction, height uint64) (uint64, error) {
	var totalIn uint64
	for _, in := range t.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		u, err := c.utxoMgr.GetUTXO(in.PrevOut)
		if err != nil {
			return 0, fmt.Errorf("load input %s of tx %s: %w", in.PrevOut, t.Hash(), err)
		}
		if u == nil {
			return 0, fmt.Errorf("input %s of tx %s not found", in.PrevOut, t.Hash())
		}
		if u.IsCoinbase && height < u.MaturityHeight {
			return 0, fmt.Errorf("%w: outpoint %s matures at %d, block is %d", ErrCoinbaseNotMature, in.PrevOut, u.MaturityHeight, height)
		}
		totalIn += u.Value
	}
	var totalOut uint64
	for _, out := range t.Outputs {
		totalOut += out.Value
	}
	if totalOut > totalIn {
		return 0, fmt.Errorf("tx %s spends more than its inputs provide", t.Hash())
	}
	return totalIn - totalOut, nil
}

// applyBlockWithUndo archives every transaction in blk into the UTXO set
// and advances c.state, returning the undo data needed to reverse these
// effects. replay skips the SpentFinalized precondition Archive otherwise
// enforces, for use when reconstructing history against a cleared UTXO set
// (RebuildUTXOs), where that bookkeeping was never recreated.
func (c *Chain) applyBlockWithUndo(blk *block.Block, replay bool) (*UndoData, error) {
	undo := &UndoData{
		PrevTipHash:   c.state.TipHash,
		PrevHeight:    c.state.Height,
		PrevSupply:    c.state.Supply,
		PrevWeight:    c.state.CumulativeWeight,
		PrevTimestamp: c.state.TipTimestamp,
	}

	for _, t := range blk.Transactions {
		entries, err := c.archiveTx(t, blk.Header.Height, replay)
		if err != nil {
			return nil, err
		}
		undo.Rollback = append(undo.Rollback, entries...)
	}

	c.state.TipHash = blk.Hash()
	c.state.Height = blk.Header.Height
	c.state.Supply += c.computeBlockReward(blk)
	c.state.CumulativeWeight += c.leaderWeight(blk)
	c.state.TipTimestamp = blk.Header.Timestamp

	return undo, nil
}

// archiveTx folds one transaction's effects into the UTXO set, snapshotting
// its spent inputs and recording its newly created outputs as RollbackEntry
// values so the effect can be undone later.
func (c *Chain) archiveTx(t *tx.Transaction, height uint64, replay bool) ([]utxo.RollbackEntry, error) {
	entries := make([]utxo.RollbackEntry, 0, len(t.Inputs)+len(t.Outputs))
	for _, in := range t.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		prev, err := c.utxoMgr.GetUTXO(in.PrevOut)
		if err != nil || prev == nil {
			return nil, fmt.Errorf("archive: input %s of tx %s not found", in.PrevOut, t.Hash())
		}
		snapshot := *prev
		entries = append(entries, utxo.RollbackEntry{Outpoint: in.PrevOut, UTXO: &snapshot})
	}

	adapter := utxo.TxArchivable{Tx: t}
	var applyErr error
	if replay {
		applyErr = c.utxoMgr.ReplayArchive(adapter, height, c.coinbaseMaturity)
	} else {
		applyErr = c.utxoMgr.Archive(adapter, height, c.coinbaseMaturity)
	}
	if applyErr != nil {
		return nil, fmt.Errorf("archive tx %s: %w", t.Hash(), applyErr)
	}

	for i := range t.Outputs {
		entries = append(entries, utxo.RollbackEntry{
			Outpoint: types.Outpoint{TxID: t.Hash(), Index: uint32(i)},
		})
	}
	return entries, nil
}

// revertBlock undoes blk's effects using its previously recorded undo data,
// restoring spent inputs and deleting outputs it created, then rewinding
// chain state to the parent block.
func (c *Chain) revertBlock(blk *block.Block) error {
	hash := blk.Hash()
	data, err := c.blocks.GetUndo(hash)
	if err != nil {
		return fmt.Errorf("load undo for block %s: %w", hash, err)
	}
	var undo UndoData
	if err := json.Unmarshal(data, &undo); err != nil {
		return fmt.Errorf("unmarshal undo for block %s: %w", hash, err)
	}

	if err := c.utxoMgr.Rollback(undo.Rollback); err != nil {
		return fmt.Errorf("rollback utxo effects of block %s: %w", hash, err)
	}

	for _, t := range blk.Transactions {
		if err := c.blocks.DeleteTxIndex(t.Hash()); err != nil {
			return fmt.Errorf("remove tx index for %s: %w", t.Hash(), err)
		}
	}

	c.state.TipHash = undo.PrevTipHash
	c.state.Height = undo.PrevHeight
	c.state.Supply = undo.PrevSupply
	c.state.CumulativeWeight = undo.PrevWeight
	c.state.TipTimestamp = undo.PrevTimestamp

	if err := c.blocks.DeleteUndo(hash); err != nil {
		return fmt.Errorf("delete undo for block %s: %w", hash, err)
	}
	if c.OnBlockReverted != nil {
		c.OnBlockReverted(blk)
	}
	return nil
}

// computeBlockReward returns the new-supply contribution of blk: the fixed
// protocol subsidy pinned at genesis. Transaction fees move existing coins
// between outputs and are never counted as new supply.
func (c *Chain) computeBlockReward(blk *block.Block) uint64 {
	if blk.Header.Height == 0 {
		return 0 // Genesis supply comes entirely from Alloc, tracked separately.
	}
	return c.blockReward
}
