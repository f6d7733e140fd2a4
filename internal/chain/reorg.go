package chain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/time-coin/timecoin/config"
	"github.com/time-coin/timecoin/pkg/block"
	"github.com/time-coin/timecoin/pkg/types"
)

// Fork resolution errors.
var (
	// ErrReorgTooDeep is returned when switching to a candidate branch would
	// revert more blocks than config.MaxReorgDepth allows.
	ErrReorgTooDeep = errors.New("reorg exceeds maximum depth")
	// ErrFinalizedTxWouldRevert guards a node's own TimeVote finality: a
	// reorg may never silently drop a transaction this node already
	// finalized unless the winning branch carries that same transaction.
	ErrFinalizedTxWouldRevert = errors.New("reorg would revert a transaction already finalized locally")
	// ErrOrphanBranch is returned when a candidate block's ancestry cannot
	// be traced back to the active chain with the blocks currently stored.
	ErrOrphanBranch = errors.New("candidate branch does not connect to a known ancestor")
)

// ReorgTo attempts to switch the active chain to the already-stored block
// identified by newTip, e.g. after a peer's announced tip has had its full
// branch fetched and stored via AddBlock/StoreBlock.
func (c *Chain) ReorgTo(newTip types.Hash, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	blk, err := c.blocks.GetBlock(newTip)
	if err != nil {
		return fmt.Errorf("load candidate tip %s: %w", newTip, err)
	}
	return c.tryReorg(blk, now)
}

// tryReorg walks candidateTip's ancestry back to the active chain, then
// applies the stake-weighted fork rule to decide whether to
// switch the active chain onto it. A losing candidate is left in storage as
// a side branch; it may win a later reorg once more blocks are appended to
// it.
func (c *Chain) tryReorg(candidateTip *block.Block, now time.Time) error {
	branch, forkHeight, err := c.collectBranch(candidateTip)
	if err != nil {
		return err
	}

	forkBlock, err := c.blocks.GetBlockByHeight(forkHeight)
	if err != nil {
		return fmt.Errorf("load fork point at height %d: %w", forkHeight, err)
	}
	forkHash := forkBlock.Hash()

	activeHeight := c.state.Height
	if activeHeight < forkHeight {
		return fmt.Errorf("corrupt fork point: active height %d below fork height %d", activeHeight, forkHeight)
	}
	reorgDepth := activeHeight - forkHeight
	if reorgDepth > config.MaxReorgDepth {
		return fmt.Errorf("%w: depth %d exceeds %d", ErrReorgTooDeep, reorgDepth, config.MaxReorgDepth)
	}

	// Active branch being displaced, ordered tip-down to (exclusive of) the
	// fork point.
	reverted := make([]*block.Block, 0, reorgDepth)
	for h := activeHeight; h > forkHeight; h-- {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("load active block at height %d: %w", h, err)
		}
		reverted = append(reverted, blk)
	}

	if err := c.checkFinalizedProtection(reverted, branch); err != nil {
		return err
	}

	var candidateWeight, activeWeight uint64
	for _, blk := range branch {
		candidateWeight += c.leaderWeight(blk)
	}
	for _, blk := range reverted {
		activeWeight += c.leaderWeight(blk)
	}

	candidateHeight := branch[len(branch)-1].Header.Height
	candidateTipHash := branch[len(branch)-1].Hash()

	var activePeers, candidatePeers int
	if c.tipSupport != nil {
		activePeers = c.tipSupport.SupportingPeers(c.state.TipHash)
		candidatePeers = c.tipSupport.SupportingPeers(candidateTipHash)
	}

	if !decideFork(activeHeight, candidateHeight, activeWeight, candidateWeight, activePeers, candidatePeers, c.state.TipHash, candidateTipHash) {
		return nil // Active chain keeps the tip; candidate stays a stored side branch.
	}

	return c.applyReorg(forkHash, forkHeight, reverted, branch, now)
}

// collectBranch walks candidateTip's PrevHash chain backward until it joins
// the active chain (i.e., its parent hash matches the active block already
// stored at that height), returning the candidate branch in ascending
// height order and the height of the join point.
func (c *Chain) collectBranch(candidateTip *block.Block) ([]*block.Block, uint64, error) {
	branch := []*block.Block{candidateTip}
	cursor := candidateTip
	for {
		if cursor.Header.Height == 0 {
			return nil, 0, fmt.Errorf("%w: reached genesis without joining the active chain", ErrOrphanBranch)
		}
		parentHeight := cursor.Header.Height - 1
		if activeAncestor, err := c.blocks.GetBlockByHeight(parentHeight); err == nil && activeAncestor.Hash() == cursor.Header.PrevHash {
			break
		}
		parent, err := c.blocks.GetBlock(cursor.Header.PrevHash)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: missing ancestor %s: %v", ErrOrphanBranch, cursor.Header.PrevHash, err)
		}
		branch = append(branch, parent)
		cursor = parent
	}
	for i, j := 0, len(branch)-1; i < j; i, j = i+1, j-1 {
		branch[i], branch[j] = branch[j], branch[i]
	}
	return branch, branch[0].Header.Height - 1, nil
}

// checkFinalizedProtection refuses a reorg that would silently drop a
// transaction the local node already reached TimeVote finality on, unless
// the winning candidate branch carries that same transaction.
// Coinbase outputs are exempt: they are not
// TimeVote-finalized transactions, and every branch mints its own.
func (c *Chain) checkFinalizedProtection(reverted, candidate []*block.Block) error {
	if c.finalized == nil {
		return nil
	}
	present := make(map[types.Hash]bool)
	for _, blk := range candidate {
		for _, t := range blk.Transactions {
			present[t.Hash()] = true
		}
	}
	for _, blk := range reverted {
		for i, t := range blk.Transactions {
			if i == 0 {
				continue
			}
			txid := t.Hash()
			if present[txid] {
				continue
			}
			if c.finalized.IsFinalized(txid) {
				if c.OnForkRejected != nil {
					c.OnForkRejected(txid)
				}
				return fmt.Errorf("%w: tx %s", ErrFinalizedTxWouldRevert, txid)
			}
		}
	}
	return nil
}

// decideFork applies the stake-weighted longest-chain rule:
// beyond config.MaxStakeOverrideDepth blocks of height difference, pure
// length wins. Within that window, a branch carrying at least
// config.MinStakeOverrideRatio times the other's cumulative weight wins
// regardless of height; otherwise the taller branch wins, and at equal
// height the higher cumulative weight wins. An exact stake tie at equal
// height goes to the tip with more supporting peers, then to a
// deterministic tip-hash comparison. When both branches weigh 0 the ratio
// test is skipped and height and the tie-breaks decide.
func decideFork(activeHeight, candidateHeight, activeWeight, candidateWeight uint64, activePeers, candidatePeers int, activeTip, candidateTip types.Hash) bool {
	if candidateHeight > activeHeight+config.MaxStakeOverrideDepth {
		return true
	}
	if activeHeight > candidateHeight+config.MaxStakeOverrideDepth {
		return false
	}
	if activeWeight != 0 || candidateWeight != 0 {
		if candidateWeight >= activeWeight*config.MinStakeOverrideRatio {
			return true
		}
		if activeWeight >= candidateWeight*config.MinStakeOverrideRatio {
			return false
		}
	}
	if candidateHeight != activeHeight {
		return candidateHeight > activeHeight
	}
	if candidateWeight != activeWeight {
		return candidateWeight > activeWeight
	}
	if candidatePeers != activePeers {
		return candidatePeers > activePeers
	}
	return bytes.Compare(candidateTip[:], activeTip[:]) < 0
}

// applyReorg switches the active chain from the reverted branch onto the
// candidate branch: revert tip-down to the fork point, then apply the
// candidate fork-up, checkpointing so a crash mid-switch triggers a full
// UTXO rebuild on restart instead of leaving the set half-reverted.
func (c *Chain) applyReorg(forkHash types.Hash, forkHeight uint64, reverted, candidate []*block.Block, now time.Time) error {
	if err := c.blocks.PutReorgCheckpoint(forkHeight); err != nil {
		return fmt.Errorf("checkpoint reorg: %w", err)
	}

	for _, blk := range reverted {
		if err := c.revertBlock(blk); err != nil {
			return fmt.Errorf("revert block %s: %w", blk.Hash(), err)
		}
	}
	if c.state.TipHash != forkHash {
		return fmt.Errorf("revert left tip %s, expected fork point %s", c.state.TipHash, forkHash)
	}

	for _, blk := range candidate {
		if err := c.validateBlockState(blk, now); err != nil {
			return fmt.Errorf("candidate block %s failed validation during reorg: %w", blk.Hash(), err)
		}
		undo, err := c.applyBlockWithUndo(blk, false)
		if err != nil {
			return fmt.Errorf("apply candidate block %s: %w", blk.Hash(), err)
		}
		data, err := json.Marshal(undo)
		if err != nil {
			return fmt.Errorf("marshal undo for candidate block %s: %w", blk.Hash(), err)
		}
		if err := c.blocks.CommitBlock(blk, data, c.state.Supply, c.state.CumulativeWeight); err != nil {
			return fmt.Errorf("commit candidate block %s: %w", blk.Hash(), err)
		}
		if c.OnBlockAdded != nil {
			c.OnBlockAdded(blk)
		}
	}

	return c.blocks.DeleteReorgCheckpoint()
}
