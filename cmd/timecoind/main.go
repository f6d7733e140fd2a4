// TimeCoin full node daemon.
//
// Usage:
//
//	timecoind                  Run an observer node
//	timecoind --masternode     Run as a masternode (requires keys in config)
//	timecoind --help           Show help
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/time-coin/timecoin/config"
	"github.com/time-coin/timecoin/internal/chain"
	"github.com/time-coin/timecoin/internal/consensus"
	"github.com/time-coin/timecoin/internal/events"
	tclog "github.com/time-coin/timecoin/internal/log"
	"github.com/time-coin/timecoin/internal/mempool"
	"github.com/time-coin/timecoin/internal/registry"
	"github.com/time-coin/timecoin/internal/storage"
	"github.com/time-coin/timecoin/internal/timeguard"
	"github.com/time-coin/timecoin/internal/timelock"
	"github.com/time-coin/timecoin/internal/timevote"
	"github.com/time-coin/timecoin/internal/utxo"
	"github.com/time-coin/timecoin/pkg/crypto"
	"github.com/time-coin/timecoin/pkg/tx"
	"github.com/time-coin/timecoin/pkg/types"
	"github.com/rs/zerolog"
)

func main() {
	// ── 1. Load config (defaults -> file -> flags) ──────────────────────
	cfg, _, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// ── 1a. Set address HRP for the selected network ────────────────────
	if cfg.Network == config.Testnet {
		types.SetAddressHRP(types.TestnetHRP)
	} else {
		types.SetAddressHRP(types.MainnetHRP)
	}

	// ── 2. Init logger ───────────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logFile = cfg.LogsDir() + "/timecoin.log"
	}
	if err := tclog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	logger := tclog.WithComponent("node")

	// ── 3. Genesis (pinned per network) ──────────────────────
	genesis := config.GenesisFor(cfg.Network)

	logger.Info().
		Uint32("chain_id", genesis.ChainID).
		Str("network", string(cfg.Network)).
		Str("chain_name", genesis.ChainName).
		Msg("Starting TimeCoin node")

	// ── 4. Open storage ───────────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.ChainDataDir())
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.ChainDataDir()).Msg("Failed to open database")
	}
	defer db.Close()

	utxoStore := utxo.NewStore(db)
	utxoMgr := utxo.NewManager(utxoStore, nil) // CollateralChecker wired once the registry exists.
	logger.Info().Str("path", cfg.ChainDataDir()).Msg("Database opened")

	// ── 5. Masternode registry and AVS ───────────────────────────────────
	reg := registry.NewStore(storage.NewPrefixDB(db, []byte("reg/")))
	if err := reg.SeedGenesis(genesis); err != nil {
		logger.Fatal().Err(err).Msg("Failed to seed masternode registry from genesis")
	}
	heartbeat := registry.NewHeartbeatTracker()
	utxoMgr.SetCollateralChecker(reg)

	// ── 5a. Local masternode identity, if this node is configured to run
	// as one. An unconfigured node runs as a pure
	// observer: self stays nil throughout.
	var self *timelock.Identity
	if cfg.Masternode.Enabled {
		self, err = loadIdentity(cfg.Masternode)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to load masternode identity")
		}
		if err := registerSelf(reg, utxoStore, cfg.Masternode, self); err != nil {
			logger.Fatal().Err(err).Msg("Failed to register local masternode")
		}
		logger.Info().
			Str("id", self.ID.String()).
			Msg("Masternode identity loaded")
	}

	// ── 6. Mempool ────────────────────────────────────────────────────────
	pool := mempool.New(utxo.NewTxProvider(utxoStore))

	// ── 7. Chain (auto-recovers tip from DB) ─────────────────────────────
	ch, err := chain.New(types.ChainID(genesis.ChainID), db, utxoMgr)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create chain")
	}
	pool.SetCoinbaseMaturity(config.CoinbaseMaturity, ch.Height, utxoStore)

	if ch.State().IsGenesis() {
		if err := ch.InitFromGenesis(genesis); err != nil {
			logger.Fatal().Err(err).Msg("Failed to initialize from genesis")
		}
		logger.Info().Msg("Chain initialized from genesis")
	} else {
		logger.Info().
			Uint64("height", ch.Height()).
			Str("tip", ch.TipHash().String()).
			Msg("Chain resumed from database")
	}

	// ── 8. TimeVote ───────────────────────────────────────────────────────
	var responder *timevote.Responder
	if self != nil {
		weight, err := selfSamplingWeight(reg, self.ID)
		if err != nil {
			logger.Warn().Err(err).Msg("Could not resolve own sampling weight; responding with 0")
		}
		responder = timevote.NewResponder(genesis.ChainID, self.ID, weight, self.Key, poolTxSource{pool: pool, provider: utxo.NewTxProvider(utxoStore)})
	}
	votes := timevote.NewEngine(genesis.ChainID, pool, utxoMgr, reg, nil, responder)

	// ── 9. TimeGuard ──────────────────────────────────────────────────────
	var selfID types.Address
	var selfKey *crypto.PrivateKey
	if self != nil {
		selfID, selfKey = self.ID, self.Key
	}
	guard := timeguard.NewEngine(reg, timeguard.NewRegistryPubKeySource(reg), selfID, selfKey)

	// ── 10. Consensus Engine facade ───────────────────────────────────────
	engine, err := consensus.New(consensus.Deps{
		ChainID:   genesis.ChainID,
		Self:      self,
		Pool:      pool,
		UTXOMgr:   utxoMgr,
		Registry:  reg,
		Heartbeat: heartbeat,
		Votes:     votes,
		Guard:     guard,
		Chain:     ch,
		Responder: responder,
		Events:    events.NewLogSink(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create consensus engine")
	}

	// OnBlockProduced/OnVoteCast stay nil: without a transport collaborator
	// there is nothing to gossip a produced block or cast
	// vote to, and the engine already applies both locally regardless.

	// ── 11. Scheduler loop ────────────────────────────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runTickLoop(ctx, engine, logger)
	go runHeartbeatLoop(ctx, heartbeat, self, logger)
	go runAVSSnapshotLoop(ctx, reg, heartbeat, logger)
	go runStatusLoop(ctx, ch, pool, logger)
	if self != nil {
		go runBlockProductionLoop(ctx, engine, logger)
	}

	logger.Info().
		Uint64("height", ch.Height()).
		Bool("masternode", self != nil).
		Msg("Node started successfully")

	// ── 12. Wait for shutdown ─────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	cancel()
	time.Sleep(200 * time.Millisecond) // Let in-flight ticks drain.
	logger.Info().Msg("Goodbye!")
}

// runTickLoop drives the Consensus Engine's periodic housekeeping:
// TimeVote polling, TimeGuard round advancement, and UTXO
// lock-timeout sweeps, roughly once per second.
func runTickLoop(ctx context.Context, engine *consensus.Engine, logger zerolog.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			engine.Tick(ctx, now)
		}
	}
}

// runBlockProductionLoop attempts this node's own TimeLock block production
// once per slot: ProduceBlock returns (nil, nil) on every slot
// this node's VRF candidacy does not win the sortition.
func runBlockProductionLoop(ctx context.Context, engine *consensus.Engine, logger zerolog.Logger) {
	ticker := time.NewTicker(config.BlockIntervalSeconds * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			proposal, err := engine.ProduceBlock(now)
			if err != nil {
				logger.Warn().Err(err).Msg("block production failed")
				continue
			}
			if proposal != nil {
				logger.Info().Str("block", proposal.Block.Hash().String()).Msg("produced block")
			}
		}
	}
}

// runHeartbeatLoop records this node's own liveness once per heartbeat
// period. Without a transport collaborator there is no peer
// heartbeat gossip to relay; a masternode still keeps its own AVS entry
// live for single-node and devnet operation.
func runHeartbeatLoop(ctx context.Context, tracker *registry.HeartbeatTracker, self *timelock.Identity, logger zerolog.Logger) {
	if self == nil {
		return
	}
	ticker := time.NewTicker(config.HeartbeatPeriodSeconds * time.Second)
	defer ticker.Stop()
	tracker.RecordHeartbeat(self.ID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tracker.RecordHeartbeat(self.ID)
		}
	}
}

// runAVSSnapshotLoop recomputes and persists the AVS snapshot for the
// current slot each heartbeat period, so TimeVote sampling and
// TimeLock sortition always have a snapshot pinned for the slot they need.
func runAVSSnapshotLoop(ctx context.Context, reg *registry.Store, tracker *registry.HeartbeatTracker, logger zerolog.Logger) {
	ticker := time.NewTicker(config.HeartbeatPeriodSeconds * time.Second)
	defer ticker.Stop()
	snapshotOnce(reg, tracker, logger)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshotOnce(reg, tracker, logger)
		}
	}
}

func snapshotOnce(reg *registry.Store, tracker *registry.HeartbeatTracker, logger zerolog.Logger) {
	now := time.Now()
	slot := timelock.Slot(now.Unix())
	masternodes, err := reg.All()
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to list masternodes for AVS snapshot")
		return
	}
	snap := registry.ComputeSnapshot(slot, now, masternodes, tracker)
	if err := reg.SaveSnapshot(snap, now); err != nil {
		logger.Warn().Err(err).Msg("Failed to save AVS snapshot")
		return
	}
	logger.Debug().Uint64("slot", slot).Int("members", len(snap.Members)).Msg("AVS snapshot saved")
}

// runStatusLoop logs a periodic chain/mempool status line, the daemon's
// only always-on observability surface beyond the injected events.Sink.
func runStatusLoop(ctx context.Context, ch *chain.Chain, pool *mempool.Pool, logger zerolog.Logger) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info().
				Uint64("height", ch.Height()).
				Str("tip", ch.TipHash().String()).
				Int("pending", pool.PendingCount()).
				Int("finalized", pool.FinalizedCount()).
				Msg("status")
		}
	}
}

// loadIdentity builds this node's masternode signing identity from its
// configured hex-encoded Ed25519 and VRF keys.
func loadIdentity(mc config.MasternodeConfig) (*timelock.Identity, error) {
	if mc.PrivKey == "" || mc.VRFKey == "" {
		return nil, fmt.Errorf("masternode.enabled requires both masternode.privkey and masternode.vrfkey")
	}
	keyBytes, err := hex.DecodeString(mc.PrivKey)
	if err != nil {
		return nil, fmt.Errorf("decode masternode.privkey: %w", err)
	}
	key, err := crypto.PrivateKeyFromBytes(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("load masternode.privkey: %w", err)
	}
	vrfBytes, err := hex.DecodeString(mc.VRFKey)
	if err != nil {
		return nil, fmt.Errorf("decode masternode.vrfkey: %w", err)
	}
	vrfKey, err := crypto.VRFPrivateKeyFromBytes(vrfBytes)
	if err != nil {
		return nil, fmt.Errorf("load masternode.vrfkey: %w", err)
	}
	return &timelock.Identity{
		ID:     crypto.AddressFromPubKey(key.PublicKey()),
		Key:    key,
		VRFKey: vrfKey,
	}, nil
}

// registerSelf derives this masternode's tier from its collateral and
// registers (or re-registers, on restart) it with the registry.
// Free tier (no collateral configured) registers with an empty Collateral
// list, which maintenance.ValidateCollaterals always treats as live.
func registerSelf(reg *registry.Store, utxoStore *utxo.Store, mc config.MasternodeConfig, self *timelock.Identity) error {
	checker := registry.NewCollateralChecker(utxoStore)
	tier, err := checker.Tier(self.Key.PublicKey())
	if err != nil {
		return fmt.Errorf("resolve masternode tier: %w", err)
	}

	rewardAddr := self.ID
	if mc.RewardAddress != "" {
		rewardAddr, err = types.ParseAddress(mc.RewardAddress)
		if err != nil {
			return fmt.Errorf("invalid masternode.reward_address: %w", err)
		}
	}

	return reg.Register(&registry.Masternode{
		ID:         self.ID,
		PubKey:     self.Key.PublicKey(),
		VRFPubKey:  self.VRFKey.PublicKey(),
		Tier:       tier,
		Collateral: mc.CollateralOutpoints,
		RewardAddr: rewardAddr,
	})
}

// selfSamplingWeight resolves this masternode's pinned sampling weight by
// tier, for the Responder to report on its own signed votes.
func selfSamplingWeight(reg *registry.Store, id types.Address) (uint64, error) {
	m, err := reg.Get(id)
	if err != nil {
		return 0, err
	}
	return m.Attributes().SamplingWeight, nil
}

// poolTxSource adapts the mempool and UTXO set to timevote.TxSource, the
// narrow view Responder.Vote needs to decide Accept/Reject.
type poolTxSource struct {
	pool     *mempool.Pool
	provider tx.UTXOProvider
}

func (s poolTxSource) Get(txid types.Hash) *tx.Transaction {
	return s.pool.Get(txid)
}

func (s poolTxSource) ValidateWithUTXOs(t *tx.Transaction) error {
	_, err := t.ValidateWithUTXOs(s.provider)
	return err
}
