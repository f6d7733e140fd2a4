package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/time-coin/timecoin/pkg/crypto"
	"github.com/time-coin/timecoin/pkg/types"
)

// =============================================================================
// Protocol Rules (immutable, defined in genesis)
// These MUST match across all nodes or consensus breaks.
// =============================================================================

// Denomination constants. 1 TIME = 10^12 base units.
const (
	Decimals  = 12
	Coin      = 1_000_000_000_000 // 10^12 base units per TIME
	MilliCoin = 1_000_000_000     // 10^9
	MicroCoin = 1_000_000         // 10^6
)

// CoinbaseMaturity is the number of blocks a coinbase output must wait
// before it can be spent. Prevents spending rewards a reorg could revert.
const CoinbaseMaturity uint64 = 3

// Block and transaction size limits (consensus-critical).
const (
	MaxBlockSize  = 2_000_000 // 2 MB
	MaxBlockTxs   = 10_000
	MaxTxInputs   = 2500
	MaxTxOutputs  = 2500
	MaxScriptData = 65_536
)

// Pinned protocol parameters. These are constants of
// the protocol itself, not per-node configuration: every honest node must
// agree on them or TimeVote/TimeGuard/TimeLock diverge.
const (
	BlockIntervalSeconds   = 600 // TimeLock slot length.
	BlockTimeGraceSeconds  = 30  // +/- grace around slot time.
	BlockRewardTime        = 100 // BLOCK_REWARD, in whole TIME.
	RewardDistributionTime = 50  // reward-distribution pool, in whole TIME.

	SampleK           = 20 // TimeVote sample size.
	PollAlphaQuorum   = 14 // TimeVote round quorum (alpha).
	PollTimeoutMillis = 200
	MaxSampleBatch    = 64

	QFinalityNumerator   = 67 // Q_finality = ceil(numerator/100 * total AVS weight).
	QFinalityDenominator = 100

	HeartbeatPeriodSeconds = 60
	HeartbeatTTLSeconds    = 180
	WitnessMin             = 3

	StallTimeoutSeconds            = 30
	FallbackRoundTimeoutSeconds    = 10
	FallbackProposalTimeoutSeconds = 5
	FallbackVoteTimeoutSeconds     = 5
	MaxFallbackRounds              = 5
	AlertQuiesceSeconds            = 20
	LeaderIdleTimeoutSeconds       = 10

	MaxReorgDepth         = 500
	MaxStakeOverrideDepth = 2
	MinStakeOverrideRatio = 2

	MaxMempoolBytes    = 100 * 1024 * 1024
	MaxMempoolEntries  = 10_000
	OrphanPoolMax      = 1_000
	OrphanTTLSeconds   = 72 * 3600
	RejectedTTLSeconds = 3600
	TxExpirySeconds    = 72 * 3600

	DustThresholdSats = 546
)

// MasternodeTier identifies a masternode's collateral class.
type MasternodeTier uint8

const (
	TierFree MasternodeTier = iota
	TierBronze
	TierSilver
	TierGold
)

func (t MasternodeTier) String() string {
	switch t {
	case TierFree:
		return "Free"
	case TierBronze:
		return "Bronze"
	case TierSilver:
		return "Silver"
	case TierGold:
		return "Gold"
	default:
		return "Unknown"
	}
}

// TierAttributes pins the four per-tier attributes's table.
type TierAttributes struct {
	Collateral       uint64
	SamplingWeight   uint64
	RewardWeight     uint64
	GovernanceWeight uint64
}

// TierTable is the pinned tier -> attribute mapping. Collateral
// is denominated in base units (Coin = 1 TIME).
var TierTable = map[MasternodeTier]TierAttributes{
	TierFree:   {Collateral: 0, SamplingWeight: 1, RewardWeight: 100, GovernanceWeight: 0},
	TierBronze: {Collateral: 1_000 * Coin, SamplingWeight: 10, RewardWeight: 1_000, GovernanceWeight: 1},
	TierSilver: {Collateral: 10_000 * Coin, SamplingWeight: 100, RewardWeight: 10_000, GovernanceWeight: 10},
	TierGold:   {Collateral: 100_000 * Coin, SamplingWeight: 1_000, RewardWeight: 100_000, GovernanceWeight: 100},
}

// TierForCollateral returns the highest tier whose collateral requirement
// the given amount satisfies.
func TierForCollateral(amount uint64) MasternodeTier {
	tier := TierFree
	for t, attrs := range TierTable {
		if amount >= attrs.Collateral && attrs.Collateral >= TierTable[tier].Collateral {
			tier = t
		}
	}
	return tier
}

// ForkSchedule defines block heights at which protocol upgrades activate.
// A zero value means the fork is not scheduled.
type ForkSchedule struct{}

// IsActive returns true if a fork at forkHeight has activated at currentHeight.
// Returns false if forkHeight is 0 (not scheduled).
func (f *ForkSchedule) IsActive(forkHeight, currentHeight uint64) bool {
	return forkHeight > 0 && currentHeight >= forkHeight
}

// GenesisMasternode seeds the AVS before any heartbeat has been observed,
// so slot 0 has a non-empty validator set to sortition over.
type GenesisMasternode struct {
	ID      string         `json:"id"` // address, also the masternode identifier.
	PubKey  string         `json:"pubkey"`
	VRFKey  string         `json:"vrf_pubkey"`
	Tier    MasternodeTier `json:"tier"`
	Address string         `json:"reward_address"`
}

// ProtocolConfig holds consensus-critical rules that are fixed at genesis.
type ProtocolConfig struct {
	BlockIntervalSeconds uint64       `json:"block_interval_seconds"`
	BlockRewardBaseUnits uint64       `json:"block_reward_base_units"`
	Forks                ForkSchedule `json:"forks,omitempty"`
}

// Genesis holds the genesis block configuration and protocol rules.
// Immutable after chain launch; changes require a hard fork.
type Genesis struct {
	ChainID   uint32      `json:"chain_id"`
	Network   NetworkType `json:"network"`
	ChainName string      `json:"chain_name"`

	Timestamp uint64 `json:"timestamp"`
	ExtraData string `json:"extra_data,omitempty"`

	// Alloc seeds initial UTXOs (address -> value in base units).
	Alloc map[string]uint64 `json:"alloc"`

	// Masternodes seeds the AVS before heartbeats arrive.
	Masternodes []GenesisMasternode `json:"masternodes"`

	Protocol ProtocolConfig `json:"protocol"`
}

// =============================================================================
// Pre-defined genesis configurations
// =============================================================================

func baseGenesis(network NetworkType) *Genesis {
	return &Genesis{
		ChainID:   network.ChainID(),
		Network:   network,
		ChainName: fmt.Sprintf("TimeCoin %s", network),
		Timestamp: uint64(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Unix()),
		ExtraData: "TimeCoin Genesis",
		Alloc:     map[string]uint64{},
		Protocol: ProtocolConfig{
			BlockIntervalSeconds: BlockIntervalSeconds,
			BlockRewardBaseUnits: BlockRewardTime * Coin,
		},
	}
}

// MainnetGenesis returns the mainnet genesis configuration.
func MainnetGenesis() *Genesis {
	return baseGenesis(Mainnet)
}

// TestnetGenesis returns the testnet genesis configuration, seeded with a
// single well-known Bronze masternode so a fresh testnet can immediately
// sortition a TimeLock leader and reach TimeVote quorum alone.
func TestnetGenesis() *Genesis {
	g := baseGenesis(Testnet)
	g.Alloc = map[string]uint64{
		TestnetAddress: 200_000 * Coin,
	}
	g.Masternodes = []GenesisMasternode{
		{
			ID:      TestnetAddress,
			PubKey:  TestnetValidatorPubKey,
			VRFKey:  TestnetVRFPubKey,
			Tier:    TierBronze,
			Address: TestnetAddress,
		},
	}
	return g
}

// DevnetGenesis returns a single-node development genesis with a large
// pre-funded Gold masternode. The block interval stays at the 600s pin:
// devnet trades funding convenience for speed, not protocol conformance.
func DevnetGenesis() *Genesis {
	g := baseGenesis(Devnet)
	g.Alloc = map[string]uint64{
		TestnetAddress: 1_000_000 * Coin,
	}
	g.Masternodes = []GenesisMasternode{
		{
			ID:      TestnetAddress,
			PubKey:  TestnetValidatorPubKey,
			VRFKey:  TestnetVRFPubKey,
			Tier:    TierGold,
			Address: TestnetAddress,
		},
	}
	return g
}

// GenesisFor returns the genesis config for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	case Devnet:
		return DevnetGenesis()
	default:
		return MainnetGenesis()
	}
}

// =============================================================================
// Testnet identity
//
// Fixed Ed25519/VRF keypair for the well-known testnet bootstrap
// masternode. DO NOT use on mainnet.
// =============================================================================

const (
	// TestnetValidatorPubKey is the hex-encoded 32-byte Ed25519 public key
	// of the well-known testnet validator.
	TestnetValidatorPubKey = "36816b39f6b668ec601928cb433cf1b42c67ea8cc8d794f61c2c3a25694201c3"

	// TestnetVRFPubKey is the hex-encoded 32-byte Ed25519 VRF public key
	// of the well-known testnet validator.
	TestnetVRFPubKey = "42b7e6a12a9b270c7f90bac4959d024e9b5edaaf72932c5a91d00c4e72f5bb77"

	// TestnetValidatorPrivKey is the hex-encoded 32-byte Ed25519 seed
	// paired with TestnetValidatorPubKey. DO NOT use on mainnet.
	TestnetValidatorPrivKey = "1f0717e6e34acc6721021f4dfed54558ec8452452b6195545d06dd348b220091"

	// TestnetVRFPrivKey is the hex-encoded 32-byte Ed25519 VRF seed paired
	// with TestnetVRFPubKey. DO NOT use on mainnet.
	TestnetVRFPrivKey = "2f0717e6e34acc6721021f4dfed54558ec8452452b6195545d06dd348b220092"

	// TestnetAddress is the bech32m (timet) address derived from the
	// well-known testnet validator key.
	TestnetAddress = "timet1tl6wcxapgy2pe6e64v0dm0zxprry4e769vxdgy"
)

// =============================================================================
// Genesis file I/O
// =============================================================================

// LoadGenesis loads genesis configuration from a file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	return &g, nil
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}
	return nil
}

// Validate checks that the genesis configuration is internally consistent.
func (g *Genesis) Validate() error {
	if g.ChainID == 0 {
		return fmt.Errorf("chain_id is required")
	}
	if g.ChainID != g.Network.ChainID() {
		return fmt.Errorf("chain_id %d does not match network %q", g.ChainID, g.Network)
	}
	if g.Protocol.BlockIntervalSeconds == 0 {
		return fmt.Errorf("block_interval_seconds must be positive")
	}
	if g.Protocol.BlockRewardBaseUnits == 0 {
		return fmt.Errorf("block_reward_base_units must be positive")
	}

	for addrStr := range g.Alloc {
		if _, err := types.ParseAddress(addrStr); err != nil {
			return fmt.Errorf("invalid alloc address %q: %w", addrStr, err)
		}
	}

	seen := make(map[string]struct{}, len(g.Masternodes))
	for _, mn := range g.Masternodes {
		if mn.ID == "" {
			return fmt.Errorf("genesis masternode missing id")
		}
		if _, dup := seen[mn.ID]; dup {
			return fmt.Errorf("duplicate genesis masternode id %q", mn.ID)
		}
		seen[mn.ID] = struct{}{}
		if _, ok := TierTable[mn.Tier]; !ok {
			return fmt.Errorf("genesis masternode %q has unknown tier %d", mn.ID, mn.Tier)
		}
	}

	return nil
}

// Hash returns a content hash of the genesis configuration, used to detect
// genesis mismatches between peers.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash(data), nil
}
