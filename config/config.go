// Package config handles application configuration.
//
// Configuration is split into two categories:
//   - Protocol rules: defined in genesis, immutable, must match across all
//     nodes or consensus breaks (see genesis.go).
//   - Node settings: runtime configuration, can vary per node (this file).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/time-coin/timecoin/pkg/types"
)

// NetworkType identifies which of the three TimeCoin networks a node runs
// against.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
	Devnet  NetworkType = "devnet"
)

// ChainID returns the network's replay-protection chain_id:
// mainnet=1, testnet=2, devnet=3.
func (n NetworkType) ChainID() uint32 {
	switch n {
	case Testnet:
		return 2
	case Devnet:
		return 3
	default:
		return 1
	}
}

// HashFunction identifies the network's pinned content hash,
// resolved to Blake3 (see DESIGN.md).
type HashFunction string

const (
	HashBlake3  HashFunction = "blake3"
	HashSha256d HashFunction = "sha256d"
)

// Config holds node-specific runtime configuration. These settings can vary between nodes without breaking
// consensus, except HashFunction which must match the network.
type Config struct {
	ChainID uint32      `conf:"chain_id"`
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	// ListenAddr is the host:port the transport collaborator
	// binds to. The consensus core never dials or listens itself.
	ListenAddr string `conf:"listen_addr"`

	Masternode MasternodeConfig

	// BootstrapPeers seeds the out-of-scope peer-discovery collaborator.
	BootstrapPeers []string `conf:"bootstrap_peers"`

	// HashFunction must match the network's pinned choice (Blake3 for every
	// network shipped by this implementation — see genesis.go).
	HashFunction HashFunction `conf:"hash_function"`

	// AllowPlainTransport permits the transport collaborator to accept
	// unencrypted connections. Defaults to false.
	AllowPlainTransport bool `conf:"allow_plain_transport"`

	Log LogConfig
}

// MasternodeConfig holds the settings needed to run this node as a
// masternode participating in AVS heartbeats, TimeVote, TimeGuard and
// TimeLock.
type MasternodeConfig struct {
	Enabled bool   `conf:"masternode.enabled"`
	PrivKey string `conf:"masternode.privkey"` // hex-encoded 32-byte Ed25519 seed.
	VRFKey  string `conf:"masternode.vrfkey"`  // hex-encoded Ed25519 VRF seed.

	// RewardAddress receives block rewards and reward-distribution payouts
	// when this node's masternode is the TimeLock leader or an eligible
	// Free-tier recipient.
	RewardAddress string `conf:"masternode.reward_address"`

	// CollateralOutpoints are the outpoints backing this masternode's tier
	//; empty for Free tier.
	CollateralOutpoints []types.Outpoint
}

// LogConfig holds logging settings (ambient stack, ungoverned by consensus).
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.timecoin
//	macOS:   ~/Library/Application Support/TimeCoin
//	Windows: %APPDATA%\TimeCoin
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".timecoin"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "TimeCoin")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "TimeCoin")
		}
		return filepath.Join(home, "AppData", "Roaming", "TimeCoin")
	default:
		return filepath.Join(home, ".timecoin")
	}
}

// ChainDataDir returns the chain-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// UTXODir returns the UTXO store directory (prefix "u/" inside).
func (c *Config) UTXODir() string {
	return filepath.Join(c.ChainDataDir(), "utxo")
}

// RegistryDir returns the masternode registry / AVS snapshot directory
// (prefixes "m/" and "v/" inside).
func (c *Config) RegistryDir() string {
	return filepath.Join(c.ChainDataDir(), "registry")
}

// ChainDir returns the block/undo-log store directory.
func (c *Config) ChainDir() string {
	return filepath.Join(c.ChainDataDir(), "chain")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "timecoin.conf")
}

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	switch cfg.Network {
	case Mainnet, Testnet, Devnet:
	default:
		return fmt.Errorf("network must be %q, %q or %q", Mainnet, Testnet, Devnet)
	}
	if cfg.ChainID != cfg.Network.ChainID() {
		return fmt.Errorf("chain_id %d does not match network %q (want %d)",
			cfg.ChainID, cfg.Network, cfg.Network.ChainID())
	}
	if cfg.HashFunction != HashBlake3 && cfg.HashFunction != HashSha256d {
		return fmt.Errorf("hash_function must be %q or %q", HashBlake3, HashSha256d)
	}
	if cfg.HashFunction != HashBlake3 {
		return fmt.Errorf("hash_function %q not supported by this build (only %q is wired)", cfg.HashFunction, HashBlake3)
	}
	if cfg.Masternode.Enabled && cfg.Masternode.PrivKey == "" {
		return fmt.Errorf("masternode.enabled requires masternode.privkey")
	}
	return nil
}
