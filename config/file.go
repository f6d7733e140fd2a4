package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LoadFile loads node configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse key = value
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a node config value by key.
// Only node-operational settings, NOT protocol rules.
func setConfigValue(cfg *Config, key, value string) error {
	switch key {
	// Core
	case "network":
		cfg.Network = NetworkType(value)
		cfg.ChainID = cfg.Network.ChainID()
	case "chain_id":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return err
		}
		cfg.ChainID = uint32(n)
	case "datadir":
		cfg.DataDir = value

	// Transport (collaborator surface)
	case "listen_addr":
		cfg.ListenAddr = value
	case "bootstrap_peers":
		cfg.BootstrapPeers = parseStringList(value)
	case "allow_plain_transport":
		cfg.AllowPlainTransport = parseBool(value)
	case "hash_function":
		cfg.HashFunction = HashFunction(value)

	// Masternode
	case "masternode.enabled":
		cfg.Masternode.Enabled = parseBool(value)
	case "masternode.privkey":
		cfg.Masternode.PrivKey = value
	case "masternode.vrfkey":
		cfg.Masternode.VRFKey = value
	case "masternode.reward_address":
		cfg.Masternode.RewardAddress = value

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored
	}
	return nil
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// WriteDefaultConfig writes a default node configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	content := `# TimeCoin Node Configuration
#
# This file contains NODE settings only.
# Protocol rules (block interval, quorum thresholds, tier table, etc.) are
# pinned in genesis and cannot be changed without a hard fork.

# Network: mainnet, testnet or devnet
network = ` + string(network) + `

# Data directory (default: ~/.timecoin)
# datadir = ~/.timecoin

# ============================================================================
# Transport (collaborator surface)
# ============================================================================

listen_addr = ` + defaultListenAddr(network) + `
# bootstrap_peers = node1.example.com:7100,node2.example.com:7100
allow_plain_transport = false
hash_function = blake3

# ============================================================================
# Masternode
# ============================================================================

masternode.enabled = false
# masternode.privkey = <hex-encoded Ed25519 seed>
# masternode.vrfkey = <hex-encoded VRF seed>
# masternode.reward_address = <your-address>

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}

func defaultListenAddr(network NetworkType) string {
	switch network {
	case Testnet:
		return "0.0.0.0:7200"
	case Devnet:
		return "127.0.0.1:7300"
	default:
		return "0.0.0.0:7100"
	}
}
