package config

// DefaultMainnet returns the default node configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		ChainID:      Mainnet.ChainID(),
		Network:      Mainnet,
		DataDir:      DefaultDataDir(),
		ListenAddr:   "0.0.0.0:7100",
		HashFunction: HashBlake3,
		Masternode: MasternodeConfig{
			Enabled: false,
		},
		// BootstrapPeers are seed nodes that help new peers discover the AVS.
		// Real addresses will be filled when seed servers are provisioned.
		BootstrapPeers: []string{},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default node configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.ChainID = Testnet.ChainID()
	cfg.Network = Testnet
	cfg.ListenAddr = "0.0.0.0:7200"
	return cfg
}

// DefaultDevnet returns the default node configuration for a local devnet,
// with the well-known genesis masternode key pre-filled so a single node
// can self-sortition without operator setup.
func DefaultDevnet() *Config {
	cfg := DefaultMainnet()
	cfg.ChainID = Devnet.ChainID()
	cfg.Network = Devnet
	cfg.ListenAddr = "127.0.0.1:7300"
	cfg.Masternode = MasternodeConfig{
		Enabled:       true,
		PrivKey:       TestnetValidatorPrivKey,
		VRFKey:        TestnetVRFPrivKey,
		RewardAddress: TestnetAddress,
	}
	return cfg
}

// Default returns the default node configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	case Devnet:
		return DefaultDevnet()
	default:
		return DefaultMainnet()
	}
}
