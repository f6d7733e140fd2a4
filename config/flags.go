package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// Flags holds parsed command-line flags.
type Flags struct {
	// Commands
	Help    bool
	Version bool

	// Core
	Network string
	DataDir string
	Config  string

	// Transport (collaborator surface)
	ListenAddr     string
	BootstrapPeers string
	AllowPlain     bool

	// Masternode
	Masternode    bool
	MasternodeKey string
	VRFKey        string
	RewardAddress string

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	// Remaining args
	Args []string

	// Explicitly-set bool flags (for true/false overrides).
	SetMasternode bool
	SetAllowPlain bool
	SetLogJSON    bool
}

// ParseFlags parses command-line flags.
func ParseFlags() *Flags {
	f := &Flags{}
	fs := flag.NewFlagSet("timecoind", flag.ContinueOnError)

	// Commands
	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	// Core
	fs.StringVar(&f.Network, "network", "", "Network type: mainnet, testnet or devnet")
	var testnet bool
	fs.BoolVar(&testnet, "testnet", false, "Use testnet (shorthand for --network=testnet)")
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")

	// Transport
	fs.StringVar(&f.ListenAddr, "listen-addr", "", "host:port the transport collaborator binds to")
	fs.StringVar(&f.BootstrapPeers, "bootstrap-peers", "", "Comma-separated bootstrap peer addresses")
	fs.BoolVar(&f.AllowPlain, "allow-plain-transport", false, "Permit unencrypted transport connections")

	// Masternode
	fs.BoolVar(&f.Masternode, "masternode", false, "Run this node as a masternode (AVS/TimeVote/TimeLock participant)")
	fs.StringVar(&f.MasternodeKey, "masternode-key", "", "Hex-encoded masternode Ed25519 private key seed")
	fs.StringVar(&f.VRFKey, "vrf-key", "", "Hex-encoded masternode VRF private key seed")
	fs.StringVar(&f.RewardAddress, "reward-address", "", "Address to receive block and masternode rewards")

	// Logging
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	fs.Usage = func() {
		printUsage()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	// Handle --testnet shorthand
	if testnet {
		f.Network = "testnet"
	}
	f.SetMasternode = isFlagSet(fs, "masternode")
	f.SetAllowPlain = isFlagSet(fs, "allow-plain-transport")
	f.SetLogJSON = isFlagSet(fs, "log-json")

	f.Args = fs.Args()

	// Detect unparsed flags caused by positional arguments stopping the parser.
	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			fmt.Fprintf(os.Stderr, "Error: flag %q was not parsed (positional argument stopped parsing)\n", arg)
			fmt.Fprintf(os.Stderr, "Hint: --masternode is a boolean flag. Use --masternode (not --masternode <name>)\n")
			os.Exit(1)
		}
	}

	return f
}

// ApplyFlags applies command-line flags to a Config struct.
func ApplyFlags(cfg *Config, f *Flags) {
	if f.Network != "" {
		cfg.Network = NetworkType(f.Network)
		cfg.ChainID = cfg.Network.ChainID()
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}

	if f.ListenAddr != "" {
		cfg.ListenAddr = f.ListenAddr
	}
	if f.BootstrapPeers != "" {
		cfg.BootstrapPeers = parseStringList(f.BootstrapPeers)
	}
	if f.SetAllowPlain {
		cfg.AllowPlainTransport = f.AllowPlain
	}

	if f.SetMasternode {
		cfg.Masternode.Enabled = f.Masternode
	}
	if f.MasternodeKey != "" {
		cfg.Masternode.PrivKey = f.MasternodeKey
	}
	if f.VRFKey != "" {
		cfg.Masternode.VRFKey = f.VRFKey
	}
	if f.RewardAddress != "" {
		cfg.Masternode.RewardAddress = f.RewardAddress
	}

	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}
}

// isFlagSet checks if a flag was explicitly set.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func printUsage() {
	usage := `TimeCoin - UTXO blockchain with stake-weighted TimeVote finality

Usage:
  timecoind [options]
  timecoind --help

Commands:
  --help, -h      Show this help message
  --version, -v   Show version information

Core Options:
  --network       Network type: mainnet (default), testnet, or devnet
  --testnet       Shorthand for --network=testnet
  --datadir       Data directory (default: ~/.timecoin)
  --config, -c    Config file path (default: <datadir>/timecoin.conf)

Transport Options:
  --listen-addr            host:port for the transport collaborator to bind
  --bootstrap-peers        Comma-separated bootstrap peer addresses
  --allow-plain-transport  Permit unencrypted transport connections

Masternode Options:
  --masternode        Run this node as a masternode
  --masternode-key     Hex-encoded masternode Ed25519 private key seed
  --vrf-key            Hex-encoded masternode VRF private key seed
  --reward-address     Address to receive block and masternode rewards

Logging Options:
  --log-level     Log level: debug, info, warn, error (default: info)
  --log-file      Log file path (default: <datadir>/logs/timecoin.log;
                  logs are written to stdout as well)
  --log-json      Output logs as JSON

Examples:
  # Start mainnet node
  timecoind

  # Start testnet node
  timecoind --network=testnet

  # Run as a masternode
  timecoind --masternode --masternode-key=<hex-seed> \
            --vrf-key=<hex-seed> --reward-address=<address>

Note:
  Protocol rules (block interval, quorum thresholds, tier table, etc.) are
  pinned in genesis and cannot be changed at runtime.
`
	fmt.Print(usage)
}

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file
// 4. Command-line flags
func Load() (*Config, *Flags, error) {
	flags := ParseFlags()

	if flags.Help {
		printUsage()
		os.Exit(0)
	}
	if flags.Version {
		fmt.Println("timecoind version 0.1.0")
		os.Exit(0)
	}

	network := Mainnet
	switch strings.ToLower(flags.Network) {
	case "testnet":
		network = Testnet
	case "devnet":
		network = Devnet
	}

	cfg := Default(network)

	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}

	if err := EnsureDataDirs(cfg); err != nil {
		return nil, nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}

	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config file: %w", err)
	}

	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, nil, fmt.Errorf("applying config file: %w", err)
	}

	ApplyFlags(cfg, flags)
	if err := Validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, flags, nil
}

// EnsureDataDirs creates the data directory structure and a default config
// file if they don't already exist. This is idempotent, safe to call on
// every startup.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.ChainDataDir(),
		cfg.ChainDir(),
		cfg.UTXODir(),
		cfg.RegistryDir(),
		cfg.LogsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath, cfg.Network); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}

	return nil
}
