// Package config loads and validates peer configuration.
// See doc.go for complete package documentation.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when a configuration fails validation.
//
// Callers should match it with errors.Is to distinguish a bad configuration
// from an unreadable file:
//
//	cfg, err := config.LoadFile(path)
//	if errors.Is(err, config.ErrInvalidConfig) {
//	    // Values were parsed but are unusable.
//	}
var ErrInvalidConfig = errors.New("invalid configuration")

// DefaultStartupTimeout bounds how long a peer waits for the rest of the
// cluster to come up before giving up on mesh assembly.
const DefaultStartupTimeout = 30 * time.Second

// Config describes one peer's view of the DSM cluster. All peers must share
// identical Processes, Blocks, BlockSize, and Peers values; ProcessID is the
// only per-process field.
//
// Config is immutable after validation; it is copied, never shared, across
// the packages that consume it.
type Config struct {
	// Peers holds the rank-indexed listen addresses for every peer,
	// so Peers[r] is where rank r accepts connections.
	// When empty, DefaultPeers derives a loopback topology.
	Peers []string `yaml:"peers"`

	// StartupTimeout bounds mesh assembly at process start.
	// LoadFile replaces a zero value with DefaultStartupTimeout;
	// Default sets it to DefaultStartupTimeout.
	StartupTimeout time.Duration `yaml:"startup_timeout"`

	// Processes is the peer count N. All ranks are in [0, Processes).
	Processes int `yaml:"processes"`

	// Blocks is the total block count K across the whole address space.
	Blocks int `yaml:"blocks"`

	// BlockSize is the block size T in bytes, the coherence granule.
	BlockSize int `yaml:"block_size"`

	// ProcessID is this peer's rank, in [0, Processes).
	ProcessID int `yaml:"process_id"`
}

// Default returns the configuration the historical tooling assumed when no
// file and no flags were given: 4 processes, 1000 blocks of 4 KiB, rank 0.
func Default() Config {
	return Config{
		Processes:      4,
		Blocks:         1000,
		BlockSize:      4096,
		ProcessID:      0,
		StartupTimeout: DefaultStartupTimeout,
	}
}

// TotalBytes returns the size of the whole address space, Blocks·BlockSize.
func (c *Config) TotalBytes() int {
	return c.Blocks * c.BlockSize
}

// Validate checks the configuration for internal consistency.
//
// It verifies positive geometry values, a rank within range, and, when a
// peer list is present, exactly one unique address per rank. All failures
// wrap ErrInvalidConfig.
func (c *Config) Validate() error {
	if c.Processes <= 0 || c.Blocks <= 0 || c.BlockSize <= 0 {
		return fmt.Errorf("%w: n=%d k=%d t=%d must all be positive",
			ErrInvalidConfig, c.Processes, c.Blocks, c.BlockSize)
	}
	if c.ProcessID < 0 || c.ProcessID >= c.Processes {
		return fmt.Errorf("%w: process id %d out of range [0,%d)",
			ErrInvalidConfig, c.ProcessID, c.Processes)
	}
	if len(c.Peers) != 0 {
		if len(c.Peers) != c.Processes {
			return fmt.Errorf("%w: %d peer addresses for %d processes",
				ErrInvalidConfig, len(c.Peers), c.Processes)
		}
		for i, addr := range c.Peers {
			if addr == "" {
				return fmt.Errorf("%w: empty address for rank %d", ErrInvalidConfig, i)
			}
			if slices.Index(c.Peers, addr) != i {
				return fmt.Errorf("%w: duplicate peer address %q", ErrInvalidConfig, addr)
			}
		}
	}
	return nil
}

// DefaultPeers fills in a loopback peer list when none was configured: rank
// r listens on host:(basePort+r). It is a no-op when Peers is already set.
func (c *Config) DefaultPeers(host string, basePort int) {
	if len(c.Peers) != 0 {
		return
	}
	c.Peers = make([]string, c.Processes)
	for r := 0; r < c.Processes; r++ {
		c.Peers[r] = fmt.Sprintf("%s:%d", host, basePort+r)
	}
}

// String renders the configuration summary printed at startup.
func (c *Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "DSM configuration:\n")
	fmt.Fprintf(&b, "  processes (n): %d\n", c.Processes)
	fmt.Fprintf(&b, "  blocks (k): %d\n", c.Blocks)
	fmt.Fprintf(&b, "  block size (t): %d bytes\n", c.BlockSize)
	fmt.Fprintf(&b, "  process id: %d\n", c.ProcessID)
	fmt.Fprintf(&b, "  total memory: %d bytes (%.2f MB)\n",
		c.TotalBytes(), float64(c.TotalBytes())/(1024.0*1024.0))
	if len(c.Peers) != 0 {
		fmt.Fprintf(&b, "  peers: %s\n", strings.Join(c.Peers, ", "))
	}
	return b.String()
}

// LoadFile reads a configuration file, dispatching on the extension: .yaml
// and .yml files are parsed as YAML, anything else as key-value lines.
//
// The loaded configuration is validated before being returned.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		cfg, err = parseYAML(data)
	} else {
		cfg, err = parseKeyValue(data)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// parseYAML decodes a YAML configuration document. The startup timeout is
// carried as a duration string ("5s", "1m30s") since YAML has no native
// duration type.
func parseYAML(data []byte) (Config, error) {
	var doc struct {
		Peers          []string `yaml:"peers"`
		StartupTimeout string   `yaml:"startup_timeout"`
		Processes      int      `yaml:"processes"`
		Blocks         int      `yaml:"blocks"`
		BlockSize      int      `yaml:"block_size"`
		ProcessID      int      `yaml:"process_id"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Peers:     doc.Peers,
		Processes: doc.Processes,
		Blocks:    doc.Blocks,
		BlockSize: doc.BlockSize,
		ProcessID: doc.ProcessID,
	}
	if doc.StartupTimeout != "" {
		d, err := time.ParseDuration(doc.StartupTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("startup_timeout: %w", err)
		}
		cfg.StartupTimeout = d
	}
	return cfg, nil
}

// parseKeyValue decodes the historical "key value" format: one pair per
// line, '#' starting a comment line, unknown keys ignored.
func parseKeyValue(data []byte) (Config, error) {
	var cfg Config
	cfg.ProcessID = -1

	for lineno, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			return Config{}, fmt.Errorf("line %d: want \"key value\", got %q", lineno+1, line)
		}
		key, value := fields[0], fields[1]

		switch key {
		case "processes", "n":
			n, err := strconv.Atoi(value)
			if err != nil {
				return Config{}, fmt.Errorf("line %d: %s: %w", lineno+1, key, err)
			}
			cfg.Processes = n
		case "blocks", "k":
			n, err := strconv.Atoi(value)
			if err != nil {
				return Config{}, fmt.Errorf("line %d: %s: %w", lineno+1, key, err)
			}
			cfg.Blocks = n
		case "block_size", "t":
			n, err := strconv.Atoi(value)
			if err != nil {
				return Config{}, fmt.Errorf("line %d: %s: %w", lineno+1, key, err)
			}
			cfg.BlockSize = n
		case "process_id", "pid":
			n, err := strconv.Atoi(value)
			if err != nil {
				return Config{}, fmt.Errorf("line %d: %s: %w", lineno+1, key, err)
			}
			cfg.ProcessID = n
		case "peers":
			cfg.Peers = strings.Split(value, ",")
		default:
			// Unknown keys are skipped so configs can carry
			// deployment-specific extras.
		}
	}
	return cfg, nil
}

// RegisterFlags binds the configuration to a flag set using the historical
// short names. Call fs.Parse afterwards, then Validate.
//
// Example:
//
//	cfg := config.Default()
//	fs := flag.NewFlagSet("peer", flag.ContinueOnError)
//	peers := config.RegisterFlags(fs, &cfg)
//	if err := fs.Parse(os.Args[1:]); err != nil { ... }
//	peers.Apply()
func RegisterFlags(fs *flag.FlagSet, cfg *Config) *FlagBinding {
	fb := &FlagBinding{cfg: cfg}
	fs.IntVar(&cfg.Processes, "n", cfg.Processes, "number of processes")
	fs.IntVar(&cfg.Blocks, "k", cfg.Blocks, "number of blocks")
	fs.IntVar(&cfg.BlockSize, "t", cfg.BlockSize, "block size in bytes")
	fs.IntVar(&cfg.ProcessID, "p", cfg.ProcessID, "process id (0 to n-1)")
	fs.StringVar(&fb.peers, "peers", strings.Join(cfg.Peers, ","),
		"comma-separated rank-indexed peer addresses")
	return fb
}

// FlagBinding carries flag values that need post-Parse conversion into the
// Config. Currently that is only the peer list.
type FlagBinding struct {
	cfg   *Config
	peers string
}

// Apply folds parsed flag values back into the bound Config.
func (fb *FlagBinding) Apply() {
	if fb.peers != "" {
		fb.cfg.Peers = strings.Split(fb.peers, ",")
	}
}
