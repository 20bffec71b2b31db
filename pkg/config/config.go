// Package config loads daemon configuration from the environment. An
// optional env file is read first, so development setups can keep their
// knobs next to the checkout; real deployments set COMB_* variables
// directly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/WebFirstLanguage/combnet/pkg/constants"
)

// Config carries every operator-tunable knob of a combnet daemon.
type Config struct {
	// ListenAddr is the overlay UDP bind address.
	ListenAddr string
	// AdvertiseAddr is the overlay address written into the node's own
	// peer record. Defaults to ListenAddr.
	AdvertiseAddr string
	// TransferAddr is the bulk-transfer stream bind address.
	TransferAddr string
	// Transport names the bulk-transfer stream transport, "quic" or
	// "tcp".
	Transport string
	// ControlAddr is the local control API bind address.
	ControlAddr string

	// Name is the operator-assigned node label.
	Name string
	// DataDir holds the identity file and the content database. Empty
	// means the per-user default directory.
	DataDir string
	// Seeds lists bootstrap peers as nid@host:port.
	Seeds []string

	// StorageCapacity bounds the content store, in bytes.
	StorageCapacity uint64

	// Routing table shape.
	BucketSize     int
	Alpha          int
	MaxBucketDepth int

	// InlineLimit is the largest CONTENT payload answered inline.
	InlineLimit int
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:      fmt.Sprintf(":%d", constants.DefaultOverlayPort),
		TransferAddr:    fmt.Sprintf(":%d", constants.DefaultTransferPort),
		Transport:       "quic",
		ControlAddr:     fmt.Sprintf("127.0.0.1:%d", constants.DefaultControlPort),
		StorageCapacity: constants.DefaultStorageCapacity,
		BucketSize:      constants.BucketSize,
		Alpha:           constants.Alpha,
		MaxBucketDepth:  constants.MaxBucketDepth,
		InlineLimit:     constants.InlineContentLimit,
	}
}

// Load reads the configuration. A non-empty envFile must exist and
// parse; with an empty envFile a .env in the working directory is
// merged when present and silently skipped otherwise.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	} else {
		godotenv.Load()
	}
	return FromEnv()
}

// FromEnv builds the configuration from COMB_* environment variables,
// falling back to the defaults for anything unset.
func FromEnv() (Config, error) {
	cfg := Default()

	cfg.ListenAddr = stringVar("COMB_LISTEN_ADDR", cfg.ListenAddr)
	cfg.AdvertiseAddr = stringVar("COMB_ADVERTISE_ADDR", cfg.AdvertiseAddr)
	cfg.TransferAddr = stringVar("COMB_TRANSFER_ADDR", cfg.TransferAddr)
	cfg.Transport = stringVar("COMB_TRANSPORT", cfg.Transport)
	cfg.ControlAddr = stringVar("COMB_CONTROL_ADDR", cfg.ControlAddr)
	cfg.Name = stringVar("COMB_NAME", cfg.Name)
	cfg.DataDir = stringVar("COMB_DATA_DIR", cfg.DataDir)
	cfg.Seeds = listVar("COMB_SEEDS")

	var err error
	if cfg.StorageCapacity, err = uintVar("COMB_STORAGE_CAPACITY", cfg.StorageCapacity); err != nil {
		return Config{}, err
	}
	if cfg.BucketSize, err = intVar("COMB_BUCKET_SIZE", cfg.BucketSize); err != nil {
		return Config{}, err
	}
	if cfg.Alpha, err = intVar("COMB_ALPHA", cfg.Alpha); err != nil {
		return Config{}, err
	}
	if cfg.MaxBucketDepth, err = intVar("COMB_MAX_BUCKET_DEPTH", cfg.MaxBucketDepth); err != nil {
		return Config{}, err
	}
	if cfg.InlineLimit, err = intVar("COMB_INLINE_LIMIT", cfg.InlineLimit); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen address must not be empty")
	}
	if c.Transport != "quic" && c.Transport != "tcp" {
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	if c.BucketSize <= 0 {
		return fmt.Errorf("config: bucket size must be positive, got %d", c.BucketSize)
	}
	if c.Alpha <= 0 {
		return fmt.Errorf("config: alpha must be positive, got %d", c.Alpha)
	}
	if c.MaxBucketDepth <= 0 || c.MaxBucketDepth > 256 {
		return fmt.Errorf("config: max bucket depth must be in [1,256], got %d", c.MaxBucketDepth)
	}
	if c.InlineLimit <= 0 {
		return fmt.Errorf("config: inline limit must be positive, got %d", c.InlineLimit)
	}
	if c.StorageCapacity == 0 {
		return fmt.Errorf("config: storage capacity must be positive")
	}
	return nil
}

func stringVar(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func listVar(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func intVar(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not an integer", key, raw)
	}
	return n, nil
}

func uintVar(key string, fallback uint64) (uint64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not an unsigned integer", key, raw)
	}
	return n, nil
}
