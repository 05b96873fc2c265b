package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kodax/walletsnap/internal/domain/model"
	"gopkg.in/yaml.v3"
)

// chainProfileFile is the on-disk shape of the chain profile list. RPC
// endpoints and explorer API keys are deliberately absent here: they are
// resolved from the environment at load time via ChainRPCURLs and
// ExplorerAPIKey so the file itself can be committed to source control.
type chainProfileFile struct {
	Chains []chainProfileEntry `yaml:"chains"`
}

type chainProfileEntry struct {
	ID                   int64  `yaml:"id"`
	Name                 string `yaml:"name"`
	RPCEnvPrefix         string `yaml:"rpc_env_prefix"`
	NativeSymbol         string `yaml:"native_symbol"`
	NativeDecimals       int    `yaml:"native_decimals"`
	MulticallContract    string `yaml:"multicall_contract"`
	LogCrawlChunkBlocks  int64  `yaml:"log_crawl_chunk_blocks"`
	ScannerConcurrency   int    `yaml:"scanner_concurrency"`
	DiscoveryStartBlock  int64  `yaml:"discovery_start_block"`
	Phase2TokenThreshold int    `yaml:"phase2_token_threshold"`
	ReorgDepth           int64  `yaml:"reorg_depth"`
	MaxCatchupBlocks     int64  `yaml:"max_catchup_blocks"`
	PollIntervalSeconds  int    `yaml:"poll_interval_seconds"`
	ExplorerAPIBaseURL   string `yaml:"explorer_api_base_url"`
	ExplorerAPIKeyEnv    string `yaml:"explorer_api_key_env"`
}

// ChainProfileSet is the loaded, validated, environment-resolved list of
// chain profiles, keyed by chain ID.
type ChainProfileSet struct {
	Profiles map[model.ChainID]model.ChainProfile
	SHA256   string
}

// LoadChainProfiles reads path, unmarshals the chain list, resolves each
// chain's RPC endpoints and explorer API key from the environment, and
// validates the result.
func LoadChainProfiles(path string) (*ChainProfileSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chain profiles: %w", err)
	}

	var file chainProfileFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse chain profiles: %w", err)
	}

	profiles := make(map[model.ChainID]model.ChainProfile, len(file.Chains))
	seen := make(map[string]struct{}, len(file.Chains))

	for _, entry := range file.Chains {
		if err := validateChainProfileEntry(entry); err != nil {
			return nil, err
		}
		if _, dup := seen[entry.Name]; dup {
			return nil, fmt.Errorf("chain profiles: duplicate chain name: %s", entry.Name)
		}
		seen[entry.Name] = struct{}{}

		id := model.ChainID(entry.ID)
		if _, dup := profiles[id]; dup {
			return nil, fmt.Errorf("chain profiles: duplicate chain id: %d", entry.ID)
		}

		endpoints := ChainRPCURLs(entry.RPCEnvPrefix)
		if len(endpoints) == 0 {
			return nil, fmt.Errorf("chain profiles: no RPC endpoints configured for %s (expected %s_RPC_URL)", entry.Name, entry.RPCEnvPrefix)
		}

		profiles[id] = model.ChainProfile{
			ID:                   id,
			Name:                 entry.Name,
			NativeSymbol:         entry.NativeSymbol,
			NativeDecimals:       entry.NativeDecimals,
			RPCEndpoints:         endpoints,
			MulticallContract:    entry.MulticallContract,
			LogCrawlChunkBlocks:  orDefaultInt64(entry.LogCrawlChunkBlocks, 2000),
			ScannerConcurrency:   orDefaultInt(entry.ScannerConcurrency, 4),
			DiscoveryStartBlock:  entry.DiscoveryStartBlock,
			Phase2TokenThreshold: entry.Phase2TokenThreshold,
			ReorgDepth:           orDefaultInt64(entry.ReorgDepth, 32),
			MaxCatchupBlocks:     orDefaultInt64(entry.MaxCatchupBlocks, 2000),
			PollInterval:         pollInterval(entry.PollIntervalSeconds),
			ExplorerAPIBaseURL:   entry.ExplorerAPIBaseURL,
			ExplorerAPIKeyEnv:    entry.ExplorerAPIKeyEnv,
		}
	}

	if len(profiles) == 0 {
		return nil, fmt.Errorf("chain profiles: at least one chain is required")
	}

	sum := sha256.Sum256(raw)
	return &ChainProfileSet{Profiles: profiles, SHA256: hex.EncodeToString(sum[:])}, nil
}

func validateChainProfileEntry(entry chainProfileEntry) error {
	if entry.ID <= 0 {
		return fmt.Errorf("chain profiles: id is required and must be positive")
	}
	if strings.TrimSpace(entry.Name) == "" {
		return fmt.Errorf("chain profiles: name is required for chain %d", entry.ID)
	}
	if strings.TrimSpace(entry.RPCEnvPrefix) == "" {
		return fmt.Errorf("chain profiles: rpc_env_prefix is required for chain %s", entry.Name)
	}
	if strings.TrimSpace(entry.NativeSymbol) == "" {
		return fmt.Errorf("chain profiles: native_symbol is required for chain %s", entry.Name)
	}
	return nil
}

func orDefaultInt64(v, fallback int64) int64 {
	if v <= 0 {
		return fallback
	}
	return v
}

func orDefaultInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func pollInterval(seconds int) time.Duration {
	if seconds <= 0 {
		seconds = 10
	}
	return time.Duration(seconds) * time.Second
}
