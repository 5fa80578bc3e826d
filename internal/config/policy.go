package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	BasisPointsDenominator = 10_000
	MaxPlatformFeeBps      = 1_000

	ProofModeSigned    = "signed"
	ProofModeDelegated = "delegated"
)

// PolicyConfig holds the hot-reloadable business rules.
type PolicyConfig struct {
	Settlement SettlementPolicy `mapstructure:"settlement"`
	Proof      ProofPolicy      `mapstructure:"proof"`
	Session    SessionPolicy    `mapstructure:"session"`
}

type SettlementPolicy struct {
	PlatformFeeBps int64 `mapstructure:"platformFeeBps"`
	// ThresholdChunks makes chunk-track answer settlementNeeded once this many
	// chunks are unsettled. Zero disables the check.
	ThresholdChunks     int64 `mapstructure:"thresholdChunks"`
	AutoSettleThreshold int64 `mapstructure:"autoSettleThreshold"`
}

type ProofPolicy struct {
	Mode    string        `mapstructure:"mode"`
	MaxSkew time.Duration `mapstructure:"maxSkew"`
}

type SessionPolicy struct {
	MaxChunksPerApproval int64         `mapstructure:"maxChunksPerApproval"`
	MinPricePerChunk     int64         `mapstructure:"minPricePerChunk"`
	InactivityTimeout    time.Duration `mapstructure:"inactivityTimeout"`
	MaxAge               time.Duration `mapstructure:"maxAge"`
}

func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		Settlement: SettlementPolicy{
			PlatformFeeBps:      500,
			ThresholdChunks:     100,
			AutoSettleThreshold: 50,
		},
		Proof: ProofPolicy{
			Mode:    ProofModeDelegated,
			MaxSkew: time.Minute,
		},
		Session: SessionPolicy{
			MaxChunksPerApproval: 1_000,
			MinPricePerChunk:     1_000,
			InactivityTimeout:    time.Hour,
			MaxAge:               24 * time.Hour,
		},
	}
}

type PolicyHolder struct {
	current atomic.Value // holds PolicyConfig
}

// NewStaticPolicyHolder returns a holder that never reloads.
func NewStaticPolicyHolder(cfg PolicyConfig) *PolicyHolder {
	holder := &PolicyHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewPolicyHolder(log *zap.Logger) (*PolicyHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.policy")

	v := viper.New()

	v.SetConfigName("policy")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/streampay/config")
	v.AddConfigPath("/etc/streampay")
	v.AddConfigPath(".")

	v.SetEnvPrefix("STREAMPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setPolicyDefaults(v, DefaultPolicyConfig())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		log.Info("policy file not found, using defaults")
	}

	cfg, err := decodePolicy(v)
	if err != nil {
		return nil, err
	}
	cfg.Proof.Mode = normalizeProofMode(cfg.Proof.Mode)
	if err := ValidatePolicy(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticPolicyHolder(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodePolicy(v)
		if err != nil {
			log.Warn("policy reload failed", zap.Error(err))
			return
		}
		updated.Proof.Mode = normalizeProofMode(updated.Proof.Mode)
		if err := ValidatePolicy(updated); err != nil {
			log.Warn("invalid policy ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("policy reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *PolicyHolder) Get() PolicyConfig {
	if h == nil {
		return DefaultPolicyConfig()
	}
	cfg, ok := h.current.Load().(PolicyConfig)
	if !ok {
		return DefaultPolicyConfig()
	}
	return cfg
}

func ValidatePolicy(cfg PolicyConfig) error {
	if cfg.Settlement.PlatformFeeBps < 0 || cfg.Settlement.PlatformFeeBps > MaxPlatformFeeBps {
		return errors.New("policy.settlement.platformFeeBps must be between 0 and 1000")
	}
	if cfg.Settlement.ThresholdChunks < 0 || cfg.Settlement.AutoSettleThreshold < 0 {
		return errors.New("policy.settlement thresholds cannot be negative")
	}
	if cfg.Proof.MaxSkew <= 0 {
		return errors.New("policy.proof.maxSkew must be positive")
	}
	if cfg.Session.MaxChunksPerApproval <= 0 {
		return errors.New("policy.session.maxChunksPerApproval must be positive")
	}
	if cfg.Session.MinPricePerChunk <= 0 {
		return errors.New("policy.session.minPricePerChunk must be positive")
	}
	if cfg.Session.InactivityTimeout <= 0 || cfg.Session.MaxAge <= 0 {
		return errors.New("policy.session expiry windows must be positive")
	}
	return nil
}

// decodePolicy unmarshals through AllSettings so file values merge with defaults.
func decodePolicy(v *viper.Viper) (PolicyConfig, error) {
	var wrapper struct {
		Policy PolicyConfig `mapstructure:"policy"`
	}
	if err := v.Unmarshal(&wrapper); err != nil {
		return PolicyConfig{}, err
	}
	return wrapper.Policy, nil
}

func setPolicyDefaults(v *viper.Viper, defaults PolicyConfig) {
	v.SetDefault("policy.settlement.platformFeeBps", defaults.Settlement.PlatformFeeBps)
	v.SetDefault("policy.settlement.thresholdChunks", defaults.Settlement.ThresholdChunks)
	v.SetDefault("policy.settlement.autoSettleThreshold", defaults.Settlement.AutoSettleThreshold)
	v.SetDefault("policy.proof.mode", defaults.Proof.Mode)
	v.SetDefault("policy.proof.maxSkew", defaults.Proof.MaxSkew)
	v.SetDefault("policy.session.maxChunksPerApproval", defaults.Session.MaxChunksPerApproval)
	v.SetDefault("policy.session.minPricePerChunk", defaults.Session.MinPricePerChunk)
	v.SetDefault("policy.session.inactivityTimeout", defaults.Session.InactivityTimeout)
	v.SetDefault("policy.session.maxAge", defaults.Session.MaxAge)
}

func normalizeProofMode(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case ProofModeSigned:
		return ProofModeSigned
	default:
		return ProofModeDelegated
	}
}
