package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestValidatePolicyRejectsFeeAboveMaximum(t *testing.T) {
	cfg := DefaultPolicyConfig()
	cfg.Settlement.PlatformFeeBps = MaxPlatformFeeBps + 1

	require.Error(t, ValidatePolicy(cfg))
}

func TestValidatePolicyAcceptsDefaults(t *testing.T) {
	require.NoError(t, ValidatePolicy(DefaultPolicyConfig()))
}

func TestNewPolicyHolderReadsFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`policy:
  settlement:
    platformFeeBps: 250
    thresholdChunks: 0
  proof:
    mode: signed
    maxSkew: 30s
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "policy.yml"), content, 0o600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	holder, err := NewPolicyHolder(zap.NewNop())
	require.NoError(t, err)

	got := holder.Get()
	require.Equal(t, int64(250), got.Settlement.PlatformFeeBps)
	require.Equal(t, int64(0), got.Settlement.ThresholdChunks)
	require.Equal(t, ProofModeSigned, got.Proof.Mode)
	require.Equal(t, 30*time.Second, got.Proof.MaxSkew)
	// untouched keys keep their defaults
	require.Equal(t, int64(1_000), got.Session.MaxChunksPerApproval)
	require.Equal(t, time.Hour, got.Session.InactivityTimeout)
}

func TestPolicyHolderNilFallsBackToDefaults(t *testing.T) {
	var holder *PolicyHolder
	require.Equal(t, DefaultPolicyConfig(), holder.Get())
}
