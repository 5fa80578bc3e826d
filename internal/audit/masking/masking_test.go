package masking

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaskSecret(t *testing.T) {
	require.Equal(t, "", MaskSecret("  "))
	require.Equal(t, "****", MaskSecret("short"))
	require.Equal(t, "****Fz9q", MaskSecret("5Hd8s2uVbQnR1kLmFz9q"))
	require.Equal(t, "0x****ab1c", MaskSecret("0x8f3e6d1c0b9a7e5d4c3b2a19ab1c"))
}

func TestMaskMetadata(t *testing.T) {
	masked := MaskMetadata(map[string]any{
		"proof":                 "3xQmZr8WkTq5oP2sVn7Ld4Yb",
		"viewer_signature":      "0x8f3e6d1c0b9a7e5d4c3b2a19ab1c",
		"rpc_auth_token":        "tok-9d8c7b6a5f4e",
		"lock_token":            42,
		"transaction_signature": "sim-1799-5",
		"chunks_settled":        int64(5),
		"":                      "dropped",
		"chain": map[string]any{
			"signature": "4vJ9JU1bJJE96FWSJKvHsmmFADCg4gpZQff4P3bkLKi",
			"slot":      uint64(12),
		},
	})

	require.Equal(t, "****d4Yb", masked["proof"])
	require.Equal(t, "0x****ab1c", masked["viewer_signature"])
	require.Equal(t, "****5f4e", masked["rpc_auth_token"])
	require.Equal(t, "****", masked["lock_token"])
	require.Equal(t, "sim-1799-5", masked["transaction_signature"])
	require.EqualValues(t, 5, masked["chunks_settled"])
	require.NotContains(t, masked, "")

	chain, ok := masked["chain"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "****kLKi", chain["signature"])
	require.EqualValues(t, 12, chain["slot"])
}

func TestIsSensitiveKey(t *testing.T) {
	require.True(t, IsSensitiveKey("Proof"))
	require.True(t, IsSensitiveKey("admin_token"))
	require.False(t, IsSensitiveKey("transaction_signature"))
	require.False(t, IsSensitiveKey("session_ref"))
}
