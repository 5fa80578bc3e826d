// Package masking redacts viewer proofs and credentials before audit metadata
// is persisted.
package masking

import "strings"

const maskToken = "****"

// Keys masked wherever they appear in metadata. The settlement
// transaction_signature is a public lookup key and is left as is.
var sensitiveKeys = map[string]struct{}{
	"proof":            {},
	"signature":        {},
	"viewer_signature": {},
	"secret":           {},
}

var sensitiveSuffixes = []string{"_proof", "_token", "_secret"}

// MaskSecret redacts a proof or token, keeping a 0x prefix and the last four
// characters so entries can still be matched against client logs.
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	prefix, remainder := "", trimmed
	if len(trimmed) > 2 && (strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X")) {
		prefix, remainder = trimmed[:2], trimmed[2:]
	}
	if len(remainder) <= 8 {
		return prefix + maskToken
	}
	return prefix + maskToken + remainder[len(remainder)-4:]
}

// IsSensitiveKey reports whether values under key are masked.
func IsSensitiveKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if _, ok := sensitiveKeys[key]; ok {
		return true
	}
	for _, suffix := range sensitiveSuffixes {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

// MaskMetadata returns a copy of metadata with sensitive keys masked. Nested
// objects are walked; empty keys are dropped.
func MaskMetadata(metadata map[string]any) map[string]any {
	out := make(map[string]any, len(metadata))
	for key, value := range metadata {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if IsSensitiveKey(key) {
			out[key] = maskValue(value)
			continue
		}
		if nested, ok := value.(map[string]any); ok {
			out[key] = MaskMetadata(nested)
			continue
		}
		out[key] = value
	}
	return out
}

func maskValue(value any) any {
	switch cast := value.(type) {
	case nil:
		return nil
	case string:
		return MaskSecret(cast)
	default:
		return maskToken
	}
}
