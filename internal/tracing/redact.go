package tracing

import (
	"strings"
)

const redactedPlaceholder = "<redacted>"

// RedactArgs masks credential-looking arguments and any literal secret values.
//
// A flag whose name looks sensitive (e.g. --password) masks the value that
// follows it; key=value pairs with a sensitive key keep the key only.
func RedactArgs(args []string, secrets ...string) []string {
	redacted := make([]string, 0, len(args))
	maskNext := false

	for _, arg := range args {
		if maskNext {
			redacted = append(redacted, redactedPlaceholder)
			maskNext = false
			continue
		}

		trimmed := strings.TrimSpace(arg)
		if strings.Contains(trimmed, "=") {
			parts := strings.SplitN(trimmed, "=", 2)
			if len(parts) == 2 && isSensitiveToken(strings.ToLower(parts[0])) {
				redacted = append(redacted, parts[0]+"="+redactedPlaceholder)
				continue
			}
		}

		if strings.HasPrefix(trimmed, "-") && isSensitiveToken(strings.ToLower(trimmed)) {
			maskNext = true
			redacted = append(redacted, trimmed)
			continue
		}

		redacted = append(redacted, RedactText(trimmed, secrets...))
	}

	return redacted
}

// RedactText replaces every occurrence of each non-empty secret in value.
func RedactText(value string, secrets ...string) string {
	for _, secret := range secrets {
		if strings.TrimSpace(secret) == "" {
			continue
		}
		value = strings.ReplaceAll(value, secret, redactedPlaceholder)
	}
	return value
}

func isSensitiveToken(value string) bool {
	sensitiveSubstrings := []string{
		"token",
		"password",
		"passwd",
		"secret",
		"auth",
	}
	for _, candidate := range sensitiveSubstrings {
		if strings.Contains(value, candidate) {
			return true
		}
	}
	return false
}

// FormatCommand returns a deterministic command preview for traces/logs.
func FormatCommand(toolName string, args []string) string {
	parts := append([]string{strings.TrimSpace(toolName)}, args...)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return strings.Join(out, " ")
}

// TruncateOutput bounds value to limit bytes, marking the cut.
func TruncateOutput(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	const marker = "...[truncated]"
	if limit <= len(marker) {
		return value[:limit]
	}
	return value[:limit-len(marker)] + marker
}
