package auditlog

import (
	"regexp"
	"strings"
)

// redactedPlaceholder replaces sensitive values in audit event text before
// it is ever persisted or returned from a query.
const redactedPlaceholder = "[REDACTED]"

// sensitivePatterns covers the credential shapes most likely to leak
// through a tool's summary or detail payload: bearer tokens, API keys,
// private key blocks, and the like.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(bearer\s+)[a-zA-Z0-9\-_.~+/]+=*`),
	regexp.MustCompile(`(?i)(authorization:\s*)(bearer\s+)?[a-zA-Z0-9\-_.~+/]+=*`),
	regexp.MustCompile(`(?i)(token["\s:=]+)[a-zA-Z0-9+/]{40,}=*`),
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
	regexp.MustCompile(`(?i)(api[_-]?key["\s:=]+)[a-zA-Z0-9\-_.]{20,}`),
	regexp.MustCompile(`(?i)(aws_secret_access_key["\s:=]+)[a-zA-Z0-9/+=]{20,}`),
	regexp.MustCompile(`AKIA[A-Z0-9]{16}`),
	regexp.MustCompile(`(?i)(password["\s:=]+)\S+`),
	regexp.MustCompile(`(?s)-----BEGIN[A-Z ]*PRIVATE KEY-----.*?-----END[A-Z ]*PRIVATE KEY-----`),
}

// redact scrubs sensitive data from text, replacing matches with
// [REDACTED] while preserving the matched prefix label where there is
// one, so "token: [REDACTED]" stays readable.
func redact(text string) string {
	result := text
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			loc := pattern.FindStringSubmatchIndex(match)
			if len(loc) >= 4 && loc[2] >= 0 {
				return match[loc[2]:loc[3]] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// redactMap sanitizes a string-keyed detail map in place, fully
// redacting values whose key name suggests a credential rather than
// pattern-matching their content.
func redactMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if isCredentialKey(k) {
			out[k] = redactedPlaceholder
		} else {
			out[k] = redact(v)
		}
	}
	return out
}

func isCredentialKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range []string{"password", "secret", "token", "api_key", "apikey", "private_key", "credential"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// redactEvent scrubs the free-text fields of an event before it is
// recorded: Summary always, and Detail when it is a string or a
// string-keyed map, the two shapes tool-invocation callers actually pass.
func redactEvent(evt *Event) {
	evt.Summary = redact(evt.Summary)
	switch d := evt.Detail.(type) {
	case string:
		evt.Detail = redact(d)
	case map[string]string:
		evt.Detail = redactMap(d)
	}
}
