// Package security implements the pre-storage content validator. Every piece
// of content headed for working or long-term memory passes through Check
// before it is embedded or persisted.
package security

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/engramdb/engram/engine/core"
)

// Severity ranks a detected pattern. Critical and high block storage;
// medium is surfaced as a warning only.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
)

// Violation describes one pattern match. MatchedText is always redacted to
// at most the first and last four characters.
type Violation struct {
	PatternName string   `json:"pattern_name"`
	MatchedText string   `json:"matched_text"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

type pattern struct {
	name        string
	re          *regexp.Regexp
	severity    Severity
	description string
}

var sensitivePatterns = []pattern{
	{"OpenAI API Key", regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`), SeverityCritical, "OpenAI API key detected"},
	{"OpenAI Project Key", regexp.MustCompile(`sk-proj-[a-zA-Z0-9\-_]{20,}`), SeverityCritical, "OpenAI project API key detected"},
	{"GitHub Token", regexp.MustCompile(`ghp_[a-zA-Z0-9]{36,}`), SeverityCritical, "GitHub personal access token detected"},
	{"GitHub OAuth Token", regexp.MustCompile(`gho_[a-zA-Z0-9]{36,}`), SeverityCritical, "GitHub OAuth token detected"},
	{"GitHub App Token", regexp.MustCompile(`ghu_[a-zA-Z0-9]{36,}`), SeverityCritical, "GitHub user-to-server token detected"},
	{"AWS Access Key", regexp.MustCompile(`AKIA[A-Z0-9]{16}`), SeverityCritical, "AWS access key ID detected"},
	{"AWS Secret Key", regexp.MustCompile(`(?i)aws.{0,20}secret.{0,20}['"][a-zA-Z0-9/+=]{40}['"]`), SeverityCritical, "AWS secret access key detected"},
	{"Slack Token", regexp.MustCompile(`xox[baprs]-[a-zA-Z0-9\-]{10,}`), SeverityCritical, "Slack token detected"},
	{"Stripe Key", regexp.MustCompile(`sk_live_[a-zA-Z0-9]{24,}`), SeverityCritical, "Stripe live secret key detected"},
	{"Stripe Test Key", regexp.MustCompile(`sk_test_[a-zA-Z0-9]{24,}`), SeverityHigh, "Stripe test secret key detected"},
	{"Google API Key", regexp.MustCompile(`AIza[a-zA-Z0-9\-_]{35}`), SeverityCritical, "Google API key detected"},
	{"Anthropic API Key", regexp.MustCompile(`sk-ant-[a-zA-Z0-9\-_]{10,}`), SeverityCritical, "Anthropic API key detected"},
	{"Bearer Token", regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9\-_\.]{20,}`), SeverityCritical, "Bearer token detected"},
	{"Authorization Header", regexp.MustCompile(`(?i)authorization['"]?\s*[:=]\s*['"]?bearer\s+[a-zA-Z0-9\-_\.]+`), SeverityCritical, "Authorization header with bearer token detected"},
	{"Private Key", regexp.MustCompile(`-----BEGIN\s+(RSA\s+)?PRIVATE\s+KEY-----`), SeverityCritical, "Private key detected"},
	{"PGP Private Key", regexp.MustCompile(`-----BEGIN\s+PGP\s+PRIVATE\s+KEY\s+BLOCK-----`), SeverityCritical, "PGP private key detected"},
	{"Password Assignment", regexp.MustCompile(`(?i)password\s*[=:]\s*['"][^'"]{8,}['"]`), SeverityHigh, "Password assignment detected"},
	{"Password Value", regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[=:]\s*[^\s'"]{8,}`), SeverityHigh, "Password value detected"},
	{"Password in URL", regexp.MustCompile(`(?i)://[^:\s]+:[^@\s]{8,}@`), SeverityHigh, "Password in URL detected"},
	{"Database Connection String", regexp.MustCompile(`(?i)(mysql|postgres|postgresql|mongodb|redis)://[^:\s]+:[^@\s]+@`), SeverityHigh, "Database connection string with credentials detected"},
	{"Env File Content", regexp.MustCompile(`(?m)^[A-Z_]{2,}=\S{20,}$`), SeverityMedium, "Environment variable assignment detected"},
	{"Secret Assignment", regexp.MustCompile(`(?i)(secret|token|apikey|api_key|password|passwd|pwd)\s*[=:]\s*['"]?[a-zA-Z0-9\-_]{16,}`), SeverityHigh, "Secret or token assignment detected"},
	{"JWT Token", regexp.MustCompile(`eyJ[a-zA-Z0-9\-_]+\.eyJ[a-zA-Z0-9\-_]+\.[a-zA-Z0-9\-_]+`), SeverityHigh, "JWT token detected"},
}

// Detect scans content and returns every pattern match with redacted text.
// Medium-severity matches are included so callers can warn on them.
func Detect(content string) []Violation {
	var violations []Violation
	for _, p := range sensitivePatterns {
		for _, match := range p.re.FindAllString(content, -1) {
			violations = append(violations, Violation{
				PatternName: p.name,
				MatchedText: redactMatch(match),
				Severity:    p.severity,
				Description: p.description,
			})
		}
	}
	return violations
}

func redactMatch(match string) string {
	if len(match) > 12 {
		return match[:4] + "..." + match[len(match)-4:]
	}
	return "[REDACTED]"
}

// Check validates content before storage. It returns nil when the content is
// safe (possibly with medium-severity warnings) and a security-violation
// error naming the matched patterns when any critical or high match blocks
// it. The error never contains the matched content itself.
func Check(content string) ([]Violation, error) {
	violations := Detect(content)
	if len(violations) == 0 {
		return nil, nil
	}
	var critical, high []string
	for _, v := range violations {
		switch v.Severity {
		case SeverityCritical:
			critical = append(critical, v.PatternName)
		case SeverityHigh:
			high = append(high, v.PatternName)
		}
	}
	blocked := critical
	severity := SeverityCritical
	if len(blocked) == 0 {
		blocked = high
		severity = SeverityHigh
	}
	if len(blocked) == 0 {
		return violations, nil
	}
	err := core.NewError(
		core.CodeSecurityViolation,
		fmt.Sprintf("content matched %d %s security pattern(s): %s",
			len(blocked), severity, strings.Join(blocked, ", ")),
	).
		WithHint("store a reference to where the credential lives (vault path, env var name) instead of its value").
		WithDetail("patterns", blocked).
		WithDetail("severity", string(severity))
	return violations, err
}

// Redact replaces critical and high severity matches with named markers.
// Used for outbound strings where blocking is not an option, like error
// payloads that echo part of the input.
func Redact(content string) string {
	for _, p := range sensitivePatterns {
		if p.severity == SeverityMedium {
			continue
		}
		marker := "[REDACTED-" + strings.ReplaceAll(strings.ToUpper(p.name), " ", "-") + "]"
		content = p.re.ReplaceAllString(content, marker)
	}
	return content
}
