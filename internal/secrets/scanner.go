// File path: internal/secrets/scanner.go
package secrets

import (
	"regexp"
	"strings"
)

// Finding records one matched secret pattern. Snippet is truncated and the
// raw match is never retained beyond it.
type Finding struct {
	PatternID string `json:"pattern_id"`
	Line      int    `json:"line"`
	Column    int    `json:"column"`
	Snippet   string `json:"snippet"`
}

type pattern struct {
	id string
	re *regexp.Regexp
}

const snippetLimit = 25

// Patterns are checked in order per line. The set mirrors the common
// token formats: cloud keys, VCS tokens, JWTs, credential assignments.
var patterns = []pattern{
	{"AWS_ACCESS_KEY", regexp.MustCompile(`(?i)\bAKIA[0-9A-Z]{16,}\b`)},
	{"GITHUB_TOKEN", regexp.MustCompile(`(?i)\bghp_[a-zA-Z0-9]{36}\b`)},
	{"GITHUB_OAUTH", regexp.MustCompile(`(?i)\bgho_[a-zA-Z0-9]{36}\b`)},
	{"GITHUB_APP", regexp.MustCompile(`(?i)\b(ghu|ghs)_[a-zA-Z0-9]{36}\b`)},
	{"JWT_TOKEN", regexp.MustCompile(`(?i)\beyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`)},
	{"SLACK_TOKEN", regexp.MustCompile(`(?i)\bxox[pbar]-[0-9]{12}-[0-9]{12}-[0-9]{12}-[a-z0-9]{32}`)},
	{"BASIC_AUTH", regexp.MustCompile(`(?i)://[^\s]+:[^\s]+@`)},
	{"PASSWORD_ASSIGNMENT", regexp.MustCompile(`(?i)password\s*[=:]\s*["'][^"']+["']`)},
	{"API_KEY_ASSIGNMENT", regexp.MustCompile(`(?i)["']?(api[_-]?key|token|secret|private[_-]?key)["']?\s*[=:]\s*["']([a-zA-Z0-9_\-]{16,})["']`)},
	{"PRIVATE_KEY_HEADER", regexp.MustCompile(`-----BEGIN [A-Z]+ PRIVATE KEY-----`)},
	{"BEARER_TOKEN", regexp.MustCompile(`(?i)["']?Bearer\s+["']?([a-zA-Z0-9_\-.]{20,})["']`)},
	{"STRIPE_KEY", regexp.MustCompile(`(?i)\bsk_(live|test)_[0-9A-Za-z]{24,}\b`)},
	{"SENDGRID_KEY", regexp.MustCompile(`(?i)\bSG\.[a-zA-Z0-9_-]{20,}\.[a-zA-Z0-9_-]{20,}\b`)},
	{"TWILIO_KEY", regexp.MustCompile(`\bSK[0-9a-fA-F]{32}\b`)},
	{"HEROKU_API_KEY", regexp.MustCompile(`(?i)heroku\s*-\s*[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}`)},
}

// Scan reports every pattern match in content. Lines and columns are
// 1-based; snippets are capped so raw secrets never travel whole.
func Scan(content string) []Finding {
	var findings []Finding
	lines := strings.Split(content, "\n")
	for lineNum, line := range lines {
		for _, p := range patterns {
			for _, loc := range p.re.FindAllStringIndex(line, -1) {
				matched := line[loc[0]:loc[1]]
				snippet := matched
				if len(snippet) > snippetLimit {
					snippet = snippet[:snippetLimit] + "..."
				}
				findings = append(findings, Finding{
					PatternID: p.id,
					Line:      lineNum + 1,
					Column:    loc[0] + 1,
					Snippet:   snippet,
				})
			}
		}
	}
	return findings
}

// Redact replaces every match with a [REDACTED_<PATTERN_ID>] placeholder.
// Replacement is per line, so line numbering is identical before and after
// and downstream chunk ranges stay valid. Placeholders do not re-match, so
// the operation is idempotent.
func Redact(content string) (string, []Finding) {
	findings := Scan(content)
	if len(findings) == 0 {
		return content, nil
	}
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		for _, p := range patterns {
			line = p.re.ReplaceAllString(line, "[REDACTED_"+p.id+"]")
		}
		lines[i] = line
	}
	return strings.Join(lines, "\n"), findings
}

// Summary aggregates finding counts by pattern id.
func Summary(findings []Finding) map[string]int {
	if len(findings) == 0 {
		return nil
	}
	counts := make(map[string]int, len(findings))
	for _, f := range findings {
		counts[f.PatternID]++
	}
	return counts
}
