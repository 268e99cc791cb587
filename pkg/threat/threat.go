// Package threat scores candidate commands against a builtin set of risk
// patterns. Scanning is a pure function of the command text: no I/O, no
// clock, no shared mutable state, so the same command always produces the
// same report.
package threat

import "strings"

// Level is the severity of a single pattern match.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Score weights per level. Monotonic by construction: low < medium < high <
// critical, and adding a match never lowers the total.
var levelWeight = map[Level]int{
	LevelLow:      1,
	LevelMedium:   3,
	LevelHigh:     7,
	LevelCritical: 15,
}

var levelRank = map[Level]int{
	LevelLow:      1,
	LevelMedium:   2,
	LevelHigh:     3,
	LevelCritical: 4,
}

func (l Level) Weight() int { return levelWeight[l] }

// Exceeds reports whether l is strictly more severe than other.
func (l Level) Exceeds(other Level) bool { return levelRank[l] > levelRank[other] }

// Match is one triggered risk pattern.
type Match struct {
	PatternID   string `json:"pattern_id"`
	Level       Level  `json:"level"`
	Description string `json:"description"`
	Snippet     string `json:"snippet"`
}

// Report aggregates every match for a scanned command. Immutable once
// produced.
type Report struct {
	Detected bool    `json:"detected"`
	MaxLevel Level   `json:"max_level,omitempty"`
	Matches  []Match `json:"matches,omitempty"`
	Score    int     `json:"score"`
}

const snippetLimit = 80

// Scan evaluates command against the builtin rule set in declaration order.
// Each rule contributes at most one match.
func Scan(command string) Report {
	report := Report{}
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return report
	}
	for _, rule := range builtinRules {
		loc := rule.re.FindStringIndex(trimmed)
		if loc == nil {
			continue
		}
		snippet := trimmed[loc[0]:loc[1]]
		if len(snippet) > snippetLimit {
			snippet = snippet[:snippetLimit]
		}
		report.Matches = append(report.Matches, Match{
			PatternID:   rule.id,
			Level:       rule.level,
			Description: rule.description,
			Snippet:     snippet,
		})
		report.Score += rule.level.Weight()
		if rule.level.Exceeds(report.MaxLevel) {
			report.MaxLevel = rule.level
		}
	}
	report.Detected = len(report.Matches) > 0
	return report
}
