// Package priority scores an email for urgency from its classification,
// sender and keywords. Scoring is pure and deterministic.
//
// Contributions:
//
//	high-priority sender domain (exact or subdomain)   DomainWeight
//	each distinct urgency keyword in subject or body   KeywordWeight, capped at KeywordCap
//	classification                                     ClassificationWeights[category]
//
// The total is clamped to [0, 100].
package priority

import (
	"strings"
	"unicode"
)

// Config holds the fixed point contributions and the urgency threshold
type Config struct {
	HighPriorityDomains   []string
	UrgencyKeywords       []string
	DomainWeight          int
	KeywordWeight         int
	KeywordCap            int
	ClassificationWeights map[string]int
	UrgentThreshold       int
}

// DefaultConfig is a reasonable starting point
var DefaultConfig = Config{
	UrgencyKeywords: []string{"urgent", "asap", "immediately", "deadline", "overdue", "critical", "today"},
	DomainWeight:    40,
	KeywordWeight:   10,
	KeywordCap:      30,
	ClassificationWeights: map[string]int{
		"needs_response": 20,
		"client_inquiry": 20,
		"billing":        15,
		"newsletter":     -10,
		"promotion":      -20,
	},
	UrgentThreshold: 60,
}

const (
	minScore = 0
	maxScore = 100
)

// Input is everything a score depends on
type Input struct {
	Classification string
	SenderDomain   string
	Subject        string
	BodyKeywords   []string
}

// Result is a score and its urgency verdict
type Result struct {
	Score  int
	Urgent bool
}

// Detector computes priority scores
type Detector struct {
	config   Config
	domains  map[string]struct{}
	keywords map[string]struct{}
}

// NewDetector creates a detector; domains and keywords are matched case-insensitively
func NewDetector(cfg Config) *Detector {
	d := &Detector{
		config:   cfg,
		domains:  make(map[string]struct{}, len(cfg.HighPriorityDomains)),
		keywords: make(map[string]struct{}, len(cfg.UrgencyKeywords)),
	}
	for _, domain := range cfg.HighPriorityDomains {
		d.domains[normalizeDomain(domain)] = struct{}{}
	}
	for _, kw := range cfg.UrgencyKeywords {
		d.keywords[strings.ToLower(strings.TrimSpace(kw))] = struct{}{}
	}
	return d
}

// Score returns the priority score for in
func (d *Detector) Score(in Input) int {
	score := d.config.ClassificationWeights[in.Classification]

	if d.isHighPriorityDomain(in.SenderDomain) {
		score += d.config.DomainWeight
	}

	kw := d.matchedKeywords(in.Subject, in.BodyKeywords) * d.config.KeywordWeight
	if d.config.KeywordCap > 0 && kw > d.config.KeywordCap {
		kw = d.config.KeywordCap
	}
	score += kw

	return clamp(score)
}

// IsUrgent reports whether score meets the configured threshold
func (d *Detector) IsUrgent(score int) bool {
	return d.config.UrgentThreshold > 0 && score >= d.config.UrgentThreshold
}

// Evaluate scores in and applies the urgency threshold
func (d *Detector) Evaluate(in Input) Result {
	score := d.Score(in)
	return Result{Score: score, Urgent: d.IsUrgent(score)}
}

func (d *Detector) isHighPriorityDomain(domain string) bool {
	domain = normalizeDomain(domain)
	if domain == "" {
		return false
	}
	for {
		if _, ok := d.domains[domain]; ok {
			return true
		}
		dot := strings.IndexByte(domain, '.')
		if dot < 0 {
			return false
		}
		domain = domain[dot+1:]
	}
}

// matchedKeywords counts distinct urgency keywords across subject words and body keywords
func (d *Detector) matchedKeywords(subject string, body []string) int {
	seen := make(map[string]struct{})
	check := func(word string) {
		word = strings.ToLower(word)
		if _, ok := d.keywords[word]; ok {
			seen[word] = struct{}{}
		}
	}

	for _, word := range Tokenize(subject) {
		check(word)
	}
	for _, word := range body {
		check(word)
	}
	return len(seen)
}

// Tokenize splits text into lowercase words of letters and digits
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalizeDomain(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}

func clamp(score int) int {
	if score < minScore {
		return minScore
	}
	if score > maxScore {
		return maxScore
	}
	return score
}
