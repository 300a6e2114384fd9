package triage

import (
	"net/mail"
	"strings"
	"unicode"

	"github.com/sicko7947/triageflow"
	"github.com/sicko7947/triageflow/priority"
)

// ExtractConfig bounds the derived email context
type ExtractConfig struct {
	MaxKeywords     int
	MaxExcerptChars int
	MinKeywordLen   int
	Stopwords       []string
}

// DefaultExtractConfig is used when Deps.Extract is zero
var DefaultExtractConfig = ExtractConfig{
	MaxKeywords:     20,
	MaxExcerptChars: 2000,
	MinKeywordLen:   3,
	Stopwords: []string{
		"the", "and", "for", "you", "your", "are", "with", "this", "that", "from",
		"have", "has", "was", "were", "will", "would", "could", "can", "not", "but",
		"our", "all", "any", "please", "thanks", "thank", "regards", "hi", "hello",
	},
}

// ExtractContext derives the sender domain, keywords and a bounded excerpt.
// Quoted replies and signatures are left out of the excerpt.
func ExtractContext(email triageflow.EmailEnvelope, cfg ExtractConfig) triageflow.EmailContext {
	body := stripQuoted(email.Body)

	return triageflow.EmailContext{
		SenderDomain: SenderDomain(email.Sender),
		Keywords:     keywords(email.Subject+" "+body, cfg),
		Excerpt:      excerpt(body, cfg.MaxExcerptChars),
	}
}

// SenderDomain returns the lowercase domain of an address such as
// "Alice <alice@Acme.com>", or "" when there is none
func SenderDomain(sender string) string {
	address := sender
	if parsed, err := mail.ParseAddress(sender); err == nil {
		address = parsed.Address
	}
	at := strings.LastIndexByte(address, '@')
	if at < 0 {
		return ""
	}
	return strings.ToLower(strings.Trim(address[at+1:], " >."))
}

func keywords(text string, cfg ExtractConfig) []string {
	stop := make(map[string]struct{}, len(cfg.Stopwords))
	for _, w := range cfg.Stopwords {
		stop[w] = struct{}{}
	}

	seen := make(map[string]struct{})
	var out []string
	for _, word := range priority.Tokenize(text) {
		if len([]rune(word)) < cfg.MinKeywordLen || isNumber(word) {
			continue
		}
		if _, skip := stop[word]; skip {
			continue
		}
		if _, dup := seen[word]; dup {
			continue
		}
		seen[word] = struct{}{}
		out = append(out, word)
		if cfg.MaxKeywords > 0 && len(out) == cfg.MaxKeywords {
			break
		}
	}
	return out
}

// stripQuoted drops quoted lines, "On ... wrote:" headers and everything after a signature marker
func stripQuoted(body string) string {
	var kept []string
	for _, line := range strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "--" || line == "-- " {
			break
		}
		if strings.HasPrefix(trimmed, ">") {
			continue
		}
		if strings.HasPrefix(trimmed, "On ") && strings.HasSuffix(trimmed, "wrote:") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func excerpt(body string, max int) string {
	collapsed := strings.Join(strings.Fields(body), " ")
	runes := []rune(collapsed)
	if max <= 0 || len(runes) <= max {
		return collapsed
	}
	return string(runes[:max])
}

func isNumber(word string) bool {
	for _, r := range word {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
