package responder

import (
	"sort"

	"github.com/sicko7947/triageflow"
)

// Budget bounds the generation context
type Budget struct {
	// MaxChars is the total content size across all sections; zero disables the bound
	MaxChars int

	// MinSectionChars drops a truncated section entirely when less than this remains
	MinSectionChars int

	// Marker is appended to truncated sections
	Marker string
}

// DefaultBudget keeps the context around 8k characters
var DefaultBudget = Budget{
	MaxChars:        8000,
	MinSectionChars: 64,
	Marker:          "…",
}

// Fit returns sections cut to the budget. Lower Priority values are
// truncated first and ties give way from the end. Section order is kept.
func (b Budget) Fit(sections []triageflow.ContextSection) []triageflow.ContextSection {
	out := make([]triageflow.ContextSection, len(sections))
	copy(out, sections)

	if b.MaxChars <= 0 {
		return out
	}

	total := 0
	for _, s := range out {
		total += runeLen(s.Content)
	}
	if total <= b.MaxChars {
		return out
	}

	order := make([]int, len(out))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, c := out[order[i]], out[order[j]]
		if a.Priority != c.Priority {
			return a.Priority < c.Priority
		}
		return order[i] > order[j]
	})

	dropped := make(map[int]bool)
	for _, idx := range order {
		over := total - b.MaxChars
		if over <= 0 {
			break
		}

		size := runeLen(out[idx].Content)
		keep := size - over - runeLen(b.Marker)
		if keep < b.MinSectionChars || keep <= 0 {
			dropped[idx] = true
			total -= size
			continue
		}

		out[idx].Content = truncate(out[idx].Content, keep) + b.Marker
		total -= size - runeLen(out[idx].Content)
	}

	if len(dropped) == 0 {
		return out
	}
	kept := out[:0]
	for i, s := range out {
		if !dropped[i] {
			kept = append(kept, s)
		}
	}
	return kept
}

// Size returns the total content size of sections
func Size(sections []triageflow.ContextSection) int {
	n := 0
	for _, s := range sections {
		n += runeLen(s.Content)
	}
	return n
}

func runeLen(s string) int {
	return len([]rune(s))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
