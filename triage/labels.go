package triage

// Labels maps a classification to the mailbox label proposed for it
type Labels struct {
	ByCategory map[string]string
	Default    string
}

// For returns the proposed label for category
func (l Labels) For(category string) string {
	if id, ok := l.ByCategory[category]; ok {
		return id
	}
	return l.Default
}
