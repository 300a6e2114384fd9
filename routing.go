package triageflow

// Router selects the next node after a branching node. Routers are pure.
type Router interface {
	Route(state WorkflowState) string
}

// RouterFunc adapts a function to Router
type RouterFunc func(state WorkflowState) string

// Route implements Router
func (f RouterFunc) Route(state WorkflowState) string {
	return f(state)
}

// RouteTable is a fixed lookup from a state key to a node ID
type RouteTable struct {
	Key     func(state WorkflowState) string
	Routes  map[string]string
	Default string
}

// Route implements Router
func (t RouteTable) Route(state WorkflowState) string {
	if t.Key != nil {
		if next, ok := t.Routes[t.Key(state)]; ok {
			return next
		}
	}
	return t.Default
}

// Targets returns every node the table can select
func (t RouteTable) Targets() []string {
	seen := map[string]bool{t.Default: true}
	targets := []string{t.Default}
	for _, next := range t.Routes {
		if !seen[next] {
			seen[next] = true
			targets = append(targets, next)
		}
	}
	return targets
}

// ResponseModeRouter routes on the response mode derived from the classification
func ResponseModeRouter(routes map[string]string, fallback string) RouteTable {
	return RouteTable{
		Key:     func(state WorkflowState) string { return state.ResponseMode },
		Routes:  routes,
		Default: fallback,
	}
}
