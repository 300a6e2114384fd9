package triageflow

import (
	"fmt"
	"slices"
)

// ExecutionGraph defines the execution flow between nodes
type ExecutionGraph struct {
	EntryPoint string
	Nodes      map[string]*GraphNode
}

// GraphNode represents a node in the execution graph
type GraphNode struct {
	NodeID string
	Next   []string

	// Router picks one of Next; nil means Next has at most one entry
	Router Router
}

// NewExecutionGraph creates a new execution graph
func NewExecutionGraph() *ExecutionGraph {
	return &ExecutionGraph{
		Nodes: make(map[string]*GraphNode),
	}
}

// AddNode adds a node to the graph
func (g *ExecutionGraph) AddNode(nodeID string) {
	if _, exists := g.Nodes[nodeID]; !exists {
		g.Nodes[nodeID] = &GraphNode{
			NodeID: nodeID,
			Next:   []string{},
		}
	}

	// Set entry point if this is the first node
	if g.EntryPoint == "" {
		g.EntryPoint = nodeID
	}
}

// AddEdge adds a directed edge from one node to another
func (g *ExecutionGraph) AddEdge(fromID, toID string) error {
	fromNode, exists := g.Nodes[fromID]
	if !exists {
		return fmt.Errorf("source node %s not found", fromID)
	}

	if _, exists := g.Nodes[toID]; !exists {
		return fmt.Errorf("target node %s not found", toID)
	}

	if slices.Contains(fromNode.Next, toID) {
		return nil
	}
	fromNode.Next = append(fromNode.Next, toID)
	return nil
}

// SetRouter attaches a router to a branching node
func (g *ExecutionGraph) SetRouter(nodeID string, router Router) error {
	node, exists := g.Nodes[nodeID]
	if !exists {
		return fmt.Errorf("node %s not found in graph", nodeID)
	}
	node.Router = router
	return nil
}

// SetEntryPoint sets the entry point of the graph
func (g *ExecutionGraph) SetEntryPoint(nodeID string) error {
	if _, exists := g.Nodes[nodeID]; !exists {
		return fmt.Errorf("node %s not found in graph", nodeID)
	}
	g.EntryPoint = nodeID
	return nil
}

// Validate validates the graph structure
func (g *ExecutionGraph) Validate() error {
	if g.EntryPoint == "" {
		return fmt.Errorf("execution graph has no entry point")
	}

	if _, exists := g.Nodes[g.EntryPoint]; !exists {
		return fmt.Errorf("entry point %s not found in graph", g.EntryPoint)
	}

	// Check for cycles (simple DFS-based cycle detection)
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for nodeID := range g.Nodes {
		if !visited[nodeID] {
			if g.hasCycle(nodeID, visited, recStack) {
				return fmt.Errorf("execution graph contains cycles")
			}
		}
	}

	// Check that all nodes are reachable from entry point
	reachable := g.getReachableNodes(g.EntryPoint)
	if len(reachable) != len(g.Nodes) {
		return fmt.Errorf("not all nodes are reachable from entry point")
	}

	for id, node := range g.Nodes {
		if node.Router == nil && len(node.Next) > 1 {
			return fmt.Errorf("node %s has %d successors but no router", id, len(node.Next))
		}
		if table, ok := node.Router.(RouteTable); ok {
			for _, target := range table.Targets() {
				if !slices.Contains(node.Next, target) {
					return fmt.Errorf("router on %s targets %s which is not a successor", id, target)
				}
			}
		}
	}

	return nil
}

// hasCycle performs DFS to detect cycles
func (g *ExecutionGraph) hasCycle(nodeID string, visited, recStack map[string]bool) bool {
	visited[nodeID] = true
	recStack[nodeID] = true

	node := g.Nodes[nodeID]
	for _, nextID := range node.Next {
		if !visited[nextID] {
			if g.hasCycle(nextID, visited, recStack) {
				return true
			}
		} else if recStack[nextID] {
			return true
		}
	}

	recStack[nodeID] = false
	return false
}

// getReachableNodes returns all nodes reachable from the given start node
func (g *ExecutionGraph) getReachableNodes(startID string) map[string]bool {
	reachable := make(map[string]bool)
	g.dfsReachable(startID, reachable)
	return reachable
}

// dfsReachable performs DFS to find all reachable nodes
func (g *ExecutionGraph) dfsReachable(nodeID string, reachable map[string]bool) {
	reachable[nodeID] = true

	node := g.Nodes[nodeID]
	for _, nextID := range node.Next {
		if !reachable[nextID] {
			g.dfsReachable(nextID, reachable)
		}
	}
}

// Next returns the node to run after nodeID for the given state, or "" at the end.
// Skipped lists successors the router bypassed entirely.
func (g *ExecutionGraph) Next(nodeID string, state WorkflowState) (next string, skipped []string, err error) {
	node, exists := g.Nodes[nodeID]
	if !exists {
		return "", nil, fmt.Errorf("node %s not found in graph", nodeID)
	}

	if len(node.Next) == 0 {
		return "", nil, nil
	}

	if node.Router == nil {
		return node.Next[0], nil, nil
	}

	next = node.Router.Route(state)
	if !slices.Contains(node.Next, next) {
		return "", nil, fmt.Errorf("router on %s selected unknown successor %q", nodeID, next)
	}

	// A successor reached later through the chosen branch is not skipped.
	reachable := g.getReachableNodes(next)
	for _, candidate := range node.Next {
		if !reachable[candidate] {
			skipped = append(skipped, candidate)
		}
	}
	return next, skipped, nil
}

// IsTerminal returns true if the node has no outgoing edges
func (g *ExecutionGraph) IsTerminal(nodeID string) bool {
	node, exists := g.Nodes[nodeID]
	if !exists {
		return false
	}
	return len(node.Next) == 0
}
