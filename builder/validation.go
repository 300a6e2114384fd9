package builder

import (
	"fmt"

	"github.com/sicko7947/triageflow"
)

// ValidateDefinition performs comprehensive validation on a definition
func ValidateDefinition(d *triageflow.Definition) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid definition: %w", err)
	}

	if err := ValidateNodeReferences(d); err != nil {
		return err
	}

	return ValidateSuspension(d)
}

// ValidateNodeReferences ensures all graph nodes are registered in the definition
func ValidateNodeReferences(d *triageflow.Definition) error {
	for nodeID := range d.Graph().Nodes {
		if _, err := d.Node(nodeID); err != nil {
			return fmt.Errorf("node %s referenced in graph but not registered", nodeID)
		}
	}
	return nil
}

// ValidateSuspension ensures the decision path after the suspension node is linear.
// Resume derives the next node from the decided stage alone, so nothing past the
// suspension point may branch.
func ValidateSuspension(d *triageflow.Definition) error {
	suspend := d.SuspendNode()
	if suspend == d.EntryPoint() {
		return fmt.Errorf("suspension node %s cannot be the entry point", suspend)
	}

	graph := d.Graph()
	current := suspend
	for {
		node := graph.Nodes[current]
		if node.Router != nil || len(node.Next) > 1 {
			return fmt.Errorf("node %s after suspension point must not branch", current)
		}
		if len(node.Next) == 0 {
			return nil
		}
		current = node.Next[0]
	}
}
