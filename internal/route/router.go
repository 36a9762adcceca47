// Package route selects the model for a task based on its
// classification.
package route

// Table maps a task classification to a model name
type Table map[string]string

// DefaultTable mirrors the routing the fleet ships with
var DefaultTable = Table{
	"bugfix":   "claude-sonnet-4-20250514",
	"feature":  "claude-sonnet-4-20250514",
	"refactor": "claude-sonnet-4-20250514",
	"research": "claude-opus-4-20250514",
}

// Selector picks models from a routing table
type Selector struct {
	table        Table
	defaultModel string
}

// NewSelector creates a Selector. A nil table uses the default routing.
func NewSelector(table Table, defaultModel string) *Selector {
	if table == nil {
		table = DefaultTable
	}
	if defaultModel == "" {
		defaultModel = "claude-sonnet-4-20250514"
	}
	return &Selector{table: table, defaultModel: defaultModel}
}

// Select returns the model for a classification, falling back to the
// default for unknown classifications.
func (s *Selector) Select(classification string) string {
	if model, ok := s.table[classification]; ok {
		return model
	}
	return s.defaultModel
}
