package querybridge

import "encoding/json"

// ResultTree is the typed outcome of a successful query. Reads produce a
// record set; writes produce an affected-row count; multi-step plans nest
// per-step results as children keyed by step label.
type ResultTree struct {
	// Entity names the model this node's rows belong to, when known.
	Entity string `json:"entity,omitempty"`

	// Columns names the row fields, in row order.
	Columns []string `json:"columns,omitempty"`

	// Rows holds the record set. Values are already marshalled to
	// boundary-safe scalars by the connector.
	Rows [][]any `json:"rows,omitempty"`

	// Affected is the affected-row count for write operations.
	Affected int64 `json:"affected,omitempty"`

	// Children holds per-step results of a multi-step plan, keyed by the
	// step label (or its index when unlabelled).
	Children map[string]*ResultTree `json:"children,omitempty"`
}

// MarshalBoundaryResult serializes a result tree for the host boundary as
// {"data": ...}.
func MarshalBoundaryResult(tree *ResultTree) []byte {
	b, err := json.Marshal(struct {
		Data *ResultTree `json:"data"`
	}{Data: tree})
	if err != nil {
		return MarshalBoundary(newEngineError(ErrorKindQuery, "result serialization failed", err))
	}
	return b
}
