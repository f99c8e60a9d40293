package models

// Verdict is the cheap classifier answer on whether a request should be broken down.
type Verdict struct {
	Decompose bool   `json:"decompose"`
	Reasoning string `json:"reasoning"`
}

// PlannedUnit is one sub-unit proposed by the decomposition classifier.
type PlannedUnit struct {
	Sequence      int    `json:"sequence"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	TestIntent    string `json:"test_intent"`
	ParallelGroup int    `json:"parallel_group"`
}

// Decomposition is the full breakdown of a request. ParallelGroups[g] lists the
// sequences dispatched together in phase g.
type Decomposition struct {
	Decompose      bool          `json:"decompose"`
	Reasoning      string        `json:"reasoning,omitempty"`
	Units          []PlannedUnit `json:"units"`
	ParallelGroups [][]int       `json:"parallel_groups"`
}
