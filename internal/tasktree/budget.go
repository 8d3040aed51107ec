// Package tasktree holds the recursive work tree: task nodes, their execution
// contexts and the work-budget algorithm that bounds decomposition depth.
package tasktree

// MinDelegation is the smallest delegation fraction that still counts as
// meaningful. Below it a node may not decompose.
const MinDelegation = 0.05

// Budget holds the two run-wide parameters of the work-budget algorithm.
type Budget struct {
	BaseRetention  float64 `yaml:"base_retention"`
	DepthIncrement float64 `yaml:"depth_increment"`
}

// DefaultBudget lets the root delegate most of its work and forces nodes at
// depth 3 and below to execute themselves.
func DefaultBudget() Budget {
	return Budget{BaseRetention: 0.2, DepthIncrement: 0.3}
}

// Retention returns the fraction of work a node at depth must keep.
func (b Budget) Retention(depth int) float64 {
	return clamp01(b.BaseRetention + float64(depth)*b.DepthIncrement)
}

// Delegation returns the fraction of work a node at depth may hand to children.
func (b Budget) Delegation(depth int) float64 {
	return 1 - b.Retention(depth)
}

// HasMeaningfulDelegation reports whether d permits decomposition.
func HasMeaningfulDelegation(d float64) bool {
	return d >= MinDelegation
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
