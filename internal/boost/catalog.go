// Package boost implements the tier catalog, capacity admission, credit
// debits and refunds, and de-boost scheduling.
package boost

import (
	"errors"

	"applianced/internal/ledger"
)

// ErrNoMatchingTier is returned when a requested specification matches no
// configured boost level exactly.
var ErrNoMatchingTier = errors.New("boost: no matching tier")

// Level is one boost tier. Cost is credits per hour.
type Level struct {
	Label string `json:"label"`
	RAM   int    `json:"ram"`
	Cores int    `json:"cores"`
	Cost  int64  `json:"cost"`
}

// Spec converts the level's shape to a ledger specification.
func (l Level) Spec() ledger.Spec {
	return ledger.Spec{Cores: l.Cores, RAM: l.RAM}
}

// Catalog is the configured tier table. Levels are ordered smallest to
// largest. Capacity rows are occupancy vectors (one count per level) that
// the site can sustain simultaneously; a candidate occupancy is admissible
// when some row dominates it elementwise.
type Catalog struct {
	Baseline Level   `json:"baseline"`
	Levels   []Level `json:"levels"`
	Capacity [][]int `json:"capacity"`
}

// DefaultCatalog matches an unconfigured site: a baseline-only machine
// with no boost levels and no capacity.
func DefaultCatalog() Catalog {
	return Catalog{
		Baseline: Level{Label: "Standard", RAM: 16, Cores: 1},
		Levels:   []Level{},
		Capacity: [][]int{},
	}
}

// ValidSpec reports whether cores/ram match the baseline or any level
// exactly. Used to validate direct specification posts.
func (c Catalog) ValidSpec(cores, ram int) bool {
	if cores == c.Baseline.Cores && ram == c.Baseline.RAM {
		return true
	}
	for _, lvl := range c.Levels {
		if cores == lvl.Cores && ram == lvl.RAM {
			return true
		}
	}
	return false
}

// exactLevel finds the level matching the specification exactly.
func (c Catalog) exactLevel(cores, ram int) (Level, error) {
	for _, lvl := range c.Levels {
		if lvl.Cores == cores && lvl.RAM == ram {
			return lvl, nil
		}
	}
	return Level{}, ErrNoMatchingTier
}

// dominates reports whether the capacity row covers the candidate
// occupancy. Rows shorter than the candidate treat missing counts as zero.
func dominates(row []int, candidate []int) bool {
	for i, want := range candidate {
		have := 0
		if i < len(row) {
			have = row[i]
		}
		if have < want {
			return false
		}
	}
	return true
}

// admissible reports whether any capacity row can hold the candidate
// occupancy vector.
func (c Catalog) admissible(candidate []int) bool {
	for _, row := range c.Capacity {
		if dominates(row, candidate) {
			return true
		}
	}
	return false
}
