// ABOUTME: Detection signal types and the fixed category enum with default weights
// ABOUTME: Signals are produced by independent detectors and combined by the classifier

package detect

import "fmt"

// Category groups signals for weighting. The set is closed.
type Category int

const (
	CategoryUserAgent Category = iota
	CategoryHeaders
	CategorySelfID
	CategoryBehavior
	CategoryIP
)

// Categories lists every category in evaluation order.
var Categories = []Category{CategoryUserAgent, CategoryHeaders, CategorySelfID, CategoryBehavior, CategoryIP}

func (c Category) String() string {
	switch c {
	case CategoryUserAgent:
		return "user_agent"
	case CategoryHeaders:
		return "headers"
	case CategorySelfID:
		return "self_identification"
	case CategoryBehavior:
		return "behavior"
	case CategoryIP:
		return "ip"
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// DefaultWeight is the share of the final score the category carries when
// present.
func (c Category) DefaultWeight() float64 {
	switch c {
	case CategoryUserAgent:
		return 0.35
	case CategoryHeaders:
		return 0.20
	case CategorySelfID:
		return 0.20
	case CategoryBehavior:
		return 0.15
	case CategoryIP:
		return 0.10
	}
	return 0
}

// ParseCategory maps a category name back to its value.
func ParseCategory(name string) (Category, bool) {
	for _, c := range Categories {
		if c.String() == name {
			return c, true
		}
	}
	return 0, false
}

// MarshalText encodes the category by name.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Signal is one piece of evidence that a request comes from an agent.
type Signal struct {
	Name       string            `json:"name"`
	Category   Category          `json:"category"`
	Confidence float64           `json:"confidence"` // within [0, 1]
	Reason     string            `json:"reason"`
	Data       map[string]string `json:"data,omitempty"`
}

// DataFramework is the signal data key naming a recognized agent framework.
const DataFramework = "framework"
