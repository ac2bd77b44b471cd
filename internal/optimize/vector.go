package optimize

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/banshee-data/phasetune/internal/config"
)

// Bound is the inclusive range of one gene.
type Bound struct {
	Name string  `json:"name"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// Clamp returns v limited to [Min, Max]. NaN clamps to Min.
func (b Bound) Clamp(v float64) float64 {
	if math.IsNaN(v) || v < b.Min {
		return b.Min
	}
	if v > b.Max {
		return b.Max
	}
	return v
}

// Contains reports whether v lies inside the bound.
func (b Bound) Contains(v float64) bool {
	return v >= b.Min && v <= b.Max
}

// Bounds is the ordered set of gene bounds of a run.
type Bounds []Bound

// BoundsFromConfig converts configured gene bounds.
func BoundsFromConfig(genes []config.GeneBound) Bounds {
	out := make(Bounds, len(genes))
	for i, g := range genes {
		name := g.Name
		if name == "" {
			name = fmt.Sprintf("g%d", i)
		}
		out[i] = Bound{Name: name, Min: g.Min, Max: g.Max}
	}
	return out
}

// Validate checks that there is at least one gene and that every range is
// finite and ordered.
func (bs Bounds) Validate() error {
	if len(bs) == 0 {
		return &config.Error{Field: "bounds", Reason: "at least one gene is required"}
	}
	for i, b := range bs {
		if math.IsNaN(b.Min) || math.IsNaN(b.Max) || math.IsInf(b.Min, 0) || math.IsInf(b.Max, 0) {
			return &config.Error{Field: fmt.Sprintf("bounds[%d]", i), Reason: "limits must be finite"}
		}
		if b.Min > b.Max {
			return &config.Error{Field: fmt.Sprintf("bounds[%d]", i), Reason: fmt.Sprintf("min %v exceeds max %v", b.Min, b.Max)}
		}
	}
	return nil
}

// Names returns the gene names in order.
func (bs Bounds) Names() []string {
	out := make([]string, len(bs))
	for i, b := range bs {
		out[i] = b.Name
	}
	return out
}

func (bs Bounds) clone() Bounds {
	out := make(Bounds, len(bs))
	copy(out, bs)
	return out
}

// ParameterVector is an immutable set of gains, each held inside its
// bound. Construct it with NewParameterVector; operators always build new
// vectors.
type ParameterVector struct {
	values []float64
	bounds Bounds
}

// NewParameterVector clamps values into bounds and returns the vector. It
// fails only when the lengths differ.
func NewParameterVector(values []float64, bounds Bounds) (ParameterVector, error) {
	if len(values) != len(bounds) {
		return ParameterVector{}, fmt.Errorf("parameter vector has %d values for %d bounds", len(values), len(bounds))
	}
	v := make([]float64, len(values))
	for i, x := range values {
		v[i] = bounds[i].Clamp(x)
	}
	return ParameterVector{values: v, bounds: bounds.clone()}, nil
}

// mustVector is NewParameterVector for callers that built values from bounds.
func mustVector(values []float64, bounds Bounds) ParameterVector {
	v, err := NewParameterVector(values, bounds)
	if err != nil {
		panic(err)
	}
	return v
}

// Len returns the number of genes.
func (p ParameterVector) Len() int { return len(p.values) }

// IsZero reports whether p was never constructed.
func (p ParameterVector) IsZero() bool { return p.values == nil }

// At returns gene i.
func (p ParameterVector) At(i int) float64 { return p.values[i] }

// Values returns a copy of the genes.
func (p ParameterVector) Values() []float64 {
	out := make([]float64, len(p.values))
	copy(out, p.values)
	return out
}

// Bounds returns a copy of the gene bounds.
func (p ParameterVector) Bounds() Bounds { return p.bounds.clone() }

// Equal reports whether both vectors hold bit-identical genes under the
// same bounds.
func (p ParameterVector) Equal(q ParameterVector) bool {
	if len(p.values) != len(q.values) || len(p.bounds) != len(q.bounds) {
		return false
	}
	for i := range p.values {
		if math.Float64bits(p.values[i]) != math.Float64bits(q.values[i]) {
			return false
		}
	}
	for i := range p.bounds {
		if p.bounds[i] != q.bounds[i] {
			return false
		}
	}
	return true
}

// Map returns the genes keyed by gene name.
func (p ParameterVector) Map() map[string]float64 {
	out := make(map[string]float64, len(p.values))
	for i, v := range p.values {
		out[p.bounds[i].Name] = v
	}
	return out
}

func (p ParameterVector) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range p.values {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%s=%.4g", p.bounds[i].Name, v)
	}
	sb.WriteByte(']')
	return sb.String()
}

// MarshalJSON encodes the genes as a plain array; gene names live on the
// run record.
func (p ParameterVector) MarshalJSON() ([]byte, error) {
	if p.values == nil {
		return []byte("null"), nil
	}
	return json.Marshal(p.values)
}
