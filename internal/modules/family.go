package modules

import (
	"math"
	"strings"
)

// Kind distinguishes supplies from meters.
type Kind string

const (
	KindSupply Kind = "supply"
	KindMeter  Kind = "meter"
)

// RangePolicy derives the hardware range bounds from a single bound.
type RangePolicy func(bound float64) (low, high float64)

// BipolarRange is the rule of two-pole supplies: a positive bound is negated
// to become the low bound and its magnitude is the high bound.
func BipolarRange(bound float64) (float64, float64) {
	if bound > 0 {
		return -bound, bound
	}
	return bound, -bound
}

// SignMirrorRange forces the low bound non-positive and mirrors it to the
// high bound.
func SignMirrorRange(bound float64) (float64, float64) {
	low := -math.Abs(bound)
	return low, -low
}

// Family is the static description of a module type, keyed by the catalog
// name prefix.
type Family struct {
	Prefix string
	Kind   Kind
	// Channels lists the addressable channels. Families with implicit
	// channels expose the single channel 1 and omit channel lists on the wire.
	Channels   []int
	Explicit   bool
	MinVoltage float64
	MaxVoltage float64
	// MaxProgram bounds the range values of program calibration points.
	MaxProgram float64
	Range      RangePolicy
}

// DefaultMaxProgram is the largest normalized program fraction.
const DefaultMaxProgram = 1.0

var families = []Family{
	{Prefix: "QBS", Kind: KindSupply, Channels: []int{1, 2, 3, 4}, Explicit: true,
		MinVoltage: -800, MaxVoltage: 800, MaxProgram: DefaultMaxProgram, Range: BipolarRange},
	{Prefix: "DUS", Kind: KindSupply, Channels: []int{1, 2}, Explicit: true,
		MinVoltage: -5000, MaxVoltage: 0, MaxProgram: DefaultMaxProgram, Range: SignMirrorRange},
	{Prefix: "EPS", Kind: KindSupply, Channels: []int{1},
		MinVoltage: 0, MaxVoltage: 5000, MaxProgram: DefaultMaxProgram, Range: SignMirrorRange},
	{Prefix: "SPS", Kind: KindSupply, Channels: []int{1},
		MinVoltage: 0, MaxVoltage: 1500, MaxProgram: DefaultMaxProgram, Range: SignMirrorRange},
	{Prefix: "APS", Kind: KindSupply, Channels: []int{1},
		MinVoltage: 0, MaxVoltage: 10000, MaxProgram: DefaultMaxProgram, Range: SignMirrorRange},
	{Prefix: "AMM", Kind: KindMeter, Channels: []int{1}},
}

// LookupFamily finds the family for a catalog name such as "QBS2".
func LookupFamily(name string) (Family, bool) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for _, f := range families {
		if strings.HasPrefix(upper, f.Prefix) {
			return f, true
		}
	}
	return Family{}, false
}

// Families returns the known family prefixes.
func Families() []string {
	out := make([]string, 0, len(families))
	for _, f := range families {
		out = append(out, f.Prefix)
	}
	return out
}

// VoltageLimit is the largest magnitude a range bound may take.
func (f Family) VoltageLimit() float64 {
	return math.Max(math.Abs(f.MinVoltage), math.Abs(f.MaxVoltage))
}

func (f Family) hasChannel(ch int) bool {
	for _, c := range f.Channels {
		if c == ch {
			return true
		}
	}
	return false
}
