// Package calibration encodes calibration curves to and from the flat numeric
// lists the mainframe uses on the wire.
//
// A curve is loaded in three steps: the device point count is zeroed, the
// interleaved (domain, range) list is pushed as one data block, and the count
// is set to the true length. The final count command commits the curve, so the
// order must be preserved exactly.
package calibration

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ErrMalformedCalibrationData indicates a wire list that cannot be paired up
// into points, or a point that cannot be sent.
var ErrMalformedCalibrationData = errors.New("malformed calibration data")

// Calibration targets, relative to CAL<n>.
const (
	TargetProgram        = "SOUR:VOLT"
	TargetVoltageMonitor = "MEAS:VOLT"
	TargetCurrentMonitor = "MEAS:CURR"
	TargetQuiescent      = "MEAS:CURR:QCOM"
)

// Point maps a domain value (as seen by the device) to a range value.
type Point struct {
	Domain float64 `json:"domain" yaml:"domain"`
	Range  float64 `json:"range" yaml:"range"`
}

// Curve is an ordered list of calibration points.
type Curve []Point

// Prefix returns the command prefix for target on module number.
func Prefix(module int, target string) string {
	return fmt.Sprintf("CAL%d:%s", module, target)
}

// Validate rejects non-finite values.
func (c Curve) Validate() error {
	for i, p := range c {
		if !finite(p.Domain) || !finite(p.Range) {
			return fmt.Errorf("%w: point %d is not finite", ErrMalformedCalibrationData, i)
		}
	}
	return nil
}

// Encode interleaves the points into a comma separated list.
func Encode(c Curve) string {
	fields := make([]string, 0, 2*len(c))
	for _, p := range c {
		fields = append(fields, formatValue(p.Domain), formatValue(p.Range))
	}
	return strings.Join(fields, ",")
}

// Decode pairs up a flat numeric list in order.
func Decode(s string) (Curve, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Curve{}, nil
	}

	fields := strings.Split(s, ",")
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("%w: odd number of values (%d)", ErrMalformedCalibrationData, len(fields))
	}

	curve := make(Curve, 0, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		domain, err := parseValue(fields[i])
		if err != nil {
			return nil, err
		}
		rng, err := parseValue(fields[i+1])
		if err != nil {
			return nil, err
		}
		curve = append(curve, Point{Domain: domain, Range: rng})
	}
	return curve, nil
}

// Commands returns the load sequence for prefix: COUNT 0, then for a
// non-empty curve the DATA block and the final COUNT.
func Commands(prefix string, c Curve) ([]string, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	cmds := []string{prefix + ":COUNT 0"}
	if len(c) == 0 {
		return cmds, nil
	}
	return append(cmds,
		fmt.Sprintf("%s:DATA 0,%s", prefix, Encode(c)),
		fmt.Sprintf("%s:COUNT %d", prefix, len(c)),
	), nil
}

// Query returns the read-back query for prefix.
func Query(prefix string) string {
	return prefix + ":CAT?"
}

// Eval interpolates the curve at x. Points are sorted by domain; values
// outside the covered domain are extrapolated from the nearest segment.
// A single point acts as a constant offset.
func (c Curve) Eval(x float64) (float64, error) {
	switch len(c) {
	case 0:
		return 0, fmt.Errorf("%w: empty curve", ErrMalformedCalibrationData)
	case 1:
		return x - c[0].Domain + c[0].Range, nil
	}

	pts := make(Curve, len(c))
	copy(pts, c)
	sort.Slice(pts, func(i, j int) bool { return pts[i].Domain < pts[j].Domain })

	i := sort.Search(len(pts), func(i int) bool { return pts[i].Domain >= x })
	switch {
	case i == 0:
		i = 1
	case i == len(pts):
		i = len(pts) - 1
	}

	a, b := pts[i-1], pts[i]
	if a.Domain == b.Domain {
		return a.Range, nil
	}
	return a.Range + (x-a.Domain)*(b.Range-a.Range)/(b.Domain-a.Domain), nil
}

// MaxRange returns the largest range value in the curve.
func (c Curve) MaxRange() float64 {
	max := math.Inf(-1)
	for _, p := range c {
		if p.Range > max {
			max = p.Range
		}
	}
	return max
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func parseValue(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || !finite(v) {
		return 0, fmt.Errorf("%w: %q is not a number", ErrMalformedCalibrationData, s)
	}
	return v, nil
}
