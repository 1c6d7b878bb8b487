package session

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseInt parses a single integer reply. SCPI devices may report register
// values in float notation ("8.192000E+03"), which is accepted too.
func ParseInt(reply string) (int, error) {
	s := strings.TrimSpace(reply)
	if v, err := strconv.Atoi(s); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: integer expected, got %q", ErrMalformedReply, reply)
	}
	return int(f), nil
}

// ParseFloat parses a single numeric reply.
func ParseFloat(reply string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(reply), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: number expected, got %q", ErrMalformedReply, reply)
	}
	return v, nil
}

// ParseFloats parses a comma separated numeric list.
func ParseFloats(reply string) ([]float64, error) {
	s := strings.TrimSpace(reply)
	if s == "" {
		return []float64{}, nil
	}
	fields := strings.Split(s, ",")
	values := make([]float64, 0, len(fields))
	for _, field := range fields {
		v, err := ParseFloat(field)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

// ParseBool parses 0/1 and OFF/ON replies.
func ParseBool(reply string) (bool, error) {
	s := strings.ToUpper(strings.TrimSpace(reply))
	switch s {
	case "0", "OFF":
		return false, nil
	case "1", "ON":
		return true, nil
	}
	v, err := ParseInt(s)
	if err != nil {
		return false, fmt.Errorf("%w: boolean expected, got %q", ErrMalformedReply, reply)
	}
	return v != 0, nil
}

// ParseBools parses a comma separated list of boolean replies.
func ParseBools(reply string) ([]bool, error) {
	s := strings.TrimSpace(reply)
	if s == "" {
		return []bool{}, nil
	}
	fields := strings.Split(s, ",")
	values := make([]bool, 0, len(fields))
	for _, field := range fields {
		v, err := ParseBool(field)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

// Unquote strips the double quotes SCPI puts around string replies and
// collapses doubled embedded quotes.
func Unquote(reply string) string {
	s := strings.TrimSpace(reply)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
	}
	return s
}

// Quote renders s as an SCPI string argument. Embedded quotes are doubled;
// every other byte is sent as is.
func Quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// FormatBool renders a boolean the way the device expects it.
func FormatBool(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// FormatFloat renders a float with the shortest representation that parses
// back to the same value.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func parseDeviceError(reply string) (*DeviceError, error) {
	code, text, ok := strings.Cut(strings.TrimSpace(reply), ",")
	if !ok {
		return nil, fmt.Errorf("%w: error record expected, got %q", ErrMalformedReply, reply)
	}
	n, err := strconv.Atoi(strings.TrimSpace(code))
	if err != nil {
		return nil, fmt.Errorf("%w: error code expected, got %q", ErrMalformedReply, reply)
	}
	return &DeviceError{Code: n, Text: Unquote(text)}, nil
}

func parseIdentity(reply string) (Identity, bool) {
	fields := strings.Split(strings.TrimSpace(reply), ",")
	if len(fields) < 4 {
		return Identity{}, false
	}
	return Identity{
		Vendor:   strings.TrimSpace(fields[0]),
		Unit:     strings.TrimSpace(fields[1]),
		Serial:   strings.TrimSpace(fields[2]),
		Firmware: strings.TrimSpace(strings.Join(fields[3:], ",")),
	}, true
}

func parseCatalog(reply string) ([]Descriptor, error) {
	s := strings.TrimSpace(reply)
	if s == "" || s == `""` {
		return []Descriptor{}, nil
	}
	fields := strings.Split(s, ",")
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("%w: catalog has odd field count: %q", ErrMalformedReply, reply)
	}
	descriptors := make([]Descriptor, 0, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		n, err := strconv.Atoi(strings.TrimSpace(fields[i+1]))
		if err != nil {
			return nil, fmt.Errorf("%w: module number expected, got %q", ErrMalformedReply, fields[i+1])
		}
		descriptors = append(descriptors, Descriptor{Number: n, Name: Unquote(fields[i])})
	}
	return descriptors, nil
}
