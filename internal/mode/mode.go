// Package mode names the deployment modes an app can be exercised in.
package mode

import (
	"fmt"
	"strings"
)

// Mode is one way of running the app under test.
type Mode int

const (
	// Dev is the interactive development server that compiles pages on demand.
	Dev Mode = iota
	// Production serves a compiled build.
	Production
	// Serverless serves a build produced with the function-per-route target.
	Serverless
)

// All lists every mode in the order a full run visits them.
var All = []Mode{Dev, Production, Serverless}

func (m Mode) String() string {
	switch m {
	case Dev:
		return "dev"
	case Production:
		return "production"
	case Serverless:
		return "serverless"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Parse accepts a mode name. "server" and "prod" are aliases for production.
func Parse(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dev", "development":
		return Dev, nil
	case "production", "prod", "server":
		return Production, nil
	case "serverless":
		return Serverless, nil
	}
	return 0, fmt.Errorf("unknown mode %q (want dev, production or serverless)", s)
}

// ParseList parses a comma separated list, e.g. "dev,serverless".
// An empty list means all modes.
func ParseList(s string) ([]Mode, error) {
	var out []Mode
	seen := make(map[Mode]bool)
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		m, err := Parse(part)
		if err != nil {
			return nil, err
		}
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	if len(out) == 0 {
		return append([]Mode(nil), All...), nil
	}
	return out, nil
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
