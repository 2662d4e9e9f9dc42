package schedule

import (
	"fmt"
	"strings"
)

// Certainty tells whether an outage slot is confirmed by the operator or only possible.
type Certainty int

const (
	Possible Certainty = iota
	Confirmed
)

func (c Certainty) String() string {
	if c == Confirmed {
		return "confirmed"
	}
	return "possible"
}

// Label is the human-readable annotation used in chat messages and calendar titles.
func (c Certainty) Label() string {
	if c == Confirmed {
		return "(точно)"
	}
	return "(можливо)"
}

// ParseCertainty accepts the JSON values and the legacy display labels.
func ParseCertainty(s string) (Certainty, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "confirmed", "(точно)", "точно", "точне":
		return Confirmed, nil
	case "possible", "(можливо)", "можливо", "можливе":
		return Possible, nil
	default:
		return Possible, fmt.Errorf("unknown certainty %q", s)
	}
}

func (c Certainty) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Certainty) UnmarshalText(b []byte) error {
	v, err := ParseCertainty(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}
