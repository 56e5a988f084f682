package protocol

import (
	"fmt"
	"strings"
)

// DestinationKind distinguishes queues from topics.
type DestinationKind int8

const (
	Queue DestinationKind = iota
	Topic
)

func (k DestinationKind) String() string {
	switch k {
	case Queue:
		return "queue"
	case Topic:
		return "topic"
	default:
		return fmt.Sprintf("DestinationKind(%d)", int8(k))
	}
}

// Destination is a named queue or topic. Destinations are comparable values
// and are used directly as map keys. A composite Destination joins several
// simple names with CompositeSeparator; see Components.
type Destination struct {
	Name string
	Kind DestinationKind
}

// CompositeSeparator joins the constituent names of a composite Destination.
const CompositeSeparator = ","

// NewQueue returns a queue Destination of |name|.
func NewQueue(name string) Destination { return Destination{Name: name, Kind: Queue} }

// NewTopic returns a topic Destination of |name|.
func NewTopic(name string) Destination { return Destination{Name: name, Kind: Topic} }

// ParseDestination parses the STOMP-style forms "/queue/name" and
// "/topic/name", as well as the URL-style forms "queue://name" and
// "topic://name".
func ParseDestination(s string) (Destination, error) {
	for _, f := range []struct {
		prefix string
		kind   DestinationKind
	}{
		{"/queue/", Queue},
		{"/topic/", Topic},
		{"queue://", Queue},
		{"topic://", Topic},
	} {
		if strings.HasPrefix(s, f.prefix) {
			var d = Destination{Name: s[len(f.prefix):], Kind: f.kind}
			return d, d.Validate()
		}
	}
	return Destination{}, NewValidationError("unrecognized destination form (%q)", s)
}

// Validate returns an error if the Destination is not well-formed.
func (d Destination) Validate() error {
	if d.Kind != Queue && d.Kind != Topic {
		return NewValidationError("invalid Kind (%s)", d.Kind)
	}
	if d.Name == "" {
		return NewValidationError("expected Name")
	}
	for _, c := range strings.Split(d.Name, CompositeSeparator) {
		if c == "" {
			return NewValidationError("composite Name has an empty component (%q)", d.Name)
		}
	}
	return nil
}

// IsComposite is true if the Destination names more than one simple destination.
func (d Destination) IsComposite() bool {
	return strings.Contains(d.Name, CompositeSeparator)
}

// Components decomposes a composite Destination into its simple constituents.
// A simple Destination returns itself.
func (d Destination) Components() []Destination {
	if !d.IsComposite() {
		return []Destination{d}
	}
	var parts = strings.Split(d.Name, CompositeSeparator)
	var out = make([]Destination, 0, len(parts))
	for _, p := range parts {
		out = append(out, Destination{Name: strings.TrimSpace(p), Kind: d.Kind})
	}
	return out
}

// String returns the STOMP-style form of the Destination.
func (d Destination) String() string {
	return "/" + d.Kind.String() + "/" + d.Name
}
