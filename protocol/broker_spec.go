package protocol

import (
	"net"
	"net/url"
	"sort"

	"gopkg.in/yaml.v2"
	corev1 "k8s.io/api/core/v1"
)

// Protocol names, as used to key BrokerSpec.Endpoints.
const (
	STOMP    = "stomp"
	MQTT     = "mqtt"
	OpenWire = "openwire"
	AMQP     = "amqp"
	HTTP     = "http"
)

// BrokerSpec describes a backend broker process: its identity, the addresses
// at which each of its protocols is served, and where its statistics and
// message store may be reached.
type BrokerSpec struct {
	// Unique ID of the broker.
	ID string `yaml:"id"`
	// Broker name, as known to the broker itself (eg, its JMX brokerName).
	Name string `yaml:"name"`
	// Endpoints maps protocol names to "host:port" addresses.
	Endpoints map[string]string `yaml:"endpoints"`
	// StatsURL is the base URL of the broker's statistics (Jolokia) service.
	StatsURL string `yaml:"stats_url,omitempty"`
	// AMQPURL is the amqp:// URL used to migrate destination content.
	AMQPURL string `yaml:"amqp_url,omitempty"`
	// Pod references the Kubernetes pod running the broker, if any.
	Pod corev1.ObjectReference `yaml:"pod,omitempty"`
}

// Validate returns an error if the BrokerSpec is not well-formed.
func (m *BrokerSpec) Validate() error {
	if err := ValidateToken(m.ID, 1, 253); err != nil {
		return ExtendContext(err, "ID")
	} else if m.Name == "" {
		return NewValidationError("expected Name")
	} else if len(m.Endpoints) == 0 {
		return NewValidationError("expected at least one Endpoint")
	}
	for _, p := range m.Protocols() {
		if err := ValidateToken(p, 1, 32); err != nil {
			return ExtendContext(err, "Endpoints[%s]", p)
		} else if _, _, err := net.SplitHostPort(m.Endpoints[p]); err != nil {
			return ExtendContext(NewValidationError("%s", err), "Endpoints[%s]", p)
		}
	}
	if m.StatsURL != "" {
		if _, err := url.Parse(m.StatsURL); err != nil {
			return ExtendContext(NewValidationError("%s", err), "StatsURL")
		}
	}
	if m.AMQPURL != "" {
		if u, err := url.Parse(m.AMQPURL); err != nil {
			return ExtendContext(NewValidationError("%s", err), "AMQPURL")
		} else if u.Scheme != "amqp" && u.Scheme != "amqps" {
			return ExtendContext(NewValidationError("invalid scheme (%s)", u.Scheme), "AMQPURL")
		}
	}
	return nil
}

// Protocols returns the sorted protocol names served by the broker.
func (m *BrokerSpec) Protocols() []string {
	var out = make([]string, 0, len(m.Endpoints))
	for p := range m.Endpoints {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// MarshalString returns the YAML encoding of the BrokerSpec.
func (m *BrokerSpec) MarshalString() string {
	if b, err := yaml.Marshal(m); err != nil {
		panic(err.Error()) // Cannot happen for this type.
	} else {
		return string(b)
	}
}

// UnmarshalBrokerSpec decodes and validates a YAML-encoded BrokerSpec.
func UnmarshalBrokerSpec(b []byte) (*BrokerSpec, error) {
	var spec = new(BrokerSpec)
	if err := yaml.UnmarshalStrict(b, spec); err != nil {
		return nil, err
	} else if err = spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}
