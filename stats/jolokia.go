package stats

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"go.gazette.dev/mqgate/fleet"
	"go.gazette.dev/mqgate/protocol"
)

// JolokiaSource reads ActiveMQ broker MBeans through the broker's Jolokia
// HTTP agent, at BrokerSpec.StatsURL.
type JolokiaSource struct {
	Client   *http.Client
	User     string
	Password string
}

// NewJolokiaSource returns a JolokiaSource using credentials of the Config.
// A nil |client| is replaced by one bounded by the Config Timeout.
func NewJolokiaSource(client *http.Client, cfg Config) *JolokiaSource {
	if client == nil {
		var timeout = cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &JolokiaSource{Client: client, User: cfg.User, Password: cfg.Password}
}

type jolokiaRequest struct {
	Type      string   `json:"type"`
	MBean     string   `json:"mbean"`
	Attribute []string `json:"attribute,omitempty"`
}

type jolokiaResponse struct {
	Status int             `json:"status"`
	Error  string          `json:"error,omitempty"`
	Value  json.RawMessage `json:"value"`
}

// Attributes of destination MBeans which are read.
var destinationAttributes = []string{"QueueSize", "ProducerCount", "ConsumerCount"}

// Overview reads the broker's total connections and the statistics of each
// of its queues and topics, in a single bulk request.
func (s *JolokiaSource) Overview(ctx context.Context, spec protocol.BrokerSpec) (*fleet.Overview, error) {
	if spec.StatsURL == "" {
		return nil, errors.Errorf("broker %s has no statistics URL", spec.ID)
	}
	var broker = "org.apache.activemq:type=Broker,brokerName=" + spec.Name

	var reqs = []jolokiaRequest{
		{Type: "read", MBean: broker, Attribute: []string{"TotalConnectionsCount"}},
		{Type: "read", MBean: broker + ",destinationType=Queue,destinationName=*", Attribute: destinationAttributes},
		{Type: "read", MBean: broker + ",destinationType=Topic,destinationName=*", Attribute: destinationAttributes},
	}
	var resps, err = s.post(ctx, spec.StatsURL, reqs)
	if err != nil {
		return nil, err
	} else if len(resps) != len(reqs) {
		return nil, errors.Errorf("expected %d responses (got %d)", len(reqs), len(resps))
	}

	var out = &fleet.Overview{Destinations: make(map[protocol.Destination]fleet.DestinationOverview)}

	if resps[0].Status != http.StatusOK {
		return nil, errors.Errorf("reading %s: %s", broker, resps[0].Error)
	}
	var brokerAttrs map[string]int64
	if err = json.Unmarshal(resps[0].Value, &brokerAttrs); err != nil {
		return nil, errors.WithMessage(err, "decoding broker attributes")
	}
	out.TotalConnections = brokerAttrs["TotalConnectionsCount"]

	for i, kind := range []protocol.DestinationKind{protocol.Queue, protocol.Topic} {
		var resp = resps[i+1]

		// A wildcard read matching no MBeans is a 404.
		if resp.Status == http.StatusNotFound {
			continue
		} else if resp.Status != http.StatusOK {
			return nil, errors.Errorf("reading %s destinations: %s", kind, resp.Error)
		}
		var byMBean map[string]map[string]int64
		if err = json.Unmarshal(resp.Value, &byMBean); err != nil {
			return nil, errors.WithMessagef(err, "decoding %s attributes", kind)
		}
		for mbean, attrs := range byMBean {
			var name, ok = mbeanProperty(mbean, "destinationName")
			if !ok {
				continue
			}
			out.Destinations[protocol.Destination{Name: name, Kind: kind}] = fleet.DestinationOverview{
				Depth:     attrs["QueueSize"],
				Producers: attrs["ProducerCount"],
				Consumers: attrs["ConsumerCount"],
			}
		}
	}
	return out, nil
}

func (s *JolokiaSource) post(ctx context.Context, url string, reqs []jolokiaRequest) ([]jolokiaResponse, error) {
	var body, err = json.Marshal(reqs)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.User != "" {
		req.SetBasicAuth(s.User, s.Password)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, errors.WithMessage(err, "requesting broker statistics")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("unexpected statistics response status (%s)", resp.Status)
	}
	var out []jolokiaResponse
	if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.WithMessage(err, "decoding statistics response")
	}
	return out, nil
}

// mbeanProperty extracts the |key| property of an ObjectName such as
// "org.apache.activemq:brokerName=b,destinationName=foo,type=Broker".
func mbeanProperty(mbean, key string) (string, bool) {
	var ix = strings.IndexByte(mbean, ':')
	if ix == -1 {
		return "", false
	}
	for _, prop := range strings.Split(mbean[ix+1:], ",") {
		if k, v, ok := strings.Cut(prop, "="); ok && k == key {
			return v, true
		}
	}
	return "", false
}
