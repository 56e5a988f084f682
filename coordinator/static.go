package coordinator

import (
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/mqgate/protocol"
)

// CreateStaticBrokers reads a YAML BrokerSpec from each of |paths|, and
// creates each broker with the Coordinator. Static brokers are a fleet source
// of gateways which run without Etcd. No broker is created unless all specs
// are valid.
func CreateStaticBrokers(c Coordinator, paths ...string) ([]protocol.BrokerSpec, error) {
	var specs []protocol.BrokerSpec
	var ids = make(map[string]string)

	for _, path := range paths {
		var b, err = os.ReadFile(path)
		if err != nil {
			return nil, errors.WithMessage(err, "reading broker spec")
		}
		spec, err := protocol.UnmarshalBrokerSpec(b)
		if err != nil {
			return nil, errors.WithMessagef(err, "decoding broker spec %s", path)
		}
		if prior, ok := ids[spec.ID]; ok {
			return nil, errors.Errorf("broker %s is specified by both %s and %s", spec.ID, prior, path)
		}
		ids[spec.ID] = path
		specs = append(specs, *spec)
	}
	for _, spec := range specs {
		c.CreateBroker(spec)
		log.WithField("broker", spec.ID).Info("created static broker")
	}
	return specs, nil
}
