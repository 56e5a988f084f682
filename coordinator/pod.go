package coordinator

import (
	"fmt"
	"net"
	"strconv"

	"github.com/pkg/errors"
	"go.gazette.dev/mqgate/protocol"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/watch"
)

// Pod annotations consulted by BrokerSpecFromPod.
const (
	// BrokerNameAnnotation overrides the broker name, which is otherwise the pod name.
	BrokerNameAnnotation = "mqgate.dev/broker-name"
	// StatsURLAnnotation overrides the statistics URL of the broker.
	StatsURLAnnotation = "mqgate.dev/stats-url"
	// JolokiaPortName names the container port of the broker's Jolokia service.
	JolokiaPortName = "jolokia"
)

// BrokerSpecFromPod builds the BrokerSpec of a broker pod. Container ports
// named for a protocol ("stomp", "mqtt", "openwire", "amqp", "http") become
// Endpoints at the pod IP. A "jolokia" port provides the statistics URL, and
// an "amqp" port the AMQP URL.
func BrokerSpecFromPod(pod *corev1.Pod) (protocol.BrokerSpec, error) {
	var spec = protocol.BrokerSpec{
		ID:        pod.Name,
		Name:      pod.Name,
		Endpoints: make(map[string]string),
		Pod: corev1.ObjectReference{
			Kind:            "Pod",
			APIVersion:      "v1",
			Namespace:       pod.Namespace,
			Name:            pod.Name,
			UID:             pod.UID,
			ResourceVersion: pod.ResourceVersion,
		},
	}
	if name, ok := pod.Annotations[BrokerNameAnnotation]; ok {
		spec.Name = name
	}
	var ip = pod.Status.PodIP
	if ip == "" {
		return spec, errors.Errorf("pod %s/%s has no IP", pod.Namespace, pod.Name)
	}

	for _, c := range pod.Spec.Containers {
		for _, p := range c.Ports {
			var addr = net.JoinHostPort(ip, strconv.Itoa(int(p.ContainerPort)))

			switch p.Name {
			case protocol.STOMP, protocol.MQTT, protocol.OpenWire, protocol.HTTP:
				spec.Endpoints[p.Name] = addr
			case protocol.AMQP:
				spec.Endpoints[p.Name] = addr
				spec.AMQPURL = fmt.Sprintf("amqp://%s/", addr)
			case JolokiaPortName:
				spec.StatsURL = fmt.Sprintf("http://%s/api/jolokia", addr)
			}
		}
	}
	if u, ok := pod.Annotations[StatsURLAnnotation]; ok {
		spec.StatsURL = u
	}
	if err := spec.Validate(); err != nil {
		return spec, errors.WithMessagef(err, "pod %s/%s", pod.Namespace, pod.Name)
	}
	return spec, nil
}

// ApplyPodEvent notifies the Coordinator of a watched broker pod event.
// Pods which aren't yet running are ignored until they are, and a pod which
// stops running is deleted.
func ApplyPodEvent(c Coordinator, event watch.EventType, pod *corev1.Pod) error {
	switch event {
	case watch.Added, watch.Modified:
		if pod.Status.Phase != corev1.PodRunning || pod.DeletionTimestamp != nil {
			c.DeleteBroker(protocol.BrokerSpec{ID: pod.Name})
			return nil
		}
		var spec, err = BrokerSpecFromPod(pod)
		if err != nil {
			return err
		}
		if event == watch.Added {
			c.CreateBroker(spec)
		} else {
			c.UpdateBroker(spec)
		}
	case watch.Deleted:
		c.DeleteBroker(protocol.BrokerSpec{ID: pod.Name})
	}
	return nil
}
