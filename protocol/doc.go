// Package protocol defines the core data types exchanged by the gateway:
// Destinations, the closed set of Commands which flow between clients,
// the gateway and brokers, and BrokerSpecs describing backend brokers.
//
// Wire encodings of Commands are the concern of protocol codecs (see package
// stomp); this package is independent of any particular wire protocol.
package protocol
