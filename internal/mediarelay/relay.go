// Package mediarelay defines the narrow control surface of the media relay.
//
// The signaling layer drives the relay exclusively through this verb set and
// treats RTP/ICE/DTLS parameter payloads as opaque blobs; packet forwarding,
// codec negotiation and bandwidth estimation live behind this interface.
package mediarelay

import (
	"encoding/json"
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	ErrTransportNotFound  = errors.New("transport not found")
	ErrTransportClosed    = errors.New("transport closed")
	ErrTransportNotReady  = errors.New("transport not connected")
	ErrProducerNotFound   = errors.New("producer not found")
	ErrConsumerNotFound   = errors.New("consumer not found")
	ErrUnsupportedKind    = errors.New("unsupported media kind")
	ErrAlreadyConnected   = errors.New("transport already connected")
	ErrEmptyDTLSParams    = errors.New("missing dtls parameters")
	ErrEmptyRTPParams     = errors.New("missing rtp parameters")
	ErrEmptyRTPCaps       = errors.New("missing rtp capabilities")
)

// TransportInfo is returned from CreateTransport. ICEServers is the
// TURN/STUN list the client needs for gathering; it is forwarded verbatim.
type TransportInfo struct {
	ID             string             `json:"id"`
	Producing      bool               `json:"producing"`
	ICEParameters  json.RawMessage    `json:"iceParameters,omitempty"`
	ICECandidates  json.RawMessage    `json:"iceCandidates,omitempty"`
	DTLSParameters json.RawMessage    `json:"dtlsParameters,omitempty"`
	ICEServers     []webrtc.ICEServer `json:"iceServers,omitempty"`
}

// ConsumerInfo is returned from Consume and carries everything the client
// needs to construct the matching local consumer.
type ConsumerInfo struct {
	ID            string          `json:"id"`
	ProducerID    string          `json:"producerId"`
	TransportID   string          `json:"transportId"`
	Kind          string          `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters,omitempty"`
}

// Relay is the collaborator interface to the media engine.
type Relay interface {
	// RouterRtpCapabilities returns the router's negotiable capabilities.
	RouterRtpCapabilities() (json.RawMessage, error)

	// CreateTransport allocates one direction of RTP flow.
	CreateTransport(producing bool) (TransportInfo, error)

	// ConnectTransport completes the DTLS handshake for a transport.
	ConnectTransport(transportID string, dtlsParameters json.RawMessage) error

	// Produce binds an outbound track to a connected producing transport and
	// returns the relay-side producer id.
	Produce(transportID, kind string, rtpParameters json.RawMessage) (string, error)

	// Consume subscribes a consuming transport to a producer.
	Consume(transportID, producerID string, rtpCapabilities json.RawMessage) (ConsumerInfo, error)

	CloseProducer(producerID string) error
	CloseConsumer(consumerID string) error
	CloseTransport(transportID string) error
}
