package mediarelay

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

type transportState int

const (
	transportStateNew transportState = iota
	transportStateConnected
	transportStateClosed
)

type transport struct {
	id        string
	producing bool
	state     transportState
}

type producer struct {
	id          string
	transportID string
	kind        string
}

type consumer struct {
	id          string
	transportID string
	producerID  string
	kind        string
}

// Local is an in-process Relay implementation. It performs the full
// control-plane bookkeeping (transport/producer/consumer lifecycles and
// their invariants) while leaving media forwarding to the engine proper;
// it backs the signaling server and the test suites.
type Local struct {
	iceServers []webrtc.ICEServer
	routerCaps json.RawMessage

	mu         sync.Mutex
	transports map[string]*transport
	producers  map[string]*producer
	consumers  map[string]*consumer
}

func NewLocal(iceServers []webrtc.ICEServer) *Local {
	return &Local{
		iceServers: iceServers,
		routerCaps: defaultRouterCapabilities,
		transports: make(map[string]*transport),
		producers:  make(map[string]*producer),
		consumers:  make(map[string]*consumer),
	}
}

// defaultRouterCapabilities mirrors the audio/video codec set the media
// engine negotiates. Clients treat it as opaque.
var defaultRouterCapabilities = json.RawMessage(`{
	"codecs": [
		{"kind": "audio", "mimeType": "audio/opus", "clockRate": 48000, "channels": 2},
		{"kind": "video", "mimeType": "video/VP8", "clockRate": 90000}
	],
	"headerExtensions": []
}`)

func (l *Local) RouterRtpCapabilities() (json.RawMessage, error) {
	return l.routerCaps, nil
}

func (l *Local) CreateTransport(producing bool) (TransportInfo, error) {
	iceParams, err := newICEParameters()
	if err != nil {
		return TransportInfo{}, err
	}
	dtlsParams, err := newDTLSParameters()
	if err != nil {
		return TransportInfo{}, err
	}

	t := &transport{
		id:        uuid.NewString(),
		producing: producing,
		state:     transportStateNew,
	}

	l.mu.Lock()
	l.transports[t.id] = t
	l.mu.Unlock()

	return TransportInfo{
		ID:             t.id,
		Producing:      producing,
		ICEParameters:  iceParams,
		ICECandidates:  json.RawMessage(`[]`),
		DTLSParameters: dtlsParams,
		ICEServers:     l.iceServers,
	}, nil
}

func (l *Local) ConnectTransport(transportID string, dtlsParameters json.RawMessage) error {
	if len(dtlsParameters) == 0 {
		return ErrEmptyDTLSParams
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.transports[transportID]
	if !ok {
		return ErrTransportNotFound
	}
	switch t.state {
	case transportStateClosed:
		return ErrTransportClosed
	case transportStateConnected:
		return ErrAlreadyConnected
	}
	t.state = transportStateConnected
	return nil
}

func (l *Local) Produce(transportID, kind string, rtpParameters json.RawMessage) (string, error) {
	if kind != "audio" && kind != "video" {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}
	if len(rtpParameters) == 0 {
		return "", ErrEmptyRTPParams
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.transports[transportID]
	if !ok {
		return "", ErrTransportNotFound
	}
	if t.state == transportStateClosed {
		return "", ErrTransportClosed
	}
	if t.state != transportStateConnected {
		return "", ErrTransportNotReady
	}
	if !t.producing {
		return "", fmt.Errorf("transport %s is not a producing transport", transportID)
	}

	p := &producer{
		id:          uuid.NewString(),
		transportID: transportID,
		kind:        kind,
	}
	l.producers[p.id] = p
	return p.id, nil
}

func (l *Local) Consume(transportID, producerID string, rtpCapabilities json.RawMessage) (ConsumerInfo, error) {
	if len(rtpCapabilities) == 0 {
		return ConsumerInfo{}, ErrEmptyRTPCaps
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.transports[transportID]
	if !ok {
		return ConsumerInfo{}, ErrTransportNotFound
	}
	if t.state == transportStateClosed {
		return ConsumerInfo{}, ErrTransportClosed
	}
	if t.producing {
		return ConsumerInfo{}, fmt.Errorf("transport %s is not a consuming transport", transportID)
	}

	p, ok := l.producers[producerID]
	if !ok {
		return ConsumerInfo{}, ErrProducerNotFound
	}

	c := &consumer{
		id:          uuid.NewString(),
		transportID: transportID,
		producerID:  producerID,
		kind:        p.kind,
	}
	l.consumers[c.id] = c

	rtpParams, err := json.Marshal(map[string]any{
		"codecs": []map[string]any{{
			"mimeType":  mimeTypeForKind(p.kind),
			"clockRate": clockRateForKind(p.kind),
		}},
	})
	if err != nil {
		return ConsumerInfo{}, err
	}

	return ConsumerInfo{
		ID:            c.id,
		ProducerID:    producerID,
		TransportID:   transportID,
		Kind:          p.kind,
		RTPParameters: rtpParams,
	}, nil
}

func (l *Local) CloseProducer(producerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.producers[producerID]; !ok {
		return ErrProducerNotFound
	}
	delete(l.producers, producerID)

	// Consumers of a closed producer are torn down with it.
	for id, c := range l.consumers {
		if c.producerID == producerID {
			delete(l.consumers, id)
		}
	}
	return nil
}

func (l *Local) CloseConsumer(consumerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.consumers[consumerID]; !ok {
		return ErrConsumerNotFound
	}
	delete(l.consumers, consumerID)
	return nil
}

func (l *Local) CloseTransport(transportID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.transports[transportID]
	if !ok {
		return ErrTransportNotFound
	}
	t.state = transportStateClosed

	for id, p := range l.producers {
		if p.transportID == transportID {
			delete(l.producers, id)
		}
	}
	for id, c := range l.consumers {
		if c.transportID == transportID {
			delete(l.consumers, id)
		}
	}
	return nil
}

// ProducerCount reports live producers, for tests and debugging.
func (l *Local) ProducerCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.producers)
}

// ConsumerCount reports live consumers, for tests and debugging.
func (l *Local) ConsumerCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.consumers)
}

func newICEParameters() (json.RawMessage, error) {
	ufrag, err := randomHex(8)
	if err != nil {
		return nil, err
	}
	pwd, err := randomHex(16)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"usernameFragment": ufrag,
		"password":         pwd,
		"iceLite":          true,
	})
}

func newDTLSParameters() (json.RawMessage, error) {
	fp, err := randomHex(32)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"role": "auto",
		"fingerprints": []map[string]string{
			{"algorithm": "sha-256", "value": fp},
		},
	})
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random value: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func mimeTypeForKind(kind string) string {
	if kind == "audio" {
		return "audio/opus"
	}
	return "video/VP8"
}

func clockRateForKind(kind string) int {
	if kind == "audio" {
		return 48000
	}
	return 90000
}
