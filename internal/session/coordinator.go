// Package session drives the client-side media session lifecycle on top
// of the signaling channel: capability exchange, device loading, then
// transports, producers and consumers.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/looplab/fsm"
	"github.com/pion/webrtc/v4"

	"github.com/voxhall/sfu-signaling/internal/protocol"
)

var (
	ErrNotReady        = errors.New("device not loaded")
	ErrCapabilities    = errors.New("capability exchange failed")
	ErrTransportFailed = errors.New("transport setup failed")
)

// Session states.
const (
	StateUninitialized     = "uninitialized"
	StateCapabilitiesReady = "capabilities_ready"
	StateDeviceLoaded      = "device_loaded"
	StateTransportReady    = "transport_ready"
)

const (
	eventCapabilitiesReceived = "capabilities_received"
	eventDeviceLoaded         = "device_loaded"
	eventTransportCreated     = "transport_created"
	eventReset                = "reset"
)

// Requester is the slice of the signaling channel the coordinator needs.
type Requester interface {
	Request(ctx context.Context, msgType protocol.MessageType, payload any) (protocol.Envelope, error)
	// Connected reports whether the channel currently holds a live
	// connection. Media operations fail fast while it is false instead of
	// queuing behind a reconnect.
	Connected() bool
}

// Transport is a client-side handle to a relay transport.
type Transport struct {
	ID             string
	Producing      bool
	DTLSParameters json.RawMessage
	ICEServers     []webrtc.ICEServer

	connected bool
	// connecting is non-nil while a connect-transport request is in
	// flight; concurrent callers wait on it instead of issuing another.
	connecting chan struct{}
}

// Connected reports whether connect-transport completed for this handle.
func (t *Transport) Connected() bool { return t.connected }

// Producer is a client-side handle to a produced media track.
type Producer struct {
	ID          string
	TransportID string
	Kind        string
}

// Consumer is a client-side handle to a consumed remote track.
type Consumer struct {
	ID            string
	ProducerID    string
	TransportID   string
	Kind          string
	RTPParameters json.RawMessage
}

// Coordinator sequences the session setup protocol and keeps it
// idempotent: repeated LoadDevice calls, and repeated produce/consume on
// the same transport, never re-issue completed steps.
type Coordinator struct {
	ch  Requester
	log *slog.Logger

	mu         sync.Mutex
	sm         *fsm.FSM
	routerCaps json.RawMessage

	sendTransport *Transport
	recvTransport *Transport

	// creatingSend/creatingRecv are non-nil while a create-transport
	// request for that direction is in flight.
	creatingSend chan struct{}
	creatingRecv chan struct{}

	producers map[string]*Producer
	consumers map[string]*Consumer
}

func NewCoordinator(ch Requester, log *slog.Logger) *Coordinator {
	c := &Coordinator{
		ch:        ch,
		log:       log,
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}
	c.sm = fsm.NewFSM(
		StateUninitialized,
		fsm.Events{
			{Name: eventCapabilitiesReceived, Src: []string{StateUninitialized}, Dst: StateCapabilitiesReady},
			{Name: eventDeviceLoaded, Src: []string{StateCapabilitiesReady}, Dst: StateDeviceLoaded},
			{Name: eventTransportCreated, Src: []string{StateDeviceLoaded}, Dst: StateTransportReady},
			{Name: eventReset, Src: []string{
				StateUninitialized, StateCapabilitiesReady, StateDeviceLoaded, StateTransportReady,
			}, Dst: StateUninitialized},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if e.Src != e.Dst {
					log.Debug("session state", "from", e.Src, "to", e.Dst)
				}
			},
		},
	)
	return c
}

// State reports the current lifecycle state.
func (c *Coordinator) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sm.Current()
}

// Ready reports whether media operations may proceed: device loaded,
// capabilities present and the channel holding a live connection.
func (c *Coordinator) Ready() bool {
	if !c.ch.Connected() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyLocked()
}

func (c *Coordinator) readyLocked() bool {
	switch c.sm.Current() {
	case StateDeviceLoaded, StateTransportReady:
		return true
	}
	return false
}

// RouterCapabilities returns the capabilities fetched by LoadDevice.
func (c *Coordinator) RouterCapabilities() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.routerCaps
}

// LoadDevice fetches router capabilities and loads the local device.
// Calling it again after success is a no-op.
func (c *Coordinator) LoadDevice(ctx context.Context) error {
	c.mu.Lock()
	if c.readyLocked() {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	resp, err := c.ch.Request(ctx, protocol.TypeGetCapabilities, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCapabilities, err)
	}
	var caps protocol.CapabilitiesData
	if err := protocol.DecodeData(resp, &caps); err != nil {
		return fmt.Errorf("%w: %w", ErrCapabilities, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readyLocked() {
		// A concurrent LoadDevice won.
		return nil
	}
	c.routerCaps = caps.RTPCapabilities
	if err := c.sm.Event(ctx, eventCapabilitiesReceived); err != nil {
		return fmt.Errorf("%w: %w", ErrCapabilities, err)
	}
	if err := c.sm.Event(ctx, eventDeviceLoaded); err != nil {
		return fmt.Errorf("%w: %w", ErrCapabilities, err)
	}
	return nil
}

// SendTransport returns the producing transport handle, if created.
func (c *Coordinator) SendTransport() *Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendTransport
}

// RecvTransport returns the consuming transport handle, if created.
func (c *Coordinator) RecvTransport() *Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recvTransport
}

// ensureTransport creates the producing or consuming transport on first
// use and reuses it afterwards. Creation per direction is serialized:
// concurrent first callers wait for the in-flight create-transport
// request rather than racing the relay with a duplicate.
func (c *Coordinator) ensureTransport(ctx context.Context, producing bool) (*Transport, error) {
	for {
		if !c.ch.Connected() {
			return nil, ErrNotReady
		}
		c.mu.Lock()
		if !c.readyLocked() {
			c.mu.Unlock()
			return nil, ErrNotReady
		}
		existing, inflight := c.recvTransport, c.creatingRecv
		if producing {
			existing, inflight = c.sendTransport, c.creatingSend
		}
		if existing != nil {
			c.mu.Unlock()
			return existing, nil
		}
		if inflight == nil {
			done := make(chan struct{})
			if producing {
				c.creatingSend = done
			} else {
				c.creatingRecv = done
			}
			c.mu.Unlock()
			return c.createTransport(ctx, producing, done)
		}
		c.mu.Unlock()

		select {
		case <-inflight:
			// Loop around: on success the transport is set; on failure this
			// caller becomes the next creator.
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrTransportFailed, ctx.Err())
		}
	}
}

func (c *Coordinator) createTransport(ctx context.Context, producing bool, done chan struct{}) (*Transport, error) {
	t, err := func() (*Transport, error) {
		resp, err := c.ch.Request(ctx, protocol.TypeCreateTransport, protocol.CreateTransportData{Producing: producing})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTransportFailed, err)
		}
		var created protocol.TransportCreatedData
		if err := protocol.DecodeData(resp, &created); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTransportFailed, err)
		}
		return &Transport{
			ID:             created.TransportID,
			Producing:      producing,
			DTLSParameters: created.DTLSParameters,
			ICEServers:     created.ICEServers,
		}, nil
	}()

	c.mu.Lock()
	if err == nil {
		if producing {
			c.sendTransport = t
		} else {
			c.recvTransport = t
		}
		if c.sm.Current() == StateDeviceLoaded {
			_ = c.sm.Event(ctx, eventTransportCreated)
		}
	}
	if producing {
		c.creatingSend = nil
	} else {
		c.creatingRecv = nil
	}
	close(done)
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}
	c.log.Info("transport created", "transport_id", t.ID, "producing", producing)
	return t, nil
}

// ensureConnected issues connect-transport at most once per transport at
// a time: a concurrent connect attempt on an already-connecting transport
// waits for the in-flight request instead of sending its own.
func (c *Coordinator) ensureConnected(ctx context.Context, t *Transport) error {
	for {
		c.mu.Lock()
		if t.connected {
			c.mu.Unlock()
			return nil
		}
		if t.connecting == nil {
			done := make(chan struct{})
			t.connecting = done
			c.mu.Unlock()

			_, err := c.ch.Request(ctx, protocol.TypeConnectTransport, protocol.ConnectTransportData{
				TransportID:    t.ID,
				DTLSParameters: t.DTLSParameters,
			})

			c.mu.Lock()
			if err == nil {
				t.connected = true
			}
			t.connecting = nil
			close(done)
			c.mu.Unlock()

			if err != nil {
				return fmt.Errorf("%w: %w", ErrTransportFailed, err)
			}
			c.log.Info("transport connected", "transport_id", t.ID)
			return nil
		}
		inflight := t.connecting
		c.mu.Unlock()

		select {
		case <-inflight:
			// Loop around: connected on success, or this caller retries.
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrTransportFailed, ctx.Err())
		}
	}
}

// Produce publishes a local track. The send transport is created and
// connected on first use.
func (c *Coordinator) Produce(ctx context.Context, kind string, rtpParameters json.RawMessage) (*Producer, error) {
	if !c.Ready() {
		return nil, ErrNotReady
	}

	t, err := c.ensureTransport(ctx, true)
	if err != nil {
		return nil, err
	}
	if err := c.ensureConnected(ctx, t); err != nil {
		return nil, err
	}

	resp, err := c.ch.Request(ctx, protocol.TypeProduce, protocol.ProduceData{
		TransportID:   t.ID,
		Kind:          kind,
		RTPParameters: rtpParameters,
	})
	if err != nil {
		return nil, err
	}
	var produced protocol.ProducedData
	if err := protocol.DecodeData(resp, &produced); err != nil {
		return nil, err
	}

	p := &Producer{ID: produced.ProducerID, TransportID: t.ID, Kind: kind}
	c.mu.Lock()
	c.producers[p.ID] = p
	c.mu.Unlock()
	c.log.Info("producer created", "producer_id", p.ID, "kind", kind)
	return p, nil
}

// Consume subscribes to a remote producer. The recv transport is created
// on first use and connected after the first consumer is established.
func (c *Coordinator) Consume(ctx context.Context, producerID string) (*Consumer, error) {
	c.mu.Lock()
	caps := c.routerCaps
	c.mu.Unlock()
	if !c.Ready() || len(caps) == 0 {
		return nil, ErrNotReady
	}

	t, err := c.ensureTransport(ctx, false)
	if err != nil {
		return nil, err
	}

	resp, err := c.ch.Request(ctx, protocol.TypeConsume, protocol.ConsumeData{
		TransportID:     t.ID,
		ProducerID:      producerID,
		RTPCapabilities: caps,
	})
	if err != nil {
		return nil, err
	}
	var consumed protocol.ConsumedData
	if err := protocol.DecodeData(resp, &consumed); err != nil {
		return nil, err
	}

	if err := c.ensureConnected(ctx, t); err != nil {
		return nil, err
	}

	cons := &Consumer{
		ID:            consumed.ConsumerID,
		ProducerID:    consumed.ProducerID,
		TransportID:   consumed.TransportID,
		Kind:          consumed.Kind,
		RTPParameters: consumed.RTPParameters,
	}
	c.mu.Lock()
	c.consumers[cons.ID] = cons
	c.mu.Unlock()
	c.log.Info("consumer created", "consumer_id", cons.ID, "producer_id", producerID)
	return cons, nil
}

// CloseProducer stops publishing a track.
func (c *Coordinator) CloseProducer(ctx context.Context, producerID string) error {
	if _, err := c.ch.Request(ctx, protocol.TypeCloseProducer, protocol.CloseProducerData{ProducerID: producerID}); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.producers, producerID)
	c.mu.Unlock()
	return nil
}

// CloseConsumer stops a subscription.
func (c *Coordinator) CloseConsumer(ctx context.Context, consumerID string) error {
	if _, err := c.ch.Request(ctx, protocol.TypeCloseConsumer, protocol.CloseConsumerData{ConsumerID: consumerID}); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.consumers, consumerID)
	c.mu.Unlock()
	return nil
}

// Producers returns the live producer handles.
func (c *Coordinator) Producers() []*Producer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Producer, 0, len(c.producers))
	for _, p := range c.producers {
		out = append(out, p)
	}
	return out
}

// Consumers returns the live consumer handles.
func (c *Coordinator) Consumers() []*Consumer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Consumer, 0, len(c.consumers))
	for _, cons := range c.consumers {
		out = append(out, cons)
	}
	return out
}

// Reset drops all session state. Used after a reconnect, when server-side
// transports are gone and the setup protocol must run again.
func (c *Coordinator) Reset(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routerCaps = nil
	c.sendTransport = nil
	c.recvTransport = nil
	c.producers = make(map[string]*Producer)
	c.consumers = make(map[string]*Consumer)
	_ = c.sm.Event(ctx, eventReset)
}
