// Package protocol defines the wire format spoken between clients and the
// signaling server.
//
// Every frame is a JSON envelope {type, data?, requestId?, error?}. A frame
// answering a request echoes the originating requestId; frames without a
// requestId are broadcasts/events. Payload shapes are typed per message type
// and validated at the boundary; unknown fields are rejected.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	// Connection control.
	TypeConnected MessageType = "connected"
	TypePing      MessageType = "ping"
	TypePong      MessageType = "pong"
	TypeError     MessageType = "error"
	TypeAuth      MessageType = "auth"

	// Room membership.
	TypeJoinRoom          MessageType = "join-room"
	TypeRoomJoined        MessageType = "room-joined"
	TypeLeaveRoom         MessageType = "leave-room"
	TypeRoomLeft          MessageType = "room-left"
	TypeParticipantJoined MessageType = "participant-joined"
	TypeParticipantLeft   MessageType = "participant-left"

	// Media relay verbs.
	TypeGetCapabilities    MessageType = "get-capabilities"
	TypeCapabilities       MessageType = "capabilities"
	TypeCreateTransport    MessageType = "create-transport"
	TypeTransportCreated   MessageType = "transport-created"
	TypeConnectTransport   MessageType = "connect-transport"
	TypeTransportConnected MessageType = "transport-connected"
	TypeProduce            MessageType = "produce"
	TypeProduced           MessageType = "produced"
	TypeConsume            MessageType = "consume"
	TypeConsumed           MessageType = "consumed"
	TypeCloseProducer      MessageType = "close-producer"
	TypeProducerClosed     MessageType = "producer-closed"
	TypeCloseConsumer      MessageType = "close-consumer"
	TypeConsumerClosed     MessageType = "consumer-closed"
)

// Envelope is the outer frame.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Parse decodes an envelope strictly: unknown fields and trailing data are
// rejected, and the type must be non-empty.
func Parse(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("frame missing type")
	}
	if env.Error != "" && env.Type != TypeError {
		return Envelope{}, fmt.Errorf("%q frame carries error field", env.Type)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	return env, nil
}

// Encode builds an envelope with the given payload marshaled into data.
// A nil payload produces a data-less frame.
func Encode(t MessageType, payload any) (Envelope, error) {
	env := Envelope{Type: t}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %q payload: %w", t, err)
	}
	env.Data = raw
	return env, nil
}

type validator interface {
	validate() error
}

// DecodeData strictly unmarshals the envelope payload into v and runs the
// payload's own validation when it defines one.
func DecodeData(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%q frame missing data", env.Type)
	}
	dec := json.NewDecoder(bytes.NewReader(env.Data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%q payload: %w", env.Type, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("%q payload: unexpected trailing data", env.Type)
	}
	if val, ok := v.(validator); ok {
		if err := val.validate(); err != nil {
			return fmt.Errorf("%q payload: %w", env.Type, err)
		}
	}
	return nil
}

// ConnectedData is sent by the server immediately after the websocket
// handshake completes.
type ConnectedData struct {
	ConnectionID string `json:"connectionId"`
}

type AuthData struct {
	APIKey string `json:"apiKey"`
}

func (d AuthData) validate() error {
	if d.APIKey == "" {
		return fmt.Errorf("missing apiKey")
	}
	return nil
}

type JoinRoomData struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

func (d JoinRoomData) validate() error {
	if d.RoomID == "" {
		return fmt.Errorf("missing roomId")
	}
	if d.UserID == "" {
		return fmt.Errorf("missing userId")
	}
	return nil
}

type Participant struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

type RoomJoinedData struct {
	RoomID string `json:"roomId"`
	// Participants lists the other members present at join time.
	Participants []Participant `json:"participants"`
}

type RoomLeftData struct {
	RoomID string `json:"roomId"`
}

type ParticipantJoinedData struct {
	RoomID      string      `json:"roomId"`
	Participant Participant `json:"participant"`
}

type ParticipantLeftData struct {
	RoomID      string      `json:"roomId"`
	Participant Participant `json:"participant"`
}

type CapabilitiesData struct {
	RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
}

type CreateTransportData struct {
	Producing bool `json:"producing"`
}

// TransportCreatedData carries the relay-issued transport parameters. The
// ICE/DTLS blobs are opaque to this layer; ICEServers is the TURN/STUN
// endpoint list forwarded verbatim for client-side ICE gathering.
type TransportCreatedData struct {
	TransportID    string             `json:"transportId"`
	ICEParameters  json.RawMessage    `json:"iceParameters,omitempty"`
	ICECandidates  json.RawMessage    `json:"iceCandidates,omitempty"`
	DTLSParameters json.RawMessage    `json:"dtlsParameters,omitempty"`
	ICEServers     []webrtc.ICEServer `json:"iceServers,omitempty"`
}

type ConnectTransportData struct {
	TransportID    string          `json:"transportId"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

func (d ConnectTransportData) validate() error {
	if d.TransportID == "" {
		return fmt.Errorf("missing transportId")
	}
	if len(d.DTLSParameters) == 0 {
		return fmt.Errorf("missing dtlsParameters")
	}
	return nil
}

type TransportConnectedData struct {
	TransportID string `json:"transportId"`
}

type ProduceData struct {
	TransportID   string          `json:"transportId"`
	Kind          string          `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}

func (d ProduceData) validate() error {
	if d.TransportID == "" {
		return fmt.Errorf("missing transportId")
	}
	if d.Kind != "audio" && d.Kind != "video" {
		return fmt.Errorf("unsupported kind %q", d.Kind)
	}
	if len(d.RTPParameters) == 0 {
		return fmt.Errorf("missing rtpParameters")
	}
	return nil
}

type ProducedData struct {
	ProducerID string `json:"producerId"`
}

type ConsumeData struct {
	TransportID     string          `json:"transportId"`
	ProducerID      string          `json:"producerId"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
}

func (d ConsumeData) validate() error {
	if d.TransportID == "" {
		return fmt.Errorf("missing transportId")
	}
	if d.ProducerID == "" {
		return fmt.Errorf("missing producerId")
	}
	if len(d.RTPCapabilities) == 0 {
		return fmt.Errorf("missing rtpCapabilities")
	}
	return nil
}

type ConsumedData struct {
	ConsumerID    string          `json:"consumerId"`
	ProducerID    string          `json:"producerId"`
	TransportID   string          `json:"transportId"`
	Kind          string          `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}

type CloseProducerData struct {
	ProducerID string `json:"producerId"`
}

func (d CloseProducerData) validate() error {
	if d.ProducerID == "" {
		return fmt.Errorf("missing producerId")
	}
	return nil
}

type CloseConsumerData struct {
	ConsumerID string `json:"consumerId"`
}

func (d CloseConsumerData) validate() error {
	if d.ConsumerID == "" {
		return fmt.Errorf("missing consumerId")
	}
	return nil
}
