package signaling

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxhall/sfu-signaling/internal/metrics"
	"github.com/voxhall/sfu-signaling/internal/protocol"
)

// wsSession is the per-connection state. Writes are serialized through
// writeMu because room broadcasts and response writes race on the same
// socket.
type wsSession struct {
	id     string
	conn   *websocket.Conn
	server *Server

	admitted bool

	writeMu sync.Mutex

	closeOnce sync.Once

	// transportIDs tracks relay transports created over this connection
	// so they are released when the socket goes away. Guarded by stateMu.
	stateMu      sync.Mutex
	transportIDs []string
}

// SendEvent implements rooms.Sender.
func (sess *wsSession) SendEvent(msgType protocol.MessageType, payload any) error {
	return sess.sendMessage(msgType, payload, "")
}

func (sess *wsSession) sendMessage(msgType protocol.MessageType, payload any, requestID string) error {
	env, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	env.RequestID = requestID
	return sess.writeEnvelope(env)
}

func (sess *wsSession) sendError(requestID, message string) {
	_ = sess.writeEnvelope(protocol.Envelope{
		Type:      protocol.TypeError,
		RequestID: requestID,
		Error:     message,
	})
}

func (sess *wsSession) writeEnvelope(env protocol.Envelope) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	_ = sess.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return sess.conn.WriteJSON(env)
}

func (sess *wsSession) writeClose(code int, reason string) {
	sess.closeOnce.Do(func() {
		sess.writeMu.Lock()
		defer sess.writeMu.Unlock()
		_ = sess.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	})
}

// teardown runs exactly once when the read loop exits: implicit room
// leave, transport release, deregistration.
func (sess *wsSession) teardown() {
	_ = sess.conn.Close()

	if err := sess.server.registry.Leave(sess.id); err == nil {
		sess.server.log.Info("implicit leave on disconnect", "connection_id", sess.id)
	}

	sess.stateMu.Lock()
	transports := sess.transportIDs
	sess.transportIDs = nil
	sess.stateMu.Unlock()
	for _, id := range transports {
		_ = sess.server.relay.CloseTransport(id)
	}

	sess.server.dropSession(sess)
}

func (sess *wsSession) trackTransport(id string) {
	sess.stateMu.Lock()
	sess.transportIDs = append(sess.transportIDs, id)
	sess.stateMu.Unlock()
}

func (sess *wsSession) dispatch(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypePing:
		sess.server.registry.MarkHeartbeat(sess.id)
		_ = sess.sendMessage(protocol.TypePong, nil, env.RequestID)

	case protocol.TypeAuth:
		// Repeated auth on an authenticated connection.
		sess.sendError(env.RequestID, "already authenticated")

	case protocol.TypeJoinRoom:
		sess.handleJoinRoom(env)
	case protocol.TypeLeaveRoom:
		sess.handleLeaveRoom(env)

	case protocol.TypeGetCapabilities:
		sess.handleGetCapabilities(env)
	case protocol.TypeCreateTransport:
		sess.handleCreateTransport(env)
	case protocol.TypeConnectTransport:
		sess.handleConnectTransport(env)
	case protocol.TypeProduce:
		sess.handleProduce(env)
	case protocol.TypeConsume:
		sess.handleConsume(env)
	case protocol.TypeCloseProducer:
		sess.handleCloseProducer(env)
	case protocol.TypeCloseConsumer:
		sess.handleCloseConsumer(env)

	default:
		sess.server.metrics.Inc(metrics.BadMessage)
		sess.sendError(env.RequestID, "unsupported message type "+string(env.Type))
	}
}

func (sess *wsSession) handleJoinRoom(env protocol.Envelope) {
	var data protocol.JoinRoomData
	if err := protocol.DecodeData(env, &data); err != nil {
		sess.sendError(env.RequestID, err.Error())
		return
	}

	participants, err := sess.server.registry.Join(data.RoomID, sess.id, data.UserID, sess)
	if err != nil {
		sess.sendError(env.RequestID, err.Error())
		return
	}

	_ = sess.sendMessage(protocol.TypeRoomJoined, protocol.RoomJoinedData{
		RoomID:       data.RoomID,
		Participants: participants,
	}, env.RequestID)
}

func (sess *wsSession) handleLeaveRoom(env protocol.Envelope) {
	roomID, _ := sess.server.registry.RoomOf(sess.id)
	if err := sess.server.registry.Leave(sess.id); err != nil {
		sess.sendError(env.RequestID, err.Error())
		return
	}
	_ = sess.sendMessage(protocol.TypeRoomLeft, protocol.RoomLeftData{RoomID: roomID}, env.RequestID)
}

func (sess *wsSession) handleGetCapabilities(env protocol.Envelope) {
	caps, err := sess.server.relay.RouterRtpCapabilities()
	if err != nil {
		sess.relayError(env.RequestID, "get router capabilities", err)
		return
	}
	_ = sess.sendMessage(protocol.TypeCapabilities, protocol.CapabilitiesData{
		RTPCapabilities: caps,
	}, env.RequestID)
}

func (sess *wsSession) handleCreateTransport(env protocol.Envelope) {
	var data protocol.CreateTransportData
	if len(env.Data) > 0 {
		if err := protocol.DecodeData(env, &data); err != nil {
			sess.sendError(env.RequestID, err.Error())
			return
		}
	}

	info, err := sess.server.relay.CreateTransport(data.Producing)
	if err != nil {
		sess.relayError(env.RequestID, "create transport", err)
		return
	}
	sess.trackTransport(info.ID)

	_ = sess.sendMessage(protocol.TypeTransportCreated, protocol.TransportCreatedData{
		TransportID:    info.ID,
		ICEParameters:  info.ICEParameters,
		ICECandidates:  info.ICECandidates,
		DTLSParameters: info.DTLSParameters,
		ICEServers:     info.ICEServers,
	}, env.RequestID)
}

func (sess *wsSession) handleConnectTransport(env protocol.Envelope) {
	var data protocol.ConnectTransportData
	if err := protocol.DecodeData(env, &data); err != nil {
		sess.sendError(env.RequestID, err.Error())
		return
	}

	if err := sess.server.relay.ConnectTransport(data.TransportID, data.DTLSParameters); err != nil {
		sess.relayError(env.RequestID, "connect transport", err)
		return
	}
	_ = sess.sendMessage(protocol.TypeTransportConnected, protocol.TransportConnectedData{
		TransportID: data.TransportID,
	}, env.RequestID)
}

func (sess *wsSession) handleProduce(env protocol.Envelope) {
	var data protocol.ProduceData
	if err := protocol.DecodeData(env, &data); err != nil {
		sess.sendError(env.RequestID, err.Error())
		return
	}

	producerID, err := sess.server.relay.Produce(data.TransportID, data.Kind, data.RTPParameters)
	if err != nil {
		sess.relayError(env.RequestID, "produce", err)
		return
	}
	_ = sess.sendMessage(protocol.TypeProduced, protocol.ProducedData{ProducerID: producerID}, env.RequestID)
}

func (sess *wsSession) handleConsume(env protocol.Envelope) {
	var data protocol.ConsumeData
	if err := protocol.DecodeData(env, &data); err != nil {
		sess.sendError(env.RequestID, err.Error())
		return
	}

	info, err := sess.server.relay.Consume(data.TransportID, data.ProducerID, data.RTPCapabilities)
	if err != nil {
		sess.relayError(env.RequestID, "consume", err)
		return
	}
	_ = sess.sendMessage(protocol.TypeConsumed, protocol.ConsumedData{
		ConsumerID:    info.ID,
		ProducerID:    info.ProducerID,
		TransportID:   info.TransportID,
		Kind:          info.Kind,
		RTPParameters: info.RTPParameters,
	}, env.RequestID)
}

func (sess *wsSession) handleCloseProducer(env protocol.Envelope) {
	var data protocol.CloseProducerData
	if err := protocol.DecodeData(env, &data); err != nil {
		sess.sendError(env.RequestID, err.Error())
		return
	}
	if err := sess.server.relay.CloseProducer(data.ProducerID); err != nil {
		sess.relayError(env.RequestID, "close producer", err)
		return
	}
	_ = sess.sendMessage(protocol.TypeProducerClosed, protocol.CloseProducerData{
		ProducerID: data.ProducerID,
	}, env.RequestID)
}

func (sess *wsSession) handleCloseConsumer(env protocol.Envelope) {
	var data protocol.CloseConsumerData
	if err := protocol.DecodeData(env, &data); err != nil {
		sess.sendError(env.RequestID, err.Error())
		return
	}
	if err := sess.server.relay.CloseConsumer(data.ConsumerID); err != nil {
		sess.relayError(env.RequestID, "close consumer", err)
		return
	}
	_ = sess.sendMessage(protocol.TypeConsumerClosed, protocol.CloseConsumerData{
		ConsumerID: data.ConsumerID,
	}, env.RequestID)
}

func (sess *wsSession) relayError(requestID, op string, err error) {
	sess.server.metrics.Inc(metrics.RelayRequestFailed)
	sess.server.log.Warn("relay request failed",
		"connection_id", sess.id, "op", op, "err", err)
	sess.sendError(requestID, op+": "+err.Error())
}
