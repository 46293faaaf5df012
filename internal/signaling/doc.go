// Package signaling implements the websocket control plane: client
// authentication, the request/response message protocol, room membership
// and the media relay verbs.
//
// Every client frame is a JSON envelope {type, data, requestId}. Frames
// carrying a requestId are requests and receive exactly one response with
// the same requestId, either a typed result or an error frame. Frames
// without a requestId (ping) are fire-and-forget. Server-initiated events
// such as participant-joined never carry a requestId.
package signaling
