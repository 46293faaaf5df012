package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
		check   func(t *testing.T, env Envelope)
	}{
		{
			name: "request with payload",
			raw:  `{"type":"join-room","data":{"roomId":"r1","userId":"u1"},"requestId":"abc"}`,
			check: func(t *testing.T, env Envelope) {
				if env.Type != TypeJoinRoom {
					t.Fatalf("type = %q", env.Type)
				}
				if env.RequestID != "abc" {
					t.Fatalf("requestId = %q", env.RequestID)
				}
			},
		},
		{
			name: "broadcast without requestId",
			raw:  `{"type":"participant-left","data":{"roomId":"r1","participant":{"connectionId":"c1","userId":"u1"}}}`,
			check: func(t *testing.T, env Envelope) {
				if env.RequestID != "" {
					t.Fatalf("expected no requestId, got %q", env.RequestID)
				}
			},
		},
		{
			name: "error frame targeting a request",
			raw:  `{"type":"error","requestId":"abc","error":"transport not found"}`,
			check: func(t *testing.T, env Envelope) {
				if env.Error != "transport not found" {
					t.Fatalf("error = %q", env.Error)
				}
			},
		},
		{
			name:    "missing type",
			raw:     `{"data":{}}`,
			wantErr: "missing type",
		},
		{
			name:    "error field on non-error frame",
			raw:     `{"type":"pong","error":"boom"}`,
			wantErr: "carries error field",
		},
		{
			name:    "unknown envelope field",
			raw:     `{"type":"ping","extra":1}`,
			wantErr: "unknown field",
		},
		{
			name:    "trailing data",
			raw:     `{"type":"ping"}{"type":"ping"}`,
			wantErr: "trailing data",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env, err := Parse([]byte(tc.raw))
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("Parse err = %v, want containing %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if tc.check != nil {
				tc.check(t, env)
			}
		})
	}
}

func TestDecodeData_Validation(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		into    func() any
		wantErr string
	}{
		{
			name: "join without userId",
			env:  Envelope{Type: TypeJoinRoom, Data: json.RawMessage(`{"roomId":"r1"}`)},
			into: func() any { return &JoinRoomData{} },

			wantErr: "missing userId",
		},
		{
			name:    "produce with bogus kind",
			env:     Envelope{Type: TypeProduce, Data: json.RawMessage(`{"transportId":"t1","kind":"text","rtpParameters":{}}`)},
			into:    func() any { return &ProduceData{} },
			wantErr: `unsupported kind "text"`,
		},
		{
			name:    "connect-transport without dtls",
			env:     Envelope{Type: TypeConnectTransport, Data: json.RawMessage(`{"transportId":"t1"}`)},
			into:    func() any { return &ConnectTransportData{} },
			wantErr: "missing dtlsParameters",
		},
		{
			name:    "consume without producer",
			env:     Envelope{Type: TypeConsume, Data: json.RawMessage(`{"transportId":"t1","rtpCapabilities":{}}`)},
			into:    func() any { return &ConsumeData{} },
			wantErr: "missing producerId",
		},
		{
			name:    "unknown payload field",
			env:     Envelope{Type: TypeJoinRoom, Data: json.RawMessage(`{"roomId":"r1","userId":"u1","nope":true}`)},
			into:    func() any { return &JoinRoomData{} },
			wantErr: "unknown field",
		},
		{
			name:    "missing data",
			env:     Envelope{Type: TypeJoinRoom},
			into:    func() any { return &JoinRoomData{} },
			wantErr: "missing data",
		},
		{
			name: "valid produce",
			env:  Envelope{Type: TypeProduce, Data: json.RawMessage(`{"transportId":"t1","kind":"audio","rtpParameters":{"codecs":[]}}`)},
			into: func() any { return &ProduceData{} },
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := DecodeData(tc.env, tc.into())
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("DecodeData: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("DecodeData err = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestEncode_RoundTrip(t *testing.T) {
	env, err := Encode(TypeRoomJoined, RoomJoinedData{
		RoomID:       "r1",
		Participants: []Participant{{ConnectionID: "c2", UserID: "u2"}},
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	env.RequestID = "req-1"

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	parsed, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	var data RoomJoinedData
	if err := DecodeData(parsed, &data); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if len(data.Participants) != 1 || data.Participants[0].UserID != "u2" {
		t.Fatalf("unexpected payload: %+v", data)
	}
}
