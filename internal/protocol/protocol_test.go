package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncRoomName(t *testing.T) {
	assert.Equal(t, "room:42", SyncRoomName("42"))

	tests := []struct {
		name    string
		wantID  string
		wantErr bool
	}{
		{name: "room:42", wantID: "42"},
		{name: "room:", wantErr: true},
		{name: "42", wantErr: true},
		{name: "room:4/2", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ParseSyncRoom(tt.name)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, id)
		})
	}
}

func TestDecodeMessageRejectsUnknownFrames(t *testing.T) {
	msg, err := DecodeMessage(MustEncode(Update, []byte{1, 2}))
	require.NoError(t, err)
	assert.Equal(t, Update, msg.Type)
	assert.Equal(t, []byte{1, 2}, msg.Payload)

	_, err = DecodeMessage(MustEncode(QueryAwareness, nil))
	require.NoError(t, err)

	for name, data := range map[string][]byte{
		"garbage":        {0xff, 0xfe},
		"unknown type":   MustEncode(MessageType(99), []byte{1}),
		"empty update":   MustEncode(Update, nil),
		"empty step two": MustEncode(SyncStep2, nil),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeMessage(data)
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

func TestEnvelopeValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{name: "join room", env: Envelope{Type: KindJoinRoom, RoomID: "1"}},
		{name: "join room with room object", env: Envelope{Type: KindJoinRoom, Room: &RoomInfo{ID: "1"}}},
		{name: "ping", env: Envelope{Type: KindPing}},
		{name: "accept without user", env: Envelope{Type: KindJoinRequestAccept, RoomID: "1"}, wantErr: true},
		{name: "request without room", env: Envelope{Type: KindJoinRequest}, wantErr: true},
		{name: "server kind", env: Envelope{Type: KindUserRemoved, RoomID: "1"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedMessage)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"join-request","id":"r1","roomId":"7"}`))
	require.NoError(t, err)
	assert.Equal(t, KindJoinRequest, env.Type)
	assert.Equal(t, "7", env.TargetRoom())

	ack := Ack(env, StatusOK)
	assert.Equal(t, KindAck, ack.Type)
	assert.Equal(t, "r1", ack.ID)

	_, err = DecodeEnvelope([]byte(`{"id":"x"}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)
	_, err = DecodeEnvelope([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}
