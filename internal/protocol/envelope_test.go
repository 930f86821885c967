package protocol

import (
	"encoding/json"
	"testing"

	"github.com/dkeye/meetmesh/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastKeepsPayloadOpaque(t *testing.T) {
	payload := json.RawMessage(`{"type":"offer","sdp":"v=0\r\n"}`)
	f, err := Encode(Envelope{
		Type: TypeBroadcast,
		Signal: &domain.SignalMessage{
			Kind:      domain.SignalOffer,
			Sender:    "a",
			Recipient: "b",
			Payload:   payload,
		},
	})
	require.NoError(t, err)

	env, err := Decode(f)
	require.NoError(t, err)
	require.NotNil(t, env.Signal)
	assert.Equal(t, domain.SignalOffer, env.Signal.Kind)
	assert.Equal(t, domain.ParticipantID("b"), env.Signal.Recipient)
	assert.JSONEq(t, string(payload), string(env.Signal.Payload))
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"teleport"}`))
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestDecodeRejectsBroadcastWithoutSignal(t *testing.T) {
	_, err := Decode([]byte(`{"type":"broadcast"}`))
	require.Error(t, err)

	_, err = Decode([]byte(`{"type":"broadcast","signal":{"kind":"hello"}}`))
	require.Error(t, err)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	require.Error(t, err)
}
