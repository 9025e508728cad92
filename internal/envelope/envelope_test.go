package envelope_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/envelope"
)

var testSource = envelope.Source{ComponentID: "bg-1", Type: envelope.ComponentBackground}

func TestNew(t *testing.T) {
	env, err := envelope.New("meeting_event", testSource, map[string]string{"title": "standup"})
	require.NoError(t, err)

	assert.NotEmpty(t, env.ID)
	assert.Equal(t, envelope.PriorityNormal, env.Priority)
	assert.Equal(t, envelope.DeliveryBroadcast, env.DeliveryMode)
	assert.Equal(t, envelope.DefaultMaxAttempts, env.Delivery.MaxAttempts)
	assert.False(t, env.Metadata.Timestamp.IsZero())

	var payload map[string]string
	require.NoError(t, env.DecodePayload(&payload))
	assert.Equal(t, "standup", payload["title"])
}

func TestValidate(t *testing.T) {
	t.Run("unicast requires target", func(t *testing.T) {
		env, err := envelope.New("ping", testSource, nil)
		require.NoError(t, err)
		env.DeliveryMode = envelope.DeliveryUnicast

		assert.ErrorIs(t, env.Validate(0), envelope.ErrInvalidEnvelope)

		env.Target.ComponentID = "popup-1"
		assert.NoError(t, env.Validate(0))
	})

	t.Run("multicast requires types", func(t *testing.T) {
		env, err := envelope.New("ping", testSource, nil)
		require.NoError(t, err)
		env.DeliveryMode = envelope.DeliveryMulticast

		assert.ErrorIs(t, env.Validate(0), envelope.ErrInvalidEnvelope)
	})

	t.Run("payload ceiling", func(t *testing.T) {
		env, err := envelope.New("ping", testSource, map[string]string{"data": "0123456789"})
		require.NoError(t, err)

		assert.ErrorIs(t, env.Validate(8), envelope.ErrPayloadTooLarge)
		assert.NoError(t, env.Validate(1024))
	})

	t.Run("expired", func(t *testing.T) {
		env, err := envelope.New("ping", testSource, nil)
		require.NoError(t, err)
		past := time.Now().Add(-time.Minute)
		env.Metadata.ExpiresAt = &past

		assert.ErrorIs(t, env.Validate(0), envelope.ErrExpired)
		assert.NoError(t, env.ValidateAt(0, past.Add(-time.Second)))
	})

	t.Run("missing source", func(t *testing.T) {
		env, err := envelope.New("ping", envelope.Source{}, nil)
		require.NoError(t, err)

		assert.ErrorIs(t, env.Validate(0), envelope.ErrInvalidEnvelope)
	})
}

func TestPriorityText(t *testing.T) {
	data, err := json.Marshal(struct {
		P envelope.Priority `json:"p"`
	}{envelope.PriorityUrgent})
	require.NoError(t, err)
	assert.JSONEq(t, `{"p":"urgent"}`, string(data))

	var out struct {
		P envelope.Priority `json:"p"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"p":"bulk"}`), &out))
	assert.Equal(t, envelope.PriorityBulk, out.P)

	assert.Error(t, json.Unmarshal([]byte(`{"p":"whenever"}`), &out))
	assert.True(t, envelope.PriorityCritical > envelope.PriorityUrgent)
}

func TestCloneIsIndependent(t *testing.T) {
	env, err := envelope.New("ping", testSource, nil)
	require.NoError(t, err)
	tab := 7
	env.Target.TabID = &tab
	env.AddTag("a")
	env.SetExtra("k", "v")

	c := env.Clone()
	*c.Target.TabID = 9
	c.AddTag("b")
	c.SetExtra("k", "changed")
	c.Confirm("x", nil)

	assert.Equal(t, 7, *env.Target.TabID)
	assert.Equal(t, []string{"a"}, env.Metadata.Tags)
	assert.Equal(t, "v", env.Metadata.Extra["k"])
	assert.Empty(t, env.Delivery.Confirmations)
}

func TestReply(t *testing.T) {
	env, err := envelope.New(envelope.TypeHeartbeat, testSource, nil)
	require.NoError(t, err)
	env.Priority = envelope.PriorityLow

	reply, err := env.Reply(envelope.TypeHeartbeatAck, envelope.Source{ComponentID: "hub"}, nil)
	require.NoError(t, err)
	assert.Equal(t, envelope.DeliveryUnicast, reply.DeliveryMode)
	assert.Equal(t, "bg-1", reply.Target.ComponentID)
	assert.Equal(t, env.ID, reply.Metadata.CorrelationID)
	assert.Equal(t, envelope.PriorityLow, reply.Priority)
}

func TestCodecs(t *testing.T) {
	for _, name := range []string{"json", "msgpack"} {
		t.Run(name, func(t *testing.T) {
			codec, err := envelope.CodecByName(name)
			require.NoError(t, err)
			assert.Equal(t, name, codec.Name())

			env, err := envelope.NewUnicast("sync_data", testSource, "popup-1", map[string]int{"n": 1})
			require.NoError(t, err)
			env.Priority = envelope.PriorityCritical
			env.AddTag("sync")

			data, err := codec.Marshal(env)
			require.NoError(t, err)
			decoded, err := codec.Unmarshal(data)
			require.NoError(t, err)

			assert.Equal(t, env.ID, decoded.ID)
			assert.Equal(t, envelope.PriorityCritical, decoded.Priority)
			assert.Equal(t, "popup-1", decoded.Target.ComponentID)
			assert.Equal(t, []string{"sync"}, decoded.Metadata.Tags)
			assert.JSONEq(t, `{"n":1}`, string(decoded.Payload))
		})
	}

	_, err := envelope.CodecByName("protobuf")
	assert.Error(t, err)
}
