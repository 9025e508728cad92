package zmq_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/envelope"
	"courier/internal/network"
	"courier/internal/network/zmq"
)

func TestDealerRouterRoundTrip(t *testing.T) {
	endpoint := "inproc://courier-zmq-test"
	accepted := make(chan string, 1)
	received := make(chan *envelope.Envelope, 1)

	listener := zmq.NewListener(endpoint, envelope.MsgpackCodec{}, func(identity string, ch network.Channel) {
		accepted <- identity
		ch.OnMessage(func(env *envelope.Envelope) {
			reply, err := env.Reply("pong", envelope.Source{ComponentID: "hub"}, nil)
			if err == nil {
				_ = ch.Send(context.Background(), reply)
			}
		})
	})
	require.NoError(t, listener.Start(context.Background()))
	defer listener.Stop()

	connector := zmq.NewConnector("popup-1", envelope.MsgpackCodec{})
	assert.Equal(t, "zmq", connector.Name())

	ch, err := connector.Connect(context.Background(), network.PeerRef{ComponentID: "hub", Address: endpoint})
	require.NoError(t, err)
	defer ch.Disconnect()
	ch.OnMessage(func(env *envelope.Envelope) { received <- env })

	env, err := envelope.New("ping", envelope.Source{ComponentID: "popup-1"}, map[string]int{"n": 1})
	require.NoError(t, err)
	require.NoError(t, ch.Send(context.Background(), env))

	select {
	case identity := <-accepted:
		assert.Equal(t, "popup-1", identity)
	case <-time.After(2 * time.Second):
		t.Fatal("listener never accepted the peer")
	}

	select {
	case reply := <-received:
		assert.Equal(t, "pong", reply.Type)
		assert.Equal(t, env.ID, reply.Metadata.CorrelationID)
	case <-time.After(2 * time.Second):
		t.Fatal("no reply from listener")
	}
}

func TestConnectRequiresAddress(t *testing.T) {
	connector := zmq.NewConnector("popup-1", nil)
	_, err := connector.Connect(context.Background(), network.PeerRef{ComponentID: "hub"})
	assert.ErrorIs(t, err, network.ErrPeerUnavailable)
}
