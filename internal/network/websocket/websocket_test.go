package websocket_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/envelope"
	"courier/internal/network"
	"courier/internal/network/websocket"
)

func TestDialAndAccept(t *testing.T) {
	for _, codec := range []envelope.Codec{envelope.JSONCodec{}, envelope.MsgpackCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			upgrader := websocket.NewUpgrader(codec, nil)
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ch, err := upgrader.Accept(w, r)
				if err != nil {
					return
				}
				ch.OnMessage(func(env *envelope.Envelope) {
					reply, _ := env.Reply("pong", envelope.Source{ComponentID: "hub"}, nil)
					_ = ch.Send(context.Background(), reply)
				})
			}))
			defer server.Close()

			connector := websocket.NewConnector(codec)
			address := "ws" + strings.TrimPrefix(server.URL, "http")
			ch, err := connector.Connect(context.Background(), network.PeerRef{ComponentID: "hub", Address: address})
			require.NoError(t, err)
			defer ch.Disconnect()

			replies := make(chan *envelope.Envelope, 1)
			ch.OnMessage(func(env *envelope.Envelope) { replies <- env })

			env, err := envelope.New("ping", envelope.Source{ComponentID: "popup-1"}, nil)
			require.NoError(t, err)
			require.NoError(t, ch.Send(context.Background(), env))

			select {
			case reply := <-replies:
				assert.Equal(t, env.ID, reply.Metadata.CorrelationID)
			case <-time.After(2 * time.Second):
				t.Fatal("no reply over websocket")
			}

			require.NoError(t, ch.Disconnect())
			assert.ErrorIs(t, ch.Send(context.Background(), env), network.ErrChannelClosed)
		})
	}
}

func TestConnectUnavailable(t *testing.T) {
	connector := websocket.NewConnector(nil)
	_, err := connector.Connect(context.Background(), network.PeerRef{ComponentID: "x"})
	assert.ErrorIs(t, err, network.ErrPeerUnavailable)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = connector.Connect(ctx, network.PeerRef{ComponentID: "x", Address: "ws://127.0.0.1:1/none"})
	assert.ErrorIs(t, err, network.ErrPeerUnavailable)
}
