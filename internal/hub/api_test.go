package hub_test

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
	"courier/internal/hub"
	"courier/internal/network"
	"courier/internal/network/websocket"
	"courier/internal/transcribe"
)

func newAPI(t *testing.T, f *fixture) (*httptest.Server, *hub.Client) {
	t.Helper()
	api := hub.NewAPIServer(f.hub, hub.APIOptions{
		Upgrader:         websocket.NewUpgrader(nil, nil),
		HandshakeTimeout: time.Second,
	})
	server := httptest.NewServer(api.Handler())
	t.Cleanup(server.Close)

	client, err := hub.NewClient(server.URL, time.Second)
	require.NoError(t, err)
	return server, client
}

func TestAPIHealth(t *testing.T) {
	f := newFixture(t)
	_, client := newAPI(t, f)

	res, err := client.Health(context.Background())
	require.NoError(t, err)
	data := res.Data.(map[string]interface{})
	assert.Equal(t, hubID, data["hub_id"])
	assert.Equal(t, "closed", data["breaker"])
}

func TestAPIJobLifecycle(t *testing.T) {
	f := newFixture(t)
	_, client := newAPI(t, f)
	ctx := context.Background()

	res, err := client.SubmitJob(ctx, hub.JobRequest{
		Type:    "transcription",
		Request: transcribe.Request{AudioURL: "https://cdn.example.com/weekly.wav"},
	})
	require.NoError(t, err)
	jobID := res.Data.(map[string]interface{})["job_id"].(string)
	require.NotEmpty(t, jobID)

	require.Eventually(t, func() bool {
		res, err := client.JobStatus(ctx, jobID)
		if err != nil {
			return false
		}
		job := res.Data.(map[string]interface{})["job"].(map[string]interface{})
		return job["status"] == "completed"
	}, 2*time.Second, 10*time.Millisecond)

	res, err = client.ListJobs(ctx, "completed")
	require.NoError(t, err)
	assert.Len(t, res.Data, 1)

	_, err = client.CancelJob(ctx, jobID)
	assert.ErrorIs(t, err, hub.ErrRequestFailed)
}

func TestAPIStatusCodes(t *testing.T) {
	f := newFixture(t)
	server, _ := newAPI(t, f)

	resp, err := http.Get(server.URL + "/api/v1/jobs/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(server.URL+"/api/v1/jobs", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(server.URL+"/api/v1/components", "application/json",
		strings.NewReader(`{"registration":{"component_id":"ghost","type":"popup","capabilities":{"supported_message_types":["*"]}},"peer":{"component_id":"ghost","transport":"memory"}}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(server.URL + "/api/v1/channels")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPISendFillsDefaults(t *testing.T) {
	f := newFixture(t)
	server, _ := newAPI(t, f)
	bob := newPeer("bob")
	f.register(t, bob)

	resp, err := http.Post(server.URL+"/api/v1/messages", "application/json",
		strings.NewReader(`{"type":"meeting_event","source":{"component_id":"recorder","type":"content"},"target":{"component_id":"bob"},"payload":{"state":"ended"}}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env := bob.waitFor(t, envelope.TypeMeetingEvent)
	assert.Equal(t, envelope.DeliveryUnicast, env.DeliveryMode)
	assert.NotEmpty(t, env.ID)
}

func TestAPIWebSocketHandshake(t *testing.T) {
	f := newFixture(t)
	server, _ := newAPI(t, f)

	connector := websocket.NewConnector(nil)
	ch, err := connector.Connect(context.Background(), network.PeerRef{
		ComponentID: "panel",
		Address:     "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
	})
	require.NoError(t, err)
	t.Cleanup(func() { ch.Disconnect() })

	acks := make(chan *envelope.Envelope, 8)
	ch.OnMessage(func(env *envelope.Envelope) {
		if env.Type == envelope.TypeRegisterAck {
			acks <- env
		}
	})

	reg := registration("panel")
	reg.Type = envelope.ComponentSidePanel
	env, err := envelope.New(envelope.TypeRegister, envelope.Source{ComponentID: "panel", Type: envelope.ComponentSidePanel}, reg)
	require.NoError(t, err)
	require.NoError(t, ch.Send(context.Background(), env))

	select {
	case ack := <-acks:
		assert.True(t, decodeResult(t, ack).Success)
	case <-time.After(2 * time.Second):
		t.Fatal("no register_ack over websocket")
	}
	_, ok := f.sub.Registry.Get("panel")
	assert.True(t, ok)
}

func TestAPIRequiresTokenWhenConfigured(t *testing.T) {
	f := newFixture(t)
	tokens := hub.NewTokenService(strings.Repeat("s", 32), hubID, time.Minute)
	api := hub.NewAPIServer(f.hub, hub.APIOptions{Tokens: tokens})
	server := httptest.NewServer(api.Handler())
	t.Cleanup(server.Close)

	client, err := hub.NewClient(server.URL, time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = client.Health(ctx)
	require.NoError(t, err)

	_, err = client.Metrics(ctx)
	assert.ErrorIs(t, err, hub.ErrRequestFailed)

	other := hub.NewTokenService(strings.Repeat("x", 32), hubID, time.Minute)
	forged, err := other.GenerateToken("mallory", "")
	require.NoError(t, err)
	client.SetToken(forged)
	_, err = client.Metrics(ctx)
	assert.ErrorIs(t, err, hub.ErrRequestFailed)

	token, err := tokens.GenerateToken("operator", "admin")
	require.NoError(t, err)
	client.SetToken(token)
	_, err = client.Metrics(ctx)
	assert.NoError(t, err)
}

func TestTokenServiceRejectsExpired(t *testing.T) {
	tokens := hub.NewTokenService(strings.Repeat("s", 32), hubID, -time.Minute)
	token, err := tokens.GenerateToken("operator", "")
	require.NoError(t, err)

	_, err = tokens.ValidateToken(token)
	assert.ErrorIs(t, err, hub.ErrUnauthorized)
}
