package pubsub

import (
	"context"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
)

type payload struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

func (p payload) Attributes() map[string]string {
	return map[string]string{"run_id": p.RunID, "status": p.Status}
}

func TestNotifierPublishesToEmulator(t *testing.T) {
	srv := pstest.NewServer()
	defer func() { _ = srv.Close() }()
	t.Setenv("PUBSUB_EMULATOR_HOST", srv.Addr)

	ctx := context.Background()
	client, err := pubsub.NewClient(ctx, "test-project")
	require.NoError(t, err)
	_, err = client.CreateTopic(ctx, "promotion-runs")
	require.NoError(t, err)

	n := NewWithClient(client, nil)
	id, err := n.Publish(ctx, "promotion-runs", payload{RunID: "run-1", Status: "completed"})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, n.Close())

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.JSONEq(t, `{"run_id":"run-1","status":"completed"}`, string(msgs[0].Data))
	require.Equal(t, "completed", msgs[0].Attributes["status"])
	require.Equal(t, id, msgs[0].ID)
}

func TestNotifierRejectsMissingTopic(t *testing.T) {
	n := &Notifier{}
	_, err := n.Publish(context.Background(), "runs", payload{})
	require.ErrorContains(t, err, "not configured")
}

func TestNewRequiresProject(t *testing.T) {
	_, err := New(context.Background(), "", nil)
	require.ErrorContains(t, err, "project id")
}
