package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestTopic(t *testing.T) (*pstest.Server, *pubsub.Topic) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() {
		_ = srv.Close()
	})

	conn, err := grpc.Dial(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
	})

	topic, err := client.CreateTopic(ctx, "discoveries")
	require.NoError(t, err)
	return srv, topic
}

func TestPublishSendsJSONPayload(t *testing.T) {
	t.Parallel()

	srv, topic := newTestTopic(t)
	pub := New(topic)
	t.Cleanup(func() {
		_ = pub.Close()
	})

	id, err := pub.Publish(context.Background(), "discoveries", map[string]any{"url": "https://example.com"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		return len(srv.Messages()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	msg := srv.Messages()[0]
	var got map[string]any
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	require.Equal(t, "https://example.com", got["url"])
	require.Equal(t, "discoveries", msg.Attributes["topic"])
}

func TestPublishRejectsUnmarshalablePayload(t *testing.T) {
	t.Parallel()

	_, topic := newTestTopic(t)
	pub := New(topic)
	t.Cleanup(func() {
		_ = pub.Close()
	})

	_, err := pub.Publish(context.Background(), "discoveries", make(chan int))
	require.Error(t, err)
}

func TestPublishWithoutTopicFails(t *testing.T) {
	t.Parallel()

	_, err := (&Publisher{}).Publish(context.Background(), "t", "x")
	require.Error(t, err)
	require.NoError(t, (&Publisher{}).Close())
}

func TestConnectRequiresProjectAndTopic(t *testing.T) {
	t.Parallel()

	_, err := Connect(context.Background(), Config{ProjectID: "p"})
	require.Error(t, err)
}

func TestCarrierRoundTrip(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("traceparent", "00-abc-def-01")
	require.Equal(t, "00-abc-def-01", c.Get("traceparent"))
	require.Equal(t, []string{"traceparent"}, c.Keys())
}
