package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"allsky/internal/mqtt"
)

type recordingStore struct {
	calls []string
}

func (r *recordingStore) AddNotification(_ context.Context, category, item, message string, _ time.Duration) (bool, error) {
	r.calls = append(r.calls, category+"/"+item+": "+message)
	return true, nil
}

type recordingPublisher struct {
	topic   string
	payload []byte
}

func (r *recordingPublisher) Publish(topic string, _ byte, _ bool, payload []byte) error {
	r.topic, r.payload = topic, payload
	return nil
}

type failing struct{}

func (failing) Notify(context.Context, string, string, string, time.Duration) error {
	return errors.New("boom")
}

func TestMultiFansOut(t *testing.T) {
	store := &recordingStore{}
	pub := &recordingPublisher{}
	n := Multi{StoreNotifier{Store: store}, MQTTNotifier{Publisher: pub, BaseTopic: "allsky"}, nil}

	require.NoError(t, n.Notify(context.Background(), CategoryCamera, "watchdog", "camera hung", time.Hour))
	assert.Equal(t, []string{"camera/watchdog: camera hung"}, store.calls)
	assert.Equal(t, "allsky/notification/camera", pub.topic)

	var env mqtt.Message
	require.NoError(t, json.Unmarshal(pub.payload, &env))
	assert.True(t, strings.Contains(string(env.Payload), "camera hung"))
}

func TestMultiJoinsErrors(t *testing.T) {
	store := &recordingStore{}
	err := Multi{failing{}, StoreNotifier{Store: store}}.Notify(context.Background(), CategoryMisc, "x", "y", time.Minute)
	assert.Error(t, err)
	assert.Len(t, store.calls, 1)
}
