package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-incidents/internal/models"
)

func sampleEvent() models.IncidentEvent {
	return models.IncidentEvent{
		Type: models.EventCreated,
		At:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Incident: &models.Incident{
			ID:       "inc-1",
			Key:      models.NewCorrelationKey("payment-service", "PAYMENT_TIMEOUT"),
			Severity: models.SeverityError,
			Status:   models.StatusOpen,
		},
	}
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return f.err
}

func (f *fakeWriter) Close() error { return nil }

type fakePublisher struct {
	subjects []string
	payloads [][]byte
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakePublisher) FlushWithContext(context.Context) error { return nil }

type failingNotifier struct{ calls int }

func (f *failingNotifier) Name() string { return "failing" }
func (f *failingNotifier) Notify(context.Context, models.IncidentEvent) error {
	f.calls++
	return errors.New("sink down")
}
func (f *failingNotifier) Close() error { return nil }

func TestKafkaNotifierKeysByCorrelation(t *testing.T) {
	w := &fakeWriter{}
	n := &KafkaNotifier{writer: w, topic: "incidents"}

	require.NoError(t, n.Notify(context.Background(), sampleEvent()))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "payment-service|PAYMENT_TIMEOUT", string(w.msgs[0].Key))
	assert.Equal(t, "created", string(w.msgs[0].Headers[0].Value))

	var decoded models.IncidentEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, "inc-1", decoded.Incident.ID)
	assert.Equal(t, models.SeverityError, decoded.Incident.Severity)

	assert.Error(t, n.Notify(context.Background(), models.IncidentEvent{Type: models.EventCreated}))
}

func TestNATSNotifierSubjects(t *testing.T) {
	pub := &fakePublisher{}
	n := &NATSNotifier{pub: pub, prefix: "incidents"}

	ev := sampleEvent()
	ev.Type = models.EventSLABreached
	require.NoError(t, n.Notify(context.Background(), ev))
	assert.Equal(t, []string{"incidents.sla_breached"}, pub.subjects)
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var got map[string]any
	n := NewWebhookNotifier("https://hooks.example.com/incidents", map[string]string{"X-Token": "secret"}, time.Second)
	n.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.Header.Get("X-Token") != "secret" || req.Header.Get("Content-Type") != "application/json" {
			t.Fatalf("unexpected headers: %v", req.Header)
		}
		if err := json.NewDecoder(req.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		return &http.Response{StatusCode: http.StatusAccepted, Body: io.NopCloser(bytes.NewReader(nil)), Header: make(http.Header)}, nil
	}))

	require.NoError(t, n.Notify(context.Background(), sampleEvent()))
	assert.Equal(t, "created", got["type"])
}

func TestWebhookNotifierRejectsErrorStatus(t *testing.T) {
	n := NewWebhookNotifier("https://hooks.example.com/incidents", nil, time.Second)
	n.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusBadGateway, Status: "502 Bad Gateway", Body: io.NopCloser(bytes.NewReader(nil)), Header: make(http.Header)}, nil
	}))
	assert.Error(t, n.Notify(context.Background(), sampleEvent()))

	empty := NewWebhookNotifier(" ", nil, time.Second)
	assert.Error(t, empty.Notify(context.Background(), sampleEvent()))
}

func TestDispatcherContinuesPastFailures(t *testing.T) {
	failing := &failingNotifier{}
	pub := &fakePublisher{}
	d := NewDispatcher(nil, time.Second, failing, nil, &NATSNotifier{pub: pub, prefix: "incidents"})
	assert.Equal(t, 2, d.Len())

	err := d.Publish(context.Background(), sampleEvent())
	assert.Error(t, err)
	assert.Equal(t, 1, failing.calls)
	assert.Len(t, pub.subjects, 1)

	var nilDispatcher *Dispatcher
	assert.NoError(t, nilDispatcher.Publish(context.Background(), sampleEvent()))
}
