package inmem

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/rmqflow/internal/runtime/errors"
)

type fakeStore struct {
	mu        sync.Mutex
	published map[string][]string
	values    map[string]string
	pubErr    error
	setErr    error
	closed    bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{published: map[string][]string{}, values: map[string]string{}}
}

func (f *fakeStore) Publish(_ context.Context, channel string, message any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pubErr != nil {
		return redis.NewIntResult(0, f.pubErr)
	}
	f.published[channel] = append(f.published[channel], string(message.([]byte)))
	return redis.NewIntResult(1, nil)
}

func (f *fakeStore) Set(_ context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	f.values[key] = string(value.([]byte))
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeStore) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (f *fakeStore) Close() error {
	f.closed = true
	return nil
}

func mockClock() clock.Clock {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 5, 9, 11, 12, 345000000, time.UTC))
	return mock
}

func TestProducerPublishesAndStores(t *testing.T) {
	store := newFakeStore()
	p := newProducer(store, ProducerOptions{Source: "TST", Clock: mockClock()})

	require.NoError(t, p.Publish(context.Background(), "telemetry.temp", 21.5))

	want := `{"timestamp":"2024-03-05T09:11:12.345","source":"TST","value":21.5}`
	require.Len(t, store.published["telemetry.temp"], 1)
	assert.JSONEq(t, want, store.published["telemetry.temp"][0])
	assert.JSONEq(t, want, store.values["telemetry.temp"])

	rec, err := DecodeRecord([]byte(store.values["telemetry.temp"]))
	require.NoError(t, err)
	assert.Equal(t, "TST", rec.Source)
	assert.Equal(t, 21.5, rec.Value)

	require.NoError(t, p.Close())
	assert.True(t, store.closed)
}

func TestProducerDefaultsSource(t *testing.T) {
	store := newFakeStore()
	p := newProducer(store, ProducerOptions{Clock: mockClock()})
	require.NoError(t, p.Publish(context.Background(), "k", map[string]string{"data": "test"}))
	rec, err := DecodeRecord([]byte(store.values["k"]))
	require.NoError(t, err)
	assert.Equal(t, DefaultSource, rec.Source)
}

func TestProducerStillStoresWhenPublishFails(t *testing.T) {
	store := newFakeStore()
	store.pubErr = errors.New("no subscribers reachable")
	p := newProducer(store, ProducerOptions{Clock: mockClock()})

	err := p.Publish(context.Background(), "k", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no subscribers reachable")
	assert.Contains(t, store.values, "k")
}

type fakeSubscription struct {
	ch     chan *redis.Message
	once   sync.Once
	closed bool
}

func (f *fakeSubscription) Messages() <-chan *redis.Message { return f.ch }
func (f *fakeSubscription) Close() error {
	f.once.Do(func() {
		f.closed = true
		close(f.ch)
	})
	return nil
}

func TestConsumerDeliversPerSubscription(t *testing.T) {
	subs := map[string]*fakeSubscription{}
	c := newConsumer(func(_ context.Context, pattern string) (subscription, error) {
		s := &fakeSubscription{ch: make(chan *redis.Message, 4)}
		subs[pattern] = s
		return s, nil
	}, nil)

	var mu sync.Mutex
	got := map[string][]string{}
	handler := func(_ context.Context, msg Message) {
		mu.Lock()
		defer mu.Unlock()
		got[msg.Pattern] = append(got[msg.Pattern], msg.Channel+"="+string(msg.Body))
	}
	require.NoError(t, c.Subscribe(context.Background(), "telemetry.*", handler))
	require.NoError(t, c.Subscribe(context.Background(), "alarm.*", handler))
	assert.Equal(t, 2, c.Subscriptions())

	subs["telemetry.*"].ch <- &redis.Message{Pattern: "telemetry.*", Channel: "telemetry.temp", Payload: "1"}
	subs["telemetry.*"].ch <- &redis.Message{Pattern: "telemetry.*", Channel: "telemetry.wind", Payload: "2"}
	subs["alarm.*"].ch <- &redis.Message{Pattern: "alarm.*", Channel: "alarm.dome", Payload: "3"}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got["telemetry.*"]) == 2 && len(got["alarm.*"]) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"telemetry.temp=1", "telemetry.wind=2"}, got["telemetry.*"])
	mu.Unlock()

	require.NoError(t, c.Close())
	assert.True(t, subs["telemetry.*"].closed)
	assert.True(t, subs["alarm.*"].closed)
	assert.ErrorIs(t, c.Subscribe(context.Background(), "x", handler), errspkg.ErrClosed)
	require.NoError(t, c.Close())
}

func TestConsumerSubscribeErrors(t *testing.T) {
	c := newConsumer(func(context.Context, string) (subscription, error) {
		return nil, errors.New("refused")
	}, nil)
	assert.ErrorIs(t, c.Subscribe(context.Background(), "x", nil), errspkg.ErrHandlerRequired)
	assert.EqualError(t, c.Subscribe(context.Background(), "x", func(context.Context, Message) {}), "refused")
	assert.Zero(t, c.Subscriptions())
}

func TestNewUniversalClientModes(t *testing.T) {
	standalone := NewUniversalClient(Options{Addrs: []string{"cache:6379"}})
	defer standalone.Close()
	_, ok := standalone.(*redis.Client)
	assert.True(t, ok)

	cluster := NewUniversalClient(Options{Addrs: []string{"a:6379", "b:6379"}, Cluster: true})
	defer cluster.Close()
	_, ok = cluster.(*redis.ClusterClient)
	assert.True(t, ok)

	assert.Equal(t, "cluster a:6379,b:6379", Options{Addrs: []string{"a:6379", "b:6379"}, Cluster: true}.String())
}
