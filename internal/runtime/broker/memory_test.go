package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/rmqflow/internal/runtime/errors"
)

func openChannel(t *testing.T, b *MemoryBroker) (Session, Channel) {
	t.Helper()
	s, err := b.Dial(context.Background(), "test")
	require.NoError(t, err)
	ch, err := s.Channel()
	require.NoError(t, err)
	return s, ch
}

func collect(t *testing.T, ch Channel, queue string) func(n int) []Delivery {
	t.Helper()
	var (
		mu  sync.Mutex
		got []Delivery
	)
	require.NoError(t, ch.Consume(queue, "", func(d Delivery) {
		mu.Lock()
		got = append(got, d)
		mu.Unlock()
	}))
	return func(n int) []Delivery {
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) >= n
		}, time.Second, 5*time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		return append([]Delivery(nil), got...)
	}
}

func TestMemoryBrokerDirectRouting(t *testing.T) {
	b := NewMemoryBroker()
	_, ch := openChannel(t, b)
	ctx := context.Background()

	require.NoError(t, ch.DeclareExchange("rmq.direct", KindDirect, true))
	q, err := ch.DeclareQueue("TST.rpcserver", QueueOptions{Durable: true})
	require.NoError(t, err)
	require.NoError(t, ch.BindQueue(q, q, "rmq.direct"))
	wait := collect(t, ch, q)

	require.NoError(t, ch.Publish(ctx, "rmq.direct", "other", Properties{}, []byte("skip")))
	require.NoError(t, ch.Publish(ctx, "rmq.direct", "TST.rpcserver", Properties{ReplyTo: "r"}, []byte("hit")))

	got := wait(1)
	require.Len(t, got, 1)
	assert.Equal(t, "hit", string(got[0].Body))
	assert.Equal(t, "r", got[0].Properties.ReplyTo)
	assert.Len(t, b.Published(), 2)
}

func TestMemoryBrokerDefaultExchange(t *testing.T) {
	b := NewMemoryBroker()
	_, ch := openChannel(t, b)

	_, err := ch.DeclareQueue("hello", QueueOptions{})
	require.NoError(t, err)
	require.NoError(t, ch.Publish(context.Background(), "", "hello", Properties{}, []byte("HELLO!")))

	msgs := b.Drain("hello")
	require.Len(t, msgs, 1)
	assert.Equal(t, "HELLO!", string(msgs[0].Body))
}

func TestMemoryBrokerUnknownExchangeDrops(t *testing.T) {
	b := NewMemoryBroker()
	_, ch := openChannel(t, b)

	require.NoError(t, ch.Publish(context.Background(), "nowhere", "k", Properties{}, nil))
	assert.Empty(t, b.Published())
}

func TestMemoryBrokerTopicRouting(t *testing.T) {
	b := NewMemoryBroker()
	_, ch := openChannel(t, b)
	ctx := context.Background()

	require.NoError(t, ch.DeclareExchange("rmq.telemetry", KindTopic, true))
	_, err := ch.DeclareQueue("alarms", QueueOptions{})
	require.NoError(t, err)
	require.NoError(t, ch.BindQueue("alarms", "rcs.*.alm.#", "rmq.telemetry"))

	for _, key := range []string{"rcs.TST.alm.door", "rcs.TST.tel.temp", "rcs.TST.alm.door.open"} {
		require.NoError(t, ch.Publish(ctx, "rmq.telemetry", key, Properties{}, []byte(key)))
	}

	msgs := b.Drain("alarms")
	require.Len(t, msgs, 2)
	assert.Equal(t, "rcs.TST.alm.door", msgs[0].RoutingKey)
	assert.Equal(t, "rcs.TST.alm.door.open", msgs[1].RoutingKey)
}

func TestTopicMatch(t *testing.T) {
	cases := []struct {
		pattern, key string
		want         bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.*.c", "a.b.c", true},
		{"a.*", "a.b.c", false},
		{"a.#", "a", true},
		{"a.#", "a.b.c", true},
		{"#", "anything.at.all", true},
		{"#.c", "a.b.c", true},
		{"a.#.c", "a.c", true},
		{"a.#.c", "a.b", false},
		{"*", "", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, topicMatch(tc.pattern, tc.key), "%s vs %s", tc.pattern, tc.key)
	}
}

func TestMemoryBrokerPriorityQueue(t *testing.T) {
	b := NewMemoryBroker()
	_, ch := openChannel(t, b)
	ctx := context.Background()

	_, err := ch.DeclareQueue("tel", QueueOptions{Arguments: map[string]any{MaxPriorityArg: 3}})
	require.NoError(t, err)
	for i, p := range []uint8{1, 1, 3, 2, 9} {
		body := []byte{byte('a' + i)}
		require.NoError(t, ch.Publish(ctx, "", "tel", Properties{Priority: p}, body))
	}

	var order string
	for _, d := range b.Drain("tel") {
		order += string(d.Body)
	}
	assert.Equal(t, "cedab", order)
}

func TestMemoryBrokerExclusiveQueueDeletedWithSession(t *testing.T) {
	b := NewMemoryBroker()
	s, ch := openChannel(t, b)

	_, err := ch.DeclareQueue("reply", QueueOptions{Exclusive: true})
	require.NoError(t, err)

	_, other := openChannel(t, b)
	_, err = other.DeclareQueue("reply", QueueOptions{Exclusive: true})
	assert.Error(t, err)

	require.NoError(t, s.Close())
	assert.False(t, b.HasQueue("reply"))
}

func TestMemoryBrokerAutoDeleteOnLastConsumer(t *testing.T) {
	b := NewMemoryBroker()
	_, ch := openChannel(t, b)

	_, err := ch.DeclareQueue("tmp", QueueOptions{AutoDelete: true})
	require.NoError(t, err)
	require.NoError(t, ch.Consume("tmp", "c1", func(Delivery) {}))
	assert.True(t, b.HasQueue("tmp"))

	require.NoError(t, ch.Close())
	assert.False(t, b.HasQueue("tmp"))
}

func TestMemoryBrokerDisconnectNotifies(t *testing.T) {
	b := NewMemoryBroker()
	s, ch := openChannel(t, b)

	sessionErr := make(chan error, 1)
	channelErr := make(chan error, 1)
	s.NotifyClose(func(err error) { sessionErr <- err })
	ch.NotifyClose(func(err error) { channelErr <- err })

	b.Disconnect()

	assert.ErrorIs(t, <-sessionErr, ErrForcedDisconnect)
	assert.ErrorIs(t, <-channelErr, ErrForcedDisconnect)
	assert.True(t, s.IsClosed())
	assert.True(t, ch.IsClosed())
	assert.Equal(t, 0, b.Sessions())

	err := ch.Publish(context.Background(), "", "x", Properties{}, nil)
	assert.True(t, errspkg.IsTransportError(err))
	_, err = s.Channel()
	assert.True(t, errspkg.IsTransportError(err))
}

func TestMemoryBrokerGracefulCloseReportsNil(t *testing.T) {
	b := NewMemoryBroker()
	s, ch := openChannel(t, b)

	var got []error
	ch.NotifyClose(func(err error) { got = append(got, err) })
	s.NotifyClose(func(err error) { got = append(got, err) })
	require.NoError(t, s.Close())

	assert.Equal(t, []error{nil, nil}, got)
}

func TestMemoryBrokerFailDials(t *testing.T) {
	b := NewMemoryBroker()
	boom := errors.New("boom")
	b.FailDials(2, boom)

	for i := 0; i < 2; i++ {
		_, err := b.Dial(context.Background(), "svc")
		var connectErr *errspkg.ConnectError
		require.ErrorAs(t, err, &connectErr)
		assert.Equal(t, "svc", connectErr.Identity)
		assert.ErrorIs(t, err, boom)
	}
	_, err := b.Dial(context.Background(), "svc")
	require.NoError(t, err)
	assert.Equal(t, 3, b.Dials())
}

func TestMemoryBrokerFailPublishesClosesChannel(t *testing.T) {
	b := NewMemoryBroker()
	_, ch := openChannel(t, b)
	b.FailPublishes(1)

	err := ch.Publish(context.Background(), "", "q", Properties{}, nil)
	assert.True(t, errspkg.IsTransportError(err))
	assert.True(t, ch.IsClosed())
}

func TestMemoryBrokerDeleteQueueStopsConsumers(t *testing.T) {
	b := NewMemoryBroker()
	_, ch := openChannel(t, b)

	_, err := ch.DeclareQueue("q", QueueOptions{})
	require.NoError(t, err)
	require.NoError(t, ch.Consume("q", "", func(Delivery) {}))
	require.NoError(t, ch.DeleteQueue("q"))
	assert.False(t, b.HasQueue("q"))
	assert.Error(t, ch.Consume("q", "", func(Delivery) {}))
}
