package durable

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	valkeymock "github.com/valkey-io/valkey-go/mock"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"

	"github.com/yanolja/promptcache/cache"
)

type recordingSink struct {
	events []cache.Event
}

func (r *recordingSink) RecordEvent(event cache.Event) {
	r.events = append(r.events, event)
}

func newTestValkeyStore(t *testing.T) (*ValkeyStore, *valkeymock.Client) {
	t.Helper()
	ctrl := gomock.NewController(t)
	mockClient := valkeymock.NewClient(ctrl)
	store, err := NewValkeyStore(mockClient, DefaultConfig(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return store, mockClient
}

func TestValkeyStoreGet(t *testing.T) {
	t.Run("hit decodes the stored envelope", func(t *testing.T) {
		store, mockClient := newTestValkeyStore(t)
		ctx := context.Background()

		data, err := json.Marshal(valkeyEnvelope{
			Value:      []byte("cached response"),
			TTLSeconds: 60,
			UpdatedAt:  time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC).UnixNano(),
		})
		require.NoError(t, err)

		mockClient.EXPECT().
			Do(gomock.Any(), valkeymock.Match("GET", "promptcache:k")).
			Return(valkeymock.Result(valkeymock.ValkeyString(string(data))))
		mockClient.EXPECT().
			Do(gomock.Any(), valkeymock.Match("INCR", "promptcache:hits:k")).
			Return(valkeymock.Result(valkeymock.ValkeyInt64(3)))

		record, ok := store.Get(ctx, "k")
		require.True(t, ok)
		assert.Equal(t, []byte("cached response"), record.Value)
		assert.Equal(t, int64(60), record.TTLSeconds)
		assert.Equal(t, record.UpdatedAt.Add(time.Minute), record.ExpiresAt)
		assert.Equal(t, int64(3), record.Hits)
	})

	t.Run("hit counter error degrades to a single hit", func(t *testing.T) {
		store, mockClient := newTestValkeyStore(t)

		data, err := json.Marshal(valkeyEnvelope{
			Value:      []byte("cached response"),
			TTLSeconds: 60,
			UpdatedAt:  time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC).UnixNano(),
		})
		require.NoError(t, err)

		mockClient.EXPECT().
			Do(gomock.Any(), valkeymock.Match("GET", "promptcache:k")).
			Return(valkeymock.Result(valkeymock.ValkeyString(string(data))))
		mockClient.EXPECT().
			Do(gomock.Any(), valkeymock.Match("INCR", "promptcache:hits:k")).
			Return(valkeymock.ErrorResult(context.DeadlineExceeded))

		record, ok := store.Get(context.Background(), "k")
		require.True(t, ok)
		assert.Equal(t, int64(1), record.Hits)
	})

	t.Run("nil reply is a miss", func(t *testing.T) {
		store, mockClient := newTestValkeyStore(t)

		mockClient.EXPECT().
			Do(gomock.Any(), valkeymock.Match("GET", "promptcache:k")).
			Return(valkeymock.Result(valkeymock.ValkeyNil()))

		_, ok := store.Get(context.Background(), "k")
		assert.False(t, ok)
		assert.Equal(t, int64(1), store.Stats().Misses)
	})

	t.Run("undecodable payload is a miss", func(t *testing.T) {
		store, mockClient := newTestValkeyStore(t)

		mockClient.EXPECT().
			Do(gomock.Any(), valkeymock.Match("GET", "promptcache:k")).
			Return(valkeymock.Result(valkeymock.ValkeyString("not json")))

		_, ok := store.Get(context.Background(), "k")
		assert.False(t, ok)
	})
}

func TestValkeyStoreSet(t *testing.T) {
	store, mockClient := newTestValkeyStore(t)

	mockClient.EXPECT().
		Do(gomock.Any(), valkeymock.MatchFn(func(cmd []string) bool {
			return cmd[0] == "SET" &&
				cmd[1] == "promptcache:k" &&
				cmd[3] == "EX" &&
				cmd[4] == "60"
		}, "SET with prefixed key and TTL")).
		Return(valkeymock.Result(valkeymock.ValkeyString("OK")))
	mockClient.EXPECT().
		Do(gomock.Any(), valkeymock.Match("SET", "promptcache:hits:k", "0", "EX", "60")).
		Return(valkeymock.Result(valkeymock.ValkeyString("OK")))

	store.Set(context.Background(), "k", []byte("v"), time.Minute)
	assert.Equal(t, int64(1), store.Stats().Sets)
}

func TestValkeyStoreDelete(t *testing.T) {
	store, mockClient := newTestValkeyStore(t)

	mockClient.EXPECT().
		Do(gomock.Any(), valkeymock.Match("DEL", "promptcache:k", "promptcache:hits:k")).
		Return(valkeymock.Result(valkeymock.ValkeyInt64(2)))
	assert.True(t, store.Delete(context.Background(), "k"))

	mockClient.EXPECT().
		Do(gomock.Any(), valkeymock.Match("DEL", "promptcache:k", "promptcache:hits:k")).
		Return(valkeymock.Result(valkeymock.ValkeyInt64(0)))
	assert.False(t, store.Delete(context.Background(), "k"))
}

func TestValkeyStoreHas(t *testing.T) {
	store, mockClient := newTestValkeyStore(t)

	mockClient.EXPECT().
		Do(gomock.Any(), valkeymock.Match("EXISTS", "promptcache:k")).
		Return(valkeymock.Result(valkeymock.ValkeyInt64(1)))
	assert.True(t, store.Has(context.Background(), "k"))

	mockClient.EXPECT().
		Do(gomock.Any(), valkeymock.Match("EXISTS", "promptcache:k")).
		Return(valkeymock.Result(valkeymock.ValkeyInt64(0)))
	assert.False(t, store.Has(context.Background(), "k"))
}

func TestValkeyStoreEvictExpired(t *testing.T) {
	store, _ := newTestValkeyStore(t)

	// The server owns expiry for the remote tier.
	assert.Equal(t, 0, store.EvictExpired(context.Background()))
}
