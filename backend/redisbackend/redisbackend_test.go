package redisbackend

import (
	"context"
	"testing"
	"time"

	redismock "github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestStringSetWritesMsgpackEnvelope(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	c := NewCache(rdb)

	mock.Regexp().ExpectSet("k", `.*`, time.Minute).SetVal("OK")

	err := c.StringSet(context.Background(), "k", "hello", time.Minute)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStringGetWithExpiryDecodesEnvelope(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	c := NewCache(rdb)

	e := entry{Value: "hello", ExpiresAt: time.Now().Add(time.Minute).UnixMilli()}
	b, err := msgpack.Marshal(e)
	require.NoError(t, err)
	mock.ExpectGet("k").SetVal(string(b))

	v, remaining, ok, err := c.StringGetWithExpiry(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hello", v)
	assert.Greater(t, remaining, time.Duration(0))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStringGetWithExpiryMissingKey(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	c := NewCache(rdb)

	mock.ExpectGet("missing").RedisNil()

	_, _, ok, err := c.StringGetWithExpiry(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetStringStartTrimsDecodedValue(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	c := NewCache(rdb)

	e := entry{Value: "hello world", ExpiresAt: time.Now().Add(time.Minute).UnixMilli()}
	b, err := msgpack.Marshal(e)
	require.NoError(t, err)
	mock.ExpectGet("k").SetVal(string(b))

	v, ok, err := c.GetStringStart(context.Background(), "k", 5)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hello", v)
}

func TestCreateLockAcquiredAndBusy(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	f := NewLockFactory(rdb)

	mock.Regexp().ExpectSetNX("lk", `.*`, time.Second).SetVal(true)
	h, err := f.CreateLock(context.Background(), "lk", time.Second)
	require.NoError(t, err)
	require.NotNil(t, h)

	mock.Regexp().ExpectSetNX("lk", `.*`, time.Second).SetVal(false)
	h2, err := f.CreateLock(context.Background(), "lk", time.Second)
	require.NoError(t, err)
	assert.Nil(t, h2)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBusPublish(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	b := NewBus(rdb)

	mock.ExpectPublish("topic", []byte("payload")).SetVal(1)

	err := b.Publish(context.Background(), "topic", []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
