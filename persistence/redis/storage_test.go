package redis

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/mohitkumar/chatflow/model"
	"github.com/mohitkumar/chatflow/persistence"
	"github.com/mohitkumar/chatflow/persistence/storagetest"
	"github.com/mohitkumar/chatflow/util"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Storage {
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)
	storage := NewRedisStorage(Config{
		Addrs:      []string{server.Addr()},
		Namespace:  "test",
		Partitions: 4,
	}, util.NewJsonEncoderDecoder[model.WorkflowDefinition]())
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func TestRedisStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) persistence.Storage {
		return newTestStorage(t)
	})
}

func TestNamespacedKeys(t *testing.T) {
	storage := newTestStorage(t)
	require.Equal(t, "test:STEP:e1", storage.redisExecutionDao.stepKey("e1"))
	require.Equal(t, "test:CORRELATION:inbound-message:15550001", storage.redisExecutionDao.correlationKey(model.TRIGGER_INBOUND_MESSAGE, "15550001"))
	require.Equal(t, "test:timeout:3", storage.redisExecutionDao.timeoutKey(3))
}
