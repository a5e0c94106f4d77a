package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
)

func TestNames(t *testing.T) {
	assert.Equal(t, "StorageLink-abc", DatabaseName("abc"))
	assert.Equal(t, "LinkedCollection-abc", CollectionName("abc"))
}

func TestOpenCollectionIsLazyAndCached(t *testing.T) {
	c := New(Options{ConnectTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	info, err := c.OpenCollection("127.0.0.1", 1, "h1")
	require.NoError(t, err)
	assert.Equal(t, "h1", info.ID)
	assert.Equal(t, "LinkedCollection-h1", info.Name)
	assert.Equal(t, "StorageLink-h1", info.LinkName)
	assert.Equal(t, "LinkedCollection-h1", info.Handle.Name())

	_, err = c.OpenCollection("127.0.0.1", 1, "h2")
	require.NoError(t, err)
	assert.Len(t, c.clients, 1)

	_, err = c.OpenCollection("127.0.0.1", 1, "")
	assert.Error(t, err)
}

func TestPingUnreachable(t *testing.T) {
	c := New(Options{ConnectTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	// Port 1 is reserved; nothing listens there.
	assert.Error(t, c.Ping(context.Background(), "127.0.0.1", 1))
}

func TestPingAgainstContainer(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := mongodb.Run(ctx, "mongo:7")
	if err != nil {
		t.Skipf("Failed to start MongoDB container: %v", err)
		return
	}
	defer func() { _ = container.Terminate(ctx) }()

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "27017/tcp")
	require.NoError(t, err)

	c := New(Options{ConnectTimeout: 5 * time.Second})
	defer func() { _ = c.Close(ctx) }()
	require.NoError(t, c.Ping(ctx, host, port.Int()))
}
