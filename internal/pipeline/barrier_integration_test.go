//go:build integration

package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testRedis *redis.Client

func TestMain(m *testing.M) {
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get container host: %v", err)
	}
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		log.Fatalf("Failed to get mapped port: %v", err)
	}
	testRedis = redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})

	code := m.Run()

	_ = testRedis.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func TestRedisBarrier_Semantics(t *testing.T) {
	ctx := context.Background()
	b := NewRedisBarrier(testRedis)
	key := fmt.Sprintf("it-%d", time.Now().UnixNano())

	_, err := b.Arrive(ctx, key, "text", true)
	require.ErrorIs(t, err, ErrBarrierNotArmed)

	require.NoError(t, b.Arm(ctx, key, EmbeddingQueues()))

	fired, err := b.Arrive(ctx, key, "text-embedding", true)
	require.NoError(t, err)
	require.False(t, fired)
	fired, err = b.Arrive(ctx, key, "audio-embedding", false)
	require.NoError(t, err)
	require.False(t, fired)
	fired, err = b.Arrive(ctx, key, "visual-embedding", true)
	require.NoError(t, err)
	require.True(t, fired)

	fired, err = b.Arrive(ctx, key, "visual-embedding", true)
	require.NoError(t, err)
	require.False(t, fired)

	out, err := b.Outcome(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []string{"text-embedding", "visual-embedding"}, out.Succeeded)
	require.Equal(t, []string{"audio-embedding"}, out.Failed)

	require.NoError(t, b.Seal(ctx, key))
	_, err = b.Outcome(ctx, key)
	require.ErrorIs(t, err, ErrBarrierSealed)

	require.NoError(t, b.Arm(ctx, key, EmbeddingQueues()))
	_, err = b.Arrive(ctx, key, "text-embedding", true)
	require.ErrorIs(t, err, ErrBarrierSealed)
	sealed, err := b.Sealed(ctx, key)
	require.NoError(t, err)
	require.True(t, sealed)
}

func TestRedisBarrier_ConcurrentArrivalsFireOnce(t *testing.T) {
	ctx := context.Background()
	b := NewRedisBarrier(testRedis)
	key := fmt.Sprintf("it-race-%d", time.Now().UnixNano())
	members := EmbeddingQueues()
	require.NoError(t, b.Arm(ctx, key, members))

	var fires atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(m string) {
			defer wg.Done()
			fired, err := b.Arrive(ctx, key, m, true)
			if err == nil && fired {
				fires.Add(1)
			}
		}(members[i%len(members)])
	}
	wg.Wait()
	require.Equal(t, int32(1), fires.Load())
}

func TestRedisProgress_PublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rp := NewRedisProgress(testRedis)
	events := rp.Subscribe(ctx, "job-1")
	time.Sleep(200 * time.Millisecond)

	rp.Publish(ctx, Progress{JobID: "job-1", Progress: 42})
	select {
	case ev := <-events:
		require.Equal(t, int32(42), ev.Progress)
	case <-ctx.Done():
		t.Fatal("no progress event received")
	}
}
