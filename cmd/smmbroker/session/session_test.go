package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	s := NewMemoryStore(clock)

	require.NoError(t, s.Save(ctx, "order:1", []byte("state"), time.Minute))
	got, err := s.Load(ctx, "order:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("state"), got)

	clock.Advance(time.Minute)
	_, err = s.Load(ctx, "order:1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_TakeOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(clockwork.NewFakeClock())
	require.NoError(t, s.Save(ctx, "k", []byte("v"), time.Minute))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Take(ctx, "k"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := NewRedisStore(client, "smm:")

	require.NoError(t, s.Save(ctx, Key("deposit", 7), []byte("amount"), 5*time.Minute))
	assert.True(t, mr.Exists("smm:deposit:7"))

	got, err := s.Load(ctx, Key("deposit", 7))
	require.NoError(t, err)
	assert.Equal(t, []byte("amount"), got)

	got, err = s.Take(ctx, Key("deposit", 7))
	require.NoError(t, err)
	assert.Equal(t, []byte("amount"), got)

	_, err = s.Take(ctx, Key("deposit", 7))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Save(ctx, "x", []byte("1"), time.Second))
	mr.FastForward(2 * time.Second)
	_, err = s.Load(ctx, "x")
	assert.ErrorIs(t, err, ErrNotFound)
}
