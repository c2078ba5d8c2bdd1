package profiles

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingDirectory struct {
	profiles map[int64]Profile
	gets     int
	finds    int
}

func (c *countingDirectory) Get(_ context.Context, id int64) (*Profile, error) {
	c.gets++
	p, ok := c.profiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (c *countingDirectory) FindByChatUserID(_ context.Context, chatUserID string) (*Profile, error) {
	c.finds++
	for _, p := range c.profiles {
		if p.ChatUserID == chatUserID {
			p := p
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (c *countingDirectory) Upsert(_ context.Context, p Profile) (*Profile, error) {
	if p.ID == 0 {
		p.ID = int64(len(c.profiles) + 1)
	}
	c.profiles[p.ID] = p
	return &p, nil
}

func newCached(t *testing.T) (*CachedDirectory, *countingDirectory, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	upstream := &countingDirectory{profiles: map[int64]Profile{
		7: {ID: 7, Name: "Chen", Phone: "0912345678", ChatUserID: "U7"},
	}}
	return NewCachedDirectory(upstream, client, time.Minute, nil), upstream, mr
}

func TestCachedDirectoryGetReadsThrough(t *testing.T) {
	dir, upstream, _ := newCached(t)
	ctx := context.Background()

	p, err := dir.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "Chen", p.Name)

	p, err = dir.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "0912345678", p.Phone)
	assert.Equal(t, 1, upstream.gets)
}

func TestCachedDirectoryChatIndex(t *testing.T) {
	dir, upstream, _ := newCached(t)
	ctx := context.Background()

	_, err := dir.FindByChatUserID(ctx, "U7")
	require.NoError(t, err)
	p, err := dir.FindByChatUserID(ctx, "U7")
	require.NoError(t, err)
	assert.Equal(t, int64(7), p.ID)
	assert.Equal(t, 1, upstream.finds)
}

func TestCachedDirectoryExpires(t *testing.T) {
	dir, upstream, mr := newCached(t)
	ctx := context.Background()

	_, err := dir.Get(ctx, 7)
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)
	_, err = dir.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, upstream.gets)
}

func TestCachedDirectoryMissPassesError(t *testing.T) {
	dir, _, _ := newCached(t)
	_, err := dir.Get(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCachedDirectoryWithoutRedis(t *testing.T) {
	upstream := &countingDirectory{profiles: map[int64]Profile{1: {ID: 1, Name: "A"}}}
	dir := NewCachedDirectory(upstream, nil, 0, nil)
	_, err := dir.Get(context.Background(), 1)
	require.NoError(t, err)
	_, err = dir.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, upstream.gets)

	saved, err := dir.Upsert(context.Background(), Profile{Name: "B", ChatUserID: "U2"})
	require.NoError(t, err)
	assert.NotZero(t, saved.ID)
}
