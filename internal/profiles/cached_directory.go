package profiles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-reminders/pkg/logging"
)

const (
	profileKeyPrefix    = "profiles:id:"
	chatIndexKeyPrefix  = "profiles:chat:"
	defaultProfileTTL   = 10 * time.Minute
	profileCacheTimeout = 2 * time.Second
)

// CachedDirectory is a read-through Redis cache in front of a Directory.
// Cache failures fall back to the upstream directory.
type CachedDirectory struct {
	upstream Directory
	redis    *redis.Client
	ttl      time.Duration
	logger   *logging.Logger
}

// NewCachedDirectory wraps upstream. A nil client disables caching.
func NewCachedDirectory(upstream Directory, client *redis.Client, ttl time.Duration, logger *logging.Logger) *CachedDirectory {
	if upstream == nil {
		panic("profiles: upstream directory required")
	}
	if ttl <= 0 {
		ttl = defaultProfileTTL
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &CachedDirectory{upstream: upstream, redis: client, ttl: ttl, logger: logger}
}

func (d *CachedDirectory) Get(ctx context.Context, id int64) (*Profile, error) {
	if p := d.readCache(ctx, profileKeyPrefix+strconv.FormatInt(id, 10)); p != nil {
		return p, nil
	}
	p, err := d.upstream.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	d.writeCache(ctx, *p)
	return p, nil
}

func (d *CachedDirectory) FindByChatUserID(ctx context.Context, chatUserID string) (*Profile, error) {
	if d.redis != nil {
		cctx, cancel := context.WithTimeout(ctx, profileCacheTimeout)
		id, err := d.redis.Get(cctx, chatIndexKeyPrefix+chatUserID).Result()
		cancel()
		if err == nil {
			if p := d.readCache(ctx, profileKeyPrefix+id); p != nil {
				return p, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			d.logger.Warn("profile cache lookup failed", "error", err)
		}
	}
	p, err := d.upstream.FindByChatUserID(ctx, chatUserID)
	if err != nil {
		return nil, err
	}
	d.writeCache(ctx, *p)
	return p, nil
}

func (d *CachedDirectory) Upsert(ctx context.Context, p Profile) (*Profile, error) {
	saved, err := d.upstream.Upsert(ctx, p)
	if err != nil {
		return nil, err
	}
	d.writeCache(ctx, *saved)
	return saved, nil
}

func (d *CachedDirectory) readCache(ctx context.Context, key string) *Profile {
	if d.redis == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, profileCacheTimeout)
	defer cancel()
	raw, err := d.redis.Get(cctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			d.logger.Warn("profile cache read failed", "error", err, "key", key)
		}
		return nil
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		d.logger.Warn("profile cache decode failed", "error", err, "key", key)
		return nil
	}
	return &p
}

func (d *CachedDirectory) writeCache(ctx context.Context, p Profile) {
	if d.redis == nil {
		return
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, profileCacheTimeout)
	defer cancel()
	pipe := d.redis.TxPipeline()
	pipe.Set(cctx, profileKeyPrefix+p.Key(), raw, d.ttl)
	if p.ChatUserID != "" {
		pipe.Set(cctx, chatIndexKeyPrefix+p.ChatUserID, p.Key(), d.ttl)
	}
	if _, err := pipe.Exec(cctx); err != nil {
		d.logger.Warn("profile cache write failed", "error", fmt.Errorf("profiles: cache profile %d: %w", p.ID, err))
	}
}
