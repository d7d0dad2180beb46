package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"conversation-api/internal/domain/model"
	"conversation-api/internal/domain/ports/repository"
	"conversation-api/internal/infra/logging"
	"conversation-api/internal/infra/metrics"
	red "conversation-api/internal/infra/redis"
)

var _ repository.ConversationRepository = (*conversationRepoCacheDecorator)(nil)

const conversationListKey = "conversations:all"

func conversationKey(id string) string { return fmt.Sprintf("conversation:%s", id) }

// generationKey holds a counter bumped on every write to key. Entries are
// stored with the generation they were read under and only served while it
// is still current.
func generationKey(key string) string { return key + ":gen" }

// cacheEntry is the stored envelope.
type cacheEntry struct {
	Gen  string          `json:"gen"`
	Data json.RawMessage `json:"data"`
}

// conversationRepoCacheDecorator serves reads from redis and bumps the
// generation of the affected keys after every successful write. A populate
// that raced with a write is dropped by the generation check, so a committed
// write is never hidden by an older entry. Reads inside a caller transaction
// or under repository.WithFreshRead always go to the store.
type conversationRepoCacheDecorator struct {
	inner repository.ConversationRepository
	cache red.RedisClient
	ttl   time.Duration
	log   *zerolog.Logger
}

func NewConversationRepoCacheDecorator(inner repository.ConversationRepository, cache red.RedisClient, ttl time.Duration, logger *zerolog.Logger) repository.ConversationRepository {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &conversationRepoCacheDecorator{
		inner: inner,
		cache: cache,
		ttl:   ttl,
		log:   logger,
	}
}

func (d *conversationRepoCacheDecorator) bypass(ctx context.Context, tx repository.Tx) bool {
	return tx != nil || repository.FreshRead(ctx)
}

func (d *conversationRepoCacheDecorator) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Conversation, error) {
	if d.bypass(ctx, tx) {
		return d.inner.FindByID(ctx, tx, id)
	}
	key := conversationKey(id)
	var conv model.Conversation
	gen, hit, usable := d.lookup(ctx, "conversation", key, &conv)
	if hit {
		return &conv, nil
	}

	out, err := d.inner.FindByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if usable {
		d.populate(ctx, key, gen, out)
	}
	return out, nil
}

func (d *conversationRepoCacheDecorator) ListAll(ctx context.Context, tx repository.Tx) ([]*model.Conversation, error) {
	if d.bypass(ctx, tx) {
		return d.inner.ListAll(ctx, tx)
	}
	var convs []*model.Conversation
	gen, hit, usable := d.lookup(ctx, "conversation_list", conversationListKey, &convs)
	if hit {
		return convs, nil
	}

	out, err := d.inner.ListAll(ctx, tx)
	if err != nil {
		return nil, err
	}
	if usable && len(out) > 0 {
		d.populate(ctx, conversationListKey, gen, out)
	}
	return out, nil
}

// lookup decodes the entry for key into dst when it was stored under the
// current generation. usable is false when the generation cannot be read;
// the caller must then skip populating.
func (d *conversationRepoCacheDecorator) lookup(ctx context.Context, name, key string, dst any) (gen string, hit, usable bool) {
	gen, err := d.cache.Get(ctx, generationKey(key))
	switch {
	case err == nil:
	case errors.Is(err, redis.Nil):
		gen = "0"
	default:
		metrics.IncCacheRequest(name, "error")
		return "", false, false
	}

	val, err := d.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			metrics.IncCacheRequest(name, "error")
		}
		metrics.IncCacheRequest(name, "miss")
		return gen, false, true
	}
	var e cacheEntry
	if json.Unmarshal([]byte(val), &e) != nil || e.Gen != gen || json.Unmarshal(e.Data, dst) != nil {
		metrics.IncCacheRequest(name, "miss")
		return gen, false, true
	}
	metrics.IncCacheRequest(name, "hit")
	return gen, true, true
}

func (d *conversationRepoCacheDecorator) populate(ctx context.Context, key, gen string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	b, err := json.Marshal(cacheEntry{Gen: gen, Data: data})
	if err != nil {
		return
	}
	if _, err := d.cache.SetIfUnchanged(ctx, generationKey(key), gen, key, b, d.ttl); err != nil {
		logging.With(ctx, d.log).Debug().Err(err).Str("key", key).Msg("cache populate failed")
	}
}

func (d *conversationRepoCacheDecorator) Insert(ctx context.Context, tx repository.Tx, c *model.Conversation) error {
	if err := d.inner.Insert(ctx, tx, c); err != nil {
		return err
	}
	d.invalidate(ctx)
	return nil
}

func (d *conversationRepoCacheDecorator) UpdateMetadata(ctx context.Context, tx repository.Tx, id string, patch model.MetadataPatch) error {
	if err := d.inner.UpdateMetadata(ctx, tx, id, patch); err != nil {
		return err
	}
	d.invalidate(ctx, conversationKey(id))
	return nil
}

func (d *conversationRepoCacheDecorator) AppendMessages(ctx context.Context, tx repository.Tx, id string, msgs []model.Message, tokens int64) error {
	if err := d.inner.AppendMessages(ctx, tx, id, msgs, tokens); err != nil {
		return err
	}
	d.invalidate(ctx, conversationKey(id))
	return nil
}

func (d *conversationRepoCacheDecorator) Delete(ctx context.Context, tx repository.Tx, id string) error {
	if err := d.inner.Delete(ctx, tx, id); err != nil {
		return err
	}
	d.invalidate(ctx, conversationKey(id))
	return nil
}

// invalidate bumps the generation of every key, which retires existing
// entries and in-flight populates, then deletes the entries. It runs on a
// context detached from cancellation so a client disconnect right after a
// committed write cannot skip it.
func (d *conversationRepoCacheDecorator) invalidate(ctx context.Context, keys ...string) {
	ctx = context.WithoutCancel(ctx)
	keys = append(keys, conversationListKey)
	l := logging.With(ctx, d.log)

	failed := false
	for _, k := range keys {
		gk := generationKey(k)
		if _, err := d.cache.Incr(ctx, gk); err != nil {
			failed = true
			l.Error().Err(err).Str("key", k).Msg("cache generation bump failed")
			continue
		}
		// entries live at most ttl, so the counter may expire after twice that
		if err := d.cache.Expire(ctx, gk, 2*d.ttl); err != nil {
			l.Warn().Err(err).Str("key", gk).Msg("cache generation expiry not set")
		}
	}
	if err := d.cache.Del(ctx, keys...); err != nil {
		failed = true
		l.Error().Err(err).Strs("keys", keys).Msg("cache invalidation failed")
	}
	if !failed {
		metrics.IncCacheInvalidation("conversation")
	}
}
