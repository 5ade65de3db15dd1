package notify

import (
	"context"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

// wakeDepth caps the backlog of wake-ups per queue; one pending signal is
// enough to make a sleeping worker poll, a few cover several sleepers.
const wakeDepth = 64

// Redis carries notifications between processes over a Redis list per
// queue: senders LPUSH and sleeping workers BRPOP.
type Redis struct {
	rdb    *r.Client
	prefix string
}

func NewRedis(rdb *r.Client) *Redis { return &Redis{rdb: rdb, prefix: "cronq:wake:"} }

// DialRedis builds a client for addr and checks it answers.
func DialRedis(ctx context.Context, addr, password string) (*Redis, error) {
	rdb := r.NewClient(&r.Options{
		Addr:                  addr,
		Password:              password,
		ContextTimeoutEnabled: true,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "notify: ping redis %s", addr)
	}
	return NewRedis(rdb), nil
}

func (q *Redis) key(queue string) string { return q.prefix + queue }

func (q *Redis) Notify(ctx context.Context, queue string) error {
	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, q.key(queue), "1")
	pipe.LTrim(ctx, q.key(queue), 0, wakeDepth-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "notify: push")
	}
	return nil
}

func (q *Redis) Wait(ctx context.Context, queue string, timeout time.Duration) (bool, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.key(queue)).Result()
	if errors.Is(err, r.Nil) {
		return false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, errors.Wrap(err, "notify: pop")
	}
	return len(res) == 2, nil
}

func (q *Redis) Close() error { return q.rdb.Close() }
