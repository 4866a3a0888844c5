package tokens

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	maxWatchRetries = 4
	purgeScanCount  = 100
)

// indexAddScript adds a member to a uid index and keeps the index alive at
// least as long as its longest-lived member. A ttl of 0 marks a member that
// never expires, which makes the index persistent.
var indexAddScript = redis.NewScript(`
local current = redis.call('PTTL', KEYS[1])
redis.call('SADD', KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl <= 0 then
	redis.call('PERSIST', KEYS[1])
elseif current == -2 or (current >= 0 and current < ttl) then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

// RedisStore keeps tokens in Redis. Records expire with their key TTL and a
// per-uid SET indexes every live token of an account.
type RedisStore struct {
	redis   redis.UniversalClient
	opts    Options
	factory factory
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a [RedisStore]. The client is owned by the caller.
func NewRedisStore(client redis.UniversalClient, opts Options) *RedisStore {
	opts = opts.withDefaults()
	return &RedisStore{
		redis:   client,
		opts:    opts,
		factory: factory{opts: opts},
	}
}

func (s *RedisStore) key(kind Kind, id string) string {
	return s.opts.Prefix + ":" + string(kind) + ":" + id
}

func (s *RedisStore) indexKey(uid string) string {
	return s.opts.Prefix + ":uid:" + uid
}

func member(kind Kind, id string) string {
	return string(kind) + ":" + id
}

func (s *RedisStore) indexAdd(ctx context.Context, pipe redis.Pipeliner, uid string, kind Kind, id string, ttl time.Duration) {
	indexAddScript.Eval(ctx, pipe, []string{s.indexKey(uid)}, member(kind, id), ttl.Milliseconds())
}

func (s *RedisStore) put(ctx context.Context, kind Kind, id, uid string, data []byte, ttl time.Duration) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(kind, id), data, ttl)
		s.indexAdd(ctx, pipe, uid, kind, id, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) get(ctx context.Context, kind Kind, id string) ([]byte, error) {
	data, err := s.redis.Get(ctx, s.key(kind, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return data, nil
}

func (s *RedisStore) remove(ctx context.Context, kind Kind, id, uid string) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(kind, id))
		pipe.SRem(ctx, s.indexKey(uid), member(kind, id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// watch runs fn in an optimistic transaction, retrying when a watched key
// changed underneath it.
func (s *RedisStore) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxWatchRetries; i++ {
		err := s.redis.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.Nil), errors.Is(err, ErrNotFound):
			return ErrNotFound
		case errors.Is(err, ErrCorrupt):
			return err
		default:
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return fmt.Errorf("%w: transaction contention", ErrUnavailable)
}

// take reads and deletes a record in one transaction.
func (s *RedisStore) take(ctx context.Context, kind Kind, id string) ([]byte, error) {
	key := s.key(kind, id)
	var out []byte
	err := s.watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		uid, _, _, err := recordMeta(kind, id, data)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, s.indexKey(uid), member(kind, id))
			return nil
		})
		if err != nil {
			return err
		}
		out = data
		return nil
	}, key)
	return out, err
}

func (s *RedisStore) CreatePasswordForgotToken(ctx context.Context, owner Owner) (*PasswordForgotToken, error) {
	t, err := s.factory.passwordForgot(owner)
	if err != nil {
		return nil, err
	}
	data, err := encodePasswordForgot(t)
	if err != nil {
		return nil, err
	}
	if err := s.put(ctx, KindPasswordForgot, t.ID, t.UID, data, t.Lifetime); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *RedisStore) PasswordForgotToken(ctx context.Context, id string) (*PasswordForgotToken, error) {
	data, err := s.get(ctx, KindPasswordForgot, id)
	if err != nil {
		return nil, err
	}
	t, err := decodePasswordForgot(id, data)
	if err != nil {
		return nil, err
	}
	if expired(s.opts.Now(), t.CreatedAt, t.Lifetime) {
		return nil, ErrNotFound
	}
	return t, nil
}

func (s *RedisStore) UpdatePasswordForgotToken(ctx context.Context, t *PasswordForgotToken) error {
	data, err := encodePasswordForgot(t)
	if err != nil {
		return err
	}
	err = s.redis.SetArgs(ctx, s.key(KindPasswordForgot, t.ID), data, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) DeletePasswordForgotToken(ctx context.Context, t *PasswordForgotToken) error {
	return s.remove(ctx, KindPasswordForgot, t.ID, t.UID)
}

func (s *RedisStore) FailPasswordForgotAttempt(ctx context.Context, id string) (*PasswordForgotToken, bool, error) {
	key := s.key(KindPasswordForgot, id)

	var (
		out       *PasswordForgotToken
		exhausted bool
	)
	err := s.watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		t, err := decodePasswordForgot(id, data)
		if err != nil {
			return err
		}

		gone := t.FailAttempt()
		var encoded []byte
		if !gone {
			if encoded, err = encodePasswordForgot(t); err != nil {
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if gone {
				pipe.Del(ctx, key)
				pipe.SRem(ctx, s.indexKey(t.UID), member(KindPasswordForgot, id))
				return nil
			}
			pipe.SetArgs(ctx, key, encoded, redis.SetArgs{KeepTTL: true})
			return nil
		})
		if err != nil {
			return err
		}
		out, exhausted = t, gone
		return nil
	}, key)
	if err != nil {
		return nil, false, err
	}
	return out, exhausted, nil
}

func (s *RedisStore) ForgotPasswordVerified(ctx context.Context, t *PasswordForgotToken) (*AccountResetToken, error) {
	forgotKey := s.key(KindPasswordForgot, t.ID)

	var reset *AccountResetToken
	err := s.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, forgotKey).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}

		next, err := s.factory.accountReset(t.UID)
		if err != nil {
			return err
		}
		data, err := encodeAccountReset(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, forgotKey)
			pipe.SRem(ctx, s.indexKey(t.UID), member(KindPasswordForgot, t.ID))
			pipe.Set(ctx, s.key(KindAccountReset, next.ID), data, next.Lifetime)
			s.indexAdd(ctx, pipe, t.UID, KindAccountReset, next.ID, next.Lifetime)
			return nil
		})
		if err != nil {
			return err
		}
		reset = next
		return nil
	}, forgotKey)
	if err != nil {
		return nil, err
	}
	return reset, nil
}

func (s *RedisStore) AccountResetToken(ctx context.Context, id string) (*AccountResetToken, error) {
	data, err := s.get(ctx, KindAccountReset, id)
	if err != nil {
		return nil, err
	}
	t, err := decodeAccountReset(id, data)
	if err != nil {
		return nil, err
	}
	if expired(s.opts.Now(), t.CreatedAt, t.Lifetime) {
		return nil, ErrNotFound
	}
	return t, nil
}

func (s *RedisStore) ConsumeAccountResetToken(ctx context.Context, id string) (*AccountResetToken, error) {
	data, err := s.take(ctx, KindAccountReset, id)
	if err != nil {
		return nil, err
	}
	t, err := decodeAccountReset(id, data)
	if err != nil {
		return nil, err
	}
	if expired(s.opts.Now(), t.CreatedAt, t.Lifetime) {
		return nil, ErrNotFound
	}
	return t, nil
}

func (s *RedisStore) CreatePasswordChangeToken(ctx context.Context, owner Owner) (*PasswordChangeToken, error) {
	t, err := s.factory.passwordChange(owner)
	if err != nil {
		return nil, err
	}
	data, err := encodePasswordChange(t)
	if err != nil {
		return nil, err
	}
	if err := s.put(ctx, KindPasswordChange, t.ID, t.UID, data, t.Lifetime); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *RedisStore) PasswordChangeToken(ctx context.Context, id string) (*PasswordChangeToken, error) {
	data, err := s.get(ctx, KindPasswordChange, id)
	if err != nil {
		return nil, err
	}
	t, err := decodePasswordChange(id, data)
	if err != nil {
		return nil, err
	}
	if expired(s.opts.Now(), t.CreatedAt, t.Lifetime) {
		return nil, ErrNotFound
	}
	return t, nil
}

// DeletePasswordChangeToken removes the token and fails with ErrNotFound if
// another caller already consumed it.
func (s *RedisStore) DeletePasswordChangeToken(ctx context.Context, t *PasswordChangeToken) error {
	_, err := s.take(ctx, KindPasswordChange, t.ID)
	return err
}

func (s *RedisStore) CreateSessionToken(ctx context.Context, opts SessionOptions) (*SessionToken, error) {
	t, err := s.factory.session(opts)
	if err != nil {
		return nil, err
	}
	data, err := encodeSession(t)
	if err != nil {
		return nil, err
	}
	if err := s.put(ctx, KindSession, t.ID, t.UID, data, t.Lifetime); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *RedisStore) SessionToken(ctx context.Context, id string) (*SessionToken, error) {
	data, err := s.get(ctx, KindSession, id)
	if err != nil {
		return nil, err
	}
	t, err := decodeSession(id, data)
	if err != nil {
		return nil, err
	}
	if expired(s.opts.Now(), t.CreatedAt, t.Lifetime) {
		return nil, ErrNotFound
	}
	return t, nil
}

func (s *RedisStore) VerifyTokensWithMethod(ctx context.Context, id string, method VerificationMethod) error {
	key := s.key(KindSession, id)
	return s.watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		t, err := decodeSession(id, data)
		if err != nil {
			return err
		}
		t.TokenVerified = true
		t.VerificationMethod = method
		t.LastAuthAt = s.factory.now()
		encoded, err := encodeSession(t)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, key, encoded, redis.SetArgs{KeepTTL: true})
			return nil
		})
		return err
	}, key)
}

func (s *RedisStore) CreateKeyFetchToken(ctx context.Context, opts KeyFetchOptions) (*KeyFetchToken, error) {
	t, err := s.factory.keyFetch(opts)
	if err != nil {
		return nil, err
	}
	data, err := encodeKeyFetch(t)
	if err != nil {
		return nil, err
	}
	if err := s.put(ctx, KindKeyFetch, t.ID, t.UID, data, t.Lifetime); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *RedisStore) KeyFetchToken(ctx context.Context, id string) (*KeyFetchToken, error) {
	data, err := s.take(ctx, KindKeyFetch, id)
	if err != nil {
		return nil, err
	}
	t, err := decodeKeyFetch(id, data)
	if err != nil {
		return nil, err
	}
	if expired(s.opts.Now(), t.CreatedAt, t.Lifetime) {
		return nil, ErrNotFound
	}
	return t, nil
}

// DeleteAllForUser removes every token indexed for uid. The index is watched
// so a token minted concurrently forces a retry instead of surviving.
func (s *RedisStore) DeleteAllForUser(ctx context.Context, uid string) error {
	idx := s.indexKey(uid)
	err := s.watch(ctx, func(tx *redis.Tx) error {
		members, err := tx.SMembers(ctx, idx).Result()
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(members)+1)
		for _, m := range members {
			if !strings.Contains(m, ":") {
				continue
			}
			keys = append(keys, s.opts.Prefix+":"+m)
		}
		keys = append(keys, idx)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, keys...)
			return nil
		})
		return err
	}, idx)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// PurgeExpired drops uid index entries whose token Redis already expired
// through its key TTL and returns how many it removed. The records
// themselves need no purge.
func (s *RedisStore) PurgeExpired(ctx context.Context) (int, error) {
	purged := 0
	iter := s.redis.Scan(ctx, 0, s.opts.Prefix+":uid:*", purgeScanCount).Iterator()
	for iter.Next(ctx) {
		n, err := s.pruneIndex(ctx, iter.Val())
		if err != nil {
			return purged, err
		}
		purged += n
	}
	if err := iter.Err(); err != nil {
		return purged, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return purged, nil
}

func (s *RedisStore) pruneIndex(ctx context.Context, idx string) (int, error) {
	members, err := s.redis.SMembers(ctx, idx).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	exists := make([]*redis.IntCmd, len(members))
	_, err = s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, m := range members {
			exists[i] = pipe.Exists(ctx, s.opts.Prefix+":"+m)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	stale := make([]any, 0, len(members))
	for i, m := range members {
		if exists[i].Val() == 0 {
			stale = append(stale, m)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := s.redis.SRem(ctx, idx, stale...).Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return len(stale), nil
}

func (s *RedisStore) Close() error {
	return nil
}
