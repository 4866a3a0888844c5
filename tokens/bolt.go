package tokens

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

var (
	boltKinds       = []Kind{KindPasswordForgot, KindAccountReset, KindPasswordChange, KindSession, KindKeyFetch}
	boltIndexBucket = []byte("uid_index")
)

// BoltStore keeps tokens in an embedded bbolt file. Each operation runs in a
// single bbolt transaction; expired records are hidden on read and removed by
// [BoltStore.PurgeExpired].
type BoltStore struct {
	db      *bbolt.DB
	opts    Options
	factory factory
}

var _ Store = (*BoltStore)(nil)

// OpenBoltStore opens (or creates) a bbolt token database at path.
func OpenBoltStore(path string, opts Options) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open token db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, kind := range boltKinds {
			if _, err := tx.CreateBucketIfNotExists([]byte(kind)); err != nil {
				return err
			}
		}
		_, err := tx.CreateBucketIfNotExists(boltIndexBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init token buckets: %w", err)
	}

	opts = opts.withDefaults()
	return &BoltStore{db: db, opts: opts, factory: factory{opts: opts}}, nil
}

func (s *BoltStore) update(fn func(tx *bbolt.Tx) error) error {
	err := s.db.Update(fn)
	return s.classify(err)
}

func (s *BoltStore) view(fn func(tx *bbolt.Tx) error) error {
	err := s.db.View(fn)
	return s.classify(err)
}

func (s *BoltStore) classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrCorrupt):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

func putRecord(tx *bbolt.Tx, kind Kind, id, uid string, data []byte) error {
	if err := tx.Bucket([]byte(kind)).Put([]byte(id), data); err != nil {
		return err
	}
	idx, err := tx.Bucket(boltIndexBucket).CreateBucketIfNotExists([]byte(uid))
	if err != nil {
		return err
	}
	return idx.Put([]byte(member(kind, id)), nil)
}

func getRecord(tx *bbolt.Tx, kind Kind, id string) ([]byte, error) {
	v := tx.Bucket([]byte(kind)).Get([]byte(id))
	if v == nil {
		return nil, ErrNotFound
	}
	// bbolt values are only valid for the life of the transaction.
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func deleteRecord(tx *bbolt.Tx, kind Kind, id, uid string) error {
	if err := tx.Bucket([]byte(kind)).Delete([]byte(id)); err != nil {
		return err
	}
	if idx := tx.Bucket(boltIndexBucket).Bucket([]byte(uid)); idx != nil {
		return idx.Delete([]byte(member(kind, id)))
	}
	return nil
}

func (s *BoltStore) live(createdAt time.Time, lifetime time.Duration) error {
	if expired(s.opts.Now(), createdAt, lifetime) {
		return ErrNotFound
	}
	return nil
}

func (s *BoltStore) CreatePasswordForgotToken(_ context.Context, owner Owner) (*PasswordForgotToken, error) {
	t, err := s.factory.passwordForgot(owner)
	if err != nil {
		return nil, err
	}
	data, err := encodePasswordForgot(t)
	if err != nil {
		return nil, err
	}
	err = s.update(func(tx *bbolt.Tx) error {
		return putRecord(tx, KindPasswordForgot, t.ID, t.UID, data)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *BoltStore) PasswordForgotToken(_ context.Context, id string) (*PasswordForgotToken, error) {
	var t *PasswordForgotToken
	err := s.view(func(tx *bbolt.Tx) error {
		data, err := getRecord(tx, KindPasswordForgot, id)
		if err != nil {
			return err
		}
		if t, err = decodePasswordForgot(id, data); err != nil {
			return err
		}
		return s.live(t.CreatedAt, t.Lifetime)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *BoltStore) UpdatePasswordForgotToken(_ context.Context, t *PasswordForgotToken) error {
	data, err := encodePasswordForgot(t)
	if err != nil {
		return err
	}
	return s.update(func(tx *bbolt.Tx) error {
		if _, err := getRecord(tx, KindPasswordForgot, t.ID); err != nil {
			return err
		}
		return tx.Bucket([]byte(KindPasswordForgot)).Put([]byte(t.ID), data)
	})
}

func (s *BoltStore) DeletePasswordForgotToken(_ context.Context, t *PasswordForgotToken) error {
	return s.update(func(tx *bbolt.Tx) error {
		return deleteRecord(tx, KindPasswordForgot, t.ID, t.UID)
	})
}

func (s *BoltStore) FailPasswordForgotAttempt(_ context.Context, id string) (*PasswordForgotToken, bool, error) {
	var (
		out       *PasswordForgotToken
		exhausted bool
	)
	err := s.update(func(tx *bbolt.Tx) error {
		data, err := getRecord(tx, KindPasswordForgot, id)
		if err != nil {
			return err
		}
		t, err := decodePasswordForgot(id, data)
		if err != nil {
			return err
		}
		if exhausted = t.FailAttempt(); exhausted {
			out = t
			return deleteRecord(tx, KindPasswordForgot, id, t.UID)
		}
		encoded, err := encodePasswordForgot(t)
		if err != nil {
			return err
		}
		out = t
		return tx.Bucket([]byte(KindPasswordForgot)).Put([]byte(id), encoded)
	})
	if err != nil {
		return nil, false, err
	}
	return out, exhausted, nil
}

func (s *BoltStore) ForgotPasswordVerified(_ context.Context, t *PasswordForgotToken) (*AccountResetToken, error) {
	next, err := s.factory.accountReset(t.UID)
	if err != nil {
		return nil, err
	}
	data, err := encodeAccountReset(next)
	if err != nil {
		return nil, err
	}
	err = s.update(func(tx *bbolt.Tx) error {
		if _, err := getRecord(tx, KindPasswordForgot, t.ID); err != nil {
			return err
		}
		if err := deleteRecord(tx, KindPasswordForgot, t.ID, t.UID); err != nil {
			return err
		}
		return putRecord(tx, KindAccountReset, next.ID, next.UID, data)
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

func (s *BoltStore) AccountResetToken(_ context.Context, id string) (*AccountResetToken, error) {
	var t *AccountResetToken
	err := s.view(func(tx *bbolt.Tx) error {
		data, err := getRecord(tx, KindAccountReset, id)
		if err != nil {
			return err
		}
		if t, err = decodeAccountReset(id, data); err != nil {
			return err
		}
		return s.live(t.CreatedAt, t.Lifetime)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *BoltStore) ConsumeAccountResetToken(_ context.Context, id string) (*AccountResetToken, error) {
	var t *AccountResetToken
	err := s.update(func(tx *bbolt.Tx) error {
		data, err := getRecord(tx, KindAccountReset, id)
		if err != nil {
			return err
		}
		if t, err = decodeAccountReset(id, data); err != nil {
			return err
		}
		return deleteRecord(tx, KindAccountReset, id, t.UID)
	})
	if err != nil {
		return nil, err
	}
	if err := s.live(t.CreatedAt, t.Lifetime); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *BoltStore) CreatePasswordChangeToken(_ context.Context, owner Owner) (*PasswordChangeToken, error) {
	t, err := s.factory.passwordChange(owner)
	if err != nil {
		return nil, err
	}
	data, err := encodePasswordChange(t)
	if err != nil {
		return nil, err
	}
	err = s.update(func(tx *bbolt.Tx) error {
		return putRecord(tx, KindPasswordChange, t.ID, t.UID, data)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *BoltStore) PasswordChangeToken(_ context.Context, id string) (*PasswordChangeToken, error) {
	var t *PasswordChangeToken
	err := s.view(func(tx *bbolt.Tx) error {
		data, err := getRecord(tx, KindPasswordChange, id)
		if err != nil {
			return err
		}
		if t, err = decodePasswordChange(id, data); err != nil {
			return err
		}
		return s.live(t.CreatedAt, t.Lifetime)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *BoltStore) DeletePasswordChangeToken(_ context.Context, t *PasswordChangeToken) error {
	return s.update(func(tx *bbolt.Tx) error {
		if _, err := getRecord(tx, KindPasswordChange, t.ID); err != nil {
			return err
		}
		return deleteRecord(tx, KindPasswordChange, t.ID, t.UID)
	})
}

func (s *BoltStore) CreateSessionToken(_ context.Context, opts SessionOptions) (*SessionToken, error) {
	t, err := s.factory.session(opts)
	if err != nil {
		return nil, err
	}
	data, err := encodeSession(t)
	if err != nil {
		return nil, err
	}
	err = s.update(func(tx *bbolt.Tx) error {
		return putRecord(tx, KindSession, t.ID, t.UID, data)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *BoltStore) SessionToken(_ context.Context, id string) (*SessionToken, error) {
	var t *SessionToken
	err := s.view(func(tx *bbolt.Tx) error {
		data, err := getRecord(tx, KindSession, id)
		if err != nil {
			return err
		}
		if t, err = decodeSession(id, data); err != nil {
			return err
		}
		return s.live(t.CreatedAt, t.Lifetime)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *BoltStore) VerifyTokensWithMethod(_ context.Context, id string, method VerificationMethod) error {
	return s.update(func(tx *bbolt.Tx) error {
		data, err := getRecord(tx, KindSession, id)
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
		return tx.Bucket([]byte(KindSession)).Put([]byte(id), encoded)
	})
}

func (s *BoltStore) CreateKeyFetchToken(_ context.Context, opts KeyFetchOptions) (*KeyFetchToken, error) {
	t, err := s.factory.keyFetch(opts)
	if err != nil {
		return nil, err
	}
	data, err := encodeKeyFetch(t)
	if err != nil {
		return nil, err
	}
	err = s.update(func(tx *bbolt.Tx) error {
		return putRecord(tx, KindKeyFetch, t.ID, t.UID, data)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *BoltStore) KeyFetchToken(_ context.Context, id string) (*KeyFetchToken, error) {
	var t *KeyFetchToken
	err := s.update(func(tx *bbolt.Tx) error {
		data, err := getRecord(tx, KindKeyFetch, id)
		if err != nil {
			return err
		}
		if t, err = decodeKeyFetch(id, data); err != nil {
			return err
		}
		return deleteRecord(tx, KindKeyFetch, id, t.UID)
	})
	if err != nil {
		return nil, err
	}
	if err := s.live(t.CreatedAt, t.Lifetime); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *BoltStore) DeleteAllForUser(_ context.Context, uid string) error {
	return s.update(func(tx *bbolt.Tx) error {
		index := tx.Bucket(boltIndexBucket)
		idx := index.Bucket([]byte(uid))
		if idx == nil {
			return nil
		}
		err := idx.ForEach(func(k, _ []byte) error {
			kind, id, ok := strings.Cut(string(k), ":")
			if !ok {
				return nil
			}
			b := tx.Bucket([]byte(kind))
			if b == nil {
				return nil
			}
			return b.Delete([]byte(id))
		})
		if err != nil {
			return err
		}
		return index.DeleteBucket([]byte(uid))
	})
}

// PurgeExpired deletes records whose lifetime has passed and returns how
// many were removed.
func (s *BoltStore) PurgeExpired(ctx context.Context) (int, error) {
	now := s.opts.Now()
	purged := 0
	err := s.update(func(tx *bbolt.Tx) error {
		for _, kind := range boltKinds {
			if err := ctx.Err(); err != nil {
				return err
			}
			b := tx.Bucket([]byte(kind))
			type victim struct{ id, uid string }
			var victims []victim
			err := b.ForEach(func(k, v []byte) error {
				uid, createdAt, lifetime, err := recordMeta(kind, string(k), v)
				if err != nil || expired(now, createdAt, lifetime) {
					victims = append(victims, victim{id: string(k), uid: uid})
				}
				return nil
			})
			if err != nil {
				return err
			}
			for _, v := range victims {
				if err := deleteRecord(tx, kind, v.id, v.uid); err != nil {
					return err
				}
				purged++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
