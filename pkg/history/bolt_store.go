package history

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/studify-ai/studify/pkg/db/models"
)

const backendBolt = "bolt"

var turnsBucket = []byte("chat_turns")

// BoltStore keeps chat turns in an embedded bbolt file: one bucket per user,
// nested buckets per session, keyed by the session bucket's sequence.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "could not create directory for %s", path)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if errors.Is(err, bolt.ErrTimeout) {
		return nil, errors.Wrapf(ErrStoreInUse, "could not open bolt history at %s", path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not open bolt history at %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(turnsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func userKey(userID uint) []byte {
	return []byte(strconv.FormatUint(uint64(userID), 10))
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

// sessionBucket returns nil when the session has never been written to.
func sessionBucket(tx *bolt.Tx, userID uint, session string) *bolt.Bucket {
	users := tx.Bucket(turnsBucket).Bucket(userKey(userID))
	if users == nil {
		return nil
	}
	return users.Bucket([]byte(session))
}

func (s *BoltStore) Append(ctx context.Context, userID uint, session, role, content string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, storageFailure(backendBolt, "append", err)
	}

	turn := models.ChatTurn{
		CreatedAt:  time.Now().UTC(),
		UserID:     userID,
		SessionKey: session,
		Role:       role,
		Content:    content,
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		users, err := tx.Bucket(turnsBucket).CreateBucketIfNotExists(userKey(userID))
		if err != nil {
			return err
		}
		b, err := users.CreateBucketIfNotExists([]byte(session))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		turn.ID = seq
		data, err := json.Marshal(turn)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"user":    userID,
			"session": session,
		}).Error("error appending chat turn")
		return 0, storageFailure(backendBolt, "append", err)
	}

	appendedTurnsMetric.WithLabelValues(backendBolt, role).Inc()
	return turn.ID, nil
}

func (s *BoltStore) Window(ctx context.Context, userID uint, session string, limit int) ([]models.ChatTurn, error) {
	turns := []models.ChatTurn{}
	if limit <= 0 {
		return turns, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, storageFailure(backendBolt, "window", err)
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		b := sessionBucket(tx, userID, session)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(turns) < limit; k, v = c.Prev() {
			var turn models.ChatTurn
			if err := json.Unmarshal(v, &turn); err != nil {
				// Skip malformed entries instead of failing the whole read
				log.WithError(err).Warn("skipping malformed chat turn")
				continue
			}
			turns = append(turns, turn)
		}
		return nil
	})
	if err != nil {
		return nil, storageFailure(backendBolt, "window", err)
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *BoltStore) Prune(ctx context.Context, userID uint, session string, keep int) (int64, error) {
	if err := validateKeep(keep); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, storageFailure(backendBolt, "prune", err)
	}

	var removed int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := sessionBucket(tx, userID, session)
		if b == nil {
			return nil
		}

		var stale [][]byte
		kept := 0
		c := b.Cursor()
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			if kept < keep {
				kept++
				continue
			}
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = int64(len(stale))
		return nil
	})
	if err != nil {
		return 0, storageFailure(backendBolt, "prune", err)
	}

	prunedTurnsMetric.WithLabelValues(backendBolt).Add(float64(removed))
	return removed, nil
}

func (s *BoltStore) Sessions(ctx context.Context) ([]SessionRef, error) {
	refs := []SessionRef{}
	if err := ctx.Err(); err != nil {
		return nil, storageFailure(backendBolt, "sessions", err)
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(turnsBucket).ForEach(func(uk, uv []byte) error {
			if uv != nil {
				return nil
			}
			id, err := strconv.ParseUint(string(uk), 10, 64)
			if err != nil {
				return nil
			}
			return tx.Bucket(turnsBucket).Bucket(uk).ForEach(func(sk, sv []byte) error {
				if sv == nil {
					refs = append(refs, SessionRef{UserID: uint(id), SessionKey: string(sk)})
				}
				return nil
			})
		})
	})
	if err != nil {
		return nil, storageFailure(backendBolt, "sessions", err)
	}
	return refs, nil
}
