package flags

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	r "gopkg.in/redis.v5"

	"github.com/studify-ai/studify/pkg/db"
	"github.com/studify-ai/studify/pkg/gateway"
	"github.com/studify-ai/studify/pkg/history"
	"github.com/studify-ai/studify/pkg/sessionlock"
)

const (
	HistoryBackendDB   = "db"
	HistoryBackendBolt = "bolt"
)

// ChatFlags configures where chat history lives and how chat turns are coordinated.
type ChatFlags struct {
	HistoryBackend string
	BoltPath       string
	WindowLimit    int
	CommitTimeout  time.Duration

	LockBackend string
	LockWait    time.Duration
	LockTTL     time.Duration
}

func NewChatFlags() *ChatFlags {
	return &ChatFlags{
		HistoryBackend: HistoryBackendDB,
		BoltPath:       "data/history.bolt",
		WindowLimit:    history.DefaultWindowLimit,
		CommitTimeout:  gateway.DefaultCommitTimeout,
		LockBackend:    sessionlock.BackendLocal,
		LockWait:       30 * time.Second,
		LockTTL:        2 * time.Minute,
	}
}

func (f *ChatFlags) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&f.HistoryBackend, "history-backend", f.HistoryBackend, "Chat history store: {db,bolt}. The bolt file is locked by the process using it, so with bolt retention runs inside serve via --retention-keep")
	fs.StringVar(&f.BoltPath, "history-bolt-path", f.BoltPath, "File used by the bolt history store")
	fs.IntVar(&f.WindowLimit, "history-window", f.WindowLimit, "Number of recent turns, including the new one, read back for each chat turn")
	fs.DurationVar(&f.CommitTimeout, "commit-timeout", f.CommitTimeout, "Time allowed for saving a reply after the client disconnected")
	fs.StringVar(&f.LockBackend, "session-lock", f.LockBackend, "Session lock: {local,redis,none}")
	fs.DurationVar(&f.LockWait, "session-lock-wait", f.LockWait, "How long a chat turn waits for its session to be free")
	fs.DurationVar(&f.LockTTL, "session-lock-ttl", f.LockTTL, "Expiry of redis session locks")
}

func (f *ChatFlags) Validate() error {
	switch f.HistoryBackend {
	case HistoryBackendDB, HistoryBackendBolt:
	default:
		return errors.Errorf("unknown history backend %q", f.HistoryBackend)
	}
	switch f.LockBackend {
	case sessionlock.BackendLocal, sessionlock.BackendRedis, sessionlock.BackendNone:
	default:
		return errors.Errorf("unknown session lock %q", f.LockBackend)
	}
	if f.WindowLimit < 1 {
		return errors.New("--history-window must be at least 1")
	}
	if f.LockBackend == sessionlock.BackendRedis && f.LockTTL <= 0 {
		return errors.New("--session-lock-ttl must be positive")
	}
	return nil
}

// ValidateTurnBudget rejects a redis lock that can expire before a turn
// taking up to providerTimeout plus the commit timeout has finished.
func (f *ChatFlags) ValidateTurnBudget(providerTimeout time.Duration) error {
	if f.LockBackend != sessionlock.BackendRedis {
		return nil
	}
	if budget := providerTimeout + f.CommitTimeout; f.LockTTL < budget {
		return errors.Errorf("--session-lock-ttl (%s) must be at least --ai-timeout plus --commit-timeout (%s)", f.LockTTL, budget)
	}
	return nil
}

// GetHistoryStore returns the configured store and a function releasing it.
func (f *ChatFlags) GetHistoryStore(dbc *db.DB) (history.Store, func() error, error) {
	if f.HistoryBackend == HistoryBackendBolt {
		s, err := history.NewBoltStore(f.BoltPath)
		if errors.Is(err, history.ErrStoreInUse) {
			return nil, nil, errors.WithMessage(err, "only one process can open the bolt history; prune it from serve with --retention-keep")
		}
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return history.NewDBStore(dbc), func() error { return nil }, nil
}

func (f *ChatFlags) GetLocker(client *r.Client) (sessionlock.Locker, error) {
	switch f.LockBackend {
	case sessionlock.BackendNone:
		return sessionlock.None{}, nil
	case sessionlock.BackendRedis:
		if client == nil {
			return nil, errors.New("--session-lock=redis requires --redis-url")
		}
		return sessionlock.NewRedis(client, f.LockTTL, f.LockWait), nil
	default:
		return sessionlock.NewLocal(f.LockWait), nil
	}
}
