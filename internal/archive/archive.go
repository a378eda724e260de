// Package archive persists tuning sessions and their results in badger.
//
// Session metadata lives under "session/<id>" and results under
// "result/<id>/<seq>", with seq zero padded so keys sort in record order.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/samcharles93/ktune/internal/backend"
	"github.com/samcharles93/ktune/internal/logger"
	"github.com/samcharles93/ktune/internal/result"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrInvalidID = errors.New("invalid session id")
)

// State is the lifecycle state of a session.
type State string

const (
	StateRunning  State = "running"
	StateFinished State = "finished"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// StateFor maps the error returned by tuner.Tune to a final state.
func StateFor(err error) State {
	switch {
	case err == nil:
		return StateFinished
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StateStopped
	default:
		return StateFailed
	}
}

// Session is the archived description of one tuning session.
type Session struct {
	ID       string `json:"id"`
	Plan     string `json:"plan"`
	Workload string `json:"workload"`
	Backend  string `json:"backend"`
	Strategy string `json:"strategy"`
	// Policy and Metric decide how Best is selected, during and after the run.
	Policy  result.Policy        `json:"policy"`
	Metric  result.Metric        `json:"metric"`
	Devices []backend.DeviceInfo `json:"devices,omitempty"`
	// Total is the number of legal configurations of the space.
	Total    int            `json:"total"`
	State    State          `json:"state"`
	Started  time.Time      `json:"started"`
	Finished *time.Time     `json:"finished,omitempty"`
	Summary  result.Summary `json:"summary"`
	Best     *result.Result `json:"best,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Options configures Open.
type Options struct {
	// Dir holds the database files. It is ignored when InMemory is set.
	Dir      string
	InMemory bool
	// Logger receives badger's own messages. Nil silences them.
	Logger logger.Logger
}

type Archive struct {
	db  *badger.DB
	now func() time.Time
}

// Open opens or creates an archive.
func Open(opts Options) (*Archive, error) {
	var bo badger.Options
	if opts.InMemory {
		bo = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, errors.New("archive: directory is required")
		}
		if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("archive: create %s: %w", opts.Dir, err)
		}
		bo = badger.DefaultOptions(opts.Dir)
	}
	bo = bo.WithNumVersionsToKeep(1)
	if opts.Logger != nil {
		bo = bo.WithLogger(badgerLogger{l: opts.Logger.With("component", "badger")})
	} else {
		bo = bo.WithLogger(nil)
	}
	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	return &Archive{db: db, now: time.Now}, nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}

func sessionKey(id string) []byte { return []byte("session/" + id) }

func resultPrefix(id string) []byte { return []byte("result/" + id + "/") }

func resultKey(id string, seq int) []byte {
	return fmt.Appendf(resultPrefix(id), "%010d", seq)
}

func checkID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Create stores s as a running session with a fresh ID and start time.
func (a *Archive) Create(s Session) (Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Session{}, fmt.Errorf("archive: session id: %w", err)
	}
	s.ID = id.String()
	s.State = StateRunning
	s.Started = a.now().UTC()
	s.Finished = nil
	if err := a.put(s); err != nil {
		return Session{}, err
	}
	return s, nil
}

func (a *Archive) put(s Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("archive: encode session %s: %w", s.ID, err)
	}
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sessionKey(s.ID), data)
	})
}

// Session returns one session.
func (a *Archive) Session(id string) (Session, error) {
	if err := checkID(id); err != nil {
		return Session{}, err
	}
	var s Session
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &s) })
	})
	return s, err
}

// Sessions lists every session, most recently started first.
func (a *Archive) Sessions() ([]Session, error) {
	var out []Session
	err := a.scan([]byte("session/"), func(v []byte) error {
		var s Session
		if err := json.Unmarshal(v, &s); err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: list sessions: %w", err)
	}
	slices.SortStableFunc(out, func(x, y Session) int { return y.Started.Compare(x.Started) })
	return out, nil
}

// Results returns a session's results in record order.
func (a *Archive) Results(id string) ([]result.Result, error) {
	if _, err := a.Session(id); err != nil {
		return nil, err
	}
	var out []result.Result
	err := a.scan(resultPrefix(id), func(v []byte) error {
		var r result.Result
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: results of %s: %w", id, err)
	}
	return out, nil
}

func (a *Archive) scan(prefix []byte, fn func(v []byte) error) error {
	return a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

// Finish records the final state, summary and best result of a session.
func (a *Archive) Finish(id string, store *result.Store, metric result.Metric, runErr error) (Session, error) {
	s, err := a.Session(id)
	if err != nil {
		return Session{}, err
	}
	now := a.now().UTC()
	s.Finished = &now
	s.State = StateFor(runErr)
	s.Error = ""
	if runErr != nil {
		s.Error = runErr.Error()
	}
	s.Best = nil
	if store != nil {
		s.Summary = store.Summary()
		if best, ok := store.Best(metric); ok {
			s.Best = &best
		}
	}
	return s, a.put(s)
}

// Delete removes a session and its results.
func (a *Archive) Delete(id string) error {
	if _, err := a.Session(id); err != nil {
		return err
	}
	var keys [][]byte
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = resultPrefix(id)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("archive: delete %s: %w", id, err)
	}
	keys = append(keys, sessionKey(id))

	wb := a.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("archive: delete %s: %w", id, err)
		}
	}
	return wb.Flush()
}

// Recorder appends results of one session as they are produced. Record has
// the shape of a tuner result hook and is safe for concurrent use.
type Recorder struct {
	a  *Archive
	id string

	mu  sync.Mutex
	err error
}

func (a *Archive) Recorder(id string) *Recorder {
	return &Recorder{a: a, id: id}
}

func (r *Recorder) Record(res result.Result) {
	data, err := json.Marshal(res)
	if err == nil {
		err = r.a.db.Update(func(txn *badger.Txn) error {
			return txn.Set(resultKey(r.id, res.Seq), data)
		})
	}
	if err != nil {
		r.mu.Lock()
		if r.err == nil {
			r.err = fmt.Errorf("archive: record result %d of %s: %w", res.Seq, r.id, err)
		}
		r.mu.Unlock()
	}
}

// Err returns the first error Record ran into.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

type badgerLogger struct {
	l logger.Logger
}

func (b badgerLogger) Errorf(format string, args ...any) {
	b.l.Error(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Warningf(format string, args ...any) {
	b.l.Warn(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Infof(format string, args ...any) {
	b.l.Debug(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Debugf(format string, args ...any) {
	b.l.Debug(fmt.Sprintf(format, args...))
}
