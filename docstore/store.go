// Package docstore owns the live CRDT document instances. There is at most
// one instance per document key in the process; every session on that key
// shares it. The store is the only process-wide mutable state, and it is
// guarded per key — no operation ever takes a cross-document lock.
package docstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"coedit/common"
	"coedit/crdt"
	"coedit/persist"
)

// Options configures the store's persistence cadence.
type Options struct {
	// AutosaveInterval is how often a dirty document is flushed. Zero
	// disables periodic flushing; documents are then persisted only on
	// last close and shutdown.
	AutosaveInterval time.Duration

	// CloseTimeout bounds the final flush on last close. A flush that
	// exceeds it is retried out of band; eviction is never blocked on it.
	CloseTimeout time.Duration

	// RetryMaxElapsed caps the backoff retry budget for a failed store.
	RetryMaxElapsed time.Duration
}

// DefaultOptions returns the default persistence cadence.
func DefaultOptions() Options {
	return Options{
		AutosaveInterval: 30 * time.Second,
		CloseTimeout:     5 * time.Second,
		RetryMaxElapsed:  2 * time.Minute,
	}
}

// Store is the process-wide key→instance registry.
type Store struct {
	adapter persist.Adapter
	logger  *zap.Logger
	opts    Options

	// mutex guards the handle map, reference counts and the closing
	// markers only. Document state is guarded by each handle's own lock.
	mutex   sync.Mutex
	handles map[string]*Handle

	// closing marks keys whose final close flush is still in flight. An
	// open on such a key waits for the flush so its fetch sees it.
	closing map[string]chan struct{}

	// flushMutex guards the flush state map.
	flushMutex sync.Mutex
	flushes    map[string]*flushState
}

// flushState orders the durable writes of one document key. It outlives the
// key's live instance so a parked retry from a previous close can never
// overwrite a snapshot taken later.
type flushState struct {
	mutex sync.Mutex

	// seq is the last snapshot generation handed out.
	seq uint64

	// written is the generation of the last snapshot that landed.
	written uint64
}

// next stamps a freshly taken snapshot. Callers mint while holding the
// handle lock, so generation order matches snapshot content order.
func (fs *flushState) next() uint64 {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	fs.seq++
	return fs.seq
}

// New creates a store on top of the given persistence adapter.
func New(adapter persist.Adapter, logger *zap.Logger, opts Options) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = DefaultOptions().CloseTimeout
	}
	if opts.RetryMaxElapsed <= 0 {
		opts.RetryMaxElapsed = DefaultOptions().RetryMaxElapsed
	}
	return &Store{
		adapter: adapter,
		logger:  logger,
		opts:    opts,
		handles: make(map[string]*Handle),
		closing: make(map[string]chan struct{}),
		flushes: make(map[string]*flushState),
	}
}

// flushFor returns the key's flush state, creating it on first use. States
// are never removed; a key that was ever open keeps its write ordering.
func (s *Store) flushFor(key string) *flushState {
	s.flushMutex.Lock()
	defer s.flushMutex.Unlock()
	fs, ok := s.flushes[key]
	if !ok {
		fs = &flushState{}
		s.flushes[key] = fs
	}
	return fs
}

// persist writes one snapshot generation through the adapter. Writes for a
// key are serialized, and a generation older than one already written is
// dropped instead of clobbering it.
func (s *Store) persist(ctx context.Context, key string, data []byte, gen uint64) error {
	fs := s.flushFor(key)
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	if fs.written >= gen {
		s.logger.Debug("snapshot superseded, dropping",
			zap.String("document", key), zap.Uint64("generation", gen))
		return nil
	}
	if err := s.adapter.Store(ctx, key, data); err != nil {
		return err
	}
	fs.written = gen
	return nil
}

// Open returns the live document instance for the key, loading the
// persisted snapshot on first open. Opening an already-open key returns the
// same instance with its reference count raised. A missing, unreachable or
// unreadable snapshot degrades to an empty document — open never hard-fails
// on persistence.
func (s *Store) Open(ctx context.Context, key string) (*Handle, error) {
	for {
		s.mutex.Lock()
		if h, ok := s.handles[key]; ok {
			h.refs++
			s.mutex.Unlock()
			return h, nil
		}
		done, inFlight := s.closing[key]
		s.mutex.Unlock()

		if !inFlight {
			break
		}
		// The key's last close is still flushing. Wait for it so the
		// fetch below sees the flushed snapshot; the flush itself is
		// bounded by CloseTimeout, so this wait is too.
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// Load outside the registry lock so a slow fetch on one key does not
	// stall opens on other keys.
	doc := crdt.NewDocument()
	data, err := s.adapter.Fetch(ctx, key)
	switch {
	case err == nil:
		if uerr := doc.UnmarshalJSON(data); uerr != nil {
			s.logger.Error("stored snapshot is unreadable, starting empty",
				zap.String("document", key), zap.Error(uerr))
			doc = crdt.NewDocument()
		}
	case isSnapshotNotFound(err):
		// First open of a brand-new key.
	default:
		s.logger.Warn("snapshot fetch failed, starting empty",
			zap.String("document", key), zap.Error(err))
	}

	s.mutex.Lock()

	// Another session may have finished opening the same key, or a new
	// close flush may have started, while we were fetching.
	if h, ok := s.handles[key]; ok {
		h.refs++
		s.mutex.Unlock()
		return h, nil
	}
	if done, inFlight := s.closing[key]; inFlight {
		s.mutex.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return s.Open(ctx, key)
	}
	defer s.mutex.Unlock()

	h := &Handle{
		key:   key,
		store: s,
		doc:   doc,
		flush: s.flushFor(key),
		refs:  1,
	}
	s.handles[key] = h

	if s.opts.AutosaveInterval > 0 {
		var autosaveCtx context.Context
		autosaveCtx, h.cancelAutosave = context.WithCancel(context.Background())
		go s.autosave(autosaveCtx, h)
	}

	s.logger.Info("document opened", zap.String("document", key))
	return h, nil
}

// Release drops one reference to the handle. When the last reference is
// dropped, the document is flushed and evicted. The final flush is bounded
// by CloseTimeout; on failure the snapshot is retried out of band and
// eviction proceeds regardless.
func (s *Store) Release(h *Handle) {
	s.mutex.Lock()
	h.refs--
	if h.refs > 0 {
		s.mutex.Unlock()
		return
	}
	delete(s.handles, h.key)
	// Mark the close flush in flight so a concurrent Open waits for it
	// instead of fetching the pre-flush snapshot.
	done := make(chan struct{})
	s.closing[h.key] = done
	s.mutex.Unlock()

	defer func() {
		s.mutex.Lock()
		delete(s.closing, h.key)
		s.mutex.Unlock()
		close(done)
	}()

	if h.cancelAutosave != nil {
		h.cancelAutosave()
	}

	data, version, gen, err := h.takeFlushSnapshot()
	if err != nil {
		s.logger.Error("final snapshot failed", zap.String("document", h.key), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.CloseTimeout)
	defer cancel()
	if err := s.persist(ctx, h.key, data, gen); err != nil {
		s.logger.Warn("final flush failed, retrying out of band",
			zap.String("document", h.key), zap.Uint64("version", version), zap.Error(err))
		go s.storeWithRetry(context.Background(), h.key, data, gen)
		return
	}

	s.logger.Info("document closed", zap.String("document", h.key), zap.Uint64("version", version))
}

// OpenCount returns the number of live references for the key. Zero means
// the key has no instance.
func (s *Store) OpenCount(key string) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if h, ok := s.handles[key]; ok {
		return h.refs
	}
	return 0
}

// Shutdown flushes every live document and closes the adapter. It is called
// once on process termination, after new connections have stopped.
func (s *Store) Shutdown(ctx context.Context) error {
	s.mutex.Lock()
	open := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		open = append(open, h)
	}
	s.mutex.Unlock()

	for _, h := range open {
		if h.cancelAutosave != nil {
			h.cancelAutosave()
		}
		data, version, gen, err := h.takeFlushSnapshot()
		if err != nil {
			s.logger.Error("shutdown snapshot failed", zap.String("document", h.key), zap.Error(err))
			continue
		}
		if err := s.persist(ctx, h.key, data, gen); err != nil {
			s.logger.Error("shutdown flush failed",
				zap.String("document", h.key), zap.Uint64("version", version), zap.Error(err))
			continue
		}
		s.logger.Info("document flushed", zap.String("document", h.key), zap.Uint64("version", version))
	}

	return s.adapter.Close()
}

// autosave periodically flushes the handle while it is dirty.
func (s *Store) autosave(ctx context.Context, h *Handle) {
	ticker := time.NewTicker(s.opts.AutosaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, version, gen, ok := h.takeDirtySnapshot()
			if !ok {
				continue
			}
			if err := s.persist(ctx, h.key, data, gen); err != nil {
				s.logger.Warn("autosave failed",
					zap.String("document", h.key), zap.Uint64("version", version), zap.Error(err))
				h.markDirty()
				continue
			}
			s.logger.Debug("document autosaved",
				zap.String("document", h.key), zap.Uint64("version", version))
		}
	}
}

// storeWithRetry keeps trying to persist a snapshot with exponential
// backoff. It runs off the hot path; the in-memory document is never
// discarded because a store failed. The generation check in persist ends
// the retry quietly if a newer snapshot of the key lands first.
func (s *Store) storeWithRetry(ctx context.Context, key string, data []byte, gen uint64) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = s.opts.RetryMaxElapsed

	op := func() error {
		return s.persist(ctx, key, data, gen)
	}
	notify := func(err error, next time.Duration) {
		s.logger.Warn("snapshot store failed, backing off",
			zap.String("document", key), zap.Duration("retry_in", next), zap.Error(err))
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify); err != nil {
		s.logger.Error("snapshot store gave up", zap.String("document", key), zap.Error(err))
	}
}

func isSnapshotNotFound(err error) bool {
	var notFound common.ErrSnapshotNotFound
	return errors.As(err, &notFound)
}
