package docstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coedit/common"
	"coedit/crdt"
	"coedit/crdtpatch"
	"coedit/persist"
)

// flakyAdapter wraps the in-memory adapter with programmable failures.
type flakyAdapter struct {
	*persist.MemoryAdapter

	mutex      sync.Mutex
	fetchErr   error
	storeFails int
	storeCalls int
	storeDelay time.Duration
}

func newFlakyAdapter() *flakyAdapter {
	return &flakyAdapter{MemoryAdapter: persist.NewMemoryAdapter()}
}

func (a *flakyAdapter) Fetch(ctx context.Context, key string) ([]byte, error) {
	a.mutex.Lock()
	err := a.fetchErr
	a.mutex.Unlock()
	if err != nil {
		return nil, err
	}
	return a.MemoryAdapter.Fetch(ctx, key)
}

func (a *flakyAdapter) Store(ctx context.Context, key string, data []byte) error {
	a.mutex.Lock()
	a.storeCalls++
	fail := a.storeFails > 0
	if fail {
		a.storeFails--
	}
	delay := a.storeDelay
	a.mutex.Unlock()
	if fail {
		return errors.New("backend unavailable")
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	return a.MemoryAdapter.Store(ctx, key, data)
}

func (a *flakyAdapter) calls() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.storeCalls
}

func newTestStore(adapter persist.Adapter) *Store {
	opts := DefaultOptions()
	opts.AutosaveInterval = 0 // flush on release only
	opts.CloseTimeout = time.Second
	opts.RetryMaxElapsed = 2 * time.Second
	return New(adapter, nil, opts)
}

func encodePatch(t *testing.T, build func(*crdtpatch.PatchBuilder)) []byte {
	t.Helper()
	builder := crdtpatch.NewPatchBuilder(common.NewReplicaID(), 1)
	build(builder)
	patch := builder.Flush()
	require.NotNil(t, patch)
	data, err := patch.Encode()
	require.NoError(t, err)
	return data
}

func TestOpenSharesInstance(t *testing.T) {
	store := newTestStore(persist.NewMemoryAdapter())
	ctx := context.Background()

	a, err := store.Open(ctx, "post:1")
	require.NoError(t, err)
	b, err := store.Open(ctx, "post:1")
	require.NoError(t, err)

	// Same key, same live instance.
	assert.Same(t, a, b)
	assert.Equal(t, 2, store.OpenCount("post:1"))

	other, err := store.Open(ctx, "post:2")
	require.NoError(t, err)
	assert.NotSame(t, a, other)
}

func TestOpenMissingSnapshotStartsEmpty(t *testing.T) {
	store := newTestStore(persist.NewMemoryAdapter())

	h, err := store.Open(context.Background(), "post:1")
	require.NoError(t, err)
	assert.Equal(t, "", h.Text())
	assert.Equal(t, uint64(0), h.Version())
}

func TestOpenFetchFailureDegradesToEmpty(t *testing.T) {
	adapter := newFlakyAdapter()
	adapter.fetchErr = errors.New("connection refused")
	store := newTestStore(adapter)

	h, err := store.Open(context.Background(), "post:1")
	require.NoError(t, err)
	assert.Equal(t, "", h.Text())
}

func TestOpenCorruptSnapshotStartsEmpty(t *testing.T) {
	adapter := persist.NewMemoryAdapter()
	ctx := context.Background()
	require.NoError(t, adapter.Store(ctx, "post:1", []byte("{garbage")))
	store := newTestStore(adapter)

	h, err := store.Open(ctx, "post:1")
	require.NoError(t, err)
	assert.Equal(t, "", h.Text())
}

func TestLastReleasePersists(t *testing.T) {
	adapter := persist.NewMemoryAdapter()
	store := newTestStore(adapter)
	ctx := context.Background()

	h, err := store.Open(ctx, "post:1")
	require.NoError(t, err)

	_, _, err = h.ApplyLocal(encodePatch(t, func(b *crdtpatch.PatchBuilder) {
		b.InsertText(common.HeadID, "hello")
	}))
	require.NoError(t, err)

	second, err := store.Open(ctx, "post:1")
	require.NoError(t, err)
	store.Release(second)

	// Not the last reference, nothing persisted yet.
	_, err = adapter.Fetch(ctx, "post:1")
	var notFound common.ErrSnapshotNotFound
	assert.ErrorAs(t, err, &notFound)

	store.Release(h)
	assert.Equal(t, 0, store.OpenCount("post:1"))

	data, err := adapter.Fetch(ctx, "post:1")
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	// Reopening restores the exact state.
	reopened, err := store.Open(ctx, "post:1")
	require.NoError(t, err)
	assert.Equal(t, "hello", reopened.Text())
}

func TestReleaseRetriesFailedFlush(t *testing.T) {
	adapter := newFlakyAdapter()
	adapter.storeFails = 2
	store := newTestStore(adapter)
	ctx := context.Background()

	h, err := store.Open(ctx, "post:1")
	require.NoError(t, err)
	_, _, err = h.ApplyLocal(encodePatch(t, func(b *crdtpatch.PatchBuilder) {
		b.InsertText(common.HeadID, "x")
	}))
	require.NoError(t, err)

	store.Release(h)

	// Eviction is immediate even though the flush failed.
	assert.Equal(t, 0, store.OpenCount("post:1"))

	// The out-of-band retry eventually lands the snapshot.
	assert.Eventually(t, func() bool {
		_, err := adapter.MemoryAdapter.Fetch(ctx, "post:1")
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
}

// adapterText decodes the persisted snapshot and returns its visible text.
func adapterText(t *testing.T, adapter persist.Adapter, key string) string {
	t.Helper()
	data, err := adapter.Fetch(context.Background(), key)
	require.NoError(t, err)
	doc := crdt.NewDocument()
	require.NoError(t, doc.UnmarshalJSON(data))
	return doc.Text()
}

func TestPersistSkipsSupersededGeneration(t *testing.T) {
	adapter := persist.NewMemoryAdapter()
	store := newTestStore(adapter)
	ctx := context.Background()

	h, err := store.Open(ctx, "post:1")
	require.NoError(t, err)

	_, _, err = h.ApplyLocal(encodePatch(t, func(b *crdtpatch.PatchBuilder) {
		b.InsertText(common.HeadID, "first")
	}))
	require.NoError(t, err)
	oldData, _, oldGen, err := h.takeFlushSnapshot()
	require.NoError(t, err)

	_, _, err = h.ApplyLocal(encodePatch(t, func(b *crdtpatch.PatchBuilder) {
		b.InsertText(common.HeadID, "second")
	}))
	require.NoError(t, err)
	newText := h.Text()
	newData, _, newGen, err := h.takeFlushSnapshot()
	require.NoError(t, err)
	require.Greater(t, newGen, oldGen)

	require.NoError(t, store.persist(ctx, "post:1", newData, newGen))

	// The older generation arrives late and must be dropped, not written.
	require.NoError(t, store.persist(ctx, "post:1", oldData, oldGen))
	assert.Equal(t, newText, adapterText(t, adapter, "post:1"))
}

func TestLateRetryDoesNotClobberNewerSnapshot(t *testing.T) {
	adapter := newFlakyAdapter()
	adapter.storeFails = 2
	store := newTestStore(adapter)
	ctx := context.Background()

	h, err := store.Open(ctx, "post:1")
	require.NoError(t, err)
	_, _, err = h.ApplyLocal(encodePatch(t, func(b *crdtpatch.PatchBuilder) {
		b.InsertText(common.HeadID, "stale")
	}))
	require.NoError(t, err)

	// The close flush and the first out-of-band attempt both fail; the
	// retry parks with the old snapshot bytes in hand.
	store.Release(h)
	require.Eventually(t, func() bool {
		return adapter.calls() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	// Reopen while the retry is backing off, write newer state, close
	// cleanly.
	h2, err := store.Open(ctx, "post:1")
	require.NoError(t, err)
	_, _, err = h2.ApplyLocal(encodePatch(t, func(b *crdtpatch.PatchBuilder) {
		b.InsertText(common.HeadID, "newer")
	}))
	require.NoError(t, err)
	want := h2.Text()
	store.Release(h2)
	require.Equal(t, want, adapterText(t, adapter, "post:1"))

	// Let the parked retry fire past its backoff window. The superseded
	// snapshot must not land over the newer one.
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, want, adapterText(t, adapter, "post:1"))
}

func TestOpenWaitsForCloseFlush(t *testing.T) {
	adapter := newFlakyAdapter()
	adapter.storeDelay = 300 * time.Millisecond
	store := newTestStore(adapter)
	ctx := context.Background()

	h, err := store.Open(ctx, "post:1")
	require.NoError(t, err)
	_, _, err = h.ApplyLocal(encodePatch(t, func(b *crdtpatch.PatchBuilder) {
		b.InsertText(common.HeadID, "HelloWorld")
	}))
	require.NoError(t, err)

	go store.Release(h)
	time.Sleep(50 * time.Millisecond)

	// The close flush is still in flight. The open must wait for it and
	// load the flushed state instead of an empty pre-flush snapshot.
	reopened, err := store.Open(ctx, "post:1")
	require.NoError(t, err)
	assert.Equal(t, "HelloWorld", reopened.Text())
	store.Release(reopened)
}

func TestPartiallyAppliedPatchMarksDirty(t *testing.T) {
	store := newTestStore(persist.NewMemoryAdapter())
	h, err := store.Open(context.Background(), "post:1")
	require.NoError(t, err)

	builder := crdtpatch.NewPatchBuilder(common.NewReplicaID(), 1)
	builder.InsertText(common.HeadID, "a")
	builder.InsertText(common.LogicalTimestamp{RID: common.NewReplicaID(), Counter: 99}, "b")
	delta, err := builder.Flush().Encode()
	require.NoError(t, err)

	// The first insert lands before the second op parks on its missing
	// anchor. The document changed, so there is state to flush even
	// though the patch as a whole is still pending.
	require.NoError(t, h.ApplyRemote(delta))
	require.Equal(t, 1, h.PendingCount())
	require.Equal(t, "a", h.Text())

	data, _, _, ok := h.takeDirtySnapshot()
	assert.True(t, ok)
	assert.NotEmpty(t, data)
}

func TestAutosaveFlushesDirtyDocuments(t *testing.T) {
	adapter := persist.NewMemoryAdapter()
	opts := DefaultOptions()
	opts.AutosaveInterval = 30 * time.Millisecond
	store := New(adapter, nil, opts)
	ctx := context.Background()

	h, err := store.Open(ctx, "post:1")
	require.NoError(t, err)
	defer store.Release(h)

	_, _, err = h.ApplyLocal(encodePatch(t, func(b *crdtpatch.PatchBuilder) {
		b.InsertText(common.HeadID, "draft")
	}))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := adapter.Fetch(ctx, "post:1")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestShutdownFlushesAll(t *testing.T) {
	adapter := persist.NewMemoryAdapter()
	store := newTestStore(adapter)
	ctx := context.Background()

	h1, err := store.Open(ctx, "post:1")
	require.NoError(t, err)
	h2, err := store.Open(ctx, "post:2")
	require.NoError(t, err)

	for _, h := range []*Handle{h1, h2} {
		_, _, err = h.ApplyLocal(encodePatch(t, func(b *crdtpatch.PatchBuilder) {
			b.InsertText(common.HeadID, "bye")
		}))
		require.NoError(t, err)
	}

	require.NoError(t, store.Shutdown(ctx))

	for _, key := range []string{"post:1", "post:2"} {
		data, err := adapter.Fetch(ctx, key)
		require.NoError(t, err)
		assert.NotEmpty(t, data)
	}
}

func TestApplyLocalRejectsMalformed(t *testing.T) {
	store := newTestStore(persist.NewMemoryAdapter())
	h, err := store.Open(context.Background(), "post:1")
	require.NoError(t, err)

	_, _, err = h.ApplyLocal([]byte("not a patch"))
	var malformed common.ErrMalformedPatch
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, uint64(0), h.Version())
}

func TestApplyRemoteBuffersOutOfOrder(t *testing.T) {
	store := newTestStore(persist.NewMemoryAdapter())
	h, err := store.Open(context.Background(), "post:1")
	require.NoError(t, err)

	rid := common.NewReplicaID()
	builder := crdtpatch.NewPatchBuilder(rid, 1)
	ins := builder.InsertText(common.HeadID, "ab")
	first, err := builder.Flush().Encode()
	require.NoError(t, err)

	builder.InsertText(ins.OpID.Next(), "c")
	second, err := builder.Flush().Encode()
	require.NoError(t, err)

	// Deliver the dependent patch first: it parks instead of failing.
	require.NoError(t, h.ApplyRemote(second))
	assert.Equal(t, 1, h.PendingCount())
	assert.Equal(t, "", h.Text())

	// The missing prefix arrives and unblocks it.
	require.NoError(t, h.ApplyRemote(first))
	assert.Equal(t, 0, h.PendingCount())
	assert.Equal(t, "abc", h.Text())
}

func TestApplyRemoteAbsorbsDuplicates(t *testing.T) {
	store := newTestStore(persist.NewMemoryAdapter())
	h, err := store.Open(context.Background(), "post:1")
	require.NoError(t, err)

	delta := encodePatch(t, func(b *crdtpatch.PatchBuilder) {
		b.InsertText(common.HeadID, "once")
	})

	require.NoError(t, h.ApplyRemote(delta))
	version := h.Version()
	require.NoError(t, h.ApplyRemote(delta))

	assert.Equal(t, "once", h.Text())
	assert.Equal(t, version, h.Version())
}

func TestApplyLocalReturnsBroadcastDelta(t *testing.T) {
	store := newTestStore(persist.NewMemoryAdapter())
	ctx := context.Background()

	a, err := store.Open(ctx, "post:1")
	require.NoError(t, err)

	delta, version, err := a.ApplyLocal(encodePatch(t, func(b *crdtpatch.PatchBuilder) {
		b.InsertText(common.HeadID, "sync me")
	}))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)

	// The returned delta replays cleanly on another instance.
	other, err := store.Open(ctx, "post:2")
	require.NoError(t, err)
	require.NoError(t, other.ApplyRemote(delta))
	assert.Equal(t, "sync me", other.Text())
}
