package crdt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coedit/common"
)

// orderedReplicas returns two replica IDs with low.Compare(high) < 0.
func orderedReplicas(t *testing.T) (low, high common.ReplicaID) {
	t.Helper()
	low, high = common.NewReplicaID(), common.NewReplicaID()
	if low.Compare(high) > 0 {
		low, high = high, low
	}
	return low, high
}

func ts(rid common.ReplicaID, counter uint64) common.LogicalTimestamp {
	return common.LogicalTimestamp{RID: rid, Counter: counter}
}

func TestInsertAtHead(t *testing.T) {
	rid := common.NewReplicaID()
	doc := NewDocument()

	require.NoError(t, doc.InsertAt(common.HeadID, ts(rid, 1), "Hi"))

	assert.Equal(t, "Hi", doc.Text())
	assert.Equal(t, 2, doc.Len())
	assert.Equal(t, uint64(1), doc.Version())
}

func TestInsertAfterAnchor(t *testing.T) {
	rid := common.NewReplicaID()
	doc := NewDocument()

	require.NoError(t, doc.InsertAt(common.HeadID, ts(rid, 1), "ac"))

	// Insert between the two existing characters.
	anchor, ok := doc.ElementAt(0)
	require.True(t, ok)
	require.NoError(t, doc.InsertAt(anchor, ts(rid, 3), "b"))

	assert.Equal(t, "abc", doc.Text())
}

func TestInsertUnknownAnchor(t *testing.T) {
	rid := common.NewReplicaID()
	doc := NewDocument()

	err := doc.InsertAt(ts(rid, 99), ts(rid, 100), "x")

	var unknown common.ErrUnknownElement
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, ts(rid, 99), unknown.ID)
	assert.Equal(t, uint64(0), doc.Version())
}

func TestInsertDuplicateDelivery(t *testing.T) {
	rid := common.NewReplicaID()
	doc := NewDocument()

	require.NoError(t, doc.InsertAt(common.HeadID, ts(rid, 1), "ab"))
	version := doc.Version()

	// Re-delivering the same span changes nothing.
	require.NoError(t, doc.InsertAt(common.HeadID, ts(rid, 1), "ab"))
	assert.Equal(t, "ab", doc.Text())
	assert.Equal(t, version, doc.Version())
}

func TestConcurrentHeadInsertsConverge(t *testing.T) {
	low, high := orderedReplicas(t)

	// Two replicas insert at the head without seeing each other. The
	// span with the greater head ID sorts first on both replicas.
	apply := func(first, second func(*Document) error) *Document {
		doc := NewDocument()
		require.NoError(t, first(doc))
		require.NoError(t, second(doc))
		return doc
	}
	insLow := func(d *Document) error { return d.InsertAt(common.HeadID, ts(low, 1), "Hello") }
	insHigh := func(d *Document) error { return d.InsertAt(common.HeadID, ts(high, 1), "World") }

	a := apply(insLow, insHigh)
	b := apply(insHigh, insLow)

	assert.Equal(t, a.Text(), b.Text())
	assert.Equal(t, "WorldHello", a.Text())
}

func TestConcurrentMidInsertsConverge(t *testing.T) {
	low, high := orderedReplicas(t)
	base := common.NewReplicaID()

	build := func(ops ...func(*Document) error) *Document {
		doc := NewDocument()
		require.NoError(t, doc.InsertAt(common.HeadID, ts(base, 1), "ab"))
		for _, op := range ops {
			require.NoError(t, op(doc))
		}
		return doc
	}
	// Both replicas insert after the same "a".
	insX := func(d *Document) error { return d.InsertAt(ts(base, 1), ts(low, 10), "x") }
	insY := func(d *Document) error { return d.InsertAt(ts(base, 1), ts(high, 10), "y") }

	a := build(insX, insY)
	b := build(insY, insX)

	assert.Equal(t, a.Text(), b.Text())
	assert.Equal(t, "ayxb", a.Text())
}

func TestDeleteRange(t *testing.T) {
	rid := common.NewReplicaID()
	doc := NewDocument()

	require.NoError(t, doc.InsertAt(common.HeadID, ts(rid, 1), "hello"))

	start, _ := doc.ElementAt(1)
	end, _ := doc.ElementAt(3)
	require.NoError(t, doc.DeleteRange(start, end))

	assert.Equal(t, "ho", doc.Text())
	assert.Equal(t, 2, doc.Len())

	// Tombstones still anchor later insertions.
	require.NoError(t, doc.InsertAt(start, ts(rid, 20), "!"))
	assert.Equal(t, "h!o", doc.Text())
}

func TestDeleteDuplicateDelivery(t *testing.T) {
	rid := common.NewReplicaID()
	doc := NewDocument()

	require.NoError(t, doc.InsertAt(common.HeadID, ts(rid, 1), "abc"))
	start, _ := doc.ElementAt(0)
	end, _ := doc.ElementAt(2)

	require.NoError(t, doc.DeleteRange(start, end))
	version := doc.Version()

	require.NoError(t, doc.DeleteRange(start, end))
	assert.Equal(t, version, doc.Version())
	assert.Equal(t, "", doc.Text())
}

func TestDeleteUnknownElement(t *testing.T) {
	rid := common.NewReplicaID()
	doc := NewDocument()

	require.NoError(t, doc.InsertAt(common.HeadID, ts(rid, 1), "a"))

	var unknown common.ErrUnknownElement
	assert.ErrorAs(t, doc.DeleteRange(ts(rid, 1), ts(rid, 50)), &unknown)
	assert.ErrorAs(t, doc.DeleteRange(ts(rid, 50), ts(rid, 1)), &unknown)
}

func TestDeleteInvertedRange(t *testing.T) {
	rid := common.NewReplicaID()
	doc := NewDocument()

	require.NoError(t, doc.InsertAt(common.HeadID, ts(rid, 1), "abc"))
	start, _ := doc.ElementAt(0)
	end, _ := doc.ElementAt(2)

	var malformed common.ErrMalformedPatch
	assert.ErrorAs(t, doc.DeleteRange(end, start), &malformed)
}

func TestSetMetaLastWriterWins(t *testing.T) {
	low, high := orderedReplicas(t)
	doc := NewDocument()

	require.NoError(t, doc.SetMeta("title", ts(low, 5), "draft"))
	require.NoError(t, doc.SetMeta("title", ts(high, 5), "final"))

	title, ok := doc.Meta("title")
	require.True(t, ok)
	assert.Equal(t, "final", title)

	// A write with a lower stamp loses regardless of arrival order.
	version := doc.Version()
	require.NoError(t, doc.SetMeta("title", ts(low, 5), "draft"))
	title, _ = doc.Meta("title")
	assert.Equal(t, "final", title)
	assert.Equal(t, version, doc.Version())
}

func TestStateVectorTracksMerges(t *testing.T) {
	rid := common.NewReplicaID()
	doc := NewDocument()

	require.NoError(t, doc.InsertAt(common.HeadID, ts(rid, 1), "abc"))

	assert.True(t, doc.Seen(ts(rid, 3)))
	assert.False(t, doc.Seen(ts(rid, 4)))

	vector := doc.Time()
	assert.Equal(t, uint64(3), vector[rid.String()])
}

func TestSnapshotRoundTrip(t *testing.T) {
	low, high := orderedReplicas(t)
	doc := NewDocument()

	require.NoError(t, doc.InsertAt(common.HeadID, ts(low, 1), "hello"))
	start, _ := doc.ElementAt(0)
	require.NoError(t, doc.DeleteRange(start, start))
	require.NoError(t, doc.SetMeta("title", ts(high, 1), "notes"))

	data, err := json.Marshal(doc)
	require.NoError(t, err)

	restored := NewDocument()
	require.NoError(t, json.Unmarshal(data, restored))

	assert.Equal(t, doc.Text(), restored.Text())
	assert.Equal(t, doc.Version(), restored.Version())
	assert.Equal(t, doc.Time(), restored.Time())
	title, ok := restored.Meta("title")
	require.True(t, ok)
	assert.Equal(t, "notes", title)

	// The restored replica still resolves anchors on tombstones.
	require.NoError(t, restored.InsertAt(start, ts(high, 10), "y"))
	assert.Equal(t, "yello", restored.Text())
}

func TestSnapshotDeterministic(t *testing.T) {
	low, high := orderedReplicas(t)

	insLow := func(d *Document) error { return d.InsertAt(common.HeadID, ts(low, 1), "Hello") }
	insHigh := func(d *Document) error { return d.InsertAt(common.HeadID, ts(high, 1), "World") }

	a := NewDocument()
	require.NoError(t, insLow(a))
	require.NoError(t, insHigh(a))

	b := NewDocument()
	require.NoError(t, insHigh(b))
	require.NoError(t, insLow(b))

	dataA, err := json.Marshal(a)
	require.NoError(t, err)
	dataB, err := json.Marshal(b)
	require.NoError(t, err)

	// Equal states serialize to identical bytes.
	assert.Equal(t, dataA, dataB)
}

func TestUnicodeText(t *testing.T) {
	rid := common.NewReplicaID()
	doc := NewDocument()

	require.NoError(t, doc.InsertAt(common.HeadID, ts(rid, 1), "héllo"))
	assert.Equal(t, 5, doc.Len())

	// The span consumed one counter per rune, not per byte.
	assert.True(t, doc.Seen(ts(rid, 5)))
	assert.False(t, doc.Seen(ts(rid, 6)))
}
