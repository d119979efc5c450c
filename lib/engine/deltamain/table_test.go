package deltamain

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aspenkv/aspen/lib/engine/pagepool"
	"github.com/aspenkv/aspen/lib/engine/smr"
)

// testPageSize keeps pages tiny so the tests exercise page boundaries with a
// handful of records. Log pages hold four 64 byte entries, main pages five 48
// byte records.
const testPageSize = 272

func newTestTable(t *testing.T, pages int) (*Table, *pagepool.Pool, *smr.Domain) {
	t.Helper()
	pool, err := pagepool.New(pages, testPageSize)
	require.NoError(t, err)
	dom := smr.New()
	tbl, err := NewTable("test", pool, dom)
	require.NoError(t, err)
	return tbl, pool, dom
}

func val(n uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, n)
	return b
}

func TestTableInsertGet(t *testing.T) {
	tbl, _, _ := newTestTable(t, 8)

	require.NoError(t, tbl.Insert(1, 5, val(100)))

	_, ok := tbl.Get(1, 4)
	assert.False(t, ok, "version 5 is invisible to a reader at 4")

	data, ok := tbl.Get(1, 5)
	require.True(t, ok)
	assert.Equal(t, val(100), data)

	data, ok = tbl.Get(1, 9)
	require.True(t, ok)
	assert.Equal(t, val(100), data)

	_, ok = tbl.Get(2, 9)
	assert.False(t, ok)
}

func TestTableGetNewestVisible(t *testing.T) {
	tbl, _, _ := newTestTable(t, 8)

	require.NoError(t, tbl.Insert(1, 5, val(100)))
	require.NoError(t, tbl.Insert(1, 9, val(200)))

	data, ok := tbl.Get(1, 7)
	require.True(t, ok)
	assert.Equal(t, val(100), data)

	data, ok = tbl.Get(1, 9)
	require.True(t, ok)
	assert.Equal(t, val(200), data)
}

func TestTableGetReturnsCopy(t *testing.T) {
	tbl, _, _ := newTestTable(t, 8)
	require.NoError(t, tbl.Insert(1, 5, val(100)))

	data, ok := tbl.Get(1, 5)
	require.True(t, ok)
	data[0] ^= 0xff

	again, ok := tbl.Get(1, 5)
	require.True(t, ok)
	assert.Equal(t, val(100), again)
}

func TestTableDelete(t *testing.T) {
	tbl, _, _ := newTestTable(t, 8)

	require.NoError(t, tbl.Insert(1, 5, val(100)))
	require.NoError(t, tbl.Delete(1, 8))

	data, ok := tbl.Get(1, 7)
	require.True(t, ok)
	assert.Equal(t, val(100), data)

	_, ok = tbl.Get(1, 8)
	assert.False(t, ok, "the tombstone hides the key from version 8 on")
}

func TestTableInsertPoolExhausted(t *testing.T) {
	// two pages go to the table's logs, the delta page fits four entries
	tbl, _, _ := newTestTable(t, 2)

	for i := uint64(0); i < 4; i++ {
		require.NoError(t, tbl.Insert(i, i+1, val(i)))
	}
	err := tbl.Insert(4, 5, val(4))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "page pool exhausted")

	// the writes placed before exhaustion stay readable
	for i := uint64(0); i < 4; i++ {
		data, ok := tbl.Get(i, 100)
		require.True(t, ok)
		assert.Equal(t, val(i), data)
	}
}

func TestTableIngest(t *testing.T) {
	tbl, _, _ := newTestTable(t, 16)

	items := make([]KV, 10)
	for i := range items {
		items[i] = KV{Key: uint64(i), Version: 1, Data: val(uint64(i))}
	}
	require.NoError(t, tbl.Ingest(items))
	require.NoError(t, tbl.Ingest(nil))

	assert.Equal(t, 10, tbl.PendingWrites())
	for i := uint64(0); i < 10; i++ {
		data, ok := tbl.Get(i, 1)
		require.True(t, ok)
		assert.Equal(t, val(i), data)
	}
}

func TestTableIngestPartialOnExhaustion(t *testing.T) {
	// one free page beyond the table's logs, holding four ingested items
	tbl, _, _ := newTestTable(t, 3)

	items := make([]KV, 10)
	for i := range items {
		items[i] = KV{Key: uint64(i), Version: 1, Data: val(uint64(i))}
	}

	err := tbl.Ingest(items)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopped after 4 of 10")

	// the spliced prefix is visible, the rest never became reachable
	for i := uint64(0); i < 4; i++ {
		data, ok := tbl.Get(i, 1)
		require.True(t, ok)
		assert.Equal(t, val(i), data)
	}
	_, ok := tbl.Get(4, 1)
	assert.False(t, ok)
}

func TestTableValueSizes(t *testing.T) {
	tbl, _, _ := newTestTable(t, 8)

	require.NoError(t, tbl.Insert(1, 1, val(100)))
	require.NoError(t, tbl.Insert(2, 2, val(200)))
	require.NoError(t, tbl.Delete(1, 3))

	sizes := tbl.ValueSizes()
	assert.Equal(t, int64(3), sizes.Count())
	// two 8-byte values and one tombstone
	assert.Equal(t, (8+8+0)/3, sizes.AverageSize())
}
