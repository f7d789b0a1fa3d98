package ledger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndQuery(t *testing.T) {
	l := openTestLedger(t)

	id, err := l.RecordInbound("+15551234567", 1_000_000_000, 40, "")
	require.NoError(t, err)
	_, err = l.RecordOutbound("+15551234567", 600_000_000, "refund", "txlog-1")
	require.NoError(t, err)
	_, err = l.RecordInbound("+15559990000", 5, 0, "")
	require.NoError(t, err)

	entries, err := l.For("+15551234567", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, DirectionOutbound, entries[0].Direction, "newest first")
	assert.Equal(t, "txlog-1", entries[0].TransactionLogID)
	assert.Equal(t, int64(1_000_000_000), entries[1].AmountPmob)
	assert.Equal(t, int64(40), entries[1].USDCents)

	require.NoError(t, l.Annotate(id, "refunded"))
	entries, err = l.For("+15551234567", 10)
	require.NoError(t, err)
	assert.Equal(t, "refunded", entries[1].Note)

	all, err := l.Recent(10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRecentHonorsLimit(t *testing.T) {
	l := openTestLedger(t)
	for i := 0; i < 5; i++ {
		_, err := l.RecordInbound("+15550000001", int64(i), 0, "")
		require.NoError(t, err)
	}
	entries, err := l.Recent(2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(4), entries[0].AmountPmob)
}
