package rally

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusFor(t *testing.T) {
	t.Parallel()

	one := 1
	zero := 0
	require.Equal(t, StatusFinished, StatusFor(&one))
	require.Equal(t, StatusRetired, StatusFor(&zero))
	require.Equal(t, StatusRetired, StatusFor(nil))
}

func TestPageResultRecord(t *testing.T) {
	t.Parallel()

	var res PageResult
	res.Record(RowPersisted)
	res.Record(RowPersisted)
	res.Record(RowSkippedOrphan)
	res.Record(RowSkippedError)

	require.Equal(t, PageResult{Persisted: 2, Orphaned: 1, Failed: 1}, res)
	require.Equal(t, 2, res.Skipped())
}

func TestRallySyncedEventAttributes(t *testing.T) {
	t.Parallel()

	ev := RallySyncedEvent{RunID: "run-1", Season: 2025}
	require.Equal(t, map[string]string{"season": "2025", "run_id": "run-1"}, ev.Attributes())
}
