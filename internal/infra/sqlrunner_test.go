package infra

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"server/internal/sqlinline"
)

var allQueries = map[string]string{
	"QInsertBatchJob":       sqlinline.QInsertBatchJob,
	"QInsertBatchItem":      sqlinline.QInsertBatchItem,
	"QSelectBatchJob":       sqlinline.QSelectBatchJob,
	"QListRecentBatchJobs":  sqlinline.QListRecentBatchJobs,
	"QSelectBatchItems":     sqlinline.QSelectBatchItems,
	"QMarkJobRunning":       sqlinline.QMarkJobRunning,
	"QMarkItemRunning":      sqlinline.QMarkItemRunning,
	"QFinalizeItem":         sqlinline.QFinalizeItem,
	"QRecomputeJobCounters": sqlinline.QRecomputeJobCounters,
	"QCompleteBatchJob":     sqlinline.QCompleteBatchJob,
	"QFailBatchJob":         sqlinline.QFailBatchJob,
	"QCancelBatchJob":       sqlinline.QCancelBatchJob,
	"QSkipPendingItems":     sqlinline.QSkipPendingItems,
	"QListResumableJobs":    sqlinline.QListResumableJobs,
	"QInsertGeneratedImage": sqlinline.QInsertGeneratedImage,
}

func TestAllInlineQueriesCarryValidMarkers(t *testing.T) {
	seen := map[string]string{}
	for name, query := range allQueries {
		marker, trimmed, err := extractMarker(query)
		require.NoError(t, err, "query %s", name)
		assert.NotEmpty(t, trimmed, "query %s has no SQL body", name)

		if prev, dup := seen[marker]; dup {
			t.Errorf("marker %s reused by %s and %s", marker, prev, name)
		}
		seen[marker] = name
	}
}

func TestExtractMarkerRejectsUnmarkedSQL(t *testing.T) {
	_, _, err := extractMarker("select 1")
	require.Error(t, err)

	_, _, err = extractMarker("--sql not-a-uuid\nselect 1")
	require.Error(t, err)

	_, _, err = extractMarker("")
	require.Error(t, err)
}

func TestStripMarkerReturnsBareStatement(t *testing.T) {
	stripped, err := StripMarker(sqlinline.QSelectBatchJob)
	require.NoError(t, err)
	assert.NotContains(t, stripped, "--sql")
	assert.Contains(t, stripped, "select")
}

func TestErrorRowPropagatesError(t *testing.T) {
	row := errorRow{err: assert.AnError}
	var v int
	assert.ErrorIs(t, row.Scan(&v), assert.AnError)
}
