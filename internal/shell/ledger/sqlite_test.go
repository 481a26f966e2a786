package ledger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/slipway-sh/slipway/internal/core/deploy"
	"github.com/slipway-sh/slipway/internal/core/reference"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func testLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	l, err := NewSQLiteLedger(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func testRecord(t *testing.T, tag, containerID string, port int) deploy.Record {
	t.Helper()
	ref, err := reference.Resolve("r", "app", tag)
	require.NoError(t, err)
	return deploy.NewRecord(ref, containerID, port).MarkHealthy()
}

// =============================================================================
// Tests
// =============================================================================

func TestReadActive_Empty(t *testing.T) {
	l := testLedger(t)

	_, err := l.ReadActive(context.Background())
	assert.ErrorIs(t, err, ErrNoActiveRecord)
}

func TestReadPrevious_Empty(t *testing.T) {
	l := testLedger(t)

	_, err := l.ReadPrevious(context.Background())
	assert.ErrorIs(t, err, ErrNoPreviousRecord)
}

func TestCommit_FirstDeploy(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	v1 := testRecord(t, "v1", "container-v1", 9000)
	require.NoError(t, l.Commit(ctx, v1, nil))

	active, err := l.ReadActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, v1.Ref, active.Ref)
	assert.Equal(t, "container-v1", active.ContainerID)
	assert.Equal(t, 9000, active.HostPort)
	assert.Equal(t, deploy.HealthHealthy, active.Health)

	_, err = l.ReadPrevious(ctx)
	assert.ErrorIs(t, err, ErrNoPreviousRecord)
}

func TestCommit_RotatesPrevious(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	v1 := testRecord(t, "v1", "container-v1", 9000)
	require.NoError(t, l.Commit(ctx, v1, nil))

	v2 := testRecord(t, "v2", "container-v2", 9001)
	require.NoError(t, l.Commit(ctx, v2, &v1))

	active, err := l.ReadActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2", active.Ref.Tag)

	previous, err := l.ReadPrevious(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", previous.Ref.Tag)
}

func TestCommit_PreviousDiscardedAfterOneCycle(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	v1 := testRecord(t, "v1", "container-v1", 9000)
	v2 := testRecord(t, "v2", "container-v2", 9001)
	require.NoError(t, l.Commit(ctx, v2, &v1))

	// Commit a new cycle without a previous record.
	v3 := testRecord(t, "v3", "container-v3", 9000)
	require.NoError(t, l.Commit(ctx, v3, nil))

	_, err := l.ReadPrevious(ctx)
	assert.ErrorIs(t, err, ErrNoPreviousRecord)
}

func TestCommit_RejectsInvalidRecord(t *testing.T) {
	l := testLedger(t)

	bad := testRecord(t, "v1", "container-v1", 9000)
	bad.ContainerID = ""

	err := l.Commit(context.Background(), bad, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, deploy.ErrIncompleteRecord)
}

func TestReadActive_CorruptHealthStatus(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	v1 := testRecord(t, "v1", "container-v1", 9000)
	require.NoError(t, l.Commit(ctx, v1, nil))

	// Corrupt the row behind the ledger's back.
	_, err := l.db.ExecContext(ctx,
		`UPDATE deployment_records SET health_status = 'flapping' WHERE slot = 'active'`)
	require.NoError(t, err)

	_, err = l.ReadActive(ctx)
	assert.ErrorIs(t, err, ErrLedgerCorrupt)
}

func TestReadActive_CorruptTimestamp(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	v1 := testRecord(t, "v1", "container-v1", 9000)
	require.NoError(t, l.Commit(ctx, v1, nil))

	_, err := l.db.ExecContext(ctx,
		`UPDATE deployment_records SET started_at = 'not-a-time' WHERE slot = 'active'`)
	require.NoError(t, err)

	_, err = l.ReadActive(ctx)
	assert.ErrorIs(t, err, ErrLedgerCorrupt)
}

func TestLedger_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	first, err := NewSQLiteLedger(path)
	require.NoError(t, err)

	v1 := testRecord(t, "v1", "container-v1", 9000)
	require.NoError(t, first.Commit(ctx, v1, nil))
	require.NoError(t, first.Close())

	second, err := NewSQLiteLedger(path)
	require.NoError(t, err)
	defer second.Close()

	active, err := second.ReadActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", active.Ref.Tag)
	assert.Equal(t, "container-v1", active.ContainerID)
}
