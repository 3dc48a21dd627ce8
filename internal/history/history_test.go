package history

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siteops/internal/health"
)

func openTest(t *testing.T) *History {
	t.Helper()
	hist, err := Open(filepath.Join(t.TempDir(), "state", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { hist.Close() })
	return hist
}

func ptr[T any](v T) *T { return &v }

func TestOpenCreatesPrivateDatabase(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	hist, err := Open(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	defer hist.Close()

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0750), info.Mode().Perm())
}

func TestRecordDeployment(t *testing.T) {
	hist := openTest(t)
	ctx := context.Background()

	started := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	completed := started.Add(42 * time.Second)
	id, err := hist.RecordDeployment(ctx, &DeploymentRecord{
		RunID:           "3f1c",
		App:             "site",
		Host:            "203.0.113.10",
		Mode:            "self-signed-tls",
		State:           "RolledBack",
		Status:          "rolled_back",
		StartedAt:       started,
		CompletedAt:     &completed,
		DurationSeconds: ptr(42.0),
		ErrorKind:       ptr("process_start"),
		ErrorMessage:    ptr("no process matching"),
	})
	require.NoError(t, err)
	assert.NotZero(t, id)

	latest, err := hist.LatestDeployment(ctx, "site")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "3f1c", latest.RunID)
	assert.Equal(t, "RolledBack", latest.State)
	assert.True(t, started.Equal(latest.StartedAt))
	require.NotNil(t, latest.CompletedAt)
	assert.True(t, completed.Equal(*latest.CompletedAt))
	assert.Equal(t, "process_start", *latest.ErrorKind)
}

func TestRecordDeploymentDuplicateRunID(t *testing.T) {
	hist := openTest(t)
	ctx := context.Background()
	rec := &DeploymentRecord{RunID: "dup", App: "site", Host: "h", Mode: "direct", State: "Verified", Status: "success"}

	_, err := hist.RecordDeployment(ctx, rec)
	require.NoError(t, err)
	_, err = hist.RecordDeployment(ctx, rec)
	assert.Error(t, err)
}

func TestLatestDeploymentNoRecords(t *testing.T) {
	latest, err := openTest(t).LatestDeployment(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestDeployments(t *testing.T) {
	hist := openTest(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		app := "site"
		if i == 2 {
			app = "other"
		}
		_, err := hist.RecordDeployment(ctx, &DeploymentRecord{
			RunID:           string(rune('a' + i)),
			App:             app,
			Host:            "h",
			Mode:            "direct",
			State:           "Verified",
			Status:          "success",
			DurationSeconds: ptr(float64(i)),
		})
		require.NoError(t, err)
	}

	records, err := hist.Deployments(ctx, "site", 3)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, 4.0, *records[0].DurationSeconds)
	assert.Equal(t, 3.0, *records[1].DurationSeconds)
	assert.Equal(t, 1.0, *records[2].DurationSeconds)

	all, err := hist.Deployments(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestRecordHealth(t *testing.T) {
	hist := openTest(t)
	ctx := context.Background()
	now := time.Now()

	report := &health.Report{
		Before: map[string]health.Result{
			health.CheckHTTP: {Name: health.CheckHTTP, Passed: false, Message: "status 500", CheckedAt: now},
		},
		Results: map[string]health.Result{
			health.CheckHTTP: {Name: health.CheckHTTP, Passed: true, Message: "ok", CheckedAt: now, Duration: 15 * time.Millisecond},
		},
		Remediated: true,
	}
	require.NoError(t, hist.RecordHealth(ctx, "site", report))

	records, err := hist.HealthChecks(ctx, "site", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "recheck", records[0].Phase)
	assert.True(t, records[0].Passed)
	assert.Equal(t, int64(15), records[0].DurationMS)
	assert.True(t, records[0].Remediated)

	assert.Equal(t, "initial", records[1].Phase)
	assert.False(t, records[1].Passed)
	assert.Equal(t, "status 500", records[1].Message)
}

func TestRecordHealthWithoutRestart(t *testing.T) {
	hist := openTest(t)
	ctx := context.Background()

	report := &health.Report{Results: map[string]health.Result{
		health.CheckLogs:    {Name: health.CheckLogs, Passed: true, CheckedAt: time.Now()},
		health.CheckProcess: {Name: health.CheckProcess, Passed: true, CheckedAt: time.Now()},
	}}
	require.NoError(t, hist.RecordHealth(ctx, "site", report))

	records, err := hist.HealthChecks(ctx, "site", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, "initial", r.Phase)
		assert.False(t, r.Remediated)
	}
}
