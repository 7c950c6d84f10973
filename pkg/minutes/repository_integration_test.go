//go:build integration

package minutes

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/minutes-admin/migrations"
	"github.com/otherjamesbrown/minutes-admin/pkg/db"
	merrors "github.com/otherjamesbrown/minutes-admin/pkg/errors"
	"github.com/otherjamesbrown/minutes-admin/pkg/logging"
)

func setupRepo(t *testing.T) (*Repository, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, db.ConfigFromURL(dsn))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = db.RunMigrations(ctx, pool, migrations.FS)
	require.NoError(t, err)

	return NewRepository(pool, logging.NewNopLogger()), pool
}

func seedMeeting(t *testing.T, pool *pgxpool.Pool) (meetingID string, itemIDs []string) {
	t.Helper()
	ctx := context.Background()
	meetingID = uuid.NewString()
	_, err := pool.Exec(ctx, `INSERT INTO meetings (id, title) VALUES ($1, 'Integration')`, meetingID)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		id := uuid.NewString()
		_, err := pool.Exec(ctx,
			`INSERT INTO agenda_items (id, meeting_id, code, title, position) VALUES ($1, $2, $3, $4, $5)`,
			id, meetingID, "C"+string(rune('1'+i)), "Item", i)
		require.NoError(t, err)
		itemIDs = append(itemIDs, id)
	}
	return meetingID, itemIDs
}

func TestRepository_UpsertAgendaNotesTwiceKeepsOneRow(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()
	meetingID, items := seedMeeting(t, pool)

	sess := &Session{MeetingID: meetingID}
	require.NoError(t, repo.CreateSession(ctx, sess))

	require.NoError(t, repo.UpsertAgendaNotes(ctx, sess.ID, map[string]string{items[0]: "first"}))
	require.NoError(t, repo.UpsertAgendaNotes(ctx, sess.ID, map[string]string{items[0]: "second"}))

	var count int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM agenda_notes WHERE session_id = $1 AND agenda_item_id = $2`,
		sess.ID, items[0]).Scan(&count))
	assert.Equal(t, 1, count)

	notes, err := repo.ListAgendaNotes(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "second", notes[items[0]])
}

func TestRepository_OneOpenSessionPerMeeting(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()
	meetingID, _ := seedMeeting(t, pool)

	require.NoError(t, repo.CreateSession(ctx, &Session{MeetingID: meetingID}))
	err := repo.CreateSession(ctx, &Session{MeetingID: meetingID})
	assert.True(t, merrors.IsConflict(err))
}

func TestRepository_ClaimForProcessingIsExclusive(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()
	meetingID, _ := seedMeeting(t, pool)

	sess := &Session{MeetingID: meetingID, AIStatus: StatusQueued}
	require.NoError(t, repo.CreateSession(ctx, sess))

	require.NoError(t, repo.ClaimForProcessing(ctx, sess.ID, time.Time{}))
	assert.True(t, merrors.IsConflict(repo.ClaimForProcessing(ctx, sess.ID, time.Time{})))
	assert.True(t, merrors.IsNotFound(repo.ClaimForProcessing(ctx, uuid.NewString(), time.Time{})))
}

func TestRepository_ClaimForProcessingTakesOverStaleClaim(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()
	meetingID, _ := seedMeeting(t, pool)

	sess := &Session{MeetingID: meetingID, AIStatus: StatusQueued}
	require.NoError(t, repo.CreateSession(ctx, sess))
	require.NoError(t, repo.ClaimForProcessing(ctx, sess.ID, time.Time{}))

	claimed, err := repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed.ProcessingStartedAt)

	// A claim younger than the lease is still owned by its run.
	lease := time.Hour
	err = repo.ClaimForProcessing(ctx, sess.ID, time.Now().Add(-lease))
	assert.True(t, merrors.IsConflict(err))

	_, err = pool.Exec(ctx,
		`UPDATE meeting_sessions SET processing_started_at = NOW() - INTERVAL '2 hours' WHERE id = $1`, sess.ID)
	require.NoError(t, err)
	require.NoError(t, repo.ClaimForProcessing(ctx, sess.ID, time.Now().Add(-lease)))

	reclaimed, err := repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, reclaimed.AIStatus)
	assert.True(t, reclaimed.ProcessingStartedAt.After(*claimed.ProcessingStartedAt))
}

func TestRepository_EnsureTaskColumnAndInsertTasks(t *testing.T) {
	repo, pool := setupRepo(t)
	ctx := context.Background()
	meetingID, _ := seedMeeting(t, pool)

	name := "Action Items " + uuid.NewString()[:8]
	col, err := repo.EnsureTaskColumn(ctx, name)
	require.NoError(t, err)
	again, err := repo.EnsureTaskColumn(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, col.ID, again.ID)

	due := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	tasks := []Task{
		{MeetingID: meetingID, ColumnID: col.ID, Title: "Send deck", Owner: "Ana", DueDate: &due, Priority: PriorityHigh},
		{MeetingID: meetingID, ColumnID: col.ID, Title: "Book room", Owner: "Raj"},
	}
	require.NoError(t, repo.InsertTasks(ctx, tasks, "ai"))

	open, err := repo.ListOpenTasks(ctx, meetingID)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	var events int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM task_events e JOIN tasks t ON t.id = e.task_id WHERE t.meeting_id = $1`,
		meetingID).Scan(&events))
	assert.Equal(t, 2, events)
}
