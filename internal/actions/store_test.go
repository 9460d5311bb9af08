package actions

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) Store

func storeFactories() map[string]storeFactory {
	factories := map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			st, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "actions.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
	}
	if dsn := os.Getenv("PROMPTSYNC_TEST_DATABASE_URL"); dsn != "" {
		factories["postgres"] = func(t *testing.T) Store {
			st, err := NewPostgresStore(context.Background(), dsn)
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })
			return st
		}
	}
	return factories
}

// uniq keeps owner ids distinct when a shared postgres database is reused.
func uniq(t *testing.T, base string) string {
	return base + "-" + t.Name() + "-" + time.Now().Format("150405.000000000")
}

func TestStoreContract(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			t.Run("CreateDedupsActivePair", func(t *testing.T) { testCreateDedupsActivePair(t, factory(t)) })
			t.Run("CreateValidates", func(t *testing.T) { testCreateValidates(t, factory(t)) })
			t.Run("ListActiveNewestFirst", func(t *testing.T) { testListActiveNewestFirst(t, factory(t)) })
			t.Run("TransitionRules", func(t *testing.T) { testTransitionRules(t, factory(t)) })
			t.Run("CompletePersistsOutcome", func(t *testing.T) { testCompletePersistsOutcome(t, factory(t)) })
			t.Run("Subjects", func(t *testing.T) { testSubjects(t, factory(t)) })
		})
	}
}

func testCreateDedupsActivePair(t *testing.T, st Store) {
	ctx := context.Background()
	owner := uniq(t, "owner")

	first, deduped, err := st.CreateRecord(ctx, CreateRequest{OwnerID: owner, SubjectID: "partner-1"})
	require.NoError(t, err)
	assert.False(t, deduped)
	assert.Equal(t, StatusPending, first.Status)
	assert.Equal(t, KindRatePartner, first.Kind)

	second, deduped, err := st.CreateRecord(ctx, CreateRequest{OwnerID: owner, SubjectID: "partner-1"})
	require.NoError(t, err)
	assert.True(t, deduped)
	assert.Equal(t, first.ID, second.ID)

	_, err = st.Transition(ctx, first.ID, StatusInvalid, StatusPending, StatusDisplayed)
	require.NoError(t, err)

	third, deduped, err := st.CreateRecord(ctx, CreateRequest{OwnerID: owner, SubjectID: "partner-1"})
	require.NoError(t, err)
	assert.False(t, deduped, "terminal records must not block a new active record")
	assert.NotEqual(t, first.ID, third.ID)
}

func testCreateValidates(t *testing.T, st Store) {
	_, _, err := st.CreateRecord(context.Background(), CreateRequest{OwnerID: "  ", SubjectID: "s"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, _, err = st.CreateRecord(context.Background(), CreateRequest{OwnerID: "o"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func testListActiveNewestFirst(t *testing.T, st Store) {
	ctx := context.Background()
	owner := uniq(t, "owner")

	older, _, err := st.CreateRecord(ctx, CreateRequest{OwnerID: owner, SubjectID: "partner-a"})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	newer, _, err := st.CreateRecord(ctx, CreateRequest{OwnerID: owner, SubjectID: "partner-b"})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	done, _, err := st.CreateRecord(ctx, CreateRequest{OwnerID: owner, SubjectID: "partner-c"})
	require.NoError(t, err)
	_, err = st.Transition(ctx, done.ID, StatusInvalid, StatusPending)
	require.NoError(t, err)

	active, err := st.ListActive(ctx, owner)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, newer.ID, active[0].ID)
	assert.Equal(t, older.ID, active[1].ID)

	all, err := st.ListByOwner(ctx, owner, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func testTransitionRules(t *testing.T, st Store) {
	ctx := context.Background()
	r, _, err := st.CreateRecord(ctx, CreateRequest{OwnerID: uniq(t, "owner"), SubjectID: "partner-1"})
	require.NoError(t, err)

	shown, err := st.Transition(ctx, r.ID, StatusDisplayed, StatusPending)
	require.NoError(t, err)
	assert.Equal(t, StatusDisplayed, shown.Status)
	require.NotNil(t, shown.DisplayedAt)

	again, err := st.Transition(ctx, r.ID, StatusDisplayed, StatusPending)
	require.NoError(t, err, "repeating the same transition is a no-op")
	assert.Equal(t, StatusDisplayed, again.Status)

	_, err = st.Transition(ctx, r.ID, StatusPending, StatusCompleted)
	assert.ErrorIs(t, err, ErrStaleTransition)

	_, err = st.Transition(ctx, "missing", StatusDisplayed, StatusPending)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testCompletePersistsOutcome(t *testing.T, st Store) {
	ctx := context.Background()
	subject := uniq(t, "partner")
	require.NoError(t, st.SaveSubject(ctx, Subject{ID: subject, Name: "Salon Belle"}))
	r, _, err := st.CreateRecord(ctx, CreateRequest{OwnerID: uniq(t, "owner"), SubjectID: subject})
	require.NoError(t, err)

	done, err := st.Complete(ctx, Outcome{RecordID: r.ID, Score: 4, Comment: "tres bien"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.ResolvedAt)

	outcomes, err := st.ListOutcomes(ctx, subject, 10)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, 4, outcomes[0].Score)
	assert.Equal(t, r.OwnerID, outcomes[0].OwnerID)
	assert.Equal(t, r.ID, outcomes[0].RecordID)

	_, err = st.Complete(ctx, Outcome{RecordID: r.ID, Score: 1})
	assert.ErrorIs(t, err, ErrStaleTransition)
}

func testSubjects(t *testing.T, st Store) {
	ctx := context.Background()
	id := uniq(t, "partner")

	_, err := st.GetSubject(ctx, id)
	assert.ErrorIs(t, err, ErrSubjectNotFound)

	require.NoError(t, st.SaveSubject(ctx, Subject{ID: id, Name: "Garage Kin"}))
	require.NoError(t, st.SaveSubject(ctx, Subject{ID: id, Name: "Garage Kinshasa"}))
	got, err := st.GetSubject(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Garage Kinshasa", got.Name)

	require.NoError(t, st.DeleteSubject(ctx, id))
	assert.ErrorIs(t, st.DeleteSubject(ctx, id), ErrSubjectNotFound)
}

func TestMemoryStoreChangeHook(t *testing.T) {
	st := NewMemoryStore()
	var (
		mu     sync.Mutex
		owners []string
	)
	st.SetChangeHook(func(ownerID string) {
		mu.Lock()
		owners = append(owners, ownerID)
		mu.Unlock()
	})

	ctx := context.Background()
	r, _, err := st.CreateRecord(ctx, CreateRequest{OwnerID: "u1", SubjectID: "p1"})
	require.NoError(t, err)
	_, _, err = st.CreateRecord(ctx, CreateRequest{OwnerID: "u1", SubjectID: "p1"})
	require.NoError(t, err)
	_, err = st.Transition(ctx, r.ID, StatusDisplayed, StatusPending)
	require.NoError(t, err)
	_, err = st.Transition(ctx, r.ID, StatusDisplayed, StatusPending)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"u1", "u1"}, owners, "dedups and no-op transitions must not notify")
}

func TestSQLiteStoreChangeHookFiresAfterCommit(t *testing.T) {
	st, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "hook.db"))
	require.NoError(t, err)
	defer st.Close()

	seen := make(chan []Record, 1)
	st.SetChangeHook(func(ownerID string) {
		active, err := st.ListActive(context.Background(), ownerID)
		if err == nil {
			seen <- active
		}
	})

	r, _, err := st.CreateRecord(context.Background(), CreateRequest{OwnerID: "u1", SubjectID: "p1"})
	require.NoError(t, err)
	select {
	case active := <-seen:
		require.Len(t, active, 1)
		assert.Equal(t, r.ID, active[0].ID)
	case <-time.After(time.Second):
		t.Fatalf("change hook not called")
	}
}

func TestNewStoreSelectsMode(t *testing.T) {
	st, mode, err := NewStore(context.Background(), "", "")
	require.NoError(t, err)
	assert.Equal(t, "memory", mode)
	_ = st.Close()

	st, mode, err = NewStore(context.Background(), "", filepath.Join(t.TempDir(), "x.db"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", mode)
	_ = st.Close()
}

func TestNewerBreaksTiesByID(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	records := []Record{
		{ID: "a", CreatedAt: at},
		{ID: "c", CreatedAt: at},
		{ID: "b", CreatedAt: at.Add(-time.Second)},
	}
	SortNewestFirst(records)
	got := []string{records[0].ID, records[1].ID, records[2].ID}
	assert.Equal(t, []string{"c", "a", "b"}, got)
}
