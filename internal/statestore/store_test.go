package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/deckflow/backend/internal/apperrors"
	"github.com/deckflow/backend/internal/db"
	"github.com/deckflow/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func newTestStore(t *testing.T) (*Store, *MemoryFeed) {
	t.Helper()
	conn, err := db.OpenInMemory()
	require.NoError(t, err)
	feed := NewMemoryFeed()
	t.Cleanup(func() { feed.Close() })
	return New(conn, feed), feed
}

func seedAnalysis(t *testing.T, s *Store, key string) *models.Analysis {
	t.Helper()
	ctx := context.Background()
	doc := &models.Document{UserID: 1, Filename: "deck.pdf", StoragePath: "sha256/aa/aa.pdf"}
	require.NoError(t, s.CreateDocument(ctx, doc))
	a := &models.Analysis{JobKey: key, DocumentID: doc.ID, UserID: 1}
	require.NoError(t, s.CreateAnalysis(ctx, a))
	return a
}

func status(s models.AnalysisStatus) *models.AnalysisStatus { return &s }
func intp(i int) *int                                       { return &i }
func strp(s string) *string                                 { return &s }
func timep(t time.Time) *time.Time                          { return &t }

func TestCreateAnalysisRejectsActiveDuplicate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	a := seedAnalysis(t, s, "deal-1")

	dup := &models.Analysis{JobKey: "deal-1", DocumentID: a.DocumentID, UserID: 1}
	err := s.CreateAnalysis(ctx, dup)
	assert.True(t, apperrors.Is(err, apperrors.KindConflict))

	_, err = s.Apply(ctx, a.ID, Patch{Status: status(models.AnalysisStatusFailed), ErrorMessage: strp("boom")})
	require.NoError(t, err)

	again := &models.Analysis{JobKey: "deal-1", DocumentID: a.DocumentID, UserID: 1}
	require.NoError(t, s.CreateAnalysis(ctx, again))
	assert.NotEqual(t, a.ID, again.ID)

	latest, err := s.LatestByKey(ctx, 1, "deal-1")
	require.NoError(t, err)
	assert.Equal(t, again.ID, latest.ID)
}

func TestJobKeysAreScopedPerUser(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mine := seedAnalysis(t, s, "deal-42")

	theirs := &models.Analysis{JobKey: "deal-42", DocumentID: mine.DocumentID, UserID: 2}
	require.NoError(t, s.CreateAnalysis(ctx, theirs), "another user's active key does not block")

	got, err := s.LatestByKey(ctx, 1, "deal-42")
	require.NoError(t, err)
	assert.Equal(t, mine.ID, got.ID)

	got, err = s.LatestByKey(ctx, 2, "deal-42")
	require.NoError(t, err)
	assert.Equal(t, theirs.ID, got.ID)

	_, err = s.LatestByKey(ctx, 3, "deal-42")
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))
}

func TestLeases(t *testing.T) {
	s, feed := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	held := seedAnalysis(t, s, "deal-held")
	expired := seedAnalysis(t, s, "deal-expired")
	unowned := seedAnalysis(t, s, "deal-unowned")

	_, err := s.Apply(ctx, held.ID, Patch{Owner: strp("proc-a"), LeaseUntil: timep(now.Add(time.Minute))})
	require.NoError(t, err)
	_, err = s.Apply(ctx, expired.ID, Patch{Owner: strp("proc-b"), LeaseUntil: timep(now.Add(-time.Minute))})
	require.NoError(t, err)

	stale, err := s.ListExpired(ctx, now)
	require.NoError(t, err)
	var ids []string
	for _, a := range stale {
		ids = append(ids, a.ID)
	}
	assert.ElementsMatch(t, []string{expired.ID, unowned.ID}, ids)

	// A write guarded on expiry leaves a live lease alone.
	_, err = s.Apply(ctx, held.ID, Patch{
		Status:         status(models.AnalysisStatusFailed),
		ErrorMessage:   strp("interrupted"),
		LeaseExpiredBy: timep(now),
	})
	assert.ErrorIs(t, err, ErrRejected)

	changes, unsubscribe, err := feed.Subscribe(ctx, "deal-expired")
	require.NoError(t, err)
	defer unsubscribe()

	before, err := s.GetAnalysis(ctx, expired.ID)
	require.NoError(t, err)
	n, err := s.RenewLeases(ctx, "proc-b", now.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	after, err := s.GetAnalysis(ctx, expired.ID)
	require.NoError(t, err)
	require.NotNil(t, after.LeaseExpiresAt)
	assert.True(t, after.LeaseExpiresAt.After(now.Add(30*time.Minute)))
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt), "renewal is not a state change")
	select {
	case c := <-changes:
		t.Fatalf("renewal published a change: %+v", c)
	default:
	}

	stale, err = s.ListExpired(ctx, now)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, unowned.ID, stale[0].ID)
}

func TestApplyClaimOnlyFromPending(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	a := seedAnalysis(t, s, "deal-2")

	claimed, err := s.Apply(ctx, a.ID, Patch{Status: status(models.AnalysisStatusProcessing), Progress: intp(10)})
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisStatusProcessing, claimed.Status)
	require.NotNil(t, claimed.StartedAt)

	_, err = s.Apply(ctx, a.ID, Patch{Status: status(models.AnalysisStatusProcessing)})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestApplyProgressNeverDecreases(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	a := seedAnalysis(t, s, "deal-3")

	_, err := s.Apply(ctx, a.ID, Patch{Status: status(models.AnalysisStatusProcessing), Progress: intp(30)})
	require.NoError(t, err)

	got, err := s.Apply(ctx, a.ID, Patch{Progress: intp(20), CurrentStep: strp("late write")})
	require.NoError(t, err)
	assert.Equal(t, 30, got.ProgressPercent)
	assert.Equal(t, "late write", got.CurrentStep)

	got, err = s.Apply(ctx, a.ID, Patch{Progress: intp(55)})
	require.NoError(t, err)
	assert.Equal(t, 55, got.ProgressPercent)
}

func TestTerminalAnalysisIsImmutable(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	a := seedAnalysis(t, s, "deal-4")

	_, err := s.Apply(ctx, a.ID, Patch{Status: status(models.AnalysisStatusProcessing)})
	require.NoError(t, err)
	done, err := s.Apply(ctx, a.ID, Patch{
		Status:   status(models.AnalysisStatusCompleted),
		Progress: intp(100),
		Result:   datatypes.JSON(`{"text":"memo"}`),
	})
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)

	attempts := []Patch{
		{Progress: intp(100), CurrentStep: strp("again")},
		{Status: status(models.AnalysisStatusFailed), ErrorMessage: strp("late failure")},
		{QuickFacts: datatypes.JSON(`{"company_name":"x"}`)},
	}
	for _, p := range attempts {
		_, err := s.Apply(ctx, a.ID, p)
		assert.ErrorIs(t, err, ErrRejected)
	}

	after, err := s.GetAnalysis(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, done.UpdatedAt, after.UpdatedAt)
	assert.Equal(t, models.AnalysisStatusCompleted, after.Status)
	assert.Nil(t, after.ErrorMessage)
	assert.Empty(t, after.QuickFacts)
}

func TestQuickFactsAreSetOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	a := seedAnalysis(t, s, "deal-5")

	_, err := s.Apply(ctx, a.ID, Patch{Status: status(models.AnalysisStatusProcessing)})
	require.NoError(t, err)
	_, err = s.Apply(ctx, a.ID, Patch{Status: status(models.AnalysisStatusContextReady), QuickFacts: datatypes.JSON(`{"company_name":"Acme"}`)})
	require.NoError(t, err)

	_, err = s.Apply(ctx, a.ID, Patch{QuickFacts: datatypes.JSON(`{"company_name":"Other"}`)})
	assert.ErrorIs(t, err, ErrRejected)

	got, err := s.GetAnalysis(ctx, a.ID)
	require.NoError(t, err)
	qf, err := got.DecodeQuickFacts()
	require.NoError(t, err)
	assert.Equal(t, "Acme", qf.CompanyName)
}

func TestPatchValidation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	a := seedAnalysis(t, s, "deal-6")

	bad := []Patch{
		{Status: status(models.AnalysisStatusFailed)},
		{Status: status(models.AnalysisStatusCompleted)},
		{Result: datatypes.JSON(`{"text":"x"}`)},
		{ErrorMessage: strp("x")},
		{Progress: intp(101)},
		{Status: status(models.AnalysisStatusPending)},
	}
	for _, p := range bad {
		_, err := s.Apply(ctx, a.ID, p)
		assert.True(t, apperrors.Is(err, apperrors.KindInternal), "%+v", p)
	}
}

func TestApplyPublishesChanges(t *testing.T) {
	s, feed := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := seedAnalysis(t, s, "deal-7")
	ch, unsubscribe, err := feed.Subscribe(ctx, "deal-7")
	require.NoError(t, err)
	defer unsubscribe()

	_, err = s.Apply(ctx, a.ID, Patch{Status: status(models.AnalysisStatusProcessing), Progress: intp(10)})
	require.NoError(t, err)

	select {
	case got := <-ch:
		assert.Equal(t, a.ID, got.ID)
		assert.Equal(t, models.AnalysisStatusProcessing, got.Status)
		assert.Equal(t, 10, got.ProgressPercent)
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
	}
}

func TestStepLogsCloseOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	a := seedAnalysis(t, s, "deal-8")

	log, err := s.OpenStep(ctx, a.ID, models.StepExtraction, 1, map[string]string{"document_id": a.DocumentID})
	require.NoError(t, err)
	require.NoError(t, s.CloseStep(ctx, log, models.StepStatusSuccess, map[string]int{"characters": 42}, ""))

	err = s.CloseStep(ctx, log, models.StepStatusError, nil, "late")
	assert.True(t, apperrors.Is(err, apperrors.KindConflict))

	steps, err := s.ListSteps(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, models.StepStatusSuccess, steps[0].Status)
	assert.NotNil(t, steps[0].DurationMs)
	assert.JSONEq(t, `{"characters":42}`, string(steps[0].Output))
	assert.Nil(t, steps[0].ErrorMessage)
}

func TestSaveExtractedText(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	a := seedAnalysis(t, s, "deal-9")

	require.NoError(t, s.SaveExtractedText(ctx, a.DocumentID, "slide text"))
	doc, err := s.GetDocument(ctx, a.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, "slide text", doc.ExtractedText)
	assert.NotNil(t, doc.ExtractedAt)

	err = s.SaveExtractedText(ctx, "missing", "x")
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))
}
