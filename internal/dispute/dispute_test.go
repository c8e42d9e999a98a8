package dispute

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/bidlane/bidlane/internal/audit"
	"github.com/bidlane/bidlane/internal/notify"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mockRecorder captures reputation outcomes.
type mockRecorder struct {
	mu       sync.Mutex
	outcomes []appliedOutcome
}

type appliedOutcome struct {
	userID, action string
}

func (m *mockRecorder) ApplyOutcome(_ context.Context, userID, action string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, appliedOutcome{userID, action})
	return 0, nil
}

func newTestService(arbitrators ...string) (*Service, *MemoryStore, *notify.MemorySink, *mockRecorder) {
	store := NewMemoryStore()
	sink := notify.NewMemorySink()
	recorder := &mockRecorder{}
	svc := NewService(store, StaticDirectory(arbitrators), sink, audit.NewMemoryLogger(), testLogger()).
		WithRecorder(recorder)
	return svc, store, sink, recorder
}

func fileTestDispute(t *testing.T, svc *Service) *Case {
	t.Helper()
	c, err := svc.File(context.Background(), FileRequest{
		Transaction: TransactionRef{Kind: KindAuction, ID: "auc_1"},
		RaisedBy:    "buyer1",
		AgainstUser: "seller1",
		Description: "vehicle not as described",
	})
	if err != nil {
		t.Fatalf("File failed: %v", err)
	}
	return c
}

func TestFileDispute(t *testing.T) {
	svc, _, sink, _ := newTestService("j1", "j2", "j3")
	c := fileTestDispute(t, svc)

	if c.Status != StatusOpen {
		t.Errorf("expected open, got %s", c.Status)
	}
	if c.Version != 1 {
		t.Errorf("expected version 1, got %d", c.Version)
	}
	filed := sink.ByType(notify.EventDisputeFiled)
	if len(filed) != 1 || filed[0].UserID != "seller1" {
		t.Errorf("expected one filing notification to the respondent, got %+v", filed)
	}
}

func TestFileDisputeValidation(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	cases := []FileRequest{
		{Transaction: TransactionRef{Kind: "vehicle", ID: "x"}, RaisedBy: "a", AgainstUser: "b", Description: "d"},
		{Transaction: TransactionRef{Kind: KindAuction}, RaisedBy: "a", AgainstUser: "b", Description: "d"},
		{Transaction: TransactionRef{Kind: KindAuction, ID: "x"}, RaisedBy: "a", AgainstUser: "A", Description: "d"},
		{Transaction: TransactionRef{Kind: KindAuction, ID: "x"}, RaisedBy: "", AgainstUser: "b", Description: "d"},
	}
	for i, req := range cases {
		if _, err := svc.File(ctx, req); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestAssignJudges(t *testing.T) {
	svc, _, sink, _ := newTestService("j1", "j2", "j3", "j4", "seller1")
	c := fileTestDispute(t, svc)

	updated, err := svc.AssignJudges(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("AssignJudges failed: %v", err)
	}

	if updated.Status != StatusVoting {
		t.Errorf("expected voting, got %s", updated.Status)
	}
	if len(updated.JudgePool) != 3 {
		t.Fatalf("expected 3 judges, got %d", len(updated.JudgePool))
	}
	seen := make(map[string]bool)
	for _, j := range updated.JudgePool {
		if seen[j] {
			t.Errorf("duplicate judge %s in pool", j)
		}
		seen[j] = true
		if j == "buyer1" || j == "seller1" {
			t.Errorf("party %s must not be in the pool", j)
		}
	}
	if got := len(sink.ByType(notify.EventJudgeAssigned)); got != 3 {
		t.Errorf("expected 3 judge notifications, got %d", got)
	}
}

func TestAssignJudgesInsufficient(t *testing.T) {
	// Only two candidates once the respondent is excluded.
	svc, _, _, _ := newTestService("j1", "j2", "seller1")
	c := fileTestDispute(t, svc)

	_, err := svc.AssignJudges(context.Background(), c.ID)
	if !errors.Is(err, ErrInsufficientJudges) {
		t.Fatalf("expected ErrInsufficientJudges, got %v", err)
	}
}

func TestAssignJudgesRespectsConcurrencyCap(t *testing.T) {
	svc, _, _, _ := newTestService("j1", "j2", "j3", "j4")
	svc.WithPolicy(3, 1)
	ctx := context.Background()

	c1 := fileTestDispute(t, svc)
	if _, err := svc.AssignJudges(ctx, c1.ID); err != nil {
		t.Fatalf("first assignment failed: %v", err)
	}

	// Three of the four judges now sit at the cap; only one candidate left.
	c2, err := svc.File(ctx, FileRequest{
		Transaction: TransactionRef{Kind: KindPayment, ID: "pay_1"},
		RaisedBy:    "buyer2",
		AgainstUser: "seller2",
		Description: "payment never arrived",
	})
	if err != nil {
		t.Fatalf("File failed: %v", err)
	}
	if _, err := svc.AssignJudges(ctx, c2.ID); !errors.Is(err, ErrInsufficientJudges) {
		t.Fatalf("expected ErrInsufficientJudges under cap, got %v", err)
	}
}

func TestAssignJudgesWrongState(t *testing.T) {
	svc, _, _, _ := newTestService("j1", "j2", "j3")
	c := fileTestDispute(t, svc)

	if _, err := svc.AssignJudges(context.Background(), c.ID); err != nil {
		t.Fatalf("AssignJudges failed: %v", err)
	}
	if _, err := svc.AssignJudges(context.Background(), c.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second assignment, got %v", err)
	}
}

// votingDispute files a dispute and pins the judge pool to j1, j2, j3.
func votingDispute(t *testing.T, svc *Service, store *MemoryStore) *Case {
	t.Helper()
	c := fileTestDispute(t, svc)
	fresh, err := store.Get(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	fresh.Status = StatusVoting
	fresh.JudgePool = []string{"j1", "j2", "j3"}
	if err := store.UpdateVersioned(context.Background(), fresh, fresh.Version); err != nil {
		t.Fatalf("seed pool failed: %v", err)
	}
	return fresh
}

func TestVoteScenarioFavorRaiser(t *testing.T) {
	svc, store, sink, recorder := newTestService("j1", "j2", "j3")
	c := votingDispute(t, svc, store)
	ctx := context.Background()

	// Yes / No / Yes submitted out of order.
	for _, req := range []VoteRequest{
		{JudgeID: "j2", Choice: ChoiceNo, Comment: "seller acted in good faith"},
		{JudgeID: "j1", Choice: ChoiceYes},
		{JudgeID: "j3", Choice: ChoiceYes},
	} {
		if _, err := svc.SubmitVote(ctx, c.ID, req); err != nil {
			t.Fatalf("SubmitVote(%s) failed: %v", req.JudgeID, err)
		}
	}

	final, _ := store.Get(ctx, c.ID)
	if final.Status != StatusResolved {
		t.Errorf("expected resolved, got %s", final.Status)
	}
	if final.Verdict != VerdictFavorRaiser {
		t.Errorf("expected favor_raiser, got %s", final.Verdict)
	}
	if final.ResolvedAt == nil {
		t.Error("resolvedAt must be set")
	}
	if final.Resolution == "" {
		t.Error("resolution summary must be set")
	}

	// Fourth voter is not in the pool.
	if _, err := svc.SubmitVote(ctx, c.ID, VoteRequest{JudgeID: "j4", Choice: ChoiceYes}); !errors.Is(err, ErrInvalidState) {
		// Case already resolved: state check fires before the pool check.
		t.Fatalf("expected ErrInvalidState after resolution, got %v", err)
	}

	// Winner/loser reputation applied exactly once each.
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.outcomes) != 2 {
		t.Fatalf("expected 2 reputation outcomes, got %d", len(recorder.outcomes))
	}
	if recorder.outcomes[0] != (appliedOutcome{"buyer1", "win_case"}) {
		t.Errorf("unexpected winner outcome: %+v", recorder.outcomes[0])
	}
	if recorder.outcomes[1] != (appliedOutcome{"seller1", "lose_case"}) {
		t.Errorf("unexpected loser outcome: %+v", recorder.outcomes[1])
	}

	resolved := sink.ByType(notify.EventDisputeResolved)
	if len(resolved) != 2 {
		t.Errorf("expected both parties notified, got %d events", len(resolved))
	}
}

func TestVoteUnauthorizedAndDuplicate(t *testing.T) {
	svc, store, _, _ := newTestService("j1", "j2", "j3")
	c := votingDispute(t, svc, store)
	ctx := context.Background()

	if _, err := svc.SubmitVote(ctx, c.ID, VoteRequest{JudgeID: "intruder", Choice: ChoiceYes}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	if _, err := svc.SubmitVote(ctx, c.ID, VoteRequest{JudgeID: "j1", Choice: ChoiceYes}); err != nil {
		t.Fatalf("first vote failed: %v", err)
	}
	if _, err := svc.SubmitVote(ctx, c.ID, VoteRequest{JudgeID: "j1", Choice: ChoiceNo}); !errors.Is(err, ErrDuplicateVote) {
		t.Fatalf("expected ErrDuplicateVote, got %v", err)
	}

	final, _ := store.Get(ctx, c.ID)
	if len(final.Votes) != 1 {
		t.Fatalf("duplicate vote must not be appended, got %d votes", len(final.Votes))
	}
}

func TestVoteBeforeAssignmentAndMissingDispute(t *testing.T) {
	svc, _, _, _ := newTestService("j1", "j2", "j3")
	c := fileTestDispute(t, svc)
	ctx := context.Background()

	if _, err := svc.SubmitVote(ctx, c.ID, VoteRequest{JudgeID: "j1", Choice: ChoiceYes}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState before assignment, got %v", err)
	}
	if _, err := svc.SubmitVote(ctx, "dsp_missing", VoteRequest{JudgeID: "j1", Choice: ChoiceYes}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestVoteEscalation(t *testing.T) {
	svc, store, sink, recorder := newTestService("j1", "j2", "j3")
	c := votingDispute(t, svc, store)
	ctx := context.Background()

	for _, req := range []VoteRequest{
		{JudgeID: "j1", Choice: ChoiceYes},
		{JudgeID: "j2", Choice: ChoiceNo},
		{JudgeID: "j3", Choice: ChoiceNeutral},
	} {
		if _, err := svc.SubmitVote(ctx, c.ID, req); err != nil {
			t.Fatalf("SubmitVote failed: %v", err)
		}
	}

	final, _ := store.Get(ctx, c.ID)
	if final.Status != StatusEscalated {
		t.Errorf("expected escalated, got %s", final.Status)
	}
	if final.Verdict != VerdictEscalate {
		t.Errorf("expected escalate, got %s", final.Verdict)
	}
	if final.ResolvedAt == nil {
		t.Error("resolvedAt must be set on escalation too")
	}
	if got := len(sink.ByType(notify.EventDisputeEscalated)); got != 2 {
		t.Errorf("expected 2 escalation notifications, got %d", got)
	}
	if len(recorder.outcomes) != 0 {
		t.Errorf("escalation must not touch reputation, got %+v", recorder.outcomes)
	}
}

func TestComputeVerdictTable(t *testing.T) {
	mk := func(choices ...Choice) []Vote {
		votes := make([]Vote, len(choices))
		for i, ch := range choices {
			votes[i] = Vote{JudgeID: "j", Choice: ch}
		}
		return votes
	}

	cases := []struct {
		name    string
		votes   []Vote
		verdict Verdict
	}{
		{"two yes one no", mk(ChoiceYes, ChoiceYes, ChoiceNo), VerdictFavorRaiser},
		{"two no one yes", mk(ChoiceNo, ChoiceNo, ChoiceYes), VerdictFavorRespondent},
		{"split", mk(ChoiceYes, ChoiceNo, ChoiceNeutral), VerdictEscalate},
		{"two neutral one yes", mk(ChoiceNeutral, ChoiceNeutral, ChoiceYes), VerdictEscalate},
		{"unanimous yes", mk(ChoiceYes, ChoiceYes, ChoiceYes), VerdictFavorRaiser},
		{"unanimous neutral", mk(ChoiceNeutral, ChoiceNeutral, ChoiceNeutral), VerdictEscalate},
	}
	for _, tc := range cases {
		if got := ComputeVerdict(tc.votes); got != tc.verdict {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.verdict)
		}
	}
}

func TestSubmitVoteVersionConflictSurfaced(t *testing.T) {
	svc, store, _, _ := newTestService("j1", "j2", "j3")
	c := votingDispute(t, svc, store)
	ctx := context.Background()

	// Bump the stored version behind the service's back to simulate a
	// concurrent writer winning the race.
	fresh, _ := store.Get(ctx, c.ID)
	fresh.UpdatedAt = fresh.UpdatedAt.Add(1)
	if err := store.UpdateVersioned(ctx, fresh, fresh.Version); err != nil {
		t.Fatalf("seed bump failed: %v", err)
	}

	// Direct stale write must be rejected by the store.
	stale, _ := store.Get(ctx, c.ID)
	if err := store.UpdateVersioned(ctx, stale, stale.Version-1); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestConcurrentFinalVotesResolveExactlyOnce(t *testing.T) {
	svc, store, _, recorder := newTestService("j1", "j2", "j3")
	c := votingDispute(t, svc, store)
	ctx := context.Background()

	if _, err := svc.SubmitVote(ctx, c.ID, VoteRequest{JudgeID: "j1", Choice: ChoiceYes}); err != nil {
		t.Fatalf("seed vote failed: %v", err)
	}

	// Two judges race to cast the last two votes. Conflicting submissions
	// retry the whole operation, per the store contract.
	var wg sync.WaitGroup
	for _, judge := range []string{"j2", "j3"} {
		wg.Add(1)
		go func(judgeID string) {
			defer wg.Done()
			for {
				_, err := svc.SubmitVote(ctx, c.ID, VoteRequest{JudgeID: judgeID, Choice: ChoiceYes})
				if errors.Is(err, ErrVersionConflict) {
					continue
				}
				if err != nil {
					t.Errorf("SubmitVote(%s) failed: %v", judgeID, err)
				}
				return
			}
		}(judge)
	}
	wg.Wait()

	final, _ := store.Get(ctx, c.ID)
	if final.Status != StatusResolved {
		t.Fatalf("expected resolved, got %s", final.Status)
	}
	if len(final.Votes) != 3 {
		t.Fatalf("expected 3 votes, got %d", len(final.Votes))
	}
	seen := make(map[string]bool)
	for _, v := range final.Votes {
		if seen[v.JudgeID] {
			t.Errorf("judge %s appears twice in votes", v.JudgeID)
		}
		seen[v.JudgeID] = true
	}
	// Verdict side effects fired exactly once.
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.outcomes) != 2 {
		t.Errorf("expected exactly 2 reputation outcomes, got %d", len(recorder.outcomes))
	}
}

func TestHasBlockingDispute(t *testing.T) {
	svc, store, _, _ := newTestService("j1", "j2", "j3")
	ctx := context.Background()
	ref := TransactionRef{Kind: KindAuction, ID: "auc_1"}

	open, adverse, err := svc.HasBlockingDispute(ctx, ref, "seller1")
	if err != nil || open || adverse {
		t.Fatalf("expected no blocks on empty store, got open=%v adverse=%v err=%v", open, adverse, err)
	}

	c := votingDispute(t, svc, store)
	open, _, err = svc.HasBlockingDispute(ctx, ref, "seller1")
	if err != nil {
		t.Fatalf("HasBlockingDispute failed: %v", err)
	}
	if !open {
		t.Fatal("voting dispute must block")
	}

	// Resolve in favor of the raiser: adverse for the respondent-recipient.
	for _, j := range []string{"j1", "j2", "j3"} {
		if _, err := svc.SubmitVote(ctx, c.ID, VoteRequest{JudgeID: j, Choice: ChoiceYes}); err != nil {
			t.Fatalf("vote failed: %v", err)
		}
	}
	open, adverse, err = svc.HasBlockingDispute(ctx, ref, "seller1")
	if err != nil {
		t.Fatalf("HasBlockingDispute failed: %v", err)
	}
	if open {
		t.Error("resolved dispute must not count as open")
	}
	if !adverse {
		t.Error("verdict against the recipient must be adverse")
	}

	// The winning raiser is not blocked.
	_, adverse, _ = svc.HasBlockingDispute(ctx, ref, "buyer1")
	if adverse {
		t.Error("verdict in the recipient's favor must not be adverse")
	}
}
