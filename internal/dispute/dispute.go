// Package dispute implements the dispute resolution workflow for contested
// marketplace transactions.
//
// Flow:
//  1. A party files a dispute against a transaction → status: open
//  2. Three eligible judges are assigned → status: voting
//  3. Each judge votes exactly once (yes / no / neutral)
//  4. When the full pool has voted, the verdict is computed:
//     strict majority of yes → favor_raiser, strict majority of no →
//     favor_respondent, anything else → escalate
//  5. Decisive verdicts resolve the case; escalation hands it to a higher
//     review tier. Either way the case is immutable afterwards.
//
// Vote appends and the quorum transition are conditional writes against the
// case's version, so two judges racing to cast the final vote cannot both
// trigger verdict computation.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bidlane/bidlane/internal/audit"
	"github.com/bidlane/bidlane/internal/idgen"
	"github.com/bidlane/bidlane/internal/metrics"
	"github.com/bidlane/bidlane/internal/notify"
	"github.com/bidlane/bidlane/internal/traces"
)

var (
	ErrNotFound           = errors.New("dispute not found")
	ErrInvalidState       = errors.New("invalid dispute status for this operation")
	ErrUnauthorized       = errors.New("not authorized for this dispute operation")
	ErrDuplicateVote      = errors.New("judge has already voted on this dispute")
	ErrInsufficientJudges = errors.New("not enough eligible judges available")
	ErrVersionConflict    = errors.New("dispute was modified concurrently, retry the operation")
)

// MaxDescriptionLen bounds the free-text description on a dispute.
const MaxDescriptionLen = 2000

// TransactionKind tags the type of transaction a dispute is attached to.
type TransactionKind string

const (
	KindAuction   TransactionKind = "auction"
	KindDelivery  TransactionKind = "delivery"
	KindLoanOffer TransactionKind = "loan_offer"
	KindPayment   TransactionKind = "payment"
)

// ValidKind reports whether k names a known transaction kind.
func ValidKind(k TransactionKind) bool {
	switch k {
	case KindAuction, KindDelivery, KindLoanOffer, KindPayment:
		return true
	}
	return false
}

// TransactionRef is a tagged reference to the disputed transaction.
// Consumers switch on Kind explicitly.
type TransactionRef struct {
	Kind TransactionKind `json:"kind"`
	ID   string          `json:"id"`
}

func (r TransactionRef) String() string {
	return string(r.Kind) + ":" + r.ID
}

// Status represents the state of a dispute case.
type Status string

const (
	StatusOpen      Status = "open"      // Filed, no judges yet
	StatusVoting    Status = "voting"    // Judge pool assigned, collecting votes
	StatusResolved  Status = "resolved"  // Quorum reached a decisive verdict
	StatusEscalated Status = "escalated" // No strict majority, handed to higher tier
)

// Choice is a judge's vote.
type Choice string

const (
	ChoiceYes     Choice = "yes"     // In favor of the raiser
	ChoiceNo      Choice = "no"      // In favor of the respondent
	ChoiceNeutral Choice = "neutral" // No position
)

// ValidChoice reports whether c is a known vote choice.
func ValidChoice(c Choice) bool {
	return c == ChoiceYes || c == ChoiceNo || c == ChoiceNeutral
}

// Verdict is the outcome of vote aggregation.
type Verdict string

const (
	VerdictFavorRaiser     Verdict = "favor_raiser"
	VerdictFavorRespondent Verdict = "favor_respondent"
	VerdictEscalate        Verdict = "escalate"
)

// Vote is a single judge's cast vote.
type Vote struct {
	JudgeID string    `json:"judgeId"`
	Choice  Choice    `json:"choice"`
	Comment string    `json:"comment,omitempty"`
	CastAt  time.Time `json:"castAt"`
}

// Case is a dispute case record.
type Case struct {
	ID          string         `json:"id"`
	Transaction TransactionRef `json:"transaction"`
	RaisedBy    string         `json:"raisedBy"`
	AgainstUser string         `json:"againstUser"`
	Description string         `json:"description"`
	Status      Status         `json:"status"`
	JudgePool   []string       `json:"judgePool,omitempty"`
	Votes       []Vote         `json:"votes,omitempty"`
	Verdict     Verdict        `json:"verdict,omitempty"`
	Resolution  string         `json:"resolution,omitempty"`
	ResolvedAt  *time.Time     `json:"resolvedAt,omitempty"`
	Version     int64          `json:"version"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// IsTerminal returns true if the case is in a final state.
func (c *Case) IsTerminal() bool {
	return c.Status == StatusResolved || c.Status == StatusEscalated
}

// HasVoted reports whether the judge already appears in the vote list.
func (c *Case) HasVoted(judgeID string) bool {
	for _, v := range c.Votes {
		if v.JudgeID == judgeID {
			return true
		}
	}
	return false
}

// InPool reports whether the judge belongs to the assigned pool.
func (c *Case) InPool(judgeID string) bool {
	for _, j := range c.JudgePool {
		if j == judgeID {
			return true
		}
	}
	return false
}

// Store persists dispute cases. UpdateVersioned is a compare-and-swap: it
// must fail with ErrVersionConflict when the stored version differs from
// expectedVersion, and must bump the version on success.
type Store interface {
	Create(ctx context.Context, c *Case) error
	Get(ctx context.Context, id string) (*Case, error)
	UpdateVersioned(ctx context.Context, c *Case, expectedVersion int64) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Case, error)
	ListByTransaction(ctx context.Context, ref TransactionRef) ([]*Case, error)
	CountUnresolvedByJudge(ctx context.Context, judgeID string) (int, error)
}

// ReputationRecorder applies reputation side effects of verdicts.
// The dispute package does not import reputation directly.
type ReputationRecorder interface {
	ApplyOutcome(ctx context.Context, userID, action string) (int, error)
}

// FileRequest contains the parameters for filing a dispute.
type FileRequest struct {
	Transaction TransactionRef `json:"transaction" binding:"required"`
	RaisedBy    string         `json:"raisedBy" binding:"required"`
	AgainstUser string         `json:"againstUser" binding:"required"`
	Description string         `json:"description" binding:"required"`
}

// VoteRequest contains the parameters for casting a vote.
type VoteRequest struct {
	JudgeID string `json:"judgeId" binding:"required"`
	Choice  Choice `json:"choice" binding:"required"`
	Comment string `json:"comment"`
}

// VoteResult reports the outcome of a vote submission.
type VoteResult struct {
	Accepted bool    `json:"accepted"`
	Quorum   bool    `json:"quorum"`
	Verdict  Verdict `json:"verdict,omitempty"`
	Case     *Case   `json:"case"`
}

// Service implements dispute business logic.
type Service struct {
	store     Store
	directory Directory
	sink      notify.Sink
	auditLog  audit.Logger
	recorder  ReputationRecorder
	logger    *slog.Logger

	poolSize       int
	concurrencyCap int
}

// NewService creates a new dispute service.
func NewService(store Store, directory Directory, sink notify.Sink, auditLog audit.Logger, logger *slog.Logger) *Service {
	return &Service{
		store:          store,
		directory:      directory,
		sink:           sink,
		auditLog:       auditLog,
		logger:         logger,
		poolSize:       DefaultPoolSize,
		concurrencyCap: DefaultConcurrencyCap,
	}
}

// WithRecorder adds a reputation recorder for verdict side effects.
func (s *Service) WithRecorder(r ReputationRecorder) *Service {
	s.recorder = r
	return s
}

// WithPolicy overrides the judge pool size and per-judge concurrency cap.
func (s *Service) WithPolicy(poolSize, concurrencyCap int) *Service {
	if poolSize > 0 {
		s.poolSize = poolSize
	}
	if concurrencyCap > 0 {
		s.concurrencyCap = concurrencyCap
	}
	return s
}

// File creates a new dispute case in status open.
func (s *Service) File(ctx context.Context, req FileRequest) (*Case, error) {
	if !ValidKind(req.Transaction.Kind) {
		return nil, fmt.Errorf("unknown transaction kind %q", req.Transaction.Kind)
	}
	if req.Transaction.ID == "" {
		return nil, errors.New("transaction id is required")
	}
	if req.RaisedBy == "" || req.AgainstUser == "" {
		return nil, errors.New("both parties are required")
	}
	if strings.EqualFold(req.RaisedBy, req.AgainstUser) {
		return nil, errors.New("a dispute cannot be raised against oneself")
	}
	if len(req.Description) > MaxDescriptionLen {
		return nil, fmt.Errorf("description exceeds %d characters", MaxDescriptionLen)
	}

	now := time.Now()
	c := &Case{
		ID:          idgen.WithPrefix("dsp_"),
		Transaction: req.Transaction,
		RaisedBy:    req.RaisedBy,
		AgainstUser: req.AgainstUser,
		Description: req.Description,
		Status:      StatusOpen,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to create dispute: %w", err)
	}

	metrics.DisputesFiledTotal.WithLabelValues(string(req.Transaction.Kind)).Inc()
	s.recordAudit(ctx, c.ID, "dispute_filed", "", c, "dispute filed by "+req.RaisedBy)
	s.emit(ctx, notify.NewEvent(notify.EventDisputeFiled, c.AgainstUser,
		fmt.Sprintf("A dispute was filed against you for %s", c.Transaction),
		map[string]any{"disputeId": c.ID}))

	return c, nil
}

// Get returns a dispute case by ID.
func (s *Service) Get(ctx context.Context, id string) (*Case, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns disputes involving a user as a party or judge.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Case, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// SubmitVote records a judge's vote and computes the verdict once the full
// pool has voted. The append and any resulting transition happen in a single
// conditional write; on ErrVersionConflict the caller retries the whole call.
func (s *Service) SubmitVote(ctx context.Context, disputeID string, req VoteRequest) (*VoteResult, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.SubmitVote",
		traces.DisputeID(disputeID), traces.JudgeID(req.JudgeID))
	defer span.End()

	if !ValidChoice(req.Choice) {
		return nil, fmt.Errorf("unknown vote choice %q", req.Choice)
	}

	c, err := s.store.Get(ctx, disputeID)
	if err != nil {
		s.rejectVote("not_found")
		return nil, err
	}

	// Precondition order is part of the contract: state before identity,
	// identity before duplication.
	if c.Status != StatusVoting {
		s.rejectVote("invalid_state")
		return nil, ErrInvalidState
	}
	if !c.InPool(req.JudgeID) {
		s.rejectVote("unauthorized")
		return nil, ErrUnauthorized
	}
	if c.HasVoted(req.JudgeID) {
		s.rejectVote("duplicate")
		return nil, ErrDuplicateVote
	}

	expected := c.Version
	before := c.Status
	now := time.Now()
	c.Votes = append(c.Votes, Vote{
		JudgeID: req.JudgeID,
		Choice:  req.Choice,
		Comment: req.Comment,
		CastAt:  now,
	})
	c.UpdatedAt = now

	result := &VoteResult{Accepted: true, Case: c}
	if len(c.Votes) == len(c.JudgePool) {
		verdict := ComputeVerdict(c.Votes)
		applyVerdict(c, verdict, now)
		result.Quorum = true
		result.Verdict = verdict
	}

	if err := s.store.UpdateVersioned(ctx, c, expected); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			metrics.VersionConflictsTotal.WithLabelValues("dispute").Inc()
		}
		return nil, err
	}

	metrics.VotesTotal.WithLabelValues(string(req.Choice)).Inc()
	s.recordAudit(ctx, c.ID, "vote_cast", string(before), c,
		fmt.Sprintf("judge %s voted %s", req.JudgeID, req.Choice))

	if result.Quorum {
		s.finishQuorum(ctx, c, result.Verdict)
	}

	return result, nil
}

// ComputeVerdict is a pure function of the multiset of vote choices.
// A strict majority (> half the quorum) of yes or no is decisive; every
// other distribution escalates.
func ComputeVerdict(votes []Vote) Verdict {
	var yes, no int
	for _, v := range votes {
		switch v.Choice {
		case ChoiceYes:
			yes++
		case ChoiceNo:
			no++
		}
	}
	majority := len(votes)/2 + 1
	switch {
	case yes >= majority:
		return VerdictFavorRaiser
	case no >= majority:
		return VerdictFavorRespondent
	default:
		return VerdictEscalate
	}
}

// TallySummary renders the vote counts for the resolution text.
func TallySummary(votes []Vote) string {
	var yes, no, neutral int
	for _, v := range votes {
		switch v.Choice {
		case ChoiceYes:
			yes++
		case ChoiceNo:
			no++
		case ChoiceNeutral:
			neutral++
		}
	}
	return fmt.Sprintf("%d yes / %d no / %d neutral", yes, no, neutral)
}

func applyVerdict(c *Case, verdict Verdict, now time.Time) {
	c.Verdict = verdict
	c.ResolvedAt = &now
	switch verdict {
	case VerdictEscalate:
		c.Status = StatusEscalated
		c.Resolution = "no strict majority (" + TallySummary(c.Votes) + "), escalated to review"
	default:
		c.Status = StatusResolved
		c.Resolution = string(verdict) + " (" + TallySummary(c.Votes) + ")"
	}
}

// finishQuorum applies post-commit side effects of a verdict: metrics,
// audit, notifications, and reputation deltas. The transition itself has
// already been persisted; failures here are logged, never rolled back.
func (s *Service) finishQuorum(ctx context.Context, c *Case, verdict Verdict) {
	metrics.VerdictsTotal.WithLabelValues(string(verdict)).Inc()
	s.recordAudit(ctx, c.ID, "verdict_reached", string(StatusVoting), c, c.Resolution)

	eventType := notify.EventDisputeResolved
	if verdict == VerdictEscalate {
		eventType = notify.EventDisputeEscalated
	}
	msg := fmt.Sprintf("Dispute %s: %s", c.ID, c.Resolution)
	data := map[string]any{"disputeId": c.ID, "verdict": string(verdict)}
	s.emit(ctx, notify.NewEvent(eventType, c.RaisedBy, msg, data))
	s.emit(ctx, notify.NewEvent(eventType, c.AgainstUser, msg, data))

	if s.recorder == nil {
		return
	}
	var winner, loser string
	switch verdict {
	case VerdictFavorRaiser:
		winner, loser = c.RaisedBy, c.AgainstUser
	case VerdictFavorRespondent:
		winner, loser = c.AgainstUser, c.RaisedBy
	default:
		return // escalation carries no reputation consequence yet
	}
	if _, err := s.recorder.ApplyOutcome(ctx, winner, "win_case"); err != nil {
		s.logger.Warn("failed to apply win_case reputation", "dispute", c.ID, "user", winner, "error", err)
	}
	if _, err := s.recorder.ApplyOutcome(ctx, loser, "lose_case"); err != nil {
		s.logger.Warn("failed to apply lose_case reputation", "dispute", c.ID, "user", loser, "error", err)
	}
}

// HasBlockingDispute reports whether any unresolved (open or voting) dispute
// is attached to the transaction, and returns the adverse verdict against
// recipient if a resolved one exists.
func (s *Service) HasBlockingDispute(ctx context.Context, ref TransactionRef, recipient string) (open bool, adverse bool, err error) {
	cases, err := s.store.ListByTransaction(ctx, ref)
	if err != nil {
		return false, false, err
	}
	for _, c := range cases {
		switch c.Status {
		case StatusOpen, StatusVoting:
			open = true
		case StatusResolved:
			if c.Verdict == VerdictFavorRespondent && c.RaisedBy == recipient {
				adverse = true
			}
			if c.Verdict == VerdictFavorRaiser && c.AgainstUser == recipient {
				adverse = true
			}
		}
	}
	return open, adverse, nil
}

func (s *Service) rejectVote(reason string) {
	metrics.VoteRejectionsTotal.WithLabelValues(reason).Inc()
}

func (s *Service) emit(ctx context.Context, event notify.Event) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Notify(ctx, event); err != nil {
		// At-least-once: a failed notification never rolls back state.
		s.logger.Warn("notification delivery failed", "event", event.Type, "user", event.UserID, "error", err)
	}
}

func (s *Service) recordAudit(ctx context.Context, disputeID, operation, before string, c *Case, description string) {
	if s.auditLog == nil {
		return
	}
	beforeJSON := "{}"
	if before != "" {
		beforeJSON = audit.Snapshot(map[string]string{"status": before})
	}
	after := audit.Snapshot(map[string]string{"status": string(c.Status), "verdict": string(c.Verdict)})
	if err := audit.Record(ctx, s.auditLog, "dispute", disputeID, operation, beforeJSON, after, description); err != nil {
		s.logger.Warn("audit write failed", "dispute", disputeID, "operation", operation, "error", err)
	}
}
