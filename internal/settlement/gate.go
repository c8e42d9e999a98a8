package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/bidlane/bidlane/internal/metrics"
	"github.com/bidlane/bidlane/internal/notify"
	"github.com/bidlane/bidlane/internal/traces"
)

// Release decision reasons.
const (
	ReasonReleased        = "released"
	ReasonAlreadyReleased = "already_released"
	ReasonNotActivated    = "not-activated"
	ReasonIncomplete      = "incomplete"
	ReasonOpenDispute     = "open-dispute"
	ReasonAdverseVerdict  = "adverse-verdict"
	ReasonTitleUnverified = "title-unverified"
)

// ReleaseContext carries the dispute facts the gate needs. The gate itself
// never queries anything.
type ReleaseContext struct {
	OpenDispute    bool
	AdverseVerdict bool
}

// Decision is the outcome of a release evaluation.
type Decision struct {
	Release bool   `json:"release"`
	Reason  string `json:"reason"`
}

// EvaluateRelease is the pure settlement gate: it decides whether funds may
// leave escrow for c, with no side effects. Every condition must hold:
// the contract is activated and complete, no unresolved dispute touches the
// transaction, no resolved verdict went against the recipient, and the title
// is verified unless an institutional waiver was accepted.
func EvaluateRelease(c *Contract, rc ReleaseContext) Decision {
	switch {
	case c.FundsReleased:
		return Decision{Release: false, Reason: ReasonAlreadyReleased}
	case !c.Activated:
		return Decision{Release: false, Reason: ReasonNotActivated}
	case !c.Complete:
		return Decision{Release: false, Reason: ReasonIncomplete}
	case rc.OpenDispute:
		return Decision{Release: false, Reason: ReasonOpenDispute}
	case rc.AdverseVerdict:
		return Decision{Release: false, Reason: ReasonAdverseVerdict}
	case !c.TitleVerified && !c.WaiverAccepted:
		return Decision{Release: false, Reason: ReasonTitleUnverified}
	}
	return Decision{Release: true, Reason: ReasonReleased}
}

// ReleaseResult reports the outcome of a release attempt.
type ReleaseResult struct {
	Released bool      `json:"released"`
	Reason   string    `json:"reason"`
	Contract *Contract `json:"contract"`
	Entry    *Entry    `json:"entry,omitempty"`
}

// ReleaseFunds re-evaluates the gate and, when it passes, flips
// fundsReleased with a conditional write, appends exactly one ledger entry,
// and applies reputation rewards. A call against an already-released
// contract is a no-op success. A blocked release returns ErrReleaseBlocked
// wrapping the specific reason.
func (s *Service) ReleaseFunds(ctx context.Context, contractID, triggeredBy string) (*ReleaseResult, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.ReleaseFunds", traces.ContractID(contractID))
	defer span.End()

	c, err := s.store.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if c.FundsReleased {
		return &ReleaseResult{Released: false, Reason: ReasonAlreadyReleased, Contract: c}, nil
	}

	rc, err := s.disputeContext(ctx, c)
	if err != nil {
		return nil, err
	}
	decision := EvaluateRelease(c, rc)
	if !decision.Release {
		metrics.ReleaseBlockedTotal.WithLabelValues(decision.Reason).Inc()
		return nil, fmt.Errorf("%w: %s", ErrReleaseBlocked, decision.Reason)
	}

	now := time.Now()
	before := *c
	c.FundsReleased = true
	c.ReleasedAt = &now
	if err := s.commit(ctx, c); err != nil {
		metrics.ReleasesTotal.WithLabelValues("conflict").Inc()
		return nil, err
	}
	metrics.ReleasesTotal.WithLabelValues("released").Inc()

	entry, err := s.appendEntry(ctx, c, StepFundsReleased, c.AmountCents, triggeredBy)
	if err != nil {
		// The release itself is committed; the ledger entry is recoverable
		// from the audit trail.
		s.logger.Error("release committed but ledger append failed", "contract", c.ID, "error", err)
	}

	s.recordAudit(ctx, c.ID, "funds_released", &before, c, "escrow funds released to "+c.Seller)
	msg := fmt.Sprintf("Escrow funds for contract %s were released", c.ID)
	data := map[string]any{"contractId": c.ID, "amountCents": c.AmountCents}
	s.emit(ctx, notify.NewEvent(notify.EventFundsReleased, c.Seller, msg, data))
	s.emit(ctx, notify.NewEvent(notify.EventFundsReleased, c.Buyer, msg, data))

	s.rewardSeller(ctx, c, now)

	return &ReleaseResult{Released: true, Reason: ReasonReleased, Contract: c, Entry: entry}, nil
}

// disputeContext collects the dispute facts for the gate. Funds go to the
// seller, so the seller is the recipient for adverse-verdict purposes.
func (s *Service) disputeContext(ctx context.Context, c *Contract) (ReleaseContext, error) {
	if s.disputes == nil {
		return ReleaseContext{}, nil
	}
	open, adverse, err := s.disputes.HasBlockingDispute(ctx, c.TxnKind, c.TxnID, c.Seller)
	if err != nil {
		return ReleaseContext{}, fmt.Errorf("%w: dispute lookup: %v", ErrDependencyUnavailable, err)
	}
	return ReleaseContext{OpenDispute: open, AdverseVerdict: adverse}, nil
}

// rewardSeller applies the on-time or late reputation outcome and, for an
// on-time settlement, the smooth-settlement badge. Runs after the release
// is committed; failures are logged only.
func (s *Service) rewardSeller(ctx context.Context, c *Contract, releasedAt time.Time) {
	if s.recorder == nil {
		return
	}
	action := "on_time"
	if c.DeliveredAt != nil && releasedAt.Sub(*c.DeliveredAt) > s.releaseDeadline {
		action = "late"
	}
	if _, err := s.recorder.ApplyOutcome(ctx, c.Seller, action); err != nil {
		s.logger.Warn("failed to apply settlement reputation", "contract", c.ID, "user", c.Seller, "error", err)
	}
	if action == "on_time" && s.badges != nil {
		if _, err := s.badges.AwardBadgeIfEligible(ctx, c.Seller, "smooth_settlement"); err != nil {
			s.logger.Warn("failed to award settlement badge", "contract", c.ID, "user", c.Seller, "error", err)
		}
	}
}
