package settlement

import (
	"context"
	"time"
)

// Step is a settlement milestone in the escrow ledger. The enumeration is
// ordered by the normal flow of a settlement.
type Step string

const (
	StepDepositReceived   Step = "deposit_received"
	StepTitleTransferred  Step = "title_transferred"
	StepDeliveryConfirmed Step = "delivery_confirmed"
	StepInspectionCleared Step = "inspection_cleared"
	StepFundsReleased     Step = "funds_released"
	StepLenderDisbursed   Step = "lender_disbursed"
	StepFeeProcessed      Step = "fee_processed"
)

// ValidStep reports whether s names a known settlement step.
func ValidStep(s Step) bool {
	switch s {
	case StepDepositReceived, StepTitleTransferred, StepDeliveryConfirmed,
		StepInspectionCleared, StepFundsReleased, StepLenderDisbursed, StepFeeProcessed:
		return true
	}
	return false
}

// Entry is one append-only escrow ledger record. Entries are never edited
// or deleted; a contract's payout status is a fold over its entries.
type Entry struct {
	ID          string    `json:"id"`
	ContractID  string    `json:"contractId"`
	Step        Step      `json:"step"`
	AmountCents int64     `json:"amountCents"`
	TriggeredBy string    `json:"triggeredBy"`
	CreatedAt   time.Time `json:"createdAt"`
}

// LedgerStore persists escrow ledger entries.
type LedgerStore interface {
	Append(ctx context.Context, e *Entry) error
	List(ctx context.Context, contractID string) ([]*Entry, error)
}

// payoutSteps lists the roles that must each receive a payout entry before
// a settlement is fully wound down. The lender role applies only when the
// contract has a lender.
func payoutSteps(c *Contract) []Step {
	steps := []Step{StepFundsReleased, StepFeeProcessed}
	if c.HasLender() {
		steps = append(steps, StepLenderDisbursed)
	}
	return steps
}

// PendingPayouts counts the payout roles of c that have no ledger entry yet.
func PendingPayouts(c *Contract, entries []*Entry) int {
	recorded := make(map[Step]bool, len(entries))
	for _, e := range entries {
		recorded[e.Step] = true
	}
	pending := 0
	for _, step := range payoutSteps(c) {
		if !recorded[step] {
			pending++
		}
	}
	return pending
}

// RecordPayout appends a downstream payout entry (lender disbursement or
// platform fee) after funds have left escrow. Each payout step is recorded
// at most once.
func (s *Service) RecordPayout(ctx context.Context, contractID string, step Step, amount int64, triggeredBy string) (*Entry, error) {
	if step != StepLenderDisbursed && step != StepFeeProcessed {
		return nil, ErrInvalidState
	}
	c, err := s.store.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if !c.FundsReleased {
		return nil, ErrInvalidState
	}
	if step == StepLenderDisbursed && !c.HasLender() {
		return nil, ErrInvalidState
	}

	entries, err := s.ledger.List(ctx, contractID)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Step == step {
			return e, nil
		}
	}
	return s.appendEntry(ctx, c, step, amount, triggeredBy)
}
