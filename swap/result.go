// Package swap composes validation, approvals, routing, simulation, signing,
// and confirmation into the end-to-end swap pipeline.
package swap

import "github.com/ethereum/go-ethereum/common"

// Outcome is the terminal disposition of one swap attempt.
type Outcome string

const (
	// OutcomeConfirmed: mined with status success.
	OutcomeConfirmed Outcome = "confirmed"
	// OutcomeReverted: mined with status failure.
	OutcomeReverted Outcome = "reverted"
	// OutcomePending: broadcast but unconfirmed within the wait budget.
	// The transaction is live; callers poll again later.
	OutcomePending Outcome = "pending"
	// OutcomeFailed: aborted before or at broadcast.
	OutcomeFailed Outcome = "failed"
)

// Stage identifies where in the pipeline an attempt ended.
type Stage string

const (
	StageValidate  Stage = "validate"
	StageAllowance Stage = "allowance"
	StagePermit    Stage = "permit"
	StageRoute     Stage = "route"
	StageBuild     Stage = "build"
	StageSimulate  Stage = "simulate"
	StageBroadcast Stage = "broadcast"
	StageReceipt   Stage = "receipt"
)

// Result is the tagged outcome of ExecuteSwap. Reason carries a decoded,
// human-readable message for failures; raw RPC payloads never surface here.
type Result struct {
	Outcome Outcome
	Stage   Stage
	TxHash  common.Hash
	Reason  string
	GasUsed uint64
}

// Confirmed reports whether the swap was mined successfully.
func (r Result) Confirmed() bool { return r.Outcome == OutcomeConfirmed }

// Live reports whether a transaction reached the chain (confirmed, reverted,
// or still pending).
func (r Result) Live() bool {
	return r.Outcome == OutcomeConfirmed || r.Outcome == OutcomeReverted || r.Outcome == OutcomePending
}

func confirmed(txHash common.Hash, gasUsed uint64) Result {
	return Result{Outcome: OutcomeConfirmed, Stage: StageReceipt, TxHash: txHash, GasUsed: gasUsed}
}

func reverted(txHash common.Hash, gasUsed uint64) Result {
	return Result{Outcome: OutcomeReverted, Stage: StageReceipt, TxHash: txHash, GasUsed: gasUsed}
}

func pending(txHash common.Hash) Result {
	return Result{Outcome: OutcomePending, Stage: StageReceipt, TxHash: txHash}
}

func failed(stage Stage, reason string) Result {
	return Result{Outcome: OutcomeFailed, Stage: stage, Reason: reason}
}
