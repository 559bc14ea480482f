package domain

import (
	"strings"
	"time"
)

// RunState is the state of one settlement run.
type RunState string

const (
	RunIdle         RunState = "idle"
	RunProcessing   RunState = "processing"
	RunSigning      RunState = "signing"
	RunBroadcasting RunState = "broadcasting"
	RunMarking      RunState = "marking"
	RunComplete     RunState = "complete"
	RunFailed       RunState = "failed"
)

// IsTerminal reports whether the run has finished.
func (s RunState) IsTerminal() bool {
	return s == RunComplete || s == RunFailed
}

// Transfer moves the allocated assets of one bid to its bidder.
// It only lives for the duration of a settlement run.
type Transfer struct {
	Index           int
	BidID           string
	Assets          []string
	Quantity        int64
	Destination     string
	UnsignedPayload string // hex
	SignedPayload   string // hex, empty until signed
	TxID            string // set after a successful broadcast
	Skipped         bool
	Err             string
}

// OutcomeErrorPrefix marks failed transfer outcomes in the audit record.
const OutcomeErrorPrefix = "error:"

// TransferOutcome is the audit entry for one bid in a run: either the
// broadcast tx id or "error:<reason>".
type TransferOutcome struct {
	BidID   string `json:"bid_id"`
	Outcome string `json:"outcome"`
	Settled bool   `json:"settled"`
}

// Failed reports whether the outcome is an error.
func (o TransferOutcome) Failed() bool {
	return strings.HasPrefix(o.Outcome, OutcomeErrorPrefix)
}

// TxID returns the broadcast tx id, or "" for failed outcomes.
func (o TransferOutcome) TxID() string {
	if o.Failed() {
		return ""
	}
	return o.Outcome
}

// ErrorOutcome formats a failed outcome.
func ErrorOutcome(reason string) string {
	return OutcomeErrorPrefix + reason
}

// SettlementRun is the audit record of one settlement run.
type SettlementRun struct {
	ID            string            `json:"id"`
	AuctionID     string            `json:"auction_id"`
	State         RunState          `json:"state"`
	ClearingPrice int64             `json:"clearing_price"`
	Transfers     int               `json:"transfers"`
	Outcomes      []TransferOutcome `json:"outcomes"`
	Error         string            `json:"error,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	FinishedAt    time.Time         `json:"finished_at"`
}

// SettledCount returns how many bids reached settled in this run.
func (r SettlementRun) SettledCount() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Settled {
			n++
		}
	}
	return n
}
