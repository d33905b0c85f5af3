package nats

import (
	"time"

	"github.com/nt219/interledger/service/db"
)

// StatusEvent represents a transfer record status change published to NATS.
// This is published to the subject "transfers.{account_address}" in JetStream.
type StatusEvent struct {
	// Record identifiers
	AccountAddress string `json:"account_address"`
	ReferenceCode  string `json:"reference_code"`

	// Transfer details
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Amount    int64  `json:"amount"`
	Memo      string `json:"memo,omitempty"`

	// Status machine
	Status        string  `json:"status"`
	LedgerRefKind string  `json:"ledger_ref_kind"`
	LedgerRef     *string `json:"ledger_ref,omitempty"`
	BlockMarker   *int64  `json:"block_marker,omitempty"`

	// Timing information
	SubmittedAt time.Time `json:"submitted_at"`
	PublishedAt time.Time `json:"published_at"`
}

// FromRecord converts a transfer record to a StatusEvent for publishing.
func FromRecord(record *db.TransferRecord) *StatusEvent {
	event := &StatusEvent{
		AccountAddress: record.AccountAddress,
		ReferenceCode:  record.ReferenceCode,
		Sender:         record.Sender,
		Recipient:      record.Recipient,
		Amount:         record.Amount,
		Status:         record.Status,
		LedgerRefKind:  record.LedgerRefKind,
		LedgerRef:      record.LedgerRef,
		BlockMarker:    record.BlockMarker,
		SubmittedAt:    record.SubmittedAt,
		PublishedAt:    time.Now().UTC(),
	}
	if record.Memo != nil {
		event.Memo = *record.Memo
	}
	return event
}
