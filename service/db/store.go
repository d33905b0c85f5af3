package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Transfer record statuses. Completed and failed are terminal.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Ledger reference kinds. A placeholder reference marks a record written
// optimistically while the ledger was unreachable; only a confirmed reference
// may accompany a completed record.
const (
	RefKindNone        = "none"
	RefKindPlaceholder = "placeholder"
	RefKindConfirmed   = "confirmed"
)

// duplicateWindow is the submission-time tolerance inside which two records
// with the same sender, recipient, and amount are treated as one submission.
const duplicateWindow = time.Second

var (
	// ErrNotFound is returned when no record matches the given key.
	ErrNotFound = errors.New("transfer record not found")

	// ErrTerminalStatus is returned when a transition is attempted on a
	// record already in a completed or failed state.
	ErrTerminalStatus = errors.New("transfer record is in a terminal status")

	// ErrMissingLedgerRef is returned when a record is moved to completed
	// without a confirmed ledger reference.
	ErrMissingLedgerRef = errors.New("completed records require a confirmed ledger reference")

	// ErrInvalidStatus is returned for status values outside the known set.
	ErrInvalidStatus = errors.New("invalid transfer record status")
)

// IsTerminalStatus reports whether a status admits no further transitions.
func IsTerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// ValidStatus reports whether status is one of the known states.
func ValidStatus(status string) bool {
	switch status {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Store provides database operations for transfer records.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// TransferRecord is the locally persisted view of one transfer submission.
// It is append-only from the client's perspective: records are created once
// and then advance through the status machine as the ledger reports outcomes.
type TransferRecord struct {
	AccountAddress string
	ReferenceCode  string
	Sender         string
	Recipient      string
	Amount         int64 // minor currency units
	RoutingCode    string
	Memo           *string
	Status         string
	LedgerRefKind  string
	LedgerRef      *string
	BlockMarker    *int64
	SubmittedAt    time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AppendRecordParams contains the parameters for appending a transfer record.
type AppendRecordParams struct {
	AccountAddress string
	ReferenceCode  string
	Sender         string
	Recipient      string
	Amount         int64
	RoutingCode    string
	Memo           *string
	Status         string
	LedgerRefKind  string
	LedgerRef      *string
	BlockMarker    *int64
	SubmittedAt    time.Time
}

const recordColumns = `account_address, reference_code, sender, recipient, amount,
	routing_code, memo, status, ledger_ref_kind, ledger_ref, block_marker,
	submitted_at, created_at, updated_at`

// AppendRecord inserts a new transfer record. Re-submissions are absorbed
// silently: a record matching an existing record's reference code, sender,
// recipient, and amount with a submission time inside the duplicate window
// and an equal ledger reference (or both absent) returns the existing record
// with created=false instead of writing a second row. Distinct reference
// codes are distinct intents and always insert, however similar otherwise.
func (s *Store) AppendRecord(ctx context.Context, params AppendRecordParams) (*TransferRecord, bool, error) {
	if params.Status == "" {
		params.Status = StatusPending
	}
	if params.LedgerRefKind == "" {
		params.LedgerRefKind = RefKindNone
	}
	if !ValidStatus(params.Status) {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidStatus, params.Status)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Window-based duplicate check. The reference code anchors the match:
	// a different code is a different intent even with identical parties,
	// amount, and timing.
	row := tx.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM transfer_records
		WHERE account_address = $1
		  AND reference_code = $2
		  AND sender = $3
		  AND recipient = $4
		  AND amount = $5
		  AND submitted_at BETWEEN $6::timestamptz - interval '1 second' AND $6::timestamptz + interval '1 second'
		  AND (ledger_ref = $7 OR (ledger_ref IS NULL AND $7::text IS NULL))
		LIMIT 1`,
		params.AccountAddress, params.ReferenceCode, params.Sender, params.Recipient,
		params.Amount, params.SubmittedAt, params.LedgerRef,
	)
	existing, err := scanRecord(row)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to check for duplicate submission: %w", err)
	}

	row = tx.QueryRow(ctx, `
		INSERT INTO transfer_records (
			account_address, reference_code, sender, recipient, amount,
			routing_code, memo, status, ledger_ref_kind, ledger_ref,
			block_marker, submitted_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (account_address, reference_code) DO NOTHING
		RETURNING `+recordColumns,
		params.AccountAddress, params.ReferenceCode, params.Sender, params.Recipient,
		params.Amount, params.RoutingCode, params.Memo, params.Status,
		params.LedgerRefKind, params.LedgerRef, params.BlockMarker, params.SubmittedAt,
	)
	record, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Reference code collision: return the record that won.
		record, err = s.getRecordTx(ctx, tx, params.AccountAddress, params.ReferenceCode)
		if err != nil {
			return nil, false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return record, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert transfer record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return record, true, nil
}

// GetRecord retrieves a transfer record by account and reference code.
func (s *Store) GetRecord(ctx context.Context, accountAddress, referenceCode string) (*TransferRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM transfer_records
		WHERE account_address = $1 AND reference_code = $2`,
		accountAddress, referenceCode,
	)
	record, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer record: %w", err)
	}
	return record, nil
}

// UpdateStatusParams contains the parameters for a status transition.
type UpdateStatusParams struct {
	AccountAddress string
	ReferenceCode  string
	Status         string
	LedgerRefKind  string  // empty preserves the current kind
	LedgerRef      *string // nil preserves the current reference
	BlockMarker    *int64  // nil preserves the current marker
}

// UpdateStatus transitions a record to a new status. Terminal records are
// immutable, and a transition to completed is rejected unless the record ends
// up holding a confirmed ledger reference.
func (s *Store) UpdateStatus(ctx context.Context, params UpdateStatusParams) (*TransferRecord, error) {
	if !ValidStatus(params.Status) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, params.Status)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM transfer_records
		WHERE account_address = $1 AND reference_code = $2
		FOR UPDATE`,
		params.AccountAddress, params.ReferenceCode,
	)
	current, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transfer record: %w", err)
	}

	if IsTerminalStatus(current.Status) {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminalStatus, current.ReferenceCode, current.Status)
	}

	kind := current.LedgerRefKind
	if params.LedgerRefKind != "" {
		kind = params.LedgerRefKind
	}
	ref := current.LedgerRef
	if params.LedgerRef != nil {
		ref = params.LedgerRef
	}
	marker := current.BlockMarker
	if params.BlockMarker != nil {
		marker = params.BlockMarker
	}

	if params.Status == StatusCompleted && (kind != RefKindConfirmed || ref == nil) {
		return nil, ErrMissingLedgerRef
	}

	row = tx.QueryRow(ctx, `
		UPDATE transfer_records
		SET status = $3, ledger_ref_kind = $4, ledger_ref = $5,
		    block_marker = $6, updated_at = now()
		WHERE account_address = $1 AND reference_code = $2
		RETURNING `+recordColumns,
		params.AccountAddress, params.ReferenceCode,
		params.Status, kind, ref, marker,
	)
	record, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("failed to update transfer record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return record, nil
}

// ListRecordsParams contains the filters for querying transfer records.
// Zero-valued fields are not applied. Search matches case-insensitively
// against the reference code, memo, and ledger reference.
type ListRecordsParams struct {
	AccountAddress string
	Status         string
	Sender         string
	Recipient      string
	Search         string
	Since          *time.Time
	Until          *time.Time
	Limit          int32
	Offset         int32
}

// ListRecords retrieves transfer records matching the given filters, most
// recent submissions first.
func (s *Store) ListRecords(ctx context.Context, params ListRecordsParams) ([]*TransferRecord, error) {
	var (
		conds []string
		args  []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(clause, len(args)))
	}

	if params.AccountAddress != "" {
		add("account_address = $%d", params.AccountAddress)
	}
	if params.Status != "" {
		add("status = $%d", params.Status)
	}
	if params.Sender != "" {
		add("sender = $%d", params.Sender)
	}
	if params.Recipient != "" {
		add("recipient = $%d", params.Recipient)
	}
	if params.Search != "" {
		args = append(args, "%"+params.Search+"%")
		conds = append(conds, fmt.Sprintf(
			"(reference_code ILIKE $%[1]d OR memo ILIKE $%[1]d OR ledger_ref ILIKE $%[1]d)",
			len(args)))
	}
	if params.Since != nil {
		add("submitted_at >= $%d", *params.Since)
	}
	if params.Until != nil {
		add("submitted_at <= $%d", *params.Until)
	}

	query := "SELECT " + recordColumns + " FROM transfer_records"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY submitted_at DESC, reference_code DESC"
	if params.Limit > 0 {
		args = append(args, params.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if params.Offset > 0 {
		args = append(args, params.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfer records: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// ListUnreconciled retrieves records still carrying a placeholder ledger
// reference in a non-terminal status, ordered by account then submission time
// so reconciliation can process each sender's records in order. An empty
// accountAddress spans all accounts.
func (s *Store) ListUnreconciled(ctx context.Context, accountAddress string) ([]*TransferRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM transfer_records
		WHERE ledger_ref_kind = 'placeholder'
		  AND status IN ('pending', 'processing')`
	var args []any
	if accountAddress != "" {
		args = append(args, accountAddress)
		query += " AND account_address = $1"
	}
	query += " ORDER BY account_address, submitted_at, reference_code"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list unreconciled records: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// CountRecords counts transfer records for an account.
func (s *Store) CountRecords(ctx context.Context, accountAddress string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM transfer_records WHERE account_address = $1`,
		accountAddress,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count transfer records: %w", err)
	}
	return count, nil
}

// DeleteRecord removes a single transfer record from an account's log.
func (s *Store) DeleteRecord(ctx context.Context, accountAddress, referenceCode string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM transfer_records WHERE account_address = $1 AND reference_code = $2`,
		accountAddress, referenceCode,
	)
	if err != nil {
		return fmt.Errorf("failed to delete transfer record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeRecords removes all transfer records for an account and returns the
// number of rows deleted. Intended for operator use against test accounts.
func (s *Store) PurgeRecords(ctx context.Context, accountAddress string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM transfer_records WHERE account_address = $1`,
		accountAddress,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge transfer records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteRecordsOlderThan deletes terminal records submitted before the given
// time. Non-terminal records are retained regardless of age.
func (s *Store) DeleteRecordsOlderThan(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM transfer_records
		WHERE submitted_at < $1 AND status IN ('completed', 'failed')`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old transfer records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) getRecordTx(ctx context.Context, tx pgx.Tx, accountAddress, referenceCode string) (*TransferRecord, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM transfer_records
		WHERE account_address = $1 AND reference_code = $2`,
		accountAddress, referenceCode,
	)
	record, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer record: %w", err)
	}
	return record, nil
}

func scanRecord(row pgx.Row) (*TransferRecord, error) {
	var r TransferRecord
	err := row.Scan(
		&r.AccountAddress, &r.ReferenceCode, &r.Sender, &r.Recipient, &r.Amount,
		&r.RoutingCode, &r.Memo, &r.Status, &r.LedgerRefKind, &r.LedgerRef,
		&r.BlockMarker, &r.SubmittedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func collectRecords(rows pgx.Rows) ([]*TransferRecord, error) {
	var records []*TransferRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transfer record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transfer records: %w", err)
	}
	return records, nil
}
