package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func int64Ptr(n int64) *int64 { return &n }

func testAppendParams(account, ref string) AppendRecordParams {
	return AppendRecordParams{
		AccountAddress: account,
		ReferenceCode:  ref,
		Sender:         "BANKUSA1",
		Recipient:      "BANKEUR1",
		Amount:         150_000,
		RoutingCode:    "RTGS",
		Memo:           strPtr("invoice 4417"),
		SubmittedAt:    time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestAppendRecord(t *testing.T) {
	SkipIfNoTestDB(t)

	ts := NewTestStore(t)
	defer ts.Close()
	defer ts.Cleanup(t)

	ctx := context.Background()
	params := testAppendParams("0xabc", "REF-0001")

	record, created, err := ts.AppendRecord(ctx, params)
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, "REF-0001", record.ReferenceCode)
	assert.Equal(t, StatusPending, record.Status)
	assert.Equal(t, RefKindNone, record.LedgerRefKind)
	assert.Equal(t, int64(150_000), record.Amount)
	assert.WithinDuration(t, params.SubmittedAt, record.SubmittedAt, time.Millisecond)
}

func TestAppendRecord_SameReferenceCodeAbsorbed(t *testing.T) {
	SkipIfNoTestDB(t)

	ts := NewTestStore(t)
	defer ts.Close()
	defer ts.Cleanup(t)

	ctx := context.Background()
	params := testAppendParams("0xabc", "REF-0001")

	first, created, err := ts.AppendRecord(ctx, params)
	require.NoError(t, err)
	require.True(t, created)

	// Same reference code arriving again, even with a different amount,
	// returns the original record untouched.
	params.Amount = 999
	params.SubmittedAt = params.SubmittedAt.Add(time.Minute)
	second, created, err := ts.AppendRecord(ctx, params)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.Amount, second.Amount)

	count, err := ts.CountRecords(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestAppendRecord_WindowDuplicateAbsorbed(t *testing.T) {
	SkipIfNoTestDB(t)

	ts := NewTestStore(t)
	defer ts.Close()
	defer ts.Cleanup(t)

	ctx := context.Background()
	params := testAppendParams("0xabc", "REF-0001")

	first, created, err := ts.AppendRecord(ctx, params)
	require.NoError(t, err)
	require.True(t, created)

	// The same intent retried 500ms later: absorbed.
	retry := params
	retry.SubmittedAt = params.SubmittedAt.Add(500 * time.Millisecond)
	record, created, err := ts.AppendRecord(ctx, retry)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ReferenceCode, record.ReferenceCode)

	count, err := ts.CountRecords(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestAppendRecord_FreshReferenceCodeInsideWindowIsDistinct(t *testing.T) {
	SkipIfNoTestDB(t)

	ts := NewTestStore(t)
	defer ts.Close()
	defer ts.Cleanup(t)

	ctx := context.Background()
	params := testAppendParams("0xabc", "REF-0001")

	_, created, err := ts.AppendRecord(ctx, params)
	require.NoError(t, err)
	require.True(t, created)

	// A second intent between the same parties for the same amount, 500ms
	// later under its own reference code, is a separate transfer and must
	// not be swallowed by the duplicate window.
	second := params
	second.ReferenceCode = "REF-0002"
	second.SubmittedAt = params.SubmittedAt.Add(500 * time.Millisecond)
	record, created, err := ts.AppendRecord(ctx, second)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "REF-0002", record.ReferenceCode)

	count, err := ts.CountRecords(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestAppendRecord_OutsideWindowIsDistinct(t *testing.T) {
	SkipIfNoTestDB(t)

	ts := NewTestStore(t)
	defer ts.Close()
	defer ts.Cleanup(t)

	ctx := context.Background()
	params := testAppendParams("0xabc", "REF-0001")

	_, created, err := ts.AppendRecord(ctx, params)
	require.NoError(t, err)
	require.True(t, created)

	// Identical details but submitted two seconds later: a new transfer.
	later := params
	later.ReferenceCode = "REF-0002"
	later.SubmittedAt = params.SubmittedAt.Add(2 * time.Second)
	_, created, err = ts.AppendRecord(ctx, later)
	require.NoError(t, err)
	assert.True(t, created)

	count, err := ts.CountRecords(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestAppendRecord_DifferentLedgerRefIsDistinct(t *testing.T) {
	SkipIfNoTestDB(t)

	ts := NewTestStore(t)
	defer ts.Close()
	defer ts.Cleanup(t)

	ctx := context.Background()
	params := testAppendParams("0xabc", "REF-0001")
	params.LedgerRefKind = RefKindConfirmed
	params.LedgerRef = strPtr("0xhash1")

	_, created, err := ts.AppendRecord(ctx, params)
	require.NoError(t, err)
	require.True(t, created)

	// Same details and time but a different ledger reference: two
	// distinct on-ledger operations.
	other := params
	other.ReferenceCode = "REF-0002"
	other.LedgerRef = strPtr("0xhash2")
	_, created, err = ts.AppendRecord(ctx, other)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestUpdateStatus_Lifecycle(t *testing.T) {
	SkipIfNoTestDB(t)

	ts := NewTestStore(t)
	defer ts.Close()
	defer ts.Cleanup(t)

	ctx := context.Background()
	_, _, err := ts.AppendRecord(ctx, testAppendParams("0xabc", "REF-0001"))
	require.NoError(t, err)

	record, err := ts.UpdateStatus(ctx, UpdateStatusParams{
		AccountAddress: "0xabc",
		ReferenceCode:  "REF-0001",
		Status:         StatusProcessing,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, record.Status)

	record, err = ts.UpdateStatus(ctx, UpdateStatusParams{
		AccountAddress: "0xabc",
		ReferenceCode:  "REF-0001",
		Status:         StatusCompleted,
		LedgerRefKind:  RefKindConfirmed,
		LedgerRef:      strPtr("0xdeadbeef"),
		BlockMarker:    int64Ptr(1042),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, record.Status)
	assert.Equal(t, RefKindConfirmed, record.LedgerRefKind)
	require.NotNil(t, record.LedgerRef)
	assert.Equal(t, "0xdeadbeef", *record.LedgerRef)
	require.NotNil(t, record.BlockMarker)
	assert.Equal(t, int64(1042), *record.BlockMarker)
}

func TestUpdateStatus_TerminalIsImmutable(t *testing.T) {
	SkipIfNoTestDB(t)

	ts := NewTestStore(t)
	defer ts.Close()
	defer ts.Cleanup(t)

	ctx := context.Background()
	_, _, err := ts.AppendRecord(ctx, testAppendParams("0xabc", "REF-0001"))
	require.NoError(t, err)

	_, err = ts.UpdateStatus(ctx, UpdateStatusParams{
		AccountAddress: "0xabc",
		ReferenceCode:  "REF-0001",
		Status:         StatusFailed,
	})
	require.NoError(t, err)

	_, err = ts.UpdateStatus(ctx, UpdateStatusParams{
		AccountAddress: "0xabc",
		ReferenceCode:  "REF-0001",
		Status:         StatusProcessing,
	})
	assert.ErrorIs(t, err, ErrTerminalStatus)
}

func TestUpdateStatus_CompletedRequiresConfirmedRef(t *testing.T) {
	SkipIfNoTestDB(t)

	ts := NewTestStore(t)
	defer ts.Close()
	defer ts.Cleanup(t)

	ctx := context.Background()

	params := testAppendParams("0xabc", "REF-0001")
	params.LedgerRefKind = RefKindPlaceholder
	params.LedgerRef = strPtr("pending-REF-0001")
	_, _, err := ts.AppendRecord(ctx, params)
	require.NoError(t, err)

	// A placeholder reference is not enough to complete.
	_, err = ts.UpdateStatus(ctx, UpdateStatusParams{
		AccountAddress: "0xabc",
		ReferenceCode:  "REF-0001",
		Status:         StatusCompleted,
	})
	assert.ErrorIs(t, err, ErrMissingLedgerRef)

	// Upgrading the reference makes the same transition legal.
	record, err := ts.UpdateStatus(ctx, UpdateStatusParams{
		AccountAddress: "0xabc",
		ReferenceCode:  "REF-0001",
		Status:         StatusCompleted,
		LedgerRefKind:  RefKindConfirmed,
		LedgerRef:      strPtr("0xbeef"),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, record.Status)
}

func TestUpdateStatus_NotFound(t *testing.T) {
	SkipIfNoTestDB(t)

	ts := NewTestStore(t)
	defer ts.Close()
	defer ts.Cleanup(t)

	_, err := ts.UpdateStatus(context.Background(), UpdateStatusParams{
		AccountAddress: "0xabc",
		ReferenceCode:  "REF-MISSING",
		Status:         StatusProcessing,
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListUnreconciled(t *testing.T) {
	SkipIfNoTestDB(t)

	ts := NewTestStore(t)
	defer ts.Close()
	defer ts.Cleanup(t)

	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	// Two placeholder records in non-terminal states for different
	// accounts, one confirmed record, and one failed placeholder.
	for i, p := range []AppendRecordParams{
		{AccountAddress: "0xaaa", ReferenceCode: "REF-A1", Status: StatusProcessing, LedgerRefKind: RefKindPlaceholder, LedgerRef: strPtr("pending-A1")},
		{AccountAddress: "0xbbb", ReferenceCode: "REF-B1", Status: StatusPending, LedgerRefKind: RefKindPlaceholder, LedgerRef: strPtr("pending-B1")},
		{AccountAddress: "0xaaa", ReferenceCode: "REF-A2", Status: StatusCompleted, LedgerRefKind: RefKindConfirmed, LedgerRef: strPtr("0xhash")},
		{AccountAddress: "0xbbb", ReferenceCode: "REF-B2", Status: StatusFailed, LedgerRefKind: RefKindPlaceholder, LedgerRef: strPtr("pending-B2")},
	} {
		p.Sender = "BANKUSA1"
		p.Recipient = fmt.Sprintf("BANKEUR%d", i)
		p.Amount = int64(1000 * (i + 1))
		p.SubmittedAt = base.Add(time.Duration(i) * 10 * time.Second)
		_, created, err := ts.AppendRecord(ctx, p)
		require.NoError(t, err)
		require.True(t, created)
	}

	records, err := ts.ListUnreconciled(ctx, "")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "REF-A1", records[0].ReferenceCode)
	assert.Equal(t, "REF-B1", records[1].ReferenceCode)

	// Scoping to one account drops the other's records.
	records, err = ts.ListUnreconciled(ctx, "0xbbb")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "REF-B1", records[0].ReferenceCode)
}

func TestListRecords_Filters(t *testing.T) {
	SkipIfNoTestDB(t)

	ts := NewTestStore(t)
	defer ts.Close()
	defer ts.Cleanup(t)

	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i := range 5 {
		p := testAppendParams("0xabc", fmt.Sprintf("REF-%04d", i))
		p.Amount = int64(1000 + i)
		p.SubmittedAt = base.Add(time.Duration(i) * time.Minute)
		if i%2 == 0 {
			p.Recipient = "BANKGBP1"
		}
		_, created, err := ts.AppendRecord(ctx, p)
		require.NoError(t, err)
		require.True(t, created)
	}

	// Most recent first.
	all, err := ts.ListRecords(ctx, ListRecordsParams{AccountAddress: "0xabc"})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "REF-0004", all[0].ReferenceCode)

	byRecipient, err := ts.ListRecords(ctx, ListRecordsParams{
		AccountAddress: "0xabc",
		Recipient:      "BANKGBP1",
	})
	require.NoError(t, err)
	assert.Len(t, byRecipient, 3)

	since := base.Add(90 * time.Second)
	recent, err := ts.ListRecords(ctx, ListRecordsParams{
		AccountAddress: "0xabc",
		Since:          &since,
	})
	require.NoError(t, err)
	assert.Len(t, recent, 3)

	paged, err := ts.ListRecords(ctx, ListRecordsParams{
		AccountAddress: "0xabc",
		Limit:          2,
		Offset:         1,
	})
	require.NoError(t, err)
	require.Len(t, paged, 2)
	assert.Equal(t, "REF-0003", paged[0].ReferenceCode)

	// Free-text search is case-insensitive over the reference code.
	found, err := ts.ListRecords(ctx, ListRecordsParams{
		AccountAddress: "0xabc",
		Search:         "ref-0002",
	})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "REF-0002", found[0].ReferenceCode)
}

func TestDeleteRecord(t *testing.T) {
	SkipIfNoTestDB(t)

	ts := NewTestStore(t)
	defer ts.Close()
	defer ts.Cleanup(t)

	ctx := context.Background()
	_, _, err := ts.AppendRecord(ctx, testAppendParams("0xabc", "REF-GONE"))
	require.NoError(t, err)

	require.NoError(t, ts.DeleteRecord(ctx, "0xabc", "REF-GONE"))

	_, err = ts.GetRecord(ctx, "0xabc", "REF-GONE")
	assert.ErrorIs(t, err, ErrNotFound)

	err = ts.DeleteRecord(ctx, "0xabc", "REF-GONE")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPurgeRecords(t *testing.T) {
	SkipIfNoTestDB(t)

	ts := NewTestStore(t)
	defer ts.Close()
	defer ts.Cleanup(t)

	ctx := context.Background()
	base := time.Now().UTC()
	for i := range 3 {
		p := testAppendParams("0xabc", fmt.Sprintf("REF-%04d", i))
		p.SubmittedAt = base.Add(time.Duration(i) * time.Minute)
		_, _, err := ts.AppendRecord(ctx, p)
		require.NoError(t, err)
	}
	other := testAppendParams("0xother", "REF-KEEP")
	_, _, err := ts.AppendRecord(ctx, other)
	require.NoError(t, err)

	deleted, err := ts.PurgeRecords(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	count, err := ts.CountRecords(ctx, "0xother")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestDeleteRecordsOlderThan_KeepsNonTerminal(t *testing.T) {
	SkipIfNoTestDB(t)

	ts := NewTestStore(t)
	defer ts.Close()
	defer ts.Cleanup(t)

	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)

	done := testAppendParams("0xabc", "REF-DONE")
	done.Status = StatusCompleted
	done.LedgerRefKind = RefKindConfirmed
	done.LedgerRef = strPtr("0xhash")
	done.SubmittedAt = old
	_, _, err := ts.AppendRecord(ctx, done)
	require.NoError(t, err)

	stuck := testAppendParams("0xabc", "REF-STUCK")
	stuck.Status = StatusProcessing
	stuck.SubmittedAt = old.Add(time.Hour)
	_, _, err = ts.AppendRecord(ctx, stuck)
	require.NoError(t, err)

	deleted, err := ts.DeleteRecordsOlderThan(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	record, err := ts.GetRecord(ctx, "0xabc", "REF-STUCK")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, record.Status)
}
