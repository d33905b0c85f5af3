package server

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nt219/interledger/service/batch"
	"github.com/nt219/interledger/service/compliance"
	"github.com/nt219/interledger/service/db"
	"github.com/nt219/interledger/service/ledger"
	"github.com/nt219/interledger/service/nats"
	"github.com/nt219/interledger/service/temporal"
)

// fakeRecordStore is an in-memory RecordStore keyed by account and reference
// code. Duplicate detection collapses to reference-code identity, which is
// all the orchestration layer relies on.
type fakeRecordStore struct {
	mu      sync.Mutex
	records map[string]*db.TransferRecord
	order   []string
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{records: make(map[string]*db.TransferRecord)}
}

func storeKey(account, ref string) string { return account + "|" + ref }

func cloneRecord(r *db.TransferRecord) *db.TransferRecord {
	c := *r
	return &c
}

func recordMatchesSearch(r *db.TransferRecord, search string) bool {
	search = strings.ToLower(search)
	if strings.Contains(strings.ToLower(r.ReferenceCode), search) {
		return true
	}
	if r.Memo != nil && strings.Contains(strings.ToLower(*r.Memo), search) {
		return true
	}
	return r.LedgerRef != nil && strings.Contains(strings.ToLower(*r.LedgerRef), search)
}

func (f *fakeRecordStore) AppendRecord(ctx context.Context, params db.AppendRecordParams) (*db.TransferRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := storeKey(params.AccountAddress, params.ReferenceCode)
	if existing, ok := f.records[key]; ok {
		return cloneRecord(existing), false, nil
	}
	now := time.Now().UTC()
	record := &db.TransferRecord{
		AccountAddress: params.AccountAddress,
		ReferenceCode:  params.ReferenceCode,
		Sender:         params.Sender,
		Recipient:      params.Recipient,
		Amount:         params.Amount,
		RoutingCode:    params.RoutingCode,
		Memo:           params.Memo,
		Status:         params.Status,
		LedgerRefKind:  params.LedgerRefKind,
		LedgerRef:      params.LedgerRef,
		BlockMarker:    params.BlockMarker,
		SubmittedAt:    params.SubmittedAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	f.records[key] = record
	f.order = append(f.order, key)
	return cloneRecord(record), true, nil
}

func (f *fakeRecordStore) GetRecord(ctx context.Context, accountAddress, referenceCode string) (*db.TransferRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[storeKey(accountAddress, referenceCode)]
	if !ok {
		return nil, db.ErrNotFound
	}
	return cloneRecord(record), nil
}

func (f *fakeRecordStore) UpdateStatus(ctx context.Context, params db.UpdateStatusParams) (*db.TransferRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[storeKey(params.AccountAddress, params.ReferenceCode)]
	if !ok {
		return nil, db.ErrNotFound
	}
	if db.IsTerminalStatus(record.Status) {
		return nil, db.ErrTerminalStatus
	}
	if params.LedgerRefKind != "" {
		record.LedgerRefKind = params.LedgerRefKind
	}
	if params.LedgerRef != nil {
		record.LedgerRef = params.LedgerRef
	}
	if params.BlockMarker != nil {
		record.BlockMarker = params.BlockMarker
	}
	if params.Status == db.StatusCompleted && (record.LedgerRefKind != db.RefKindConfirmed || record.LedgerRef == nil) {
		return nil, db.ErrMissingLedgerRef
	}
	record.Status = params.Status
	record.UpdatedAt = time.Now().UTC()
	return cloneRecord(record), nil
}

func (f *fakeRecordStore) ListRecords(ctx context.Context, params db.ListRecordsParams) ([]*db.TransferRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*db.TransferRecord
	for _, key := range f.order {
		r := f.records[key]
		if params.AccountAddress != "" && r.AccountAddress != params.AccountAddress {
			continue
		}
		if params.Status != "" && r.Status != params.Status {
			continue
		}
		if params.Search != "" && !recordMatchesSearch(r, params.Search) {
			continue
		}
		out = append(out, cloneRecord(r))
	}
	return out, nil
}

func (f *fakeRecordStore) ListUnreconciled(ctx context.Context, accountAddress string) ([]*db.TransferRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*db.TransferRecord
	for _, key := range f.order {
		r := f.records[key]
		if accountAddress != "" && r.AccountAddress != accountAddress {
			continue
		}
		if r.LedgerRefKind == db.RefKindPlaceholder && !db.IsTerminalStatus(r.Status) {
			out = append(out, cloneRecord(r))
		}
	}
	return out, nil
}

func (f *fakeRecordStore) DeleteRecord(ctx context.Context, accountAddress, referenceCode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := storeKey(accountAddress, referenceCode)
	if _, ok := f.records[key]; !ok {
		return db.ErrNotFound
	}
	delete(f.records, key)
	for i, k := range f.order {
		if k == key {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeRecordStore) PurgeRecords(ctx context.Context, accountAddress string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var deleted int64
	var kept []string
	for _, key := range f.order {
		if f.records[key].AccountAddress == accountAddress {
			delete(f.records, key)
			deleted++
			continue
		}
		kept = append(kept, key)
	}
	f.order = kept
	return deleted, nil
}

// fakeLedgerSvc scripts submission and outcome behavior per call.
type fakeLedgerSvc struct {
	balance     *big.Int
	balanceErr  error
	sequence    uint64
	submitErrs  []error // popped per call; nil entry means success
	submits     []ledger.TransferParams
	outcomes    []*ledger.Outcome // popped per call
	outcomeErrs []error           // popped per call; nil entry falls through
}

func (f *fakeLedgerSvc) SequenceNumber(ctx context.Context, account common.Address) (uint64, error) {
	return f.sequence, nil
}

func (f *fakeLedgerSvc) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	if f.balance == nil {
		return big.NewInt(0), nil
	}
	return f.balance, nil
}

func (f *fakeLedgerSvc) SubmitTransfer(ctx context.Context, params ledger.TransferParams) (ledger.Handle, error) {
	f.submits = append(f.submits, params)
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return ledger.Handle{}, err
		}
	}
	return ledger.Handle{
		TxHash: common.HexToHash("0xfeed"),
		Sender: crypto.PubkeyToAddress(params.Key.PublicKey),
		Nonce:  params.Nonce,
	}, nil
}

func (f *fakeLedgerSvc) WaitForOutcome(ctx context.Context, handle ledger.Handle, confirmations uint64) (*ledger.Outcome, error) {
	if len(f.outcomeErrs) > 0 {
		err := f.outcomeErrs[0]
		f.outcomeErrs = f.outcomeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(f.outcomes) > 0 {
		outcome := f.outcomes[0]
		f.outcomes = f.outcomes[1:]
		return outcome, nil
	}
	return &ledger.Outcome{
		Status:      ledger.OutcomeSuccess,
		LedgerRef:   handle.TxHash.Hex(),
		BlockMarker: 42,
	}, nil
}

type fakeNonceAllocator struct {
	next        uint64
	allocated   []uint64
	confirmed   []uint64
	invalidated int
}

func (f *fakeNonceAllocator) Allocate(ctx context.Context, account common.Address) (uint64, error) {
	n := f.next
	f.next++
	f.allocated = append(f.allocated, n)
	return n, nil
}

func (f *fakeNonceAllocator) Confirm(account common.Address, sequence uint64) {
	f.confirmed = append(f.confirmed, sequence)
}

func (f *fakeNonceAllocator) Invalidate(account common.Address) {
	f.invalidated++
}

type fakeBatchSubmitter struct {
	err        error
	withProofs bool
	items      []batch.Item
}

func (f *fakeBatchSubmitter) Submit(ctx context.Context, key *ecdsa.PrivateKey, items []batch.Item, attachProofs bool) (*batch.Result, error) {
	f.items = items
	if f.err != nil {
		return nil, f.err
	}
	total := new(big.Int)
	for _, item := range items {
		total.Add(total, ledger.MinorToWei(item.Amount))
	}
	return &batch.Result{
		Handle: ledger.Handle{
			TxHash: common.HexToHash("0xbatch"),
			Sender: crypto.PubkeyToAddress(key.PublicKey),
			Nonce:  9,
		},
		WithProofs: f.withProofs && attachProofs,
		TotalWei:   total,
		Items:      len(items),
	}, nil
}

type fakeGate struct {
	decision compliance.Decision
	err      error
	calls    int
}

func (f *fakeGate) Check(ctx context.Context, account, recipient string, amount int64) (compliance.Decision, error) {
	f.calls++
	return f.decision, f.err
}

// testEnv bundles a TransferService with its scripted collaborators.
type testEnv struct {
	svc       *TransferService
	store     *fakeRecordStore
	ledger    *fakeLedgerSvc
	nonces    *fakeNonceAllocator
	batches   *fakeBatchSubmitter
	keyring   *ledger.Keyring
	account   common.Address
	gate      *fakeGate
	scheduler *temporal.MockScheduler
	publisher *nats.MockPublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	account := crypto.PubkeyToAddress(key.PublicKey)

	kr, err := ledger.NewKeyring([]ledger.AccountEntry{{
		BankCode:   "BANKUSA1",
		Address:    account.Hex(),
		PrivateKey: hex.EncodeToString(crypto.FromECDSA(key)),
	}})
	require.NoError(t, err)

	env := &testEnv{
		store:     newFakeRecordStore(),
		ledger:    &fakeLedgerSvc{balance: ledger.MinorToWei(1_000_000), sequence: 5},
		nonces:    &fakeNonceAllocator{next: 5},
		batches:   &fakeBatchSubmitter{},
		keyring:   kr,
		account:   account,
		gate:      &fakeGate{decision: compliance.Decision{Allowed: true}},
		scheduler: temporal.NewMockScheduler(),
		publisher: nats.NewMockPublisher(),
	}
	env.svc = NewTransferService(TransferServiceConfig{
		Store:       env.store,
		Ledger:      env.ledger,
		Nonces:      env.nonces,
		Batches:     env.batches,
		Keyring:     kr,
		Gate:        env.gate,
		Scheduler:   env.scheduler,
		Publisher:   env.publisher,
		OutcomeWait: time.Second,
		Debounce:    2 * time.Second,
	})
	return env
}

func (e *testEnv) submitRequest() SubmitRequest {
	return SubmitRequest{
		AccountAddress: e.account,
		Recipient:      common.HexToAddress("0x00000000000000000000000000000000000000ee"),
		Amount:         2500,
		RoutingCode:    "RTGS",
		Memo:           "invoice 77",
		ReferenceCode:  "REF-1",
	}
}

func TestSubmitTransfer(t *testing.T) {
	env := newTestEnv(t)

	outcome, err := env.svc.SubmitTransfer(context.Background(), env.submitRequest())
	require.NoError(t, err)

	assert.True(t, outcome.Created)
	assert.False(t, outcome.Deferred)
	assert.Equal(t, db.StatusCompleted, outcome.Record.Status)
	assert.Equal(t, db.RefKindConfirmed, outcome.Record.LedgerRefKind)
	require.NotNil(t, outcome.Record.LedgerRef)
	assert.Equal(t, "BANKUSA1", outcome.Record.Sender)

	// One submission with the allocated sequence number, confirmed after
	// the node accepted it.
	require.Len(t, env.ledger.submits, 1)
	assert.Equal(t, uint64(5), env.ledger.submits[0].Nonce)
	assert.Equal(t, ledger.MinorToWei(2500), env.ledger.submits[0].AmountWei)
	assert.Equal(t, []uint64{5}, env.nonces.confirmed)

	// processing then completed events published.
	events := env.publisher.GetPublishedEventsForAccount(env.account.Hex())
	require.Len(t, events, 2)
	assert.Equal(t, db.StatusProcessing, events[0].Status)
	assert.Equal(t, db.StatusCompleted, events[1].Status)
}

func TestSubmitTransfer_GeneratesReferenceCode(t *testing.T) {
	env := newTestEnv(t)
	req := env.submitRequest()
	req.ReferenceCode = ""

	outcome, err := env.svc.SubmitTransfer(context.Background(), req)
	require.NoError(t, err)
	assert.Contains(t, outcome.Record.ReferenceCode, "REF-")
	assert.Greater(t, len(outcome.Record.ReferenceCode), len("REF-"))
}

func TestSubmitTransfer_DuplicateAbsorbed(t *testing.T) {
	env := newTestEnv(t)

	first, err := env.svc.SubmitTransfer(context.Background(), env.submitRequest())
	require.NoError(t, err)
	require.True(t, first.Created)

	second, err := env.svc.SubmitTransfer(context.Background(), env.submitRequest())
	require.NoError(t, err)

	assert.False(t, second.Created)
	assert.Equal(t, first.Record.ReferenceCode, second.Record.ReferenceCode)
	// No second ledger submission.
	assert.Len(t, env.ledger.submits, 1)
}

func TestSubmitTransfer_ComplianceDenied(t *testing.T) {
	env := newTestEnv(t)
	env.gate.decision = compliance.Decision{Allowed: false, Reason: "sanctions screen"}

	_, err := env.svc.SubmitTransfer(context.Background(), env.submitRequest())
	require.ErrorIs(t, err, ledger.ErrComplianceDenied)
	assert.Contains(t, err.Error(), "sanctions screen")

	// Nothing recorded, nothing submitted.
	assert.Empty(t, env.store.order)
	assert.Empty(t, env.ledger.submits)
}

func TestSubmitTransfer_UnknownAccount(t *testing.T) {
	env := newTestEnv(t)
	req := env.submitRequest()
	req.AccountAddress = common.HexToAddress("0x00000000000000000000000000000000000000dd")

	_, err := env.svc.SubmitTransfer(context.Background(), req)
	require.ErrorIs(t, err, ErrUnknownAccount)
}

func TestSubmitTransfer_NetworkUnavailableDefers(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.submitErrs = []error{ledger.ErrNetworkUnavailable}

	outcome, err := env.svc.SubmitTransfer(context.Background(), env.submitRequest())
	require.NoError(t, err)

	assert.True(t, outcome.Deferred)
	assert.Equal(t, db.StatusProcessing, outcome.Record.Status)
	assert.Equal(t, db.RefKindPlaceholder, outcome.Record.LedgerRefKind)
	require.NotNil(t, outcome.Record.LedgerRef)
	assert.Equal(t, "pending-REF-1", *outcome.Record.LedgerRef)

	// Debounced reconciliation pass triggered.
	assert.Equal(t, 1, env.scheduler.TriggerCount())
	assert.Equal(t, 1, env.nonces.invalidated)
	assert.Empty(t, env.nonces.confirmed)
}

func TestSubmitTransfer_SequenceConflictRetriesOnce(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.submitErrs = []error{
		fmt.Errorf("%w: nonce too low", ledger.ErrSequenceConflict),
		nil,
	}

	outcome, err := env.svc.SubmitTransfer(context.Background(), env.submitRequest())
	require.NoError(t, err)

	assert.Equal(t, db.StatusCompleted, outcome.Record.Status)
	require.Len(t, env.ledger.submits, 2)
	assert.Equal(t, []uint64{5, 6}, env.nonces.allocated)
	assert.Equal(t, 1, env.nonces.invalidated)
}

func TestSubmitTransfer_SecondConflictDefers(t *testing.T) {
	conflict := fmt.Errorf("%w: nonce too low", ledger.ErrSequenceConflict)
	env := newTestEnv(t)
	env.ledger.submitErrs = []error{conflict, conflict}

	outcome, err := env.svc.SubmitTransfer(context.Background(), env.submitRequest())
	require.NoError(t, err)

	// The sequence view is stale; reconciliation resolves it from ledger
	// state rather than looping here.
	assert.True(t, outcome.Deferred)
	require.Len(t, env.ledger.submits, 2)
	assert.Equal(t, 1, env.scheduler.TriggerCount())
}

func TestSubmitTransfer_InsufficientBalanceDefers(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.submitErrs = []error{ledger.ErrInsufficientBalance}

	outcome, err := env.svc.SubmitTransfer(context.Background(), env.submitRequest())
	require.NoError(t, err)

	// The intent is recorded and settles once funds arrive.
	assert.True(t, outcome.Deferred)
	assert.Equal(t, db.RefKindPlaceholder, outcome.Record.LedgerRefKind)
}

func TestSubmitTransfer_PermanentRejectionFails(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.submitErrs = []error{fmt.Errorf("intrinsic gas too low")}

	_, err := env.svc.SubmitTransfer(context.Background(), env.submitRequest())
	require.Error(t, err)

	record, gerr := env.store.GetRecord(context.Background(), env.account.Hex(), "REF-1")
	require.NoError(t, gerr)
	assert.Equal(t, db.StatusFailed, record.Status)
	assert.Zero(t, env.scheduler.TriggerCount())
}

func TestSubmitTransfer_RevertedOutcomeFails(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.outcomes = []*ledger.Outcome{{
		Status:      ledger.OutcomeReverted,
		LedgerRef:   "0xdead",
		BlockMarker: 7,
	}}

	outcome, err := env.svc.SubmitTransfer(context.Background(), env.submitRequest())
	require.NoError(t, err)

	assert.Equal(t, db.StatusFailed, outcome.Record.Status)
	assert.Equal(t, db.RefKindConfirmed, outcome.Record.LedgerRefKind)
	require.NotNil(t, outcome.Record.LedgerRef)
	assert.Equal(t, "0xdead", *outcome.Record.LedgerRef)
}

func TestSubmitTransfer_OutcomeWaitFailureDefers(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.outcomeErrs = []error{fmt.Errorf("%w: connection reset", ledger.ErrNetworkUnavailable)}

	outcome, err := env.svc.SubmitTransfer(context.Background(), env.submitRequest())
	require.NoError(t, err)

	assert.True(t, outcome.Deferred)
	// The node accepted the submission, so the sequence number stays
	// consumed.
	assert.Equal(t, []uint64{5}, env.nonces.confirmed)
	assert.Equal(t, 1, env.scheduler.TriggerCount())
}

func (e *testEnv) batchRequest(n int) BatchSubmitRequest {
	items := make([]BatchItemRequest, n)
	for i := range items {
		items[i] = BatchItemRequest{
			Recipient:     common.BigToAddress(big.NewInt(int64(i + 1))),
			Amount:        int64(1000 * (i + 1)),
			RoutingCode:   "RTGS",
			ReferenceCode: fmt.Sprintf("REF-B%d", i),
		}
	}
	return BatchSubmitRequest{AccountAddress: e.account, Items: items}
}

func TestSubmitBatch(t *testing.T) {
	env := newTestEnv(t)

	outcome, err := env.svc.SubmitBatch(context.Background(), env.batchRequest(3))
	require.NoError(t, err)

	require.Len(t, outcome.Records, 3)
	var ref string
	for i, record := range outcome.Records {
		assert.Equal(t, db.StatusCompleted, record.Status)
		assert.Equal(t, db.RefKindConfirmed, record.LedgerRefKind)
		require.NotNil(t, record.LedgerRef)
		if i == 0 {
			ref = *record.LedgerRef
		} else {
			// All items share the one confirmed reference.
			assert.Equal(t, ref, *record.LedgerRef)
		}
	}
	assert.Equal(t, 3, env.gate.calls)
}

func TestSubmitBatch_ComplianceDeniedItem(t *testing.T) {
	env := newTestEnv(t)
	env.gate.decision = compliance.Decision{Allowed: false, Reason: "blocked recipient"}

	_, err := env.svc.SubmitBatch(context.Background(), env.batchRequest(2))
	require.ErrorIs(t, err, ledger.ErrComplianceDenied)
	assert.Empty(t, env.store.order)
}

func TestSubmitBatch_InsufficientBalanceFails(t *testing.T) {
	env := newTestEnv(t)
	env.batches.err = fmt.Errorf("%w: batch total exceeds balance", ledger.ErrInsufficientBalance)

	_, err := env.svc.SubmitBatch(context.Background(), env.batchRequest(2))
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	// Underfunded batches fail as a unit.
	for i := 0; i < 2; i++ {
		record, gerr := env.store.GetRecord(context.Background(), env.account.Hex(), fmt.Sprintf("REF-B%d", i))
		require.NoError(t, gerr)
		assert.Equal(t, db.StatusFailed, record.Status)
	}
}

func TestSubmitBatch_NetworkUnavailableDefersAll(t *testing.T) {
	env := newTestEnv(t)
	env.batches.err = ledger.ErrNetworkUnavailable

	outcome, err := env.svc.SubmitBatch(context.Background(), env.batchRequest(3))
	require.NoError(t, err)

	assert.True(t, outcome.Deferred)
	require.Len(t, outcome.Records, 3)
	for _, record := range outcome.Records {
		assert.Equal(t, db.StatusProcessing, record.Status)
		assert.Equal(t, db.RefKindPlaceholder, record.LedgerRefKind)
	}
	// One debounce trigger per deferred record is absorbed by the fixed
	// workflow ID; the mock just counts calls.
	assert.GreaterOrEqual(t, env.scheduler.TriggerCount(), 1)
}

func TestSubmitBatch_RevertedFailsAll(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.outcomes = []*ledger.Outcome{{
		Status:      ledger.OutcomeReverted,
		LedgerRef:   "0xdead",
		BlockMarker: 7,
	}}

	outcome, err := env.svc.SubmitBatch(context.Background(), env.batchRequest(2))
	require.NoError(t, err)

	assert.True(t, outcome.Failed)
	for _, record := range outcome.Records {
		assert.Equal(t, db.StatusFailed, record.Status)
		assert.Equal(t, db.RefKindConfirmed, record.LedgerRefKind)
	}
}
