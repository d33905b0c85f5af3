package reconcile

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nt219/interledger/service/db"
	"github.com/nt219/interledger/service/ledger"
	"github.com/nt219/interledger/service/nats"
)

type fakeStore struct {
	records []*db.TransferRecord
	listErr error
	updates []db.UpdateStatusParams
}

func (f *fakeStore) ListUnreconciled(ctx context.Context, accountAddress string) ([]*db.TransferRecord, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.records, nil
}

func (f *fakeStore) UpdateStatus(ctx context.Context, params db.UpdateStatusParams) (*db.TransferRecord, error) {
	f.updates = append(f.updates, params)
	return &db.TransferRecord{
		AccountAddress: params.AccountAddress,
		ReferenceCode:  params.ReferenceCode,
		Status:         params.Status,
		LedgerRefKind:  params.LedgerRefKind,
		LedgerRef:      params.LedgerRef,
		BlockMarker:    params.BlockMarker,
	}, nil
}

type submission struct {
	to     common.Address
	amount *big.Int
	nonce  uint64
}

type fakeLedger struct {
	balances    map[common.Address]*big.Int
	submitErrs  []error // popped per SubmitTransfer call; nil means success
	outcomes    []*ledger.Outcome
	outcomeErrs []error
	submissions []submission
}

func (f *fakeLedger) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	if bal, ok := f.balances[account]; ok {
		return bal, nil
	}
	return ledger.MinorToWei(1_000_000_000), nil
}

func (f *fakeLedger) SubmitTransfer(ctx context.Context, params ledger.TransferParams) (ledger.Handle, error) {
	f.submissions = append(f.submissions, submission{to: params.To, amount: params.AmountWei, nonce: params.Nonce})
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return ledger.Handle{}, err
		}
	}
	return ledger.Handle{
		TxHash: common.BigToHash(big.NewInt(int64(len(f.submissions)))),
		Sender: crypto.PubkeyToAddress(params.Key.PublicKey),
		Nonce:  params.Nonce,
	}, nil
}

func (f *fakeLedger) WaitForOutcome(ctx context.Context, handle ledger.Handle, confirmations uint64) (*ledger.Outcome, error) {
	if len(f.outcomeErrs) > 0 {
		err := f.outcomeErrs[0]
		f.outcomeErrs = f.outcomeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(f.outcomes) > 0 {
		out := f.outcomes[0]
		f.outcomes = f.outcomes[1:]
		return out, nil
	}
	return &ledger.Outcome{
		Status:      ledger.OutcomeSuccess,
		LedgerRef:   handle.TxHash.Hex(),
		BlockMarker: 100,
	}, nil
}

type fakeNonces struct {
	next        uint64
	allocated   []uint64
	confirmed   []uint64
	invalidated int
}

func (f *fakeNonces) Allocate(ctx context.Context, account common.Address) (uint64, error) {
	n := f.next
	f.next++
	f.allocated = append(f.allocated, n)
	return n, nil
}

func (f *fakeNonces) Confirm(account common.Address, sequence uint64) {
	f.confirmed = append(f.confirmed, sequence)
}

func (f *fakeNonces) Invalidate(account common.Address) { f.invalidated++ }

type fakeSigner struct {
	keys map[common.Address]*ecdsa.PrivateKey
}

func (f *fakeSigner) SignerFor(account common.Address) (*ecdsa.PrivateKey, error) {
	key, ok := f.keys[account]
	if !ok {
		return nil, fmt.Errorf("no signing key for account %s", account.Hex())
	}
	return key, nil
}

func newTestSigner(t *testing.T, accounts ...common.Address) (*fakeSigner, map[common.Address]*ecdsa.PrivateKey) {
	t.Helper()
	keys := make(map[common.Address]*ecdsa.PrivateKey, len(accounts))
	for _, a := range accounts {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		keys[a] = key
	}
	return &fakeSigner{keys: keys}, keys
}

var recipientAddr = common.HexToAddress("0x00000000000000000000000000000000000000ee")

func placeholderRecord(account common.Address, ref string, amount int64, offset time.Duration) *db.TransferRecord {
	placeholder := "pending-" + ref
	return &db.TransferRecord{
		AccountAddress: account.Hex(),
		ReferenceCode:  ref,
		Sender:         "BANKUSA1",
		Recipient:      recipientAddr.Hex(),
		Amount:         amount,
		Status:         db.StatusProcessing,
		LedgerRefKind:  db.RefKindPlaceholder,
		LedgerRef:      &placeholder,
		SubmittedAt:    time.Now().Add(offset),
	}
}

func newReconciler(store Store, lc LedgerClient, nonces NonceAllocator, signer Signer, opts ...Option) *Reconciler {
	opts = append(opts, WithDelays(0, 0))
	return NewReconciler(store, lc, nonces, signer, nil, nil, opts...)
}

func TestRun_CompletesRecordsInOrder(t *testing.T) {
	account := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	signer, _ := newTestSigner(t, account)
	store := &fakeStore{records: []*db.TransferRecord{
		placeholderRecord(account, "REF-1", 1000, 0),
		placeholderRecord(account, "REF-2", 2000, time.Minute),
	}}
	lc := &fakeLedger{}
	nonces := &fakeNonces{next: 5}

	result, err := newReconciler(store, lc, nonces, signer).Run(context.Background(), "scheduled")
	require.NoError(t, err)

	assert.Equal(t, 2, result.Examined)
	assert.Equal(t, 2, result.Completed)
	assert.Zero(t, result.Failed)
	assert.Zero(t, result.Deferred)

	// Serial resubmission with consecutive sequence numbers, in order.
	require.Len(t, lc.submissions, 2)
	assert.Equal(t, []uint64{5, 6}, nonces.allocated)
	assert.Equal(t, []uint64{5, 6}, nonces.confirmed)
	assert.Equal(t, ledger.MinorToWei(1000), lc.submissions[0].amount)
	assert.Equal(t, ledger.MinorToWei(2000), lc.submissions[1].amount)

	// Both records completed with a confirmed reference.
	require.Len(t, store.updates, 2)
	for _, update := range store.updates {
		assert.Equal(t, db.StatusCompleted, update.Status)
		assert.Equal(t, db.RefKindConfirmed, update.LedgerRefKind)
		require.NotNil(t, update.LedgerRef)
		require.NotNil(t, update.BlockMarker)
	}
}

func TestRun_EmptyPass(t *testing.T) {
	store := &fakeStore{}
	result, err := newReconciler(store, &fakeLedger{}, &fakeNonces{}, &fakeSigner{}).Run(context.Background(), "scheduled")
	require.NoError(t, err)
	assert.Zero(t, result.Examined)
}

func TestRun_InsufficientBalanceSkips(t *testing.T) {
	account := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	signer, _ := newTestSigner(t, account)
	store := &fakeStore{records: []*db.TransferRecord{
		placeholderRecord(account, "REF-1", 5_000_000, 0),
	}}
	lc := &fakeLedger{balances: map[common.Address]*big.Int{
		account: ledger.MinorToWei(100),
	}}

	result, err := newReconciler(store, lc, &fakeNonces{}, signer).Run(context.Background(), "scheduled")
	require.NoError(t, err)

	// Skipped, not failed: the record stays unreconciled for a later pass.
	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, result.Failed)
	assert.Empty(t, lc.submissions)
	assert.Empty(t, store.updates)
}

func TestRun_SequenceConflictRetriesOnce(t *testing.T) {
	account := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	signer, _ := newTestSigner(t, account)
	store := &fakeStore{records: []*db.TransferRecord{
		placeholderRecord(account, "REF-1", 1000, 0),
	}}
	lc := &fakeLedger{
		submitErrs: []error{fmt.Errorf("%w: nonce too low", ledger.ErrSequenceConflict), nil},
	}
	nonces := &fakeNonces{next: 3}

	result, err := newReconciler(store, lc, nonces, signer).Run(context.Background(), "scheduled")
	require.NoError(t, err)

	assert.Equal(t, 1, result.Completed)
	require.Len(t, lc.submissions, 2)
	assert.Equal(t, []uint64{3, 4}, nonces.allocated)
	assert.Equal(t, 1, nonces.invalidated)
}

func TestRun_NetworkFailureDefersRestOfSender(t *testing.T) {
	account := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	signer, _ := newTestSigner(t, account)
	store := &fakeStore{records: []*db.TransferRecord{
		placeholderRecord(account, "REF-1", 1000, 0),
		placeholderRecord(account, "REF-2", 2000, time.Minute),
		placeholderRecord(account, "REF-3", 3000, 2*time.Minute),
	}}
	lc := &fakeLedger{
		submitErrs: []error{fmt.Errorf("%w: connection refused", ledger.ErrNetworkUnavailable)},
	}

	result, err := newReconciler(store, lc, &fakeNonces{}, signer).Run(context.Background(), "scheduled")
	require.NoError(t, err)

	// The first record's submission failed on the network; all three stay
	// non-terminal and no status was written.
	assert.Equal(t, 3, result.Deferred)
	assert.Zero(t, result.Failed)
	require.Len(t, lc.submissions, 1)
	assert.Empty(t, store.updates)
}

func TestRun_RevertedOutcomeFailsRecord(t *testing.T) {
	account := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	signer, _ := newTestSigner(t, account)
	store := &fakeStore{records: []*db.TransferRecord{
		placeholderRecord(account, "REF-1", 1000, 0),
	}}
	lc := &fakeLedger{
		outcomes: []*ledger.Outcome{{
			Status:      ledger.OutcomeReverted,
			LedgerRef:   "0xreverted",
			BlockMarker: 42,
		}},
	}

	result, err := newReconciler(store, lc, &fakeNonces{}, signer).Run(context.Background(), "scheduled")
	require.NoError(t, err)

	assert.Equal(t, 1, result.Failed)
	require.Len(t, store.updates, 1)
	assert.Equal(t, db.StatusFailed, store.updates[0].Status)
	// Even a reverted outcome carries the confirmed reference that proves
	// what the ledger decided.
	assert.Equal(t, db.RefKindConfirmed, store.updates[0].LedgerRefKind)
}

func TestRun_PermanentRejectionFailsRecord(t *testing.T) {
	account := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	signer, _ := newTestSigner(t, account)
	store := &fakeStore{records: []*db.TransferRecord{
		placeholderRecord(account, "REF-1", 1000, 0),
	}}
	lc := &fakeLedger{
		submitErrs: []error{fmt.Errorf("%w: sender not permissioned", ledger.ErrComplianceDenied)},
	}

	result, err := newReconciler(store, lc, &fakeNonces{}, signer).Run(context.Background(), "scheduled")
	require.NoError(t, err)

	assert.Equal(t, 1, result.Failed)
	require.Len(t, store.updates, 1)
	assert.Equal(t, db.StatusFailed, store.updates[0].Status)
}

func TestRun_MalformedRecipientFailsRecord(t *testing.T) {
	account := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	signer, _ := newTestSigner(t, account)
	record := placeholderRecord(account, "REF-1", 1000, 0)
	record.Recipient = "not-an-address"
	store := &fakeStore{records: []*db.TransferRecord{record}}
	lc := &fakeLedger{}

	result, err := newReconciler(store, lc, &fakeNonces{}, signer).Run(context.Background(), "scheduled")
	require.NoError(t, err)

	assert.Equal(t, 1, result.Failed)
	assert.Empty(t, lc.submissions)
}

func TestRun_UnknownSignerDefers(t *testing.T) {
	account := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	store := &fakeStore{records: []*db.TransferRecord{
		placeholderRecord(account, "REF-1", 1000, 0),
		placeholderRecord(account, "REF-2", 2000, time.Minute),
	}}
	lc := &fakeLedger{}

	result, err := newReconciler(store, lc, &fakeNonces{}, &fakeSigner{}).Run(context.Background(), "scheduled")
	require.NoError(t, err)

	assert.Equal(t, 2, result.Deferred)
	require.Len(t, result.Errors, 1)
	assert.Empty(t, lc.submissions)
}

func TestRun_MultipleSenders(t *testing.T) {
	accountA := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	accountB := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	signer, _ := newTestSigner(t, accountA, accountB)
	store := &fakeStore{records: []*db.TransferRecord{
		placeholderRecord(accountA, "REF-A1", 1000, 0),
		placeholderRecord(accountB, "REF-B1", 2000, time.Minute),
		placeholderRecord(accountA, "REF-A2", 3000, 2*time.Minute),
	}}
	lc := &fakeLedger{}

	result, err := newReconciler(store, lc, &fakeNonces{}, signer).Run(context.Background(), "scheduled")
	require.NoError(t, err)

	assert.Equal(t, 3, result.Completed)
	require.Len(t, lc.submissions, 3)
}

func TestRun_PublishesStatusEvents(t *testing.T) {
	account := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	signer, _ := newTestSigner(t, account)
	store := &fakeStore{records: []*db.TransferRecord{
		placeholderRecord(account, "REF-1", 1000, 0),
	}}
	publisher := nats.NewMockPublisher()

	r := newReconciler(store, &fakeLedger{}, &fakeNonces{}, signer, WithPublisher(publisher))
	_, err := r.Run(context.Background(), "scheduled")
	require.NoError(t, err)

	events := publisher.GetPublishedEvents()
	require.Len(t, events, 1)
	assert.Equal(t, db.StatusCompleted, events[0].Status)
	assert.Equal(t, "REF-1", events[0].ReferenceCode)
}

func TestRun_OutcomeWaitFailureDefers(t *testing.T) {
	account := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	signer, _ := newTestSigner(t, account)
	store := &fakeStore{records: []*db.TransferRecord{
		placeholderRecord(account, "REF-1", 1000, 0),
	}}
	lc := &fakeLedger{
		outcomeErrs: []error{fmt.Errorf("%w: outcome wait aborted", ledger.ErrNetworkUnavailable)},
	}

	result, err := newReconciler(store, lc, &fakeNonces{}, signer).Run(context.Background(), "scheduled")
	require.NoError(t, err)

	assert.Equal(t, 1, result.Deferred)
	assert.Empty(t, store.updates)
}
