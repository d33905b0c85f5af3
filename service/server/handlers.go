package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/nt219/interledger/service/db"
	"github.com/nt219/interledger/service/ledger"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB - plenty for a 50-item batch
	defaultListLimit   = 100
	maxListLimit       = 1000
)

// transferResponse is the JSON response format for a transfer record.
type transferResponse struct {
	AccountAddress string    `json:"account_address"`
	ReferenceCode  string    `json:"reference_code"`
	Sender         string    `json:"sender"`
	Recipient      string    `json:"recipient"`
	Amount         int64     `json:"amount"`
	RoutingCode    string    `json:"routing_code"`
	Memo           *string   `json:"memo,omitempty"`
	Status         string    `json:"status"`
	LedgerRefKind  string    `json:"ledger_ref_kind"`
	LedgerRef      *string   `json:"ledger_ref,omitempty"`
	BlockMarker    *int64    `json:"block_marker,omitempty"`
	SubmittedAt    time.Time `json:"submitted_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// recordToResponse converts a domain TransferRecord to a response format.
func recordToResponse(r *db.TransferRecord) transferResponse {
	return transferResponse{
		AccountAddress: r.AccountAddress,
		ReferenceCode:  r.ReferenceCode,
		Sender:         r.Sender,
		Recipient:      r.Recipient,
		Amount:         r.Amount,
		RoutingCode:    r.RoutingCode,
		Memo:           r.Memo,
		Status:         r.Status,
		LedgerRefKind:  r.LedgerRefKind,
		LedgerRef:      r.LedgerRef,
		BlockMarker:    r.BlockMarker,
		SubmittedAt:    r.SubmittedAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func recordsToResponse(records []*db.TransferRecord) []transferResponse {
	resp := make([]transferResponse, len(records))
	for i, r := range records {
		resp[i] = recordToResponse(r)
	}
	return resp
}

// handleSubmitTransfer returns a handler that submits a single transfer.
// POST /api/v1/transfers
func handleSubmitTransfer(svc *TransferService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req struct {
			AccountAddress string `json:"account_address"`
			Recipient      string `json:"recipient"`
			Amount         int64  `json:"amount"`
			RoutingCode    string `json:"routing_code"`
			Memo           string `json:"memo"`
			ReferenceCode  string `json:"reference_code"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := validateAccountAddress(req.AccountAddress); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := validateRecipient(req.Recipient); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Amount <= 0 {
			writeError(w, "amount must be positive", http.StatusBadRequest)
			return
		}

		outcome, err := svc.SubmitTransfer(r.Context(), SubmitRequest{
			AccountAddress: common.HexToAddress(req.AccountAddress),
			Recipient:      common.HexToAddress(req.Recipient),
			Amount:         req.Amount,
			RoutingCode:    req.RoutingCode,
			Memo:           req.Memo,
			ReferenceCode:  req.ReferenceCode,
		})
		if err != nil {
			writeSubmitError(w, err, logger)
			return
		}

		writeJSON(w, recordToResponse(outcome.Record), submitStatusCode(outcome))
	})
}

// handleSubmitBatch returns a handler that submits a multi-recipient batch.
// POST /api/v1/transfers/batch
func handleSubmitBatch(svc *TransferService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req struct {
			AccountAddress string `json:"account_address"`
			AttachProofs   bool   `json:"attach_proofs"`
			Items          []struct {
				Recipient     string `json:"recipient"`
				Amount        int64  `json:"amount"`
				RoutingCode   string `json:"routing_code"`
				Memo          string `json:"memo"`
				ReferenceCode string `json:"reference_code"`
			} `json:"items"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := validateAccountAddress(req.AccountAddress); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.Items) == 0 {
			writeError(w, "items must not be empty", http.StatusBadRequest)
			return
		}

		items := make([]BatchItemRequest, len(req.Items))
		for i, item := range req.Items {
			if err := validateRecipient(item.Recipient); err != nil {
				writeError(w, fmt.Sprintf("item %d: %v", i, err), http.StatusBadRequest)
				return
			}
			if item.Amount <= 0 {
				writeError(w, fmt.Sprintf("item %d: amount must be positive", i), http.StatusBadRequest)
				return
			}
			items[i] = BatchItemRequest{
				Recipient:     common.HexToAddress(item.Recipient),
				Amount:        item.Amount,
				RoutingCode:   item.RoutingCode,
				Memo:          item.Memo,
				ReferenceCode: item.ReferenceCode,
			}
		}

		outcome, err := svc.SubmitBatch(r.Context(), BatchSubmitRequest{
			AccountAddress: common.HexToAddress(req.AccountAddress),
			Items:          items,
			AttachProofs:   req.AttachProofs,
		})
		if err != nil {
			writeSubmitError(w, err, logger)
			return
		}

		statusCode := http.StatusCreated
		switch {
		case outcome.Deferred:
			statusCode = http.StatusAccepted
		case outcome.Failed:
			statusCode = http.StatusUnprocessableEntity
		}
		writeJSON(w, map[string]interface{}{
			"transfers":   recordsToResponse(outcome.Records),
			"count":       len(outcome.Records),
			"with_proofs": outcome.WithProofs,
		}, statusCode)
	})
}

// handleGetTransfer returns a handler that retrieves one transfer record.
// GET /api/v1/transfers/{reference_code}?account_address=ADDRESS
func handleGetTransfer(store RecordStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refCode := r.PathValue("reference_code")
		account := r.URL.Query().Get("account_address")

		if err := validateAccountAddress(account); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		record, err := store.GetRecord(r.Context(), common.HexToAddress(account).Hex(), refCode)
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, "transfer not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("failed to get transfer record", "reference_code", refCode, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, recordToResponse(record), http.StatusOK)
	})
}

// handleListTransfers returns a handler that lists transfer records.
// GET /api/v1/transfers?account_address=A&status=S&sender=B&recipient=R&since=T&until=T&limit=N&offset=N
func handleListTransfers(store RecordStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		account := query.Get("account_address")
		if account == "" {
			writeError(w, "account_address query parameter is required", http.StatusBadRequest)
			return
		}
		if err := validateAccountAddress(account); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		params := db.ListRecordsParams{
			AccountAddress: common.HexToAddress(account).Hex(),
			Status:         query.Get("status"),
			Sender:         query.Get("sender"),
			Recipient:      query.Get("recipient"),
			Search:         query.Get("search"),
		}
		if params.Status != "" && !db.ValidStatus(params.Status) {
			writeError(w, "invalid status filter", http.StatusBadRequest)
			return
		}

		var err error
		if params.Since, err = parseTimeParam(query.Get("since")); err != nil {
			writeError(w, "invalid since parameter: must be RFC 3339", http.StatusBadRequest)
			return
		}
		if params.Until, err = parseTimeParam(query.Get("until")); err != nil {
			writeError(w, "invalid until parameter: must be RFC 3339", http.StatusBadRequest)
			return
		}

		limit, offset, err := parsePagination(query.Get("limit"), query.Get("offset"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		params.Limit = limit
		params.Offset = offset

		records, err := store.ListRecords(r.Context(), params)
		if err != nil {
			logger.Error("failed to list transfer records", "account", account, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.Debug("transfer records listed", "account", account, "count", len(records))

		writeJSON(w, map[string]interface{}{
			"transfers": recordsToResponse(records),
			"count":     len(records),
			"limit":     limit,
			"offset":    offset,
		}, http.StatusOK)
	})
}

// handleListUnreconciled returns a handler that lists records still awaiting
// a confirmed ledger reference, optionally scoped to one account.
// GET /api/v1/transfers/unreconciled?account_address=ADDRESS
func handleListUnreconciled(store RecordStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account := r.URL.Query().Get("account_address")
		if account != "" {
			if err := validateAccountAddress(account); err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			account = common.HexToAddress(account).Hex()
		}

		records, err := store.ListUnreconciled(r.Context(), account)
		if err != nil {
			logger.Error("failed to list unreconciled records", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, map[string]interface{}{
			"transfers": recordsToResponse(records),
			"count":     len(records),
		}, http.StatusOK)
	})
}

// handleDeleteTransfer returns a handler that removes one record from an
// account's log.
// DELETE /api/v1/transfers/{reference_code}?account_address=ADDRESS
func handleDeleteTransfer(store RecordStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refCode := r.PathValue("reference_code")
		account := r.URL.Query().Get("account_address")

		if err := validateAccountAddress(account); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		err := store.DeleteRecord(r.Context(), common.HexToAddress(account).Hex(), refCode)
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, "transfer not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("failed to delete transfer record", "reference_code", refCode, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.Info("transfer record deleted", "account", account, "reference_code", refCode)

		writeJSON(w, map[string]interface{}{
			"deleted": 1,
		}, http.StatusOK)
	})
}

// handlePurgeTransfers returns a handler that deletes all records for an
// account. Purge and single-record delete are the only destructive
// operations the API exposes.
// DELETE /api/v1/accounts/{address}/transfers
func handlePurgeTransfers(store RecordStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := validateAccountAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		deleted, err := store.PurgeRecords(r.Context(), common.HexToAddress(address).Hex())
		if err != nil {
			logger.Error("failed to purge transfer records", "account", address, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.Info("transfer records purged", "account", address, "deleted", deleted)

		writeJSON(w, map[string]interface{}{
			"deleted": deleted,
		}, http.StatusOK)
	})
}

// handleGetAccount returns a handler that reports an account's ledger-visible
// balance and sequence number.
// GET /api/v1/accounts/{address}
func handleGetAccount(lc LedgerService, kr *ledger.Keyring, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := validateAccountAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		account := common.HexToAddress(address)

		balance, err := lc.Balance(r.Context(), account)
		if err != nil {
			logger.Error("failed to query balance", "account", address, "error", err)
			writeError(w, "ledger unavailable", http.StatusBadGateway)
			return
		}
		sequence, err := lc.SequenceNumber(r.Context(), account)
		if err != nil {
			logger.Error("failed to query sequence number", "account", address, "error", err)
			writeError(w, "ledger unavailable", http.StatusBadGateway)
			return
		}

		writeJSON(w, map[string]interface{}{
			"account_address": account.Hex(),
			"bank_code":       kr.BankCode(account),
			"balance":         ledger.WeiToMinor(balance),
			"balance_wei":     balance.String(),
			"sequence":        sequence,
		}, http.StatusOK)
	})
}

// submitStatusCode maps a submission outcome to an HTTP status code.
func submitStatusCode(outcome *SubmitOutcome) int {
	switch {
	case !outcome.Created:
		return http.StatusOK // duplicate absorbed
	case outcome.Deferred:
		return http.StatusAccepted
	case outcome.Record.Status == db.StatusFailed:
		return http.StatusUnprocessableEntity // reverted on the ledger
	default:
		return http.StatusCreated
	}
}

// writeSubmitError maps submission-path errors to HTTP status codes.
func writeSubmitError(w http.ResponseWriter, err error, logger *slog.Logger) {
	switch {
	case errors.Is(err, ErrUnknownAccount):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ledger.ErrComplianceDenied):
		writeError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		logger.Error("transfer submission failed", "error", err)
		writeError(w, "transfer submission failed", http.StatusBadGateway)
	}
}

// decodeJSON decodes a request body, translating size-limit errors.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if strings.Contains(err.Error(), "http: request body too large") {
			return fmt.Errorf("request body too large: maximum size is 1MB")
		}
		return fmt.Errorf("invalid request body: must be valid JSON")
	}
	return nil
}

// validateAccountAddress validates a ledger account address.
func validateAccountAddress(address string) error {
	if address == "" {
		return fmt.Errorf("account_address is required")
	}
	if !common.IsHexAddress(address) {
		return fmt.Errorf("invalid account address %q: must be a 20-byte hex address", address)
	}
	return nil
}

func validateRecipient(address string) error {
	if address == "" {
		return fmt.Errorf("recipient is required")
	}
	if !common.IsHexAddress(address) {
		return fmt.Errorf("invalid recipient %q: must be a 20-byte hex address", address)
	}
	return nil
}

// parseTimeParam parses an optional RFC 3339 query parameter.
func parseTimeParam(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// parsePagination parses limit and offset query parameters with bounds.
func parsePagination(limitStr, offsetStr string) (int32, int32, error) {
	limit := int32(defaultListLimit)
	if limitStr != "" {
		var parsed int
		if _, err := fmt.Sscanf(limitStr, "%d", &parsed); err != nil {
			return 0, 0, fmt.Errorf("invalid limit parameter: must be an integer")
		}
		if parsed < 1 {
			return 0, 0, fmt.Errorf("limit must be at least 1")
		}
		if parsed > maxListLimit {
			return 0, 0, fmt.Errorf("limit cannot exceed %d", maxListLimit)
		}
		limit = int32(parsed)
	}

	offset := int32(0)
	if offsetStr != "" {
		var parsed int
		if _, err := fmt.Sscanf(offsetStr, "%d", &parsed); err != nil {
			return 0, 0, fmt.Errorf("invalid offset parameter: must be an integer")
		}
		if parsed < 0 {
			return 0, 0, fmt.Errorf("offset cannot be negative")
		}
		offset = int32(parsed)
	}

	return limit, offset, nil
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
