package rpc

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
)

// AccessKeyView is the view_access_key query result.
type AccessKeyView struct {
	Nonce       uint64          `json:"nonce"`
	BlockHeight uint64          `json:"block_height"`
	BlockHash   string          `json:"block_hash"`
	Permission  json.RawMessage `json:"permission"`
	// Older nodes report a missing key inside the result.
	Error string `json:"error,omitempty"`
}

// ExecutionStatus is either a bare string ("NotStarted", "Started") or an
// object with one of SuccessValue, SuccessReceiptId or Failure.
type ExecutionStatus struct {
	Pending          string          `json:"-"`
	SuccessValue     *string         `json:"SuccessValue,omitempty"`
	SuccessReceiptID *string         `json:"SuccessReceiptId,omitempty"`
	Failure          json.RawMessage `json:"Failure,omitempty"`
}

func (s *ExecutionStatus) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &s.Pending)
	}
	type plain ExecutionStatus
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = ExecutionStatus(p)
	return nil
}

func (s ExecutionStatus) Failed() bool {
	return len(s.Failure) > 0 && !bytes.Equal(s.Failure, []byte("null"))
}

func (s ExecutionStatus) Succeeded() bool {
	return s.SuccessValue != nil || s.SuccessReceiptID != nil
}

type TransactionView struct {
	Hash       string `json:"hash"`
	SignerID   string `json:"signer_id"`
	ReceiverID string `json:"receiver_id"`
	Nonce      uint64 `json:"nonce"`
}

// FinalExecutionOutcome is returned by broadcast_tx_commit and tx.
type FinalExecutionOutcome struct {
	FinalExecutionStatus string           `json:"final_execution_status,omitempty"`
	Status               *ExecutionStatus `json:"status,omitempty"`
	Transaction          *TransactionView `json:"transaction,omitempty"`
}

type TxState string

const (
	TxPending TxState = "pending"
	TxFinal   TxState = "final"
	TxFailed  TxState = "failed"
)

// TxResult is the relayer's reading of a transaction status query.
type TxResult struct {
	State   TxState         `json:"status"`
	Value   string          `json:"value,omitempty"`
	Failure json.RawMessage `json:"failure,omitempty"`
}

func resultFromOutcome(o *FinalExecutionOutcome) *TxResult {
	if o == nil || o.Status == nil {
		return &TxResult{State: TxPending}
	}
	switch {
	case o.Status.Failed():
		return &TxResult{State: TxFailed, Failure: o.Status.Failure}
	case o.Status.SuccessValue != nil:
		value := *o.Status.SuccessValue
		if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
			value = string(decoded)
		}
		return &TxResult{State: TxFinal, Value: value}
	case o.Status.SuccessReceiptID != nil:
		return &TxResult{State: TxFinal}
	default:
		return &TxResult{State: TxPending}
	}
}

type Health string

const (
	HealthOK       Health = "ok"
	HealthDegraded Health = "degraded"
)
