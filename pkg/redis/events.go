package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Relay event types published on the account channels.
const (
	EventTxSubmitted = "tx.submitted"
	EventTxFinal     = "tx.final"
)

// Event is the payload published for every relay and key lifecycle change.
type Event struct {
	Type      string    `json:"type"`
	Account   string    `json:"account"`
	TxHash    string    `json:"txHash,omitempty"`
	PublicKey string    `json:"publicKey,omitempty"`
	Nonce     uint64    `json:"nonce,omitempty"`
	Status    string    `json:"status,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// EventChannel returns the Pub/Sub channel for an event type,
// e.g. "relayx:relayer.near:tx.submitted".
func EventChannel(account, eventType string) string {
	return fmt.Sprintf("relayx:%s:%s", account, eventType)
}

// EventPattern matches every event channel of one account.
func EventPattern(account string) string {
	return fmt.Sprintf("relayx:%s:*", account)
}

// TxStream is the stream of submitted transactions awaiting finality.
func TxStream(account string) string {
	return fmt.Sprintf("relayx:%s:tx", account)
}

// LockKey is the key holding the admin batch lock.
func LockKey(account string) string {
	return fmt.Sprintf("relayx:%s:admin-lock", account)
}

// PublishEvent publishes ev on its channel. Best effort.
func (c *Client) PublishEvent(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		c.logger.Warn("Failed to marshal event", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	c.Publish(ctx, EventChannel(ev.Account, ev.Type), payload)
}

// EnqueueTx appends a submitted transaction to the account's finality stream.
func (c *Client) EnqueueTx(ctx context.Context, account, txHash, publicKey string) string {
	return c.XAdd(ctx, TxStream(account), map[string]interface{}{
		"txHash":    txHash,
		"publicKey": publicKey,
	})
}

// DecodeEvent parses a Pub/Sub payload.
func DecodeEvent(payload string) (Event, error) {
	var ev Event
	err := json.Unmarshal([]byte(payload), &ev)
	return ev, err
}
