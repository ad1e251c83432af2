package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	TxTable       = "relay_transactions"
	KeyEventTable = "key_events"
)

// Journal statuses beyond the chain's final/failed/pending.
const (
	StatusSubmitted = "submitted"
)

// TxRecord is one relayed transaction.
type TxRecord struct {
	TxHash    string    `ch:"tx_hash" json:"txHash"`
	PublicKey string    `ch:"public_key" json:"publicKey"`
	Nonce     uint64    `ch:"nonce" json:"nonce"`
	Action    string    `ch:"action" json:"action"`
	Attempts  uint8     `ch:"attempts" json:"attempts"`
	Status    string    `ch:"status" json:"status"`
	Error     string    `ch:"error" json:"error,omitempty"`
	CreatedAt time.Time `ch:"created_at" json:"createdAt"`
	UpdatedAt time.Time `ch:"updated_at" json:"updatedAt"`
}

type execer interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	QueryRow(ctx context.Context, query string, args ...interface{}) driver.Row
}

// Journal records relayed transactions and key lifecycle events.
type Journal struct {
	db     execer
	logger *zap.Logger
	now    func() time.Time
}

func NewJournal(db execer, logger *zap.Logger) *Journal {
	return &Journal{db: db, logger: logger.With(zap.String("component", "journal")), now: time.Now}
}

func txTableDDL() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	tx_hash String,
	public_key String,
	nonce UInt64,
	action String,
	attempts UInt8,
	status LowCardinality(String),
	error String,
	created_at DateTime64(3, 'UTC'),
	updated_at DateTime64(3, 'UTC')
) ENGINE = %s(updated_at)
ORDER BY tx_hash`, TxTable, ReplacingMergeTree)
}

func keyEventTableDDL() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	public_key String,
	event LowCardinality(String),
	nonce UInt64,
	at DateTime64(3, 'UTC')
) ENGINE = %s
ORDER BY (public_key, at)`, KeyEventTable, MergeTree)
}

// InitSchema creates the journal tables.
func (j *Journal) InitSchema(ctx context.Context) error {
	for _, ddl := range []string{txTableDDL(), keyEventTableDDL()} {
		if err := j.db.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("journal schema: %w", err)
		}
	}
	return nil
}

// RecordTx stores a freshly submitted transaction.
func (j *Journal) RecordTx(ctx context.Context, rec TxRecord) error {
	now := j.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.Status == "" {
		rec.Status = StatusSubmitted
	}
	rec.UpdatedAt = now
	err := j.db.Exec(ctx, fmt.Sprintf(`INSERT INTO %s
	(tx_hash, public_key, nonce, action, attempts, status, error, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, TxTable),
		rec.TxHash, rec.PublicKey, rec.Nonce, rec.Action, rec.Attempts, rec.Status, rec.Error, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("record tx %s: %w", rec.TxHash, err)
	}
	return nil
}

// RecordOutcome writes a newer version of the row with the final status.
func (j *Journal) RecordOutcome(ctx context.Context, txHash, status, detail string) error {
	err := j.db.Exec(ctx, fmt.Sprintf(`INSERT INTO %[1]s
	(tx_hash, public_key, nonce, action, attempts, status, error, created_at, updated_at)
	SELECT tx_hash, public_key, nonce, action, attempts, ?, ?, created_at, ?
	FROM %[1]s FINAL WHERE tx_hash = ?`, TxTable),
		status, detail, j.now().UTC(), txHash)
	if err != nil {
		return fmt.Errorf("record outcome %s: %w", txHash, err)
	}
	return nil
}

// RecordKeyEvent appends a key lifecycle event.
func (j *Journal) RecordKeyEvent(ctx context.Context, publicKey, event string, nonce uint64) error {
	err := j.db.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (public_key, event, nonce, at) VALUES (?, ?, ?, ?)`, KeyEventTable),
		publicKey, event, nonce, j.now().UTC())
	if err != nil {
		return fmt.Errorf("record key event %s: %w", event, err)
	}
	return nil
}

// GetTx returns the latest version of a journaled transaction, or (nil, nil)
// when the hash is unknown.
func (j *Journal) GetTx(ctx context.Context, txHash string) (*TxRecord, error) {
	var rec TxRecord
	err := j.db.QueryRow(ctx, fmt.Sprintf(`SELECT
	tx_hash, public_key, nonce, action, attempts, status, error, created_at, updated_at
	FROM %s FINAL WHERE tx_hash = ? LIMIT 1`, TxTable), txHash).ScanStruct(&rec)
	if err != nil {
		if IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get tx %s: %w", txHash, err)
	}
	return &rec, nil
}
