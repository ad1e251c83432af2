package near

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

var ErrEmptyActions = errors.New("transaction has no actions")

type Transaction struct {
	SignerID   string
	PublicKey  PublicKey
	Nonce      uint64
	ReceiverID string
	BlockHash  Hash
	Actions    []Action
}

// Serialize returns the borsh encoding of the transaction.
func (tx *Transaction) Serialize() ([]byte, error) {
	if len(tx.Actions) == 0 {
		return nil, ErrEmptyActions
	}
	e := &encoder{}
	tx.encode(e)
	out, err := e.result()
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}
	return out, nil
}

func (tx *Transaction) encode(e *encoder) {
	e.str(tx.SignerID)
	e.publicKey(tx.PublicKey)
	e.u64(tx.Nonce)
	e.str(tx.ReceiverID)
	e.fixed(tx.BlockHash[:])
	e.u32(uint32(len(tx.Actions)))
	for _, a := range tx.Actions {
		a.encode(e)
	}
}

// Hash is sha256 over the borsh encoding; it is both the transaction id and
// the message handed to the signer.
func (tx *Transaction) Hash() (Hash, error) {
	raw, err := tx.Serialize()
	if err != nil {
		return Hash{}, err
	}
	return sha256.Sum256(raw), nil
}

type SignedTransaction struct {
	Transaction Transaction
	Signature   Signature
}

func (st *SignedTransaction) Serialize() ([]byte, error) {
	if len(st.Transaction.Actions) == 0 {
		return nil, ErrEmptyActions
	}
	e := &encoder{}
	st.Transaction.encode(e)
	e.u8(KeyTypeED25519)
	e.fixed(st.Signature[:])
	out, err := e.result()
	if err != nil {
		return nil, fmt.Errorf("encode signed transaction: %w", err)
	}
	return out, nil
}

// Base64 is the form accepted by the broadcast RPC methods.
func (st *SignedTransaction) Base64() (string, error) {
	raw, err := st.Serialize()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func (st *SignedTransaction) Hash() (Hash, error) {
	return st.Transaction.Hash()
}
