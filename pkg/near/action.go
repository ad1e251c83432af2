package near

import "math/big"

// Action enum indices in the chain's borsh schema.
const (
	actionFunctionCall uint8 = 2
	actionAddKey       uint8 = 5
	actionDeleteKey    uint8 = 6
)

const (
	permissionFunctionCall uint8 = 0
	permissionFullAccess   uint8 = 1
)

// Action is one entry of a transaction's action list. Only the shapes the
// relayer submits are modeled.
type Action interface {
	Kind() string
	encode(e *encoder)
}

// FunctionCall invokes Method on the receiver with raw Args.
type FunctionCall struct {
	Method  string
	Args    []byte
	Gas     uint64
	Deposit *big.Int
}

func (FunctionCall) Kind() string { return "FunctionCall" }

func (a FunctionCall) encode(e *encoder) {
	e.u8(actionFunctionCall)
	e.str(a.Method)
	e.vec(a.Args)
	e.u64(a.Gas)
	e.u128(a.Deposit)
}

// Permission is either FunctionCallPermission or FullAccess.
type Permission interface {
	encodePermission(e *encoder)
}

// FunctionCallPermission restricts a key to calling MethodNames on ReceiverID.
// A nil Allowance means unlimited.
type FunctionCallPermission struct {
	Allowance   *big.Int
	ReceiverID  string
	MethodNames []string
}

func (p FunctionCallPermission) encodePermission(e *encoder) {
	e.u8(permissionFunctionCall)
	if p.Allowance == nil {
		e.u8(0)
	} else {
		e.u8(1)
		e.u128(p.Allowance)
	}
	e.str(p.ReceiverID)
	e.u32(uint32(len(p.MethodNames)))
	for _, m := range p.MethodNames {
		e.str(m)
	}
}

type FullAccess struct{}

func (FullAccess) encodePermission(e *encoder) {
	e.u8(permissionFullAccess)
}

type AccessKey struct {
	Nonce      uint64
	Permission Permission
}

type AddKey struct {
	PublicKey PublicKey
	AccessKey AccessKey
}

func (AddKey) Kind() string { return "AddKey" }

func (a AddKey) encode(e *encoder) {
	e.u8(actionAddKey)
	e.publicKey(a.PublicKey)
	e.u64(a.AccessKey.Nonce)
	perm := a.AccessKey.Permission
	if perm == nil {
		perm = FullAccess{}
	}
	perm.encodePermission(e)
}

type DeleteKey struct {
	PublicKey PublicKey
}

func (DeleteKey) Kind() string { return "DeleteKey" }

func (a DeleteKey) encode(e *encoder) {
	e.u8(actionDeleteKey)
	e.publicKey(a.PublicKey)
}

// ParseBalance parses a decimal yocto amount. Empty input yields nil.
func ParseBalance(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 || v.Cmp(maxU128) > 0 {
		return nil, errU128Range
	}
	return v, nil
}
