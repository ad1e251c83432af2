package near

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/big"
)

var maxU128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

var errU128Range = errors.New("value does not fit in u128")

// encoder writes the borsh layout for the handful of shapes the relayer builds.
// Integers are little-endian, strings and vectors carry a u32 length prefix.
type encoder struct {
	buf bytes.Buffer
	err error
}

func (e *encoder) u8(v uint8) {
	e.buf.WriteByte(v)
}

func (e *encoder) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

// u128 writes nil as zero.
func (e *encoder) u128(v *big.Int) {
	var out [16]byte
	if v != nil {
		if v.Sign() < 0 || v.Cmp(maxU128) > 0 {
			e.fail(errU128Range)
			return
		}
		be := v.Bytes()
		for i := range be {
			out[i] = be[len(be)-1-i]
		}
	}
	e.buf.Write(out[:])
}

func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	e.buf.WriteString(s)
}

func (e *encoder) vec(b []byte) {
	e.u32(uint32(len(b)))
	e.buf.Write(b)
}

func (e *encoder) fixed(b []byte) {
	e.buf.Write(b)
}

func (e *encoder) publicKey(pk PublicKey) {
	e.u8(KeyTypeED25519)
	e.fixed(pk[:])
}

func (e *encoder) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

func (e *encoder) result() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.buf.Bytes(), nil
}
