package near

import (
	"errors"
	"fmt"
)

var ErrInvalidAccountID = errors.New("invalid account id")

// ValidateAccountID checks the chain's account id rules: 2-64 chars of
// [a-z0-9], separated by single '.', '-' or '_'.
func ValidateAccountID(id string) error {
	if len(id) < 2 || len(id) > 64 {
		return fmt.Errorf("%w: %q length", ErrInvalidAccountID, id)
	}
	prevSep := true
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			prevSep = false
		case c == '.' || c == '-' || c == '_':
			if prevSep {
				return fmt.Errorf("%w: %q", ErrInvalidAccountID, id)
			}
			prevSep = true
		default:
			return fmt.Errorf("%w: %q", ErrInvalidAccountID, id)
		}
	}
	if prevSep {
		return fmt.Errorf("%w: %q", ErrInvalidAccountID, id)
	}
	return nil
}
