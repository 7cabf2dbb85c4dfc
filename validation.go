package knet

import (
	"errors"
	"fmt"
)

// ValidateFlags modify the behaviour of a [Validator].
type ValidateFlags uint64

const (
	// ValidateAllowMultiErrors accumulates every error instead of stopping at the first.
	ValidateAllowMultiErrors ValidateFlags = 1 << iota
	// ValidateStrict enables checks that tolerant receivers skip, such as nonzero reserved bits.
	ValidateStrict
)

func (vf ValidateFlags) has(v ValidateFlags) bool {
	return vf&v == v
}

// Validator accumulates frame validation errors. Frame types call into it
// from their ValidateSize methods.
type Validator struct {
	accum []error
	flags ValidateFlags
}

// NewValidator returns a Validator with the given flags.
func NewValidator(flags ValidateFlags) *Validator {
	return &Validator{flags: flags}
}

func (v *Validator) Flags() ValidateFlags { return v.flags }

// IsStrict reports whether strict validation was requested.
func (v *Validator) IsStrict() bool { return v.flags.has(ValidateStrict) }

func (v *Validator) ResetErr() {
	v.accum = v.accum[:0]
}

func (v *Validator) HasError() bool { return len(v.accum) != 0 }

// Err returns the accumulated errors, joined if more than one.
func (v *Validator) Err() error {
	if len(v.accum) == 1 {
		return v.accum[0]
	} else if len(v.accum) == 0 {
		return nil
	}
	return errors.Join(v.accum...)
}

// ErrPop returns the accumulated error and resets the validator.
func (v *Validator) ErrPop() error {
	err := v.Err()
	v.ResetErr()
	return err
}

// AddError records err. Nil errors are ignored. Without ValidateAllowMultiErrors
// only the first error is kept.
func (v *Validator) AddError(err error) {
	if err == nil {
		return
	} else if len(v.accum) != 0 && !v.flags.has(ValidateAllowMultiErrors) {
		return
	}
	v.accum = append(v.accum, err)
}

// AddBitPosErr records err annotated with the bit range of the offending field.
func (v *Validator) AddBitPosErr(bitStart, bitLen int, err error) {
	if err == nil || bitLen <= 0 {
		return
	} else if len(v.accum) != 0 && !v.flags.has(ValidateAllowMultiErrors) {
		return
	}
	v.accum = append(v.accum, &BitPosErr{BitStart: bitStart, BitLen: bitLen, Err: err})
}

// BitPosErr is an error located at a bit range in a header.
type BitPosErr struct {
	BitStart int
	BitLen   int
	Err      error
}

func (bpe *BitPosErr) Error() string {
	return fmt.Sprintf("%s at bits %d..%d", bpe.Err.Error(), bpe.BitStart, bpe.BitStart+bpe.BitLen)
}

func (bpe *BitPosErr) Unwrap() error { return bpe.Err }
