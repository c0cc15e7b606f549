package domain

import "errors"

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrNotFound        = errors.New("contract not found")
	ErrBadState        = errors.New("bad state")
	ErrEscrowNotFunded = errors.New("escrow not funded")
	// ErrAlreadySettled guards against double settlement. Settling moves a
	// contract out of Delivered, so no operation currently returns it.
	ErrAlreadySettled = errors.New("already settled")

	// ErrInvalidArgument rejects malformed input before any state is read.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Code is the stable numeric code of a contract error kind.
type Code int

const (
	CodeNone            Code = 0
	CodeUnauthorized    Code = 1
	CodeNotFound        Code = 2
	CodeBadState        Code = 3
	CodeEscrowNotFunded Code = 4
	CodeAlreadySettled  Code = 5
)

func (c Code) String() string {
	switch c {
	case CodeUnauthorized:
		return "unauthorized"
	case CodeNotFound:
		return "not_found"
	case CodeBadState:
		return "bad_state"
	case CodeEscrowNotFunded:
		return "escrow_not_funded"
	case CodeAlreadySettled:
		return "already_settled"
	}
	return "none"
}

// CodeOf returns the code of the contract error kind wrapped by err, or
// CodeNone when err is not one of them.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeNone
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrBadState):
		return CodeBadState
	case errors.Is(err, ErrEscrowNotFunded):
		return CodeEscrowNotFunded
	case errors.Is(err, ErrAlreadySettled):
		return CodeAlreadySettled
	}
	return CodeNone
}
