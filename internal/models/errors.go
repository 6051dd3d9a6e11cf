package models

import "errors"

var (
	ErrInvalidStake        = errors.New("invalid stake")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidState        = errors.New("invalid round state")
	ErrAlreadyResolved     = errors.New("round already resolved")
	ErrAlreadySettled      = errors.New("round already settled")
	ErrIntegrityViolation  = errors.New("integrity violation")
	ErrRoundExpired        = errors.New("round expired")
	ErrTransient           = errors.New("transient storage failure")

	ErrNotFound      = errors.New("not found")
	ErrNotTerminal   = errors.New("round not terminal")
	ErrRoundInFlight = errors.New("another round is in flight")
	ErrInvalidParams = errors.New("invalid game parameters")
	ErrGameDisabled  = errors.New("game disabled")
	ErrForbidden     = errors.New("forbidden")
)
