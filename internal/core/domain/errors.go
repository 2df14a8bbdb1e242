package domain

import (
	"errors"
	"fmt"
)

var (
	ErrCovenantNotFound = errors.New("covenant not found")
	ErrCovenantExists   = errors.New("covenant with same output script already exists")
)

type ErrInvalidTransition struct {
	From CovenantStatus
	To   CovenantStatus
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid covenant status transition %s -> %s", e.From, e.To)
}
