package tally

import (
	"errors"
	"fmt"
)

// Таксономия ошибок адаптера: сетевые (connect/timeout) ретраятся выше,
// протокольные (отказ шлюза, битый XML) — нет.
var (
	ErrConnect  = errors.New("tally gateway unreachable")
	ErrTimeout  = errors.New("tally gateway timed out")
	ErrProtocol = errors.New("tally gateway rejected request")
	ErrParse    = errors.New("tally response malformed")
	ErrNotFound = errors.New("entity not found in tally")
)

// ProtocolError протокольный отказ с текстом из LINEERROR
type ProtocolError struct {
	Line string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("tally gateway rejected request: %s", e.Line)
}

func (e *ProtocolError) Unwrap() error {
	return ErrProtocol
}
