package punchdht

import (
	"errors"

	"punchdht/internal/proto"
)

var (
	ErrPeerNotFound      = errors.New("punchdht: peer not found")
	ErrInvalidSignature  = errors.New("punchdht: invalid signature")
	ErrSeqReused         = errors.New("punchdht: seq reused")
	ErrSeqTooLow         = errors.New("punchdht: seq too low")
	ErrHolepunchAborted  = errors.New("punchdht: holepunch aborted")
	ErrHolepunchTimeout  = errors.New("punchdht: holepunch timed out")
	ErrDestroyed         = errors.New("punchdht: destroyed")
	ErrServerClosed      = errors.New("punchdht: server closed")
	ErrValueTooLarge     = errors.New("punchdht: value too large")
)

// errorFromCode maps a typed wire error to its sentinel.
func errorFromCode(code int) error {
	switch code {
	case proto.ErrorSeqReused:
		return ErrSeqReused
	case proto.ErrorSeqTooLow:
		return ErrSeqTooLow
	case proto.ErrorInvalidSignature:
		return ErrInvalidSignature
	case proto.ErrorPeerNotFound:
		return ErrPeerNotFound
	case proto.ErrorHolepunchAborted:
		return ErrHolepunchAborted
	case proto.ErrorHolepunchTimeout:
		return ErrHolepunchTimeout
	default:
		return nil
	}
}
