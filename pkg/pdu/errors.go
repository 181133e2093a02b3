package pdu

import "errors"

var (
	// ErrTimeout is returned when a frame round trip expires after
	// the configured retries are exhausted.
	ErrTimeout = errors.New("pdu round trip timed out")
	// ErrCreateFrame is returned when every frame slot is in use.
	ErrCreateFrame = errors.New("no free frame slot")
	// ErrSwarmedPduIndices is returned when all 256 pdu indices are
	// reserved by in-flight frames.
	ErrSwarmedPduIndices = errors.New("all pdu indices are reserved")
	ErrTooManyPdus       = errors.New("frame already holds the maximum number of pdus")
	ErrFrameFull         = errors.New("pdu does not fit in remaining frame capacity")
	ErrPduTooLong        = errors.New("pdu payload exceeds frame capacity")
	ErrInvalidIndex      = errors.New("pdu index does not belong to this frame")
	ErrAlreadyTaken      = errors.New("pdu was already taken from received frame")
	ErrInvalidFrame      = errors.New("malformed ethercat frame")
	ErrEmptyFrame        = errors.New("frame holds no pdus")
)
