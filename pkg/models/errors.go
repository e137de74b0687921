package models

import "errors"

// Error taxonomy observable at the API surface. Protocol-level failures
// travel as Error packets carrying one of the wire codes below.
var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrInvalidPacket    = errors.New("invalid packet")
	ErrFileNotFound     = errors.New("file not found")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrTimeout          = errors.New("timeout")
)

// Wire error codes carried by Error packets.
const (
	CodeFileNotFound      = 404
	CodeTimeout           = 408
	CodeChecksumMismatch  = 409
	CodeUnsupportedFormat = 415
	CodeInsufficientSpace = 507
)
