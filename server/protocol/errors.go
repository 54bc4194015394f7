package protocol

import (
	"errors"
	"fmt"
)

// parse failure reasons, all surfaced wrapped in *ParseError
var (
	ErrBadRequestLine   = errors.New("malformed request line")
	ErrBadMethod        = errors.New("method not in allow list")
	ErrBadVersion       = errors.New("unsupported http version")
	ErrBadHeader        = errors.New("malformed header line")
	ErrBadContentLength = errors.New("invalid content-length")
	ErrBadChunk         = errors.New("invalid chunk framing")
	ErrHeaderTooLarge   = errors.New("header section too large")
	ErrBodyTooLarge     = errors.New("body exceeds limit")
	ErrUnexpectedEOF    = errors.New("connection closed mid request")
)

// ParseError wraps one of the reasons above. After a ParseError the parser
// is dead; the caller answers 400 (413 for ErrBodyTooLarge) and closes.
type ParseError struct {
	Reason error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("protocol: %v", e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Reason }

func parseErr(reason error) error {
	return &ParseError{Reason: reason}
}
