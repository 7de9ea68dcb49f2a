package authentication

import (
	"errors"
	"fmt"
	"unicode"
)

// ErrorCode classifies why a cipher-mode operation or a command was rejected.
type ErrorCode int

const (
	errCodeOk ErrorCode = iota
	errCodeMalformed
	errCodeInvalidSignature
	errCodeAddressViolation
	errCodeFlashFailure
	errCodeNotBlockAligned
	errCodeBusy
	errCodeInternal
	errCodeBadParameter
)

// Exported aliases so other packages can classify errors without reaching into the enumeration.
const (
	CodeOk               = errCodeOk
	CodeMalformed        = errCodeMalformed
	CodeInvalidSignature = errCodeInvalidSignature
	CodeAddressViolation = errCodeAddressViolation
	CodeFlashFailure     = errCodeFlashFailure
	CodeNotBlockAligned  = errCodeNotBlockAligned
	CodeBusy             = errCodeBusy
	CodeInternal         = errCodeInternal
	CodeBadParameter     = errCodeBadParameter
)

var errCodeNames = map[ErrorCode]string{
	errCodeOk:               "ERROR_NONE",
	errCodeMalformed:        "ERROR_MALFORMED",
	errCodeInvalidSignature: "ERROR_INVALID_SIGNATURE",
	errCodeAddressViolation: "ERROR_ADDRESS_VIOLATION",
	errCodeFlashFailure:     "ERROR_FLASH_FAILURE",
	errCodeNotBlockAligned:  "ERROR_NOT_BLOCK_ALIGNED",
	errCodeBusy:             "ERROR_BUSY",
	errCodeInternal:         "ERROR_INTERNAL",
	errCodeBadParameter:     "ERROR_BAD_PARAMETER",
}

func (c ErrorCode) String() string {
	if name, ok := errCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ERROR_UNKNOWN_%d", int(c))
}

// errCodeString returns a CamelCase error string for code.
func errCodeString(code ErrorCode) string {
	// "ERROR_INVALID_SIGNATURE" -> "InvalidSignature"
	const prefix = "ERROR_"
	allCaps := code.String()[len(prefix):]
	camelCase := make([]rune, 0, len(allCaps))
	upperNext := true
	for _, b := range allCaps {
		if b == '_' {
			upperNext = true
			continue
		}
		if upperNext {
			camelCase = append(camelCase, b)
			upperNext = false
		} else {
			camelCase = append(camelCase, unicode.ToLower(b))
		}
	}
	return string(camelCase)
}

// Error represents a protocol-layer error.
type Error struct {
	Code ErrorCode
	Info string
}

func newError(code ErrorCode, info string) error {
	return &Error{code, info}
}

// NewError returns an *Error with the provided code and description.
func NewError(code ErrorCode, info string) error {
	return newError(code, info)
}

func (e Error) Error() string {
	if e.Info == "" {
		return errCodeString(e.Code)
	}
	return fmt.Sprintf("%s: %s", errCodeString(e.Code), e.Info)
}

// Is matches any *Error carrying the same code, which lets callers compare against the exported
// sentinel values with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// CodeOf extracts the ErrorCode carried by err, returning CodeInternal for foreign errors and
// CodeOk for nil.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return errCodeOk
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return errCodeInternal
}
