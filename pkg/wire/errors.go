package wire

import (
	"errors"
	"fmt"
)

// DecodeError marks input that failed envelope decoding, structural
// validation, or body decoding. Handlers drop such messages without a
// reply.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decode error: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err stems from undecodable input.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
