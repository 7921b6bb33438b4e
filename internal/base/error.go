package base

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every layer. Specific errors wrap one of the four
// categories so callers can branch with errors.Is.
var (
	ErrStorage             = errors.New("storage failure")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrCorruption          = errors.New("data corruption detected")
	ErrReplicationGap      = errors.New("replication gap")
)

var (
	ErrInvalidOffset      = fmt.Errorf("%w: invalid offset: out of bounds", ErrCorruption)
	ErrInvalidMagicNumber = fmt.Errorf("%w: invalid magic number", ErrCorruption)
	ErrInvalidVersion     = fmt.Errorf("%w: invalid format version", ErrCorruption)
	ErrInvalidPageSize    = fmt.Errorf("%w: invalid page size", ErrCorruption)
	ErrInvalidChecksum    = fmt.Errorf("%w: invalid checksum", ErrCorruption)
	ErrPageOverflow       = errors.New("page overflow")

	ErrDuplicateKey = fmt.Errorf("%w: duplicate key", ErrConstraintViolation)
	ErrKeyTooLarge  = fmt.Errorf("%w: key too large", ErrConstraintViolation)
	ErrKeyEmpty     = fmt.Errorf("%w: key cannot be empty", ErrConstraintViolation)
	ErrKeyNotFound  = errors.New("key not found")
)
