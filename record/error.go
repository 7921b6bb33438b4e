package record

import (
	"fmt"

	"github.com/alexhholmes/gendb/internal/base"
)

var (
	ErrTypeMismatch = fmt.Errorf("%w: type mismatch", base.ErrConstraintViolation)
	ErrNotNull      = fmt.Errorf("%w: null value in not-null column", base.ErrConstraintViolation)
	ErrRowEncoding  = fmt.Errorf("%w: malformed row encoding", base.ErrConstraintViolation)
	ErrSchema       = fmt.Errorf("%w: invalid schema", base.ErrConstraintViolation)
)
