package schema

import (
	"fmt"

	fserrors "github.com/feedsync/feedsync/internal/errors"
	"github.com/feedsync/feedsync/pkg/types"
)

// MaxIdentifierLength is the PostgreSQL identifier limit; SQLite accepts it too.
const MaxIdentifierLength = 63

// ValidIdentifier checks if a lower-cased table or column name can be used
// in generated SQL without escaping beyond reserved-word quoting.
func ValidIdentifier(name string) bool {
	if len(name) == 0 || len(name) > MaxIdentifierLength {
		return false
	}
	// First character must be a letter or underscore
	first := name[0]
	if (first < 'a' || first > 'z') && first != '_' {
		return false
	}
	for i := 1; i < len(name); i++ {
		c := name[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '_' {
			return false
		}
	}
	return true
}

// ValidateSchema returns an INVALID_IDENTIFIER error naming the first bad identifier.
func ValidateSchema(s types.Schema) error {
	if !ValidIdentifier(s.Table) {
		return fserrors.NewValidationError(fserrors.CodeInvalidIdentifier,
			fmt.Sprintf("invalid table name %q", s.Table))
	}
	for _, c := range s.Columns {
		if !ValidIdentifier(c.Name) {
			return fserrors.NewValidationError(fserrors.CodeInvalidIdentifier,
				fmt.Sprintf("invalid column name %q in table %s", c.Name, s.Table))
		}
	}
	return nil
}
