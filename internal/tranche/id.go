package tranche

import (
	"fmt"
	"strings"

	"TrancheLedger/internal/poolerr"
)

// ID identifies one of the two tranches.
type ID int

const (
	Senior ID = iota
	Junior
)

// Count is the number of tranches in a pool.
const Count = 2

// All lists tranches in redemption priority order.
var All = [Count]ID{Senior, Junior}

func (id ID) String() string {
	switch id {
	case Senior:
		return "senior"
	case Junior:
		return "junior"
	default:
		return fmt.Sprintf("tranche(%d)", int(id))
	}
}

func (id ID) Valid() bool {
	return id == Senior || id == Junior
}

// Parse maps "senior"/"junior" (case-insensitive) to an ID.
func Parse(s string) (ID, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "senior":
		return Senior, nil
	case "junior":
		return Junior, nil
	default:
		return 0, fmt.Errorf("%q: %w", s, poolerr.ErrUnknownTranche)
	}
}

func (id ID) MarshalText() ([]byte, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("%d: %w", int(id), poolerr.ErrUnknownTranche)
	}
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
