package core

import (
	"fmt"

	"github.com/segmentio/ksuid"
)

// ID is a K-sortable unique identifier used for history events, snapshots
// and execution contexts.
type ID string

func NewID() ID {
	return ID(ksuid.New().String())
}

func ParseID(s string) (ID, error) {
	if _, err := ksuid.Parse(s); err != nil {
		return "", fmt.Errorf("invalid id %q: %w", s, err)
	}
	return ID(s), nil
}

func (i ID) String() string {
	return string(i)
}

func (i ID) IsZero() bool {
	return i == ""
}
