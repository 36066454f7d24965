package protocol

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// NewShortID returns a 16-character hex id used for trace, node and parallel
// group identifiers.
func NewShortID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:8])
}
