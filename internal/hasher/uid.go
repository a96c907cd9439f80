package hasher

import (
	"math/big"

	"github.com/google/uuid"
)

// UIDRoot is the UUID-derived root every minted pseudonymous UID sits
// under. Hospital UIDs never use it.
const UIDRoot = "2.25."

// NewStudyUID mints a fresh DICOM UID under UIDRoot. The UUID's 128 bits
// render as a decimal integer, so the result is at most 44 characters and
// has no leading zero components.
func NewStudyUID() string {
	id := uuid.New()
	n := new(big.Int).SetBytes(id[:])
	return UIDRoot + n.String()
}
