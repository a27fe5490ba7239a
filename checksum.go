package nbdc

import (
	"crypto/sha256"

	"github.com/lab47/nbdc/pkg/entropy"
	"github.com/mr-tron/base58"
)

// rangeSum is a short printable digest of b used in trace logs. All-zero
// ranges report "0".
func rangeSum(b []byte) string {
	if entropy.IsZero(b) {
		return "0"
	}

	x := sha256.Sum256(b)
	return base58.Encode(x[:])
}
