package payway

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// MaxTranIDLen is the gateway's hard limit on transaction id length. This is
// an external protocol constraint; ids longer than this are rejected.
const MaxTranIDLen = 20

const tranIDPrefix = "BK"

// NewTranID derives a transaction id for one payment attempt: "BK" plus the
// booking id for traceability, then a unique alphanumeric suffix. When the
// prefix plus suffix would exceed the limit the suffix is truncated, never
// the booking id, so correlation back to the booking always survives.
func NewTranID(bookingID int64) string {
	prefix := tranIDPrefix + strconv.FormatInt(bookingID, 10)
	room := MaxTranIDLen - len(prefix)
	if room <= 0 {
		return prefix[:MaxTranIDLen]
	}

	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	if len(suffix) > room {
		suffix = suffix[:room]
	}
	return prefix + suffix
}
