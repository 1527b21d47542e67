package anthropic

import (
	"errors"

	sdk "github.com/anthropics/anthropic-sdk-go"
)

// StatusCode extracts the HTTP status from an SDK API error, or 0 when
// the error did not come from an HTTP response.
func StatusCode(err error) int {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		return apierr.StatusCode
	}
	return 0
}

// IsRateLimit reports whether the service rejected the call for quota
// reasons. 529 (overloaded) is treated the same as 429: the credential
// should back off and the caller should reselect.
func IsRateLimit(err error) bool {
	switch StatusCode(err) {
	case 429, 529:
		return true
	default:
		return false
	}
}
