package googleauth

import (
	"context"
	"errors"
	"net/http"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"github.com/linnemanlabs/steward/internal/triage"
)

// quota reasons Google reports with a 403
var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
}

// MapError classifies a Google API or OAuth failure for the triage
// controller. Credential failures become auth errors regardless of kind.
func MapError(kind triage.Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil && re.Response.StatusCode >= 500 {
			return triage.TransientError(kind, op, err)
		}
		return triage.AuthError(op, err)
	}

	var ge *googleapi.Error
	if errors.As(err, &ge) {
		switch {
		case ge.Code == http.StatusTooManyRequests:
			return triage.RateLimitError(kind, op, err)
		case ge.Code == http.StatusForbidden && isRateLimit(ge):
			return triage.RateLimitError(kind, op, err)
		case ge.Code == http.StatusUnauthorized || ge.Code == http.StatusForbidden:
			return triage.AuthError(op, err)
		case ge.Code >= 500:
			return triage.TransientError(kind, op, err)
		default:
			return triage.PermanentError(kind, op, err)
		}
	}

	if errors.Is(err, context.Canceled) {
		return err
	}
	return triage.TransientError(kind, op, err)
}

func isRateLimit(ge *googleapi.Error) bool {
	for _, item := range ge.Errors {
		if rateLimitReasons[item.Reason] {
			return true
		}
	}
	return false
}

// IsNotFound reports whether err is a Google API 404.
func IsNotFound(err error) bool {
	var ge *googleapi.Error
	return errors.As(err, &ge) && ge.Code == http.StatusNotFound
}
