package kiropooladmin

import (
	"strings"

	"github.com/kiropool/gatewaypool/internal/kiropool"
)

// Kind is the admin error envelope's top-level classification (spec
// §4.5/§7), derived by matching the stable Chinese fragment constants
// embedded in errors bubbled up from the refresh/usage layers.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindInvalidCredential Kind = "invalid_credential"
	KindUpstreamError    Kind = "upstream_error"
	KindInternalError    Kind = "internal_error"
)

// isNetworkError reports whether msg carries one of the transport-level
// failure fragments (spec §4.5).
func isNetworkError(msg string) bool {
	for _, frag := range kiropool.NetworkFragments() {
		if strings.Contains(strings.ToLower(msg), frag) {
			return true
		}
	}
	return false
}

// ClassifySimple classifies errors from set_disabled/set_priority/
// reset_and_enable (original_source/src/admin/service.rs's
// classify_error): a credential either exists or it doesn't, so anything
// besides a not-found fragment is an internal error.
func ClassifySimple(err error) Kind {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.Contains(msg, kiropool.FragmentNotExist) {
		return KindNotFound
	}
	return KindInternalError
}

// ClassifyBalance classifies get_balance errors (classify_balance_error):
// a balance fetch always involves an upstream refresh/usage call, so the
// refresh-failure fragments and network errors route to UpstreamError
// rather than InvalidCredential.
func ClassifyBalance(err error) Kind {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.Contains(msg, kiropool.FragmentNotExist) {
		return KindNotFound
	}
	switch {
	case strings.Contains(msg, kiropool.FragmentExpiredOrInvalid),
		strings.Contains(msg, kiropool.FragmentPermissionDenied),
		strings.Contains(msg, kiropool.FragmentRateLimited),
		strings.Contains(msg, kiropool.FragmentServerError),
		strings.Contains(msg, kiropool.FragmentRefreshFailed),
		strings.Contains(msg, kiropool.FragmentTemporarilyDown),
		isNetworkError(msg):
		return KindUpstreamError
	}
	return KindInternalError
}

// ClassifyAdd classifies add_credential errors (classify_add_error): the
// viability-refresh probe's 401/403/429 responses mean the supplied
// credential itself is bad, not that the upstream is unwell, so they
// route to InvalidCredential; only a bare network failure is
// UpstreamError.
func ClassifyAdd(err error) Kind {
	if err == nil {
		return ""
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, kiropool.FragmentMissingToken),
		strings.Contains(msg, kiropool.FragmentEmptyToken),
		strings.Contains(msg, kiropool.FragmentTruncatedToken),
		strings.Contains(msg, kiropool.FragmentCredentialExists),
		strings.Contains(msg, kiropool.FragmentDuplicateToken),
		strings.Contains(msg, kiropool.FragmentExpiredOrInvalid),
		strings.Contains(msg, kiropool.FragmentPermissionDenied),
		strings.Contains(msg, kiropool.FragmentRateLimited):
		return KindInvalidCredential
	case isNetworkError(msg):
		return KindUpstreamError
	}
	return KindInternalError
}

// ClassifyDelete classifies delete_credential errors (classify_delete_error).
func ClassifyDelete(err error) Kind {
	if err == nil {
		return ""
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, kiropool.FragmentNotExist):
		return KindNotFound
	case strings.Contains(msg, kiropool.FragmentOnlyDeleteDisabled),
		strings.Contains(msg, kiropool.FragmentDisableFirst):
		return KindInvalidCredential
	}
	return KindInternalError
}

// HTTPStatus maps a Kind to the HTTP status code the admin API returns.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNotFound:
		return 404
	case KindInvalidCredential:
		return 400
	case KindUpstreamError:
		return 502
	default:
		return 500
	}
}

// Type renders k as the error envelope's "type" field.
func (k Kind) Type() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidCredential:
		return "invalid_request"
	case KindUpstreamError:
		return "api_error"
	default:
		return "internal_error"
	}
}
