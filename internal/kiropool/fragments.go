package kiropool

// Stable error-message fragments (spec §4.1/§4.5/§7). These are the
// interlingua between the refresher/usage layers and the admin layer:
// lower layers embed these exact substrings in returned error messages,
// and kiropooladmin pattern-matches them for classification. Preserved
// verbatim from the upstream contract so any external consumer relying on
// the admin error envelope keeps working.
const (
	FragmentExpiredOrInvalid  = "凭证已过期或无效"
	FragmentPermissionDenied  = "权限不足"
	FragmentRateLimited       = "已被限流"
	FragmentServerError       = "服务器错误"
	FragmentTemporarilyDown   = "暂时不可用"
	FragmentRefreshFailed     = "Token 刷新失败"
	FragmentNotExist          = "不存在"
	FragmentMissingToken      = "缺少 refreshToken"
	FragmentEmptyToken        = "refreshToken 为空或过短"
	FragmentTruncatedToken    = "refreshToken 已被截断"
	FragmentCredentialExists  = "凭据已存在"
	FragmentDuplicateToken    = "refreshToken 重复"
	FragmentOnlyDeleteDisabled = "只能删除已禁用的凭据"
	FragmentDisableFirst      = "请先禁用凭据"
)

// networkFragments are substrings indicating a transport-level failure
// rather than an upstream application error, used by the UpstreamError
// classification branch (spec §4.5).
var networkFragments = []string{
	"error trying to connect",
	"connection",
	"timeout",
	"timed out",
}

// NetworkFragments exposes networkFragments to kiropooladmin's classifier.
func NetworkFragments() []string { return networkFragments }
