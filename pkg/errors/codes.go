package errors

// ErrorCodeInfo contains metadata about an error code.
type ErrorCodeInfo struct {
	Code            ErrorCode
	Retryable       bool
	Description     string
	SuggestedAction string
}

// ErrorCodeRegistry maps error codes to their metadata. Only rate limits,
// 500/503 responses, timeouts and connection resets are retryable.
var ErrorCodeRegistry = map[ErrorCode]ErrorCodeInfo{
	ErrRateLimit: {
		Code:            ErrRateLimit,
		Retryable:       true,
		Description:     "Provider rate limit exceeded (HTTP 429)",
		SuggestedAction: "Retried automatically; check provider quota if it persists",
	},
	ErrServerError: {
		Code:            ErrServerError,
		Retryable:       true,
		Description:     "Provider internal error (HTTP 500)",
		SuggestedAction: "Retried automatically; re-run the session if retries were exhausted",
	},
	ErrServiceUnavailable: {
		Code:            ErrServiceUnavailable,
		Retryable:       true,
		Description:     "Provider temporarily unavailable (HTTP 503)",
		SuggestedAction: "Check provider status page, then minutesctl process --session <id>",
	},
	ErrTimeout: {
		Code:            ErrTimeout,
		Retryable:       true,
		Description:     "Provider call timed out",
		SuggestedAction: "Check network path to provider and HTTP client timeout",
	},
	ErrConnectionReset: {
		Code:            ErrConnectionReset,
		Retryable:       true,
		Description:     "Connection reset by provider",
		SuggestedAction: "Retried automatically",
	},
	ErrBadRequest: {
		Code:            ErrBadRequest,
		Retryable:       false,
		Description:     "Provider rejected the request (HTTP 400)",
		SuggestedAction: "Inspect the recording or prompt size for this session",
	},
	ErrAuthFailed: {
		Code:            ErrAuthFailed,
		Retryable:       false,
		Description:     "Provider rejected credentials (HTTP 401/403)",
		SuggestedAction: "Rotate the provider API key in the environment",
	},
	ErrProviderRejected: {
		Code:            ErrProviderRejected,
		Retryable:       false,
		Description:     "Provider returned a non-retryable status",
		SuggestedAction: "Check logs for the provider response body",
	},
	ErrContextCancelled: {
		Code:            ErrContextCancelled,
		Retryable:       false,
		Description:     "Operation cancelled",
		SuggestedAction: "Re-run the session if cancellation was not intentional",
	},
	ErrParseError: {
		Code:            ErrParseError,
		Retryable:       false,
		Description:     "Provider response did not match the expected schema",
		SuggestedAction: "No action; the stage produces no data",
	},
	ErrConfigMissing: {
		Code:            ErrConfigMissing,
		Retryable:       false,
		Description:     "Required configuration value missing",
		SuggestedAction: "Set the named environment variable and restart",
	},
	ErrProcessingError: {
		Code:            ErrProcessingError,
		Retryable:       false,
		Description:     "Unclassified processing error",
		SuggestedAction: "Check logs for the session id",
	},
}

// IsRetryable returns true if the given error code represents a transient, retryable error.
func IsRetryable(code ErrorCode) bool {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.Retryable
	}
	return false
}

// GetSuggestedAction returns the suggested action for the given error code.
func GetSuggestedAction(code ErrorCode) string {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.SuggestedAction
	}
	return "Check logs for the session id"
}

// GetDescription returns the human-readable description for the given error code.
func GetDescription(code ErrorCode) string {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.Description
	}
	return "Unknown error"
}
