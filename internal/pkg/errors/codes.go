package errors

// Error code constants. Errors carry code + message; logs are always
// in English and codes are stable for operators and counters.

// Transient codes.
const (
	CodeBusTimeout    = "BUS_TIMEOUT"
	CodeBusOverflow   = "BUS_OVERFLOW"
	CodeKVUnavailable = "KV_UNAVAILABLE"
	CodeDBDeadlock    = "DB_DEADLOCK"
	CodeDBError       = "DB_ERROR"
	CodeLockContended = "LOCK_CONTENDED"
)

// Semantic codes.
const (
	CodeClaimLost = "CLAIM_LOST"
	CodeNotFound  = "NOT_FOUND"
	CodeDuplicate = "DUPLICATE"
)

// Protocol codes.
const (
	CodeBadQuery   = "BAD_QUERY"
	CodeBadPayload = "BAD_PAYLOAD"
	CodeBadConfig  = "BAD_CONFIG"
)

// Fatal codes.
const (
	CodeEndpointBindFailed = "ENDPOINT_BIND_FAILED"
	CodePoolExhausted      = "POOL_EXHAUSTED"
)
