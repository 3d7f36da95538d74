// Package errcode defines the stable error taxonomy shared by every
// subsystem of comsrv (codec, transport, pool, driver, storage, routing,
// ingress, rules). Codes are comparable, allocation-free, and satisfy the
// error interface so they can be returned directly or wrapped with context
// via E.
package errcode

// Code is a stable, log- and bus-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Connection / transport (§7 ConnectionError).
const (
	ConnRefused     Code = "conn_refused"
	ConnReset       Code = "conn_reset"
	ConnClosed      Code = "conn_closed"
	ConnPoolExhaust Code = "conn_pool_exhausted"
	DialTimeout     Code = "dial_timeout"
)

// Protocol framing (§7 ProtocolError).
const (
	InvalidLength    Code = "invalid_length"
	CrcMismatch      Code = "crc_mismatch"
	BadProtocolID    Code = "bad_protocol_id"
	UnknownFunction  Code = "unknown_function"
	UnknownException Code = "unknown_exception"
	Truncated        Code = "truncated"
)

// Device-reported exception response (§7 DeviceException).
const (
	DeviceExceptionCode Code = "device_exception"
)

// Deadlines (§7 TimeoutError).
const (
	TimeoutExceeded Code = "timeout_exceeded"
)

// Configuration / mapping (§7 ConfigError).
const (
	InvalidConfig  Code = "invalid_config"
	NotMapped      Code = "not_mapped"
	DuplicatePoint Code = "duplicate_point"
	InvalidScale   Code = "invalid_scale"
)

// Storage / RTDB (§7 StorageError).
const (
	StorageUnavailable Code = "storage_unavailable"
	StorageWriteFailed Code = "storage_write_failed"
)

// Rule engine (§7 RuleError).
const (
	RuleCycle        Code = "rule_cycle"
	RuleUnknownField Code = "rule_unknown_field"
	RuleTypeMismatch Code = "rule_type_mismatch"
	RuleNodeFailed   Code = "rule_node_failed"
)

// Instance manager (§4.9 failure kinds).
const (
	InstanceNotFound Code = "instance_not_found"
	DuplicateName    Code = "duplicate_name"
	ProductNotFound  Code = "product_not_found"
	RoutingAmbiguous Code = "routing_ambiguous"
	NoRoute          Code = "no_route"
)

const (
	OK    Code = "ok"
	Error Code = "error" // generic fallback
)

// E wraps a Code with an operation name and an optional cause, preserving
// Unwrap so callers can still match sentinel errors from lower layers
// (net, redis, sqlite) alongside the stable Code.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Wrap constructs an *E for the given operation and code around a cause.
func Wrap(op string, c Code, err error) *E {
	return &E{C: c, Op: op, Err: err}
}

// WrapMsg is Wrap with an explicit message instead of a wrapped error.
func WrapMsg(op string, c Code, msg string) *E {
	return &E{C: c, Op: op, Msg: msg}
}

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	if x, ok := err.(coder); ok {
		return x.Code()
	}
	return Error
}

// Retryable reports whether a code's failure kind is worth retrying per
// spec.md §7 policy: TimeoutError and transient connection errors retry up
// to max_retries; ProtocolError and DeviceException never do.
func Retryable(c Code) bool {
	switch c {
	case TimeoutExceeded, ConnRefused, ConnReset, DialTimeout, StorageUnavailable:
		return true
	default:
		return false
	}
}
