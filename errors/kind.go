package errors

// Kind classifies an error for retry and HTTP/WS response purposes.
type Kind string

const (
	KindTransport   Kind = "transport"
	KindAuth        Kind = "auth"
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindRateLimited Kind = "rate_limited"
	KindUpstream    Kind = "upstream"
	KindTimeout     Kind = "timeout"
	KindCancelled   Kind = "cancelled"
	KindInternal    Kind = "internal"
)

// Retryable reports whether errors of this kind should generally be retried.
// Timeout and Upstream are retryable by default; Validation, Auth, and
// NotFound are not.
func (k Kind) Retryable() bool {
	switch k {
	case KindTimeout, KindUpstream, KindTransport, KindRateLimited:
		return true
	default:
		return false
	}
}

// Classified wraps an error with a Kind, a caller-supplied retryable
// override, and an optional human-readable Message. It carries no structured
// detail payload.
type Classified struct {
	cause     error
	Kind      Kind
	Retryable bool
	Message   string
}

func (c *Classified) Error() string {
	if c.Message != "" {
		return c.Message
	}
	return c.cause.Error()
}

func (c *Classified) Unwrap() error { return c.cause }

// Classify wraps err with the given Kind, defaulting Retryable to the Kind's
// usual policy. Callers that know better (e.g. a worker explicitly marking a
// cancellation as non-retryable) pass an explicit override via WithRetryable.
func Classify(kind Kind, err error) *Classified {
	return &Classified{cause: err, Kind: kind, Retryable: kind.Retryable(), Message: err.Error()}
}

// WithRetryable overrides the default retry policy for this classified error.
func (c *Classified) WithRetryable(retryable bool) *Classified {
	c.Retryable = retryable
	return c
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Classified, otherwise returns KindInternal.
func KindOf(err error) Kind {
	var c *Classified
	if As(err, &c) {
		return c.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err should be retried, consulting the wrapped
// Classified's override if present, otherwise the Kind's default policy.
func IsRetryable(err error) bool {
	var c *Classified
	if As(err, &c) {
		return c.Retryable
	}
	return false
}
