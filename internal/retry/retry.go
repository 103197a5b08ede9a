package retry

import (
	"context"
	"errors"
	"strings"
	"time"
)

// =============================================================================
// Cooldown Policy
// =============================================================================

// Cooldown controls how long a rate-limited key stays out of rotation.
// The window after the k-th failure is Base * min(k, CapMultiplier).
type Cooldown struct {
	Base          time.Duration `json:"base"`
	CapMultiplier int           `json:"capMultiplier"`
}

// DefaultCooldown returns a 60 second base window capped at 5x.
func DefaultCooldown() Cooldown {
	return Cooldown{
		Base:          60 * time.Second,
		CapMultiplier: 5,
	}
}

// Validate checks that all Cooldown fields are within acceptable ranges.
func (c Cooldown) Validate() error {
	if c.Base <= 0 {
		return errors.New("retry: cooldown Base must be > 0")
	}
	if c.CapMultiplier < 1 {
		return errors.New("retry: cooldown CapMultiplier must be >= 1")
	}
	return nil
}

// Window returns the cooldown duration for a key that has failed errorCount
// times. errorCount below 1 is treated as 1.
func (c Cooldown) Window(errorCount int) time.Duration {
	m := errorCount
	if m < 1 {
		m = 1
	}
	if m > c.CapMultiplier {
		m = c.CapMultiplier
	}
	return c.Base * time.Duration(m)
}

// ResetTime returns the moment a key that has failed errorCount times becomes
// eligible again.
func (c Cooldown) ResetTime(now time.Time, errorCount int) time.Time {
	return now.Add(c.Window(errorCount))
}

// =============================================================================
// Error Classification
// =============================================================================

// Class is the bucket a transport rejection is attributed to.
type Class int

const (
	// ClassInvalidCredential also absorbs every failure the classifier cannot
	// attribute to rate limiting, including network and payload errors.
	ClassInvalidCredential Class = iota
	ClassRateLimited
)

func (c Class) String() string {
	switch c {
	case ClassRateLimited:
		return "rate_limited"
	default:
		return "invalid_credential"
	}
}

// Verdict is the result of classifying a rejection. ResetAt, when set, is an
// explicit cooldown end taken from the error (e.g. a Retry-After header).
type Verdict struct {
	Class   Class
	ResetAt *time.Time
}

// Classifier decides how a synchronous transport rejection is attributed to
// the active credential.
type Classifier interface {
	Classify(err error) Verdict
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(err error) Verdict

func (f ClassifierFunc) Classify(err error) Verdict { return f(err) }

// RetryAfterHinter is implemented by errors that carry a server-provided
// cooldown hint.
type RetryAfterHinter interface {
	RetryAfterHint() time.Duration
}

// rateLimitMarkers are matched case-insensitively against the error message.
var rateLimitMarkers = []string{"429", "quota", "rate limit"}

// IsRateLimit returns true when the error message indicates HTTP 429, quota
// exhaustion or rate limiting.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range rateLimitMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// IsCanceled returns true for context cancellation and deadline errors. These
// are caused by the caller and are never attributed to a credential.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// HeuristicClassifier is the default Classifier: rate-limit when the message
// matches a rate-limit marker, otherwise invalid credential. It has no third
// bucket, so unrelated failures also count against the key.
type HeuristicClassifier struct {
	nowFunc func() time.Time
}

// NewHeuristicClassifier returns the default substring-based classifier.
func NewHeuristicClassifier() *HeuristicClassifier {
	return &HeuristicClassifier{nowFunc: time.Now}
}

// Classify implements Classifier.
func (h *HeuristicClassifier) Classify(err error) Verdict {
	if !IsRateLimit(err) {
		return Verdict{Class: ClassInvalidCredential}
	}
	v := Verdict{Class: ClassRateLimited}
	var hint RetryAfterHinter
	if errors.As(err, &hint) {
		if d := hint.RetryAfterHint(); d > 0 {
			now := time.Now
			if h != nil && h.nowFunc != nil {
				now = h.nowFunc
			}
			at := now().Add(d)
			v.ResetAt = &at
		}
	}
	return v
}

// Compile-time check that HeuristicClassifier implements Classifier.
var _ Classifier = (*HeuristicClassifier)(nil)
