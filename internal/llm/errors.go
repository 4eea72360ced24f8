package llm

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/dlclark/regexp2"
	"github.com/tmc/langchaingo/llms/openai"
)

var (
	ErrAuth        = errors.New("provider authentication failed")
	ErrRateLimited = errors.New("provider rate limit exceeded")
	ErrTimeout     = errors.New("provider timed out")
	ErrUpstream    = errors.New("provider request failed")
)

// ProviderError carries one of the Err* kinds alongside the cause.
type ProviderError struct {
	Kind error
	Err  error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Err.Error()
}

func (e *ProviderError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Code is the short machine-readable name of the error kind.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "upstream"
	}
}

// langchaingo's openai client reports HTTP failures as
// "API returned unexpected status code: 401: <message>".
var statusCodeRE = regexp2.MustCompile(`status code:?\s*(\d{3})`, regexp2.IgnoreCase)

// Classify maps a provider or transport error onto a ProviderError.
// ctx is the request context; its expiry is reported as ErrTimeout even
// if the client surfaced it as a generic transport error.
func Classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}

	kind := ErrUpstream
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		kind = ErrTimeout
	case errors.Is(err, openai.ErrMissingToken):
		kind = ErrAuth
	default:
		switch statusCode(err.Error()) {
		case 401, 403:
			kind = ErrAuth
		case 429:
			kind = ErrRateLimited
		case 408, 504:
			kind = ErrTimeout
		default:
			msg := strings.ToLower(err.Error())
			switch {
			case strings.Contains(msg, "invalid_api_key"), strings.Contains(msg, "incorrect api key"):
				kind = ErrAuth
			case strings.Contains(msg, "rate limit"):
				kind = ErrRateLimited
			case strings.Contains(msg, "timeout"):
				kind = ErrTimeout
			}
		}
	}
	return &ProviderError{Kind: kind, Err: err}
}

func statusCode(msg string) int {
	m, err := statusCodeRE.FindStringMatch(msg)
	if err != nil || m == nil {
		return 0
	}
	code, err := strconv.Atoi(m.GroupByNumber(1).String())
	if err != nil {
		return 0
	}
	return code
}
