// internal/service/channel/channel.go
package channel

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"duka-service/internal/domain/payment"
	xerrors "duka-service/internal/pkg/errors"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// RawRequest is an inbound webhook as received, before any parsing.
type RawRequest struct {
	Header http.Header
	Query  url.Values
	// RawQuery is the query string exactly as sent, for signatures over it.
	RawQuery string
	Body     []byte
	RemoteIP string
}

// Adapter turns one provider's payload into a CanonicalEvent. Its Keyer half
// decides the event log key and which correlation hints the reconciler sees.
type Adapter interface {
	payment.Keyer
	Channel() payment.Channel
	// Authenticate rejects requests that did not come from the provider.
	Authenticate(req *RawRequest) error
	// Normalize parses and validates the payload. Failures wrap xerrors.ErrValidation
	// unless a lookup needed by the adapter hit storage.
	Normalize(ctx context.Context, req *RawRequest) (*payment.CanonicalEvent, error)
}

// Registry holds one adapter per channel.
type Registry struct {
	adapters map[payment.Channel]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[payment.Channel]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Channel()] = a
	}
	return r
}

func (r *Registry) Get(ch payment.Channel) (Adapter, error) {
	a, ok := r.adapters[ch]
	if !ok {
		return nil, fmt.Errorf("no adapter for channel %s: %w", ch, xerrors.ErrNotFound)
	}
	return a, nil
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// validateEvent runs the struct tags of CanonicalEvent and reports the first
// failing field as a ValidationError.
func validateEvent(ev *payment.CanonicalEvent) error {
	err := structValidator().Struct(ev)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return xerrors.NewValidation(verrs[0].Field(), "failed "+verrs[0].Tag())
	}
	return xerrors.NewValidation("", err.Error())
}

// ToMinor converts a major-unit amount to integer minor units. Fractions of a
// minor unit and negative amounts are rejected.
func ToMinor(amount decimal.Decimal) (int64, error) {
	if amount.IsNegative() {
		return 0, xerrors.NewValidation("amount", "must not be negative")
	}
	minor := amount.Shift(2)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, xerrors.NewValidation("amount", "more than two decimal places")
	}
	return minor.IntPart(), nil
}

// tokenMatches compares a shared secret in constant time. An unset secret
// never matches.
func tokenMatches(expected, got string) bool {
	if expected == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

func webhookToken(req *RawRequest) string {
	if t := req.Header.Get("X-Webhook-Token"); t != "" {
		return t
	}
	return req.Query.Get("token")
}

var referencePattern = regexp.MustCompile(`^([A-Z]+)-?0*(\d{1,9})$`)

// NormalizeReference canonicalises a typed account reference. Anything that
// looks like PREFIX-N becomes PREFIX-NNNN; other input is trimmed and upper-cased.
func NormalizeReference(ref, prefix string) string {
	r := strings.ToUpper(strings.Join(strings.Fields(ref), ""))
	m := referencePattern.FindStringSubmatch(r)
	if m == nil || m[1] != strings.ToUpper(prefix) {
		return r
	}
	n := strings.TrimLeft(m[2], "0")
	if n == "" {
		n = "0"
	}
	if len(n) < 4 {
		n = strings.Repeat("0", 4-len(n)) + n
	}
	return m[1] + "-" + n
}
