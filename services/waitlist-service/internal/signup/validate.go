package signup

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/alatar/waitlist/services/waitlist-service/internal/apperr"
)

// nonSpace matches one character that is not whitespace in the ECMAScript
// sense: tab, line breaks, \v, \f, the Unicode space separators, the line and
// paragraph separators and the BOM. RE2's \S only excludes ASCII whitespace.
const nonSpace = `[^\t\n\v\f\r\p{Zs}\x{2028}\x{2029}\x{FEFF}]`

// emailPattern is loose: something, an @, something, a dot, something.
var emailPattern = regexp.MustCompile(nonSpace + `+@` + nonSpace + `+\.` + nonSpace + `+`)

var (
	ErrEmailMissing = errors.New("email is required")
	ErrEmailType    = errors.New("email must be a string")
	ErrEmailShape   = errors.New("email does not look like an address")
)

// ValidateEmail checks a value taken straight off the wire and returns it as
// a string. The address is not normalized: lookups are exact and case-sensitive.
func ValidateEmail(raw any) (string, error) {
	const op = "signup.validate"

	if raw == nil {
		return "", apperr.E(apperr.Validation, op, ErrEmailMissing)
	}
	email, ok := raw.(string)
	if !ok {
		return "", apperr.E(apperr.Validation, op, fmt.Errorf("%w, got %T", ErrEmailType, raw))
	}
	if email == "" {
		return "", apperr.E(apperr.Validation, op, ErrEmailMissing)
	}
	if !emailPattern.MatchString(email) {
		return "", apperr.E(apperr.Validation, op, ErrEmailShape)
	}
	return email, nil
}
