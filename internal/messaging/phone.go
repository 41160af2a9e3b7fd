package messaging

import (
	"regexp"
	"strings"
)

var phoneDigitsRe = regexp.MustCompile(`\d+`)

// CountryPolicy rewrites a digits-only number into the directory key form.
type CountryPolicy interface {
	Canonicalize(digits string) string
}

// TrunkPrefixPolicy replaces a national trunk prefix with a calling code when the
// number has exactly NationalDigits digits (e.g. 0821234567 -> 27821234567).
type TrunkPrefixPolicy struct {
	CallingCode    string
	TrunkPrefix    string
	NationalDigits int
}

// DefaultCountryPolicy matches local South African dialing.
var DefaultCountryPolicy = TrunkPrefixPolicy{CallingCode: "27", TrunkPrefix: "0", NationalDigits: 10}

// NewTrunkPrefixPolicy builds a policy from configuration, filling gaps from DefaultCountryPolicy.
func NewTrunkPrefixPolicy(callingCode string, nationalDigits int) TrunkPrefixPolicy {
	p := DefaultCountryPolicy
	if code := sanitizePhone(callingCode); code != "" {
		p.CallingCode = code
	}
	if nationalDigits > 0 {
		p.NationalDigits = nationalDigits
	}
	return p
}

// Canonicalize implements CountryPolicy.
func (p TrunkPrefixPolicy) Canonicalize(digits string) string {
	if p.CallingCode == "" || p.TrunkPrefix == "" {
		return digits
	}
	if len(digits) == p.NationalDigits && strings.HasPrefix(digits, p.TrunkPrefix) {
		return p.CallingCode + strings.TrimPrefix(digits, p.TrunkPrefix)
	}
	return digits
}

// PhoneNormalizer produces the directory key used for every phone comparison.
// Sender numbers and stored user/agent numbers must go through the same instance.
type PhoneNormalizer struct {
	policy CountryPolicy
}

// NewPhoneNormalizer returns a normalizer; a nil policy uses DefaultCountryPolicy.
func NewPhoneNormalizer(policy CountryPolicy) *PhoneNormalizer {
	if policy == nil {
		policy = DefaultCountryPolicy
	}
	return &PhoneNormalizer{policy: policy}
}

// Normalize strips every non-digit and applies the country policy. It is idempotent.
func (n *PhoneNormalizer) Normalize(raw string) string {
	digits := sanitizePhone(strings.TrimSpace(raw))
	if digits == "" {
		return ""
	}
	policy := CountryPolicy(DefaultCountryPolicy)
	if n != nil && n.policy != nil {
		policy = n.policy
	}
	return policy.Canonicalize(digits)
}

// LookupForms returns the normalized key and its "+"-prefixed variant.
//
// Stored lead and user phones were written by several paths with inconsistent
// formatting, so lookups match both forms. Once every write site normalizes,
// only the first form is needed.
func (n *PhoneNormalizer) LookupForms(raw string) []string {
	key := n.Normalize(raw)
	if key == "" {
		return nil
	}
	return []string{key, "+" + key}
}

// SamePhone reports whether two raw numbers share a directory key.
func (n *PhoneNormalizer) SamePhone(a, b string) bool {
	ka, kb := n.Normalize(a), n.Normalize(b)
	return ka != "" && ka == kb
}

// NormalizeE164 ensures the value begins with + and only contains digits afterward.
func NormalizeE164(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	digits := sanitizePhone(value)
	if digits == "" {
		return ""
	}
	return "+" + digits
}

func sanitizePhone(value string) string {
	if value == "" {
		return ""
	}
	digits := phoneDigitsRe.FindAllString(value, -1)
	return strings.Join(digits, "")
}
