// Package dedup decides whether a freshly classified subscription
// already exists for a mailbox.
package dedup

import (
	"math"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"

	"subs_server/core/domain"
)

// =============================================================================
// DeduplicationService - exact and fuzzy vendor matching
// =============================================================================

const (
	DefaultNameThreshold   = 0.8
	DefaultEmailThreshold  = 0.9
	DefaultAmountTolerance = 0.01
)

// Corporate suffixes carry no identity for matching purposes.
var corporateSuffixes = map[string]bool{
	"inc":     true,
	"llc":     true,
	"ltd":     true,
	"corp":    true,
	"co":      true,
	"company": true,
	"gmbh":    true,
}

type Service struct {
	nameThreshold   float64
	emailThreshold  float64
	amountTolerance float64
}

func NewService() *Service {
	return &Service{
		nameThreshold:   DefaultNameThreshold,
		emailThreshold:  DefaultEmailThreshold,
		amountTolerance: DefaultAmountTolerance,
	}
}

// NewServiceWithThresholds allows config-driven thresholds.
func NewServiceWithThresholds(name, email, amount float64) *Service {
	s := NewService()
	if name > 0 {
		s.nameThreshold = name
	}
	if email > 0 {
		s.emailThreshold = email
	}
	if amount > 0 {
		s.amountTolerance = amount
	}
	return s
}

// IsDuplicate reports whether candidate and existing describe the same
// vendor relationship. Pure and synchronous; the caller narrows the
// existing set before invoking it.
func (s *Service) IsDuplicate(candidate, existing *domain.Subscription) bool {
	candName := NormalizeVendor(candidate.VendorName)
	existName := NormalizeVendor(existing.VendorName)
	if candName == "" || existName == "" {
		return false
	}

	candEmail := normalizeEmail(candidate.VendorEmail)
	existEmail := normalizeEmail(existing.VendorEmail)

	// Exact match: normalized name and email both equal
	if candName == existName && candEmail != "" && candEmail == existEmail {
		return true
	}

	// Fuzzy match: every applicable sub-check must pass; missing
	// fields are skipped, not treated as mismatches.
	if similarity(candName, existName) < s.nameThreshold {
		return false
	}
	if candEmail != "" && existEmail != "" {
		if similarity(candEmail, existEmail) < s.emailThreshold {
			return false
		}
	}
	if candidate.Amount > 0 && existing.Amount > 0 {
		if math.Abs(candidate.Amount-existing.Amount) > s.amountTolerance {
			return false
		}
	}
	return true
}

// FindDuplicate returns the first existing subscription the candidate
// duplicates, or nil.
func (s *Service) FindDuplicate(candidate *domain.Subscription, existing []*domain.Subscription) *domain.Subscription {
	for _, e := range existing {
		if s.IsDuplicate(candidate, e) {
			return e
		}
	}
	return nil
}

// NormalizeVendor lowercases, strips punctuation, collapses whitespace
// and drops corporate suffixes.
func NormalizeVendor(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		default:
			// Punctuation collapses into a separator so "netflix,inc"
			// still splits into two words.
			b.WriteRune(' ')
		}
	}

	words := strings.Fields(b.String())
	kept := words[:0]
	for _, w := range words {
		if !corporateSuffixes[w] {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// similarity returns an edit-distance ratio in [0,1].
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	maxLen := len([]rune(a))
	if l := len([]rune(b)); l > maxLen {
		maxLen = l
	}
	if maxLen == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(maxLen)
}
