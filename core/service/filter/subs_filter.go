// Package filter holds the cost-bounding pre-filter that runs before
// any paid classification call.
package filter

import (
	"strings"
	"unicode/utf8"

	"subs_server/core/domain"
)

// =============================================================================
// EmailFilter - keyword heuristic in front of the classifier
// =============================================================================

// bodyPrefixLen bounds the body scan; signals live near the top.
const bodyPrefixLen = 500

// Negative signals short-circuit rejection: newsletters, marketing
// blasts, shipping notices. False negatives are acceptable here.
var negativeKeywords = []string{
	"newsletter",
	"this week in",
	"digest",
	"unsubscribe from our mailing",
	"has shipped",
	"out for delivery",
	"your package",
	"tracking number",
	"order shipped",
	"flash sale",
	"% off",
	"limited time offer",
	"webinar",
	"job alert",
}

// At least one positive signal is required for the message to reach
// the classifier.
var positiveKeywords = []string{
	"subscription",
	"subscribed",
	"billing",
	"renewal",
	"renew",
	"receipt",
	"invoice",
	"payment",
	"charged",
	"membership",
	"your plan",
	"trial",
	"auto-pay",
	"recurring",
}

type EmailFilter struct{}

func NewEmailFilter() *EmailFilter {
	return &EmailFilter{}
}

// ShouldProcess decides whether the message is worth a classification
// call. Deterministic and side-effect free.
func (f *EmailFilter) ShouldProcess(email *domain.EmailContent) bool {
	subject := strings.ToLower(email.Subject)
	sender := strings.ToLower(email.Sender)

	body := strings.ToLower(truncateAtRune(email.Body, bodyPrefixLen))

	haystack := subject + " " + sender + " " + body

	for _, kw := range negativeKeywords {
		if strings.Contains(haystack, kw) {
			// A billing keyword in the subject still wins over a negative
			// match in the body, e.g. a receipt that mentions unsubscribing.
			if !containsAny(subject, positiveKeywords) {
				return false
			}
			break
		}
	}

	return containsAny(haystack, positiveKeywords)
}

// truncateAtRune caps s at max bytes, backing the cut off to a rune
// boundary so a multi-byte character is never split.
func truncateAtRune(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
