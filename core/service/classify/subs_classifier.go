// Package classify turns one email into a structured subscription
// detection via a single LLM call.
package classify

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"

	"subs_server/core/domain"
	"subs_server/core/port/out"
	"subs_server/pkg/logger"
	"subs_server/pkg/retry"
)

// =============================================================================
// ClassificationService
// =============================================================================

const (
	DefaultConfidenceThreshold = 0.7
	maxBodyChars               = 2000
	llmTemperature             = 0.1
	llmMaxTokens               = 500
)

const systemPrompt = `You are an email classifier that detects subscription and recurring billing relationships.
Given one email, respond with a single JSON object and nothing else:
{"is_subscription": bool, "vendor": string, "vendor_email": string, "email_type": string, "amount": number, "currency": string, "billing_cycle": string, "confidence": number}
email_type is one of: payment_confirmation, renewal_notice, trial_ending, price_change, cancellation, other.
billing_cycle is one of: monthly, yearly, weekly, quarterly, unknown.
confidence is your probability (0-1) that the classification is correct.
If the email is not about a subscription or recurring payment, set is_subscription to false and leave the other fields empty.`

// Fixed worked examples keep the output shape stable.
const fewShotExamples = `Example 1:
Subject: Your Netflix payment was processed
From: billing@netflix.com
Body: We charged $15.99 to your Visa ending 4242. Your next billing date is March 15, 2024.
Output: {"is_subscription": true, "vendor": "Netflix", "vendor_email": "billing@netflix.com", "email_type": "payment_confirmation", "amount": 15.99, "currency": "USD", "billing_cycle": "monthly", "confidence": 0.95}

Example 2:
Subject: This week in tech
From: newsletter@techcrunch.com
Body: The biggest stories of the week from the startup world.
Output: {"is_subscription": false, "vendor": "", "vendor_email": "", "email_type": "other", "amount": 0, "currency": "", "billing_cycle": "unknown", "confidence": 0.9}

Example 3:
Subject: Your annual plan renews soon
From: no-reply@dropbox.com
Body: Your Dropbox Plus plan ($119.88/year) will renew automatically on June 1, 2024.
Output: {"is_subscription": true, "vendor": "Dropbox", "vendor_email": "no-reply@dropbox.com", "email_type": "renewal_notice", "amount": 119.88, "currency": "USD", "billing_cycle": "yearly", "confidence": 0.93}`

// Pacer optionally throttles calls against a shared rate budget.
// Denial means wait, never failure.
type Pacer interface {
	Wait(ctx context.Context, key string) error
}

// UsageRecorder receives token usage per call. Must never block or
// fail the classification outcome.
type UsageRecorder interface {
	Record(model string, promptTokens, completionTokens int)
}

type Service struct {
	completer           out.ChatCompleter
	pacer               Pacer
	usage               UsageRecorder
	model               string
	confidenceThreshold float64
	retryOpts           retry.Options
}

func NewService(completer out.ChatCompleter, model string, confidenceThreshold float64) *Service {
	if confidenceThreshold <= 0 {
		confidenceThreshold = DefaultConfidenceThreshold
	}
	return &Service{
		completer:           completer,
		model:               model,
		confidenceThreshold: confidenceThreshold,
		retryOpts:           retry.DefaultOptions(),
	}
}

// WithPacer attaches an optional shared rate limiter.
func (s *Service) WithPacer(p Pacer) *Service {
	s.pacer = p
	return s
}

// WithUsageRecorder attaches an optional cost tracker.
func (s *Service) WithUsageRecorder(u UsageRecorder) *Service {
	s.usage = u
	return s
}

// Classify runs one email through the LLM. Malformed output and
// below-threshold confidence degrade to a non-detection; only transport
// failures surface as errors.
func (s *Service) Classify(ctx context.Context, email *domain.EmailContent) (*domain.ClassificationResult, error) {
	if s.pacer != nil {
		if err := s.pacer.Wait(ctx, "llm:classify"); err != nil {
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}
	}

	req := out.ChatRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   s.buildPrompt(email),
		Temperature:  llmTemperature,
		MaxTokens:    llmMaxTokens,
	}

	var resp *out.ChatResponse
	err := retry.Do(ctx, func() error {
		var callErr error
		resp, callErr = s.completer.Complete(ctx, req)
		return callErr
	}, s.retryOpts)
	if err != nil {
		return nil, fmt.Errorf("llm completion: %w", err)
	}

	if s.usage != nil {
		s.usage.Record(s.model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}

	result, ok := parseResult(resp.Content)
	if !ok {
		logger.Warn("[ClassificationService.Classify] Unparseable output for message %s, treating as non-detection", email.MessageID)
		return &domain.ClassificationResult{IsSubscription: false}, nil
	}

	if result.IsSubscription && result.Confidence < s.confidenceThreshold {
		logger.Debug("[ClassificationService.Classify] Confidence %.2f below threshold %.2f for vendor %q",
			result.Confidence, s.confidenceThreshold, result.Vendor)
		return &domain.ClassificationResult{IsSubscription: false, Confidence: result.Confidence}, nil
	}

	return result, nil
}

func (s *Service) buildPrompt(email *domain.EmailContent) string {
	// Cut to a rune boundary; a split multi-byte character would put
	// invalid UTF-8 in the prompt
	body := email.Body
	if len(body) > maxBodyChars {
		cut := maxBodyChars
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut]
	}

	var date string
	if !email.ReceivedAt.IsZero() {
		date = email.ReceivedAt.Format(time.RFC1123)
	}

	var b strings.Builder
	b.WriteString(fewShotExamples)
	b.WriteString("\n\nNow classify this email:\nSubject: ")
	b.WriteString(email.Subject)
	b.WriteString("\nFrom: ")
	b.WriteString(email.Sender)
	if date != "" {
		b.WriteString("\nDate: ")
		b.WriteString(date)
	}
	b.WriteString("\nBody: ")
	b.WriteString(body)
	b.WriteString("\nOutput:")
	return b.String()
}

// parseResult tolerates fenced code blocks around the JSON object.
func parseResult(content string) (*domain.ClassificationResult, bool) {
	cleaned := strings.TrimSpace(content)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var result domain.ClassificationResult
	if err := json.Unmarshal([]byte(cleaned), &result); err != nil {
		return nil, false
	}

	if result.IsSubscription && strings.TrimSpace(result.Vendor) == "" {
		// A detection without a vendor is unusable downstream
		return nil, false
	}
	return &result, true
}
