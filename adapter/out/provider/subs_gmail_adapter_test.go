package provider

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"subs_server/core/port/out"
)

func TestWrapError(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantCode      out.ProviderErrorCode
		wantRetryable bool
	}{
		{
			name:          "401 token expired",
			err:           &googleapi.Error{Code: 401, Message: "Invalid Credentials"},
			wantCode:      out.ProviderErrTokenExpired,
			wantRetryable: false,
		},
		{
			name:          "403 rate limit",
			err:           &googleapi.Error{Code: 403, Message: "User Rate Limit Exceeded"},
			wantCode:      out.ProviderErrRateLimit,
			wantRetryable: true,
		},
		{
			name:          "403 access denied",
			err:           &googleapi.Error{Code: 403, Message: "Insufficient Permission"},
			wantCode:      out.ProviderErrAuth,
			wantRetryable: false,
		},
		{
			name:          "404 not found",
			err:           &googleapi.Error{Code: 404, Message: "Not Found"},
			wantCode:      out.ProviderErrNotFound,
			wantRetryable: false,
		},
		{
			name:          "429 too many requests",
			err:           &googleapi.Error{Code: 429, Message: "Too Many Requests"},
			wantCode:      out.ProviderErrRateLimit,
			wantRetryable: true,
		},
		{
			name:          "503 server error",
			err:           &googleapi.Error{Code: 503, Message: "Backend Error"},
			wantCode:      out.ProviderErrServer,
			wantRetryable: true,
		},
		{
			name:          "plain network error",
			err:           errors.New("connection reset"),
			wantCode:      out.ProviderErrServer,
			wantRetryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := wrapError(tt.err, "request failed")

			provErr, ok := wrapped.(*out.ProviderError)
			if !ok {
				t.Fatalf("expected *out.ProviderError, got %T", wrapped)
			}
			if provErr.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", provErr.Code, tt.wantCode)
			}
			if provErr.IsRetryable() != tt.wantRetryable {
				t.Errorf("retryable = %v, want %v", provErr.IsRetryable(), tt.wantRetryable)
			}
			if !errors.Is(wrapped, tt.err) {
				t.Error("wrapped error should unwrap to the original")
			}
		})
	}
}

func TestWrapErrorFatal(t *testing.T) {
	expired := wrapError(&googleapi.Error{Code: 401}, "")
	if !expired.(*out.ProviderError).IsFatal() {
		t.Error("401 should be fatal")
	}

	rateLimited := wrapError(&googleapi.Error{Code: 429}, "")
	if rateLimited.(*out.ProviderError).IsFatal() {
		t.Error("429 should not be fatal")
	}
}

func TestStripHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "tags removed",
			in:   "<html><body><p>Your Netflix receipt</p></body></html>",
			want: "Your Netflix receipt",
		},
		{
			name: "entities unescaped",
			in:   "Payment &amp; receipt for &euro;9.99",
			want: "Payment & receipt for €9.99",
		},
		{
			name: "whitespace collapsed",
			in:   "<div>Total:\n\n   $15.99</div>",
			want: "Total: $15.99",
		},
		{
			name: "plain text untouched",
			in:   "no markup here",
			want: "no markup here",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripHTML(tt.in); got != tt.want {
				t.Errorf("stripHTML(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestConvertMessage(t *testing.T) {
	plainBody := base64.URLEncoding.EncodeToString([]byte("Your subscription renewed for $15.99"))
	htmlBody := base64.URLEncoding.EncodeToString([]byte("<b>Your subscription renewed</b>"))

	msg := &gmail.Message{
		Id:           "msg-1",
		InternalDate: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
		Payload: &gmail.MessagePart{
			MimeType: "multipart/alternative",
			Headers: []*gmail.MessagePartHeader{
				{Name: "Subject", Value: "Your Netflix receipt"},
				{Name: "From", Value: "billing@netflix.com"},
			},
			Parts: []*gmail.MessagePart{
				{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: htmlBody}},
				{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: plainBody}},
			},
		},
	}

	content := convertMessage(msg)

	if content.MessageID != "msg-1" {
		t.Errorf("message id = %s", content.MessageID)
	}
	if content.Subject != "Your Netflix receipt" {
		t.Errorf("subject = %s", content.Subject)
	}
	if content.Sender != "billing@netflix.com" {
		t.Errorf("sender = %s", content.Sender)
	}
	// text/plain wins over text/html
	if content.Body != "Your subscription renewed for $15.99" {
		t.Errorf("body = %q", content.Body)
	}
	if content.ReceivedAt.IsZero() {
		t.Error("received at not set")
	}
}

func TestConvertMessageHTMLFallback(t *testing.T) {
	htmlBody := base64.URLEncoding.EncodeToString([]byte("<p>Receipt for <b>$9.99</b></p>"))

	msg := &gmail.Message{
		Id: "msg-2",
		Payload: &gmail.MessagePart{
			MimeType: "text/html",
			Body:     &gmail.MessagePartBody{Data: htmlBody},
		},
	}

	content := convertMessage(msg)
	if content.Body != "Receipt for $9.99" {
		t.Errorf("body = %q", content.Body)
	}
}
