// Package provider implements the mailbox MessageSource against the
// Gmail API.
package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"subs_server/core/domain"
	"subs_server/core/port/out"
	"subs_server/pkg/httputil"
	"subs_server/pkg/retry"
)

// =============================================================================
// Gmail Message Source
// =============================================================================

const (
	fetchChunkSize     = 50
	fetchParallelism   = 5
	interChunkDelay    = 200 * time.Millisecond
	perMessageTimeout  = 15 * time.Second
	listPageSize       = 100
	lookbackIncrement  = 24 * time.Hour
	lookbackOnboarding = 6 * 30 * 24 * time.Hour
)

type GmailSource struct {
	tokens    out.TokenSourcePort
	cb        *gobreaker.CircuitBreaker
	retryOpts retry.Options
	log       zerolog.Logger
}

func NewGmailSource(tokens out.TokenSourcePort, log zerolog.Logger) *GmailSource {
	cbSettings := gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	}

	return &GmailSource{
		tokens:    tokens,
		cb:        gobreaker.NewCircuitBreaker(cbSettings),
		retryOpts: retry.DefaultOptions(),
		log:       log,
	}
}

var _ out.MessageSourcePort = (*GmailSource)(nil)

// service builds a Gmail client using the tuned shared HTTP client.
func (g *GmailSource) service(ctx context.Context, conn *domain.Connection) (*gmail.Service, error) {
	accessToken, err := g.tokens.AccessToken(ctx, conn)
	if err != nil {
		return nil, err
	}

	clientCtx := context.WithValue(ctx, oauth2.HTTPClient, httputil.GmailClient())
	httpClient := oauth2.NewClient(clientCtx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return svc, nil
}

// execute runs one API call through the circuit breaker and the
// bounded backoff loop.
func (g *GmailSource) execute(ctx context.Context, defaultMsg string, op func() error) error {
	return retry.Do(ctx, func() error {
		_, err := g.cb.Execute(func() (any, error) {
			return nil, op()
		})
		if err == nil {
			return nil
		}
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return out.NewProviderError("gmail", out.ProviderErrNetwork, "circuit breaker open", err, true)
		}
		return wrapError(err, defaultMsg)
	}, g.retryOpts)
}

// =============================================================================
// ListSince
// =============================================================================

// ListSince resolves candidate ids via the history API when a cursor
// exists, falling back to a date query when the cursor is stale. The
// fallback never fails the sync.
func (g *GmailSource) ListSince(ctx context.Context, conn *domain.Connection, window out.ListWindow) ([]string, error) {
	svc, err := g.service(ctx, conn)
	if err != nil {
		return nil, err
	}

	if conn.HasHistoryCursor() && window.Mode != domain.SyncInitial {
		ids, err := g.listHistory(ctx, svc, conn.HistoryID, window.MaxResults)
		if err == nil {
			return ids, nil
		}
		// A 404 from history.List means the cursor expired and a
		// full re-listing is required.
		if !(isProviderCode(err, out.ProviderErrSyncRequired) || isProviderCode(err, out.ProviderErrNotFound)) {
			return nil, err
		}
		g.log.Info().Int64("connection_id", conn.ID).
			Msg("history cursor stale, falling back to date query")
	}

	return g.listByDate(ctx, svc, conn, window)
}

func (g *GmailSource) listHistory(ctx context.Context, svc *gmail.Service, historyID string, maxResults int) ([]string, error) {
	var startID uint64
	fmt.Sscanf(historyID, "%d", &startID)

	var ids []string
	seen := make(map[string]bool)
	pageToken := ""

	for {
		var resp *gmail.ListHistoryResponse
		err := g.execute(ctx, "failed to list history", func() error {
			req := svc.Users.History.List("me").StartHistoryId(startID).
				HistoryTypes("messageAdded").MaxResults(listPageSize)
			if pageToken != "" {
				req = req.PageToken(pageToken)
			}
			var callErr error
			resp, callErr = req.Context(ctx).Do()
			return callErr
		})
		if err != nil {
			return nil, err
		}

		for _, h := range resp.History {
			for _, added := range h.MessagesAdded {
				if !seen[added.Message.Id] {
					seen[added.Message.Id] = true
					ids = append(ids, added.Message.Id)
				}
			}
		}

		if resp.NextPageToken == "" || (maxResults > 0 && len(ids) >= maxResults) {
			break
		}
		pageToken = resp.NextPageToken
	}

	if maxResults > 0 && len(ids) > maxResults {
		ids = ids[:maxResults]
	}
	return ids, nil
}

func (g *GmailSource) listByDate(ctx context.Context, svc *gmail.Service, conn *domain.Connection, window out.ListWindow) ([]string, error) {
	since := conn.LastSyncAt
	if since.IsZero() {
		lookback := lookbackIncrement
		if window.Mode == domain.SyncInitial {
			lookback = lookbackOnboarding
		}
		since = time.Now().Add(-lookback)
	}

	query := fmt.Sprintf("after:%s", since.Format("2006/01/02"))

	var ids []string
	pageToken := ""

	for {
		var resp *gmail.ListMessagesResponse
		err := g.execute(ctx, "failed to list messages", func() error {
			req := svc.Users.Messages.List("me").Q(query).MaxResults(listPageSize)
			if pageToken != "" {
				req = req.PageToken(pageToken)
			}
			var callErr error
			resp, callErr = req.Context(ctx).Do()
			return callErr
		})
		if err != nil {
			return nil, err
		}

		for _, msg := range resp.Messages {
			ids = append(ids, msg.Id)
		}

		if resp.NextPageToken == "" || (window.MaxResults > 0 && len(ids) >= window.MaxResults) {
			break
		}
		pageToken = resp.NextPageToken
	}

	if window.MaxResults > 0 && len(ids) > window.MaxResults {
		ids = ids[:window.MaxResults]
	}
	return ids, nil
}

// =============================================================================
// Fetch
// =============================================================================

// Fetch retrieves one message in full format.
func (g *GmailSource) Fetch(ctx context.Context, conn *domain.Connection, messageID string) (*domain.EmailContent, error) {
	svc, err := g.service(ctx, conn)
	if err != nil {
		return nil, err
	}
	return g.fetchWith(ctx, svc, messageID)
}

func (g *GmailSource) fetchWith(ctx context.Context, svc *gmail.Service, messageID string) (*domain.EmailContent, error) {
	var msg *gmail.Message
	err := g.execute(ctx, "failed to get message", func() error {
		msgCtx, cancel := context.WithTimeout(ctx, perMessageTimeout)
		defer cancel()
		var callErr error
		msg, callErr = svc.Users.Messages.Get("me", messageID).Format("full").Context(msgCtx).Do()
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return convertMessage(msg), nil
}

// BatchFetch fetches ids in fixed chunks with bounded parallelism and
// a short inter-chunk delay. One id's failure never aborts the batch.
func (g *GmailSource) BatchFetch(ctx context.Context, conn *domain.Connection, ids []string) *out.BatchResult {
	result := &out.BatchResult{}
	if len(ids) == 0 {
		return result
	}

	svc, err := g.service(ctx, conn)
	if err != nil {
		// No service means nothing can be fetched; report the same
		// error per id so the caller sees fatal auth failures.
		for _, id := range ids {
			result.Failed = append(result.Failed, out.FetchFailure{MessageID: id, Err: err})
		}
		return result
	}

	for start := 0; start < len(ids); start += fetchChunkSize {
		end := start + fetchChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		g.fetchChunk(ctx, svc, ids[start:end], result)

		if end < len(ids) {
			select {
			case <-ctx.Done():
				return result
			case <-time.After(interChunkDelay):
			}
		}
	}
	return result
}

func (g *GmailSource) fetchChunk(ctx context.Context, svc *gmail.Service, ids []string, result *out.BatchResult) {
	type fetched struct {
		index   int
		content *domain.EmailContent
		err     error
	}

	results := make(chan fetched, len(ids))
	sem := make(chan struct{}, fetchParallelism)
	var wg sync.WaitGroup

	for i, id := range ids {
		wg.Add(1)
		go func(idx int, messageID string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results <- fetched{index: idx, err: ctx.Err()}
				return
			}

			content, err := g.fetchWith(ctx, svc, messageID)
			results <- fetched{index: idx, content: content, err: err}
		}(i, id)
	}

	wg.Wait()
	close(results)

	// Preserve input order for the successful set
	ordered := make([]*fetched, len(ids))
	for r := range results {
		rc := r
		ordered[r.index] = &rc
	}
	for i, r := range ordered {
		if r == nil {
			continue
		}
		if r.err != nil {
			result.Failed = append(result.Failed, out.FetchFailure{MessageID: ids[i], Err: r.err})
			continue
		}
		result.Successful = append(result.Successful, r.content)
	}
}

// CurrentCursor reads the mailbox's present history id.
func (g *GmailSource) CurrentCursor(ctx context.Context, conn *domain.Connection) (string, error) {
	svc, err := g.service(ctx, conn)
	if err != nil {
		return "", err
	}

	var profile *gmail.Profile
	err = g.execute(ctx, "failed to get profile", func() error {
		var callErr error
		profile, callErr = svc.Users.GetProfile("me").Context(ctx).Do()
		return callErr
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", profile.HistoryId), nil
}

// =============================================================================
// Message conversion
// =============================================================================

func convertMessage(msg *gmail.Message) *domain.EmailContent {
	content := &domain.EmailContent{MessageID: msg.Id}

	if msg.Payload != nil {
		content.Subject = getHeader(msg.Payload.Headers, "Subject")
		content.Sender = getHeader(msg.Payload.Headers, "From")
		content.Body = extractBody(msg.Payload)
	}
	if msg.InternalDate > 0 {
		content.ReceivedAt = time.UnixMilli(msg.InternalDate)
	}
	return content
}

func getHeader(headers []*gmail.MessagePartHeader, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// extractBody prefers text/plain; HTML parts are tag-stripped.
func extractBody(payload *gmail.MessagePart) string {
	plain := findPart(payload, "text/plain")
	if plain != "" {
		return plain
	}
	if htmlBody := findPart(payload, "text/html"); htmlBody != "" {
		return stripHTML(htmlBody)
	}
	return ""
}

func findPart(part *gmail.MessagePart, mimeType string) string {
	if part == nil {
		return ""
	}
	if part.MimeType == mimeType && part.Body != nil && part.Body.Data != "" {
		if data, err := base64.URLEncoding.DecodeString(part.Body.Data); err == nil {
			return string(data)
		}
	}
	for _, p := range part.Parts {
		if body := findPart(p, mimeType); body != "" {
			return body
		}
	}
	return ""
}

// stripHTML removes tags and unescapes entities. Crude but sufficient
// for keyword filtering and classification input.
func stripHTML(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			b.WriteRune(' ')
		case !inTag:
			b.WriteRune(r)
		}
	}

	text := html.UnescapeString(b.String())
	return strings.Join(strings.Fields(text), " ")
}

// =============================================================================
// Error mapping
// =============================================================================

func wrapError(err error, defaultMsg string) error {
	if err == nil {
		return nil
	}

	if apiErr, ok := err.(*googleapi.Error); ok {
		switch apiErr.Code {
		case 401:
			return out.NewProviderError("gmail", out.ProviderErrTokenExpired, "token expired", err, false)
		case 403:
			if strings.Contains(apiErr.Message, "Rate Limit") || strings.Contains(apiErr.Message, "rateLimitExceeded") {
				return out.NewProviderError("gmail", out.ProviderErrRateLimit, "rate limit exceeded", err, true)
			}
			return out.NewProviderError("gmail", out.ProviderErrAuth, "access denied", err, false)
		case 404:
			return out.NewProviderError("gmail", out.ProviderErrNotFound, "not found", err, false)
		case 429:
			return out.NewProviderError("gmail", out.ProviderErrRateLimit, "too many requests", err, true)
		case 500, 502, 503:
			return out.NewProviderError("gmail", out.ProviderErrServer, "server error", err, true)
		}
	}

	return out.NewProviderError("gmail", out.ProviderErrServer, defaultMsg, err, true)
}

func isProviderCode(err error, code out.ProviderErrorCode) bool {
	if provErr, ok := err.(*out.ProviderError); ok {
		return provErr.Code == code
	}
	return false
}
