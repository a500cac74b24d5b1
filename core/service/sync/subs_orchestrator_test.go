package sync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"subs_server/core/domain"
	"subs_server/core/port/out"
	"subs_server/core/service/dedup"
	"subs_server/core/service/filter"
	"subs_server/core/service/jobqueue"
	"subs_server/core/service/progress"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeConnRepo struct {
	mu    sync.Mutex
	conns map[int64]*domain.Connection
}

func newFakeConnRepo(conns ...*domain.Connection) *fakeConnRepo {
	r := &fakeConnRepo{conns: make(map[int64]*domain.Connection)}
	for _, c := range conns {
		r.conns[c.ID] = c
	}
	return r
}

func (r *fakeConnRepo) GetByID(ctx context.Context, id int64) (*domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return nil, out.ErrNotFound
	}
	clone := *c
	return &clone, nil
}

func (r *fakeConnRepo) ListActive(ctx context.Context) ([]*domain.Connection, error) {
	return nil, nil
}

func (r *fakeConnRepo) AdvanceCursor(ctx context.Context, id int64, historyID string, lastSyncAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[id]
	c.HistoryID = historyID
	c.LastSyncAt = lastSyncAt
	return nil
}

func (r *fakeConnRepo) UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiry time.Time) error {
	return nil
}

func (r *fakeConnRepo) SetActive(ctx context.Context, id int64, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[id].IsActive = active
	return nil
}

type fakeProcessedRepo struct {
	mu   sync.Mutex
	rows map[string]*domain.ProcessedEmail
}

func newFakeProcessedRepo() *fakeProcessedRepo {
	return &fakeProcessedRepo{rows: make(map[string]*domain.ProcessedEmail)}
}

func (r *fakeProcessedRepo) Insert(ctx context.Context, email *domain.ProcessedEmail) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rows[email.MessageID]; exists {
		return false, nil
	}
	clone := *email
	r.rows[email.MessageID] = &clone
	return true, nil
}

func (r *fakeProcessedRepo) Exists(ctx context.Context, messageID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rows[messageID]
	return ok, nil
}

func (r *fakeProcessedRepo) FilterUnprocessed(ctx context.Context, ids []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var fresh []string
	for _, id := range ids {
		// Errored rows count as unprocessed so the next run retries them
		if row, ok := r.rows[id]; !ok || row.Error != "" {
			fresh = append(fresh, id)
		}
	}
	return fresh, nil
}

func (r *fakeProcessedRepo) AttachResult(ctx context.Context, messageID string, isSubscription bool, confidence float64, vendor, emailType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[messageID]
	if !ok {
		return out.ErrNotFound
	}
	row.IsSubscription = isSubscription
	row.Confidence = confidence
	row.Vendor = vendor
	row.EmailType = emailType
	row.Error = ""
	return nil
}

func (r *fakeProcessedRepo) ListByConnection(ctx context.Context, connectionID int64, limit, offset int) ([]*domain.ProcessedEmail, error) {
	return nil, nil
}

func (r *fakeProcessedRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

func (r *fakeProcessedRepo) get(messageID string) *domain.ProcessedEmail {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows[messageID]
}

type fakeSubRepo struct {
	mu   sync.Mutex
	subs []*domain.Subscription
	next int64
}

func (r *fakeSubRepo) Insert(ctx context.Context, sub *domain.Subscription) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	clone := *sub
	clone.ID = r.next
	r.subs = append(r.subs, &clone)
	return clone.ID, nil
}

func (r *fakeSubRepo) FindCandidates(ctx context.Context, connectionID int64, vendorPrefix string) ([]*domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*domain.Subscription
	for _, s := range r.subs {
		if s.ConnectionID != connectionID {
			continue
		}
		if vendorPrefix == "" || strings.HasPrefix(dedup.NormalizeVendor(s.VendorName), vendorPrefix) {
			clone := *s
			result = append(result, &clone)
		}
	}
	return result, nil
}

func (r *fakeSubRepo) ListByConnection(ctx context.Context, connectionID int64) ([]*domain.Subscription, error) {
	return r.FindCandidates(ctx, connectionID, "")
}

func (r *fakeSubRepo) GetByID(ctx context.Context, id int64) (*domain.Subscription, error) {
	return nil, out.ErrNotFound
}

func (r *fakeSubRepo) Update(ctx context.Context, sub *domain.Subscription) error { return nil }

func (r *fakeSubRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// fakeJobRepo mirrors the storage-level single-flight guarantee.
type fakeJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*domain.SyncJob
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: make(map[string]*domain.SyncJob)}
}

func (r *fakeJobRepo) InsertIfIdle(ctx context.Context, job *domain.SyncJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.jobs {
		if existing.ConnectionID == job.ConnectionID && !existing.Status.IsTerminal() {
			return out.ErrDuplicate
		}
	}
	clone := *job
	r.jobs[job.ID] = &clone
	return nil
}

func (r *fakeJobRepo) GetByID(ctx context.Context, id string) (*domain.SyncJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, out.ErrNotFound
	}
	clone := *job
	return &clone, nil
}

func (r *fakeJobRepo) ListByConnection(ctx context.Context, connectionID int64, limit int) ([]*domain.SyncJob, error) {
	return nil, nil
}

func (r *fakeJobRepo) ListByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.SyncJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*domain.SyncJob
	for _, job := range r.jobs {
		if job.Status == status {
			clone := *job
			result = append(result, &clone)
		}
	}
	return result, nil
}

func (r *fakeJobRepo) UpdateStatus(ctx context.Context, id string, status domain.JobStatus, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return out.ErrNotFound
	}
	if job.Status.IsTerminal() {
		return out.ErrConflict
	}
	job.Status = status
	job.ErrorMessage = errorMessage
	if status == domain.JobRunning {
		job.StartedAt = time.Now()
	}
	if status.IsTerminal() {
		job.CompletedAt = time.Now()
	}
	return nil
}

func (r *fakeJobRepo) UpdateCounters(ctx context.Context, id string, c domain.JobCounters) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return out.ErrNotFound
	}
	job.ApplyCounters(c)
	return nil
}

func (r *fakeJobRepo) FailStuck(ctx context.Context, cutoff time.Time, errorMessage string) (int64, error) {
	return 0, nil
}

func (r *fakeJobRepo) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// fakeSource serves a fixed set of emails and optional per-id failures.
type fakeSource struct {
	emails   map[string]*domain.EmailContent
	failWith map[string]error
	cursor   string
}

func (s *fakeSource) ListSince(ctx context.Context, conn *domain.Connection, window out.ListWindow) ([]string, error) {
	var ids []string
	for id := range s.emails {
		ids = append(ids, id)
	}
	for id := range s.failWith {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *fakeSource) Fetch(ctx context.Context, conn *domain.Connection, messageID string) (*domain.EmailContent, error) {
	if err, ok := s.failWith[messageID]; ok {
		return nil, err
	}
	return s.emails[messageID], nil
}

func (s *fakeSource) BatchFetch(ctx context.Context, conn *domain.Connection, ids []string) *out.BatchResult {
	result := &out.BatchResult{}
	for _, id := range ids {
		if err, ok := s.failWith[id]; ok {
			result.Failed = append(result.Failed, out.FetchFailure{MessageID: id, Err: err})
			continue
		}
		if email, ok := s.emails[id]; ok {
			result.Successful = append(result.Successful, email)
		}
	}
	return result
}

func (s *fakeSource) CurrentCursor(ctx context.Context, conn *domain.Connection) (string, error) {
	if s.cursor == "" {
		return "", errors.New("no cursor")
	}
	return s.cursor, nil
}

// stubClassifier returns canned results keyed by message id.
type stubClassifier struct {
	mu      sync.Mutex
	results map[string]*domain.ClassificationResult
	errs    map[string]error
	calls   []string
}

func (c *stubClassifier) Classify(ctx context.Context, email *domain.EmailContent) (*domain.ClassificationResult, error) {
	c.mu.Lock()
	c.calls = append(c.calls, email.MessageID)
	c.mu.Unlock()
	if err, ok := c.errs[email.MessageID]; ok {
		return nil, err
	}
	if r, ok := c.results[email.MessageID]; ok {
		return r, nil
	}
	return &domain.ClassificationResult{IsSubscription: false}, nil
}

func (c *stubClassifier) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	orch       *Orchestrator
	connRepo   *fakeConnRepo
	processed  *fakeProcessedRepo
	subs       *fakeSubRepo
	source     *fakeSource
	classifier *stubClassifier
	jobs       *jobqueue.Service
	jobRepo    *fakeJobRepo
	tracker    *progress.Tracker
}

func newHarness(source *fakeSource, classifier *stubClassifier) *harness {
	connRepo := newFakeConnRepo(&domain.Connection{
		ID:        1,
		Provider:  domain.ProviderGmail,
		Email:     "user@example.com",
		HistoryID: "old-cursor",
		IsActive:  true,
	})
	processed := newFakeProcessedRepo()
	subs := &fakeSubRepo{}
	jobRepo := newFakeJobRepo()
	jobs := jobqueue.NewService(jobRepo)
	tracker := progress.NewTracker()

	orch := NewOrchestrator(
		connRepo, processed, subs, source,
		filter.NewEmailFilter(), classifier, dedup.NewService(),
		jobs, tracker,
	)
	return &harness{
		orch: orch, connRepo: connRepo, processed: processed,
		subs: subs, source: source, classifier: classifier,
		jobs: jobs, jobRepo: jobRepo, tracker: tracker,
	}
}

func netflixEmail() *domain.EmailContent {
	return &domain.EmailContent{
		MessageID:  "netflix-1",
		Subject:    "Your Netflix payment was processed",
		Sender:     "billing@netflix.com",
		Body:       "We charged $15.99. Next billing date March 15, 2024.",
		ReceivedAt: time.Now(),
	}
}

func newsletterEmail() *domain.EmailContent {
	return &domain.EmailContent{
		MessageID:  "newsletter-1",
		Subject:    "This week in tech",
		Sender:     "newsletter@techcrunch.com",
		Body:       "The biggest stories of the week.",
		ReceivedAt: time.Now(),
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestRunSyncScenarioA(t *testing.T) {
	source := &fakeSource{
		emails: map[string]*domain.EmailContent{"netflix-1": netflixEmail()},
		cursor: "cursor-2",
	}
	classifier := &stubClassifier{results: map[string]*domain.ClassificationResult{
		"netflix-1": {
			IsSubscription: true,
			Vendor:         "Netflix",
			VendorEmail:    "billing@netflix.com",
			Amount:         15.99,
			Currency:       "USD",
			BillingCycle:   "monthly",
			Confidence:     0.95,
		},
	}}
	h := newHarness(source, classifier)

	result, err := h.orch.RunSync(context.Background(), 1, domain.SyncManual)
	if err != nil {
		t.Fatalf("RunSync failed: %v", err)
	}

	if result.SubscriptionsFound != 1 || result.ProcessedEmails != 1 || result.ErrorCount != 0 {
		t.Errorf("unexpected result: %+v", result)
	}
	if h.subs.count() != 1 {
		t.Fatalf("expected 1 subscription, got %d", h.subs.count())
	}
	sub := h.subs.subs[0]
	if sub.VendorName != "Netflix" || sub.Amount != 15.99 || sub.BillingCycle != domain.BillingMonthly || sub.Status != domain.SubscriptionActive {
		t.Errorf("unexpected subscription: %+v", sub)
	}

	row := h.processed.get("netflix-1")
	if row == nil || !row.IsSubscription || row.Vendor != "Netflix" {
		t.Errorf("unexpected processed row: %+v", row)
	}

	// Cursor advanced on success
	conn, _ := h.connRepo.GetByID(context.Background(), 1)
	if conn.HistoryID != "cursor-2" {
		t.Errorf("cursor not advanced: %s", conn.HistoryID)
	}

	job, _ := h.jobs.Get(context.Background(), result.JobID)
	if job.Status != domain.JobCompleted {
		t.Errorf("job not completed: %s", job.Status)
	}
}

func TestRunSyncScenarioBFilterShortCircuits(t *testing.T) {
	source := &fakeSource{
		emails: map[string]*domain.EmailContent{"newsletter-1": newsletterEmail()},
		cursor: "cursor-2",
	}
	classifier := &stubClassifier{}
	h := newHarness(source, classifier)

	result, err := h.orch.RunSync(context.Background(), 1, domain.SyncManual)
	if err != nil {
		t.Fatalf("RunSync failed: %v", err)
	}

	if classifier.callCount() != 0 {
		t.Errorf("classifier must not be invoked for filtered email, got %d calls", classifier.callCount())
	}
	if h.subs.count() != 0 {
		t.Errorf("expected no subscriptions, got %d", h.subs.count())
	}
	row := h.processed.get("newsletter-1")
	if row == nil || row.IsSubscription {
		t.Errorf("expected non-subscription processed row, got %+v", row)
	}
	if result.ProcessedEmails != 1 {
		t.Errorf("expected 1 processed, got %d", result.ProcessedEmails)
	}
}

func TestRunSyncIdempotentRerun(t *testing.T) {
	source := &fakeSource{
		emails: map[string]*domain.EmailContent{"netflix-1": netflixEmail()},
		cursor: "cursor-2",
	}
	classifier := &stubClassifier{results: map[string]*domain.ClassificationResult{
		"netflix-1": {IsSubscription: true, Vendor: "Netflix", VendorEmail: "billing@netflix.com", Amount: 15.99, Confidence: 0.95},
	}}
	h := newHarness(source, classifier)

	if _, err := h.orch.RunSync(context.Background(), 1, domain.SyncManual); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	second, err := h.orch.RunSync(context.Background(), 1, domain.SyncManual)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if second.ProcessedEmails != 0 {
		t.Errorf("already-processed message re-evaluated: %d", second.ProcessedEmails)
	}
	if h.processed.count() != 1 {
		t.Errorf("expected 1 processed row after rerun, got %d", h.processed.count())
	}
	if h.subs.count() != 1 {
		t.Errorf("expected 1 subscription after rerun, got %d", h.subs.count())
	}
}

func TestRunSyncFuzzyDedupAcrossWindows(t *testing.T) {
	source := &fakeSource{
		emails: map[string]*domain.EmailContent{"netflix-1": netflixEmail()},
		cursor: "cursor-2",
	}
	classifier := &stubClassifier{results: map[string]*domain.ClassificationResult{
		"netflix-1": {IsSubscription: true, Vendor: "Netflix", VendorEmail: "billing@netflix.com", Amount: 15.99, Confidence: 0.95},
	}}
	h := newHarness(source, classifier)

	// A near-duplicate from an earlier sync
	h.subs.Insert(context.Background(), &domain.Subscription{
		ConnectionID: 1,
		VendorName:   "Netflix Inc.",
		VendorEmail:  "billing@netflix.com",
		Amount:       15.99,
	})

	result, err := h.orch.RunSync(context.Background(), 1, domain.SyncManual)
	if err != nil {
		t.Fatalf("RunSync failed: %v", err)
	}

	if result.SubscriptionsFound != 0 {
		t.Errorf("fuzzy duplicate was counted as found: %d", result.SubscriptionsFound)
	}
	if h.subs.count() != 1 {
		t.Errorf("expected only the pre-existing subscription, got %d", h.subs.count())
	}
}

func TestRunSyncPerEmailFailureIsolation(t *testing.T) {
	source := &fakeSource{
		emails: map[string]*domain.EmailContent{"netflix-1": netflixEmail()},
		failWith: map[string]error{
			"broken-1": out.NewProviderError("gmail", out.ProviderErrServer, "backend error", nil, true),
		},
		cursor: "cursor-2",
	}
	classifier := &stubClassifier{results: map[string]*domain.ClassificationResult{
		"netflix-1": {IsSubscription: true, Vendor: "Netflix", VendorEmail: "billing@netflix.com", Amount: 15.99, Confidence: 0.95},
	}}
	h := newHarness(source, classifier)

	result, err := h.orch.RunSync(context.Background(), 1, domain.SyncManual)
	if err != nil {
		t.Fatalf("per-email failure must not abort the job: %v", err)
	}

	if result.ErrorCount != 1 {
		t.Errorf("expected 1 error counted, got %d", result.ErrorCount)
	}
	if result.SubscriptionsFound != 1 {
		t.Errorf("healthy email should still be processed, found=%d", result.SubscriptionsFound)
	}
	row := h.processed.get("broken-1")
	if row == nil || row.Error == "" {
		t.Errorf("expected error recorded on processed row, got %+v", row)
	}
	job, _ := h.jobs.Get(context.Background(), result.JobID)
	if job.Status != domain.JobCompleted {
		t.Errorf("job with per-email errors should still complete, got %s", job.Status)
	}
}

func TestRunSyncFatalAuthErrorAbortsAndPreservesCursor(t *testing.T) {
	source := &fakeSource{
		failWith: map[string]error{
			"any-1": out.NewProviderError("gmail", out.ProviderErrTokenExpired, "token expired", nil, false),
		},
		cursor: "cursor-2",
	}
	classifier := &stubClassifier{}
	h := newHarness(source, classifier)

	result, err := h.orch.RunSync(context.Background(), 1, domain.SyncManual)
	if err == nil {
		t.Fatal("expected fatal error")
	}
	var provErr *out.ProviderError
	if !errors.As(err, &provErr) || !provErr.IsFatal() {
		t.Fatalf("expected fatal provider error, got %v", err)
	}

	job, _ := h.jobs.Get(context.Background(), result.JobID)
	if job.Status != domain.JobFailed {
		t.Errorf("job should be failed, got %s", job.Status)
	}

	// Cursor stays at its pre-run value
	conn, _ := h.connRepo.GetByID(context.Background(), 1)
	if conn.HistoryID != "old-cursor" {
		t.Errorf("cursor mutated on failed run: %s", conn.HistoryID)
	}
}

func TestSubscribeAfterEnqueueReceivesStream(t *testing.T) {
	source := &fakeSource{
		emails: map[string]*domain.EmailContent{"netflix-1": netflixEmail()},
		cursor: "cursor-2",
	}
	classifier := &stubClassifier{results: map[string]*domain.ClassificationResult{
		"netflix-1": {IsSubscription: true, Vendor: "Netflix", VendorEmail: "billing@netflix.com", Amount: 15.99, Confidence: 0.95},
	}}
	h := newHarness(source, classifier)

	// Subscribe between enqueue and run, the way an SSE client that acted
	// on the job id from the trigger response does
	job, err := h.orch.Enqueue(context.Background(), 1, domain.SyncManual)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	events, unsubscribe := h.tracker.Subscribe(job.ID)
	defer unsubscribe()

	if _, err := h.orch.RunSyncJob(context.Background(), 1, domain.SyncManual, job.ID); err != nil {
		t.Fatalf("RunSyncJob failed: %v", err)
	}

	var sawComplete bool
	for update := range events {
		if update.Event == domain.ProgressEventComplete {
			sawComplete = true
		}
	}
	if !sawComplete {
		t.Error("early subscriber missed the completion event")
	}
}

func TestEarlyFailureClosesStream(t *testing.T) {
	h := newHarness(&fakeSource{}, &stubClassifier{})
	h.connRepo.SetActive(context.Background(), 1, false)

	job, err := h.orch.Enqueue(context.Background(), 1, domain.SyncManual)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	events, unsubscribe := h.tracker.Subscribe(job.ID)
	defer unsubscribe()

	if _, err := h.orch.RunSyncJob(context.Background(), 1, domain.SyncManual, job.ID); err == nil {
		t.Fatal("expected failure for inactive connection")
	}

	var sawError bool
	for update := range events {
		if update.Event == domain.ProgressEventError {
			sawError = true
		}
	}
	if !sawError {
		t.Error("subscriber not notified of the early failure")
	}

	got, _ := h.jobs.Get(context.Background(), job.ID)
	if got.Status != domain.JobFailed {
		t.Errorf("job should be failed, got %s", got.Status)
	}
}

func TestRunSyncRetriesErroredEmail(t *testing.T) {
	source := &fakeSource{
		emails: map[string]*domain.EmailContent{"netflix-1": netflixEmail()},
		cursor: "cursor-2",
	}
	classifier := &stubClassifier{results: map[string]*domain.ClassificationResult{
		"netflix-1": {IsSubscription: true, Vendor: "Netflix", VendorEmail: "billing@netflix.com", Amount: 15.99, Confidence: 0.95},
	}}
	h := newHarness(source, classifier)

	// A previous run recorded a transient fetch failure for this message
	h.processed.Insert(context.Background(), &domain.ProcessedEmail{
		ConnectionID: 1,
		MessageID:    "netflix-1",
		ProcessedAt:  time.Now().Add(-time.Hour),
		Error:        "gmail: backend error",
	})

	result, err := h.orch.RunSync(context.Background(), 1, domain.SyncManual)
	if err != nil {
		t.Fatalf("RunSync failed: %v", err)
	}

	if result.ProcessedEmails != 1 {
		t.Errorf("errored email should be re-evaluated, processed=%d", result.ProcessedEmails)
	}
	row := h.processed.get("netflix-1")
	if row == nil {
		t.Fatal("processed row missing")
	}
	if row.Error != "" {
		t.Errorf("error not cleared on retry: %q", row.Error)
	}
	if !row.IsSubscription || row.Vendor != "Netflix" {
		t.Errorf("retry outcome not attached: %+v", row)
	}
	if h.subs.count() != 1 {
		t.Errorf("expected 1 subscription from retried email, got %d", h.subs.count())
	}
}

func TestRunSyncRejectsConcurrentJob(t *testing.T) {
	source := &fakeSource{
		emails: map[string]*domain.EmailContent{"netflix-1": netflixEmail()},
		cursor: "cursor-2",
	}
	h := newHarness(source, &stubClassifier{})

	// Occupy the slot out-of-band
	if _, err := h.jobs.Enqueue(context.Background(), 1, domain.SyncManual); err != nil {
		t.Fatalf("setup enqueue failed: %v", err)
	}

	if _, err := h.orch.RunSync(context.Background(), 1, domain.SyncManual); err == nil {
		t.Fatal("expected single-flight rejection")
	}
}
