package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"allergen-scanner/internal/analysis"
	"allergen-scanner/internal/capture"
	"allergen-scanner/internal/profile"
)

// --- Mock profile store ---

type memoryStore struct {
	mu    sync.Mutex
	p     profile.Profile
	saves int
}

func (s *memoryStore) Load(_ context.Context) profile.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.p
	p.Allergens = append([]string(nil), s.p.Allergens...)
	return p
}

func (s *memoryStore) Save(_ context.Context, p profile.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.p = p
	s.p.Allergens = append([]string(nil), p.Allergens...)
	s.saves++
	return nil
}

// --- Mock analyzer ---

type mockAnalyzer struct {
	mu          sync.Mutex
	remoteCalls int
	textCalls   int
	result      *analysis.Result
	err         error
	release     chan struct{} // when set, the first remote call blocks on it
	blocked     int
}

func (a *mockAnalyzer) AnalyzeImage(_ context.Context, _ []byte, allergens []string) (*analysis.Result, error) {
	if len(allergens) == 0 {
		return nil, &analysis.ValidationError{Message: "there is nothing to screen for: add at least one allergen to your profile first"}
	}
	a.mu.Lock()
	a.remoteCalls++
	release := a.release
	shouldBlock := release != nil && a.blocked == 0
	if shouldBlock {
		a.blocked++
	}
	a.mu.Unlock()
	if shouldBlock {
		<-release
	}
	return a.result, a.err
}

func (a *mockAnalyzer) AnalyzeText(_ context.Context, _ string, allergens []string) (*analysis.Result, error) {
	if len(allergens) == 0 {
		return nil, &analysis.ValidationError{Message: "there is nothing to screen for: add at least one allergen to your profile first"}
	}
	a.mu.Lock()
	a.textCalls++
	a.mu.Unlock()
	return a.result, a.err
}

// --- Mock camera ---

type mockCamera struct {
	mu       sync.Mutex
	starts   int
	stops    int
	frame    []byte
	startErr error
}

func (c *mockCamera) Start(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	return c.startErr
}

func (c *mockCamera) CaptureFrame() ([]byte, error) {
	return c.frame, nil
}

func (c *mockCamera) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
}

// --- Event recorder ---

type recorder struct {
	mu     sync.Mutex
	states []State
	ch     chan State
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan State, 64)}
}

func (r *recorder) listen(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
	r.ch <- s
}

func (r *recorder) waitFor(t *testing.T, pred func(State) bool) State {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-r.ch:
			if pred(s) {
				return s
			}
		case <-deadline:
			t.Fatal("Timed out waiting for expected state")
		}
	}
}

func (r *recorder) recorded() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func newTestController(store *memoryStore, analyzer analysis.Analyzer, camera CaptureProvider, pages PageFetcher) (*Controller, *recorder) {
	c := NewController(context.Background(), analyzer, store, camera, pages)
	rec := newRecorder()
	c.SetListener(rec.listen)
	return c, rec
}

func TestScanOrderingInvariant(t *testing.T) {
	ctx := context.Background()
	store := &memoryStore{p: profile.Profile{Allergens: []string{"Amendoim"}}}
	analyzer := &mockAnalyzer{
		result:  &analysis.Result{RiskLevel: analysis.RiskDanger, DetectedAllergens: []string{"Amendoim"}, Reasoning: "Listed directly."},
		release: make(chan struct{}),
	}
	c, rec := newTestController(store, analyzer, nil, nil)

	c.OpenScanner(ctx)
	if err := c.ScanImage(ctx, []byte{0xFF, 0xD8}); err != nil {
		t.Fatalf("ScanImage failed: %v", err)
	}

	// The loading state must be visible before the remote call resolves.
	loading := c.State()
	if loading.View != ViewResult {
		t.Errorf("Expected RESULT view before resolution, got %s", loading.View)
	}
	if !loading.IsAnalyzing {
		t.Error("Expected IsAnalyzing=true before resolution")
	}
	if loading.LastResult != nil || loading.ErrorMessage != "" {
		t.Error("Expected prior result and error cleared on scan start")
	}

	close(analyzer.release)
	final := rec.waitFor(t, func(s State) bool { return !s.IsAnalyzing && s.LastResult != nil })
	if final.LastResult.RiskLevel != analysis.RiskDanger {
		t.Errorf("Expected DANGER result, got %s", final.LastResult.RiskLevel)
	}
	if len(final.LastResult.DetectedAllergens) != 1 || final.LastResult.DetectedAllergens[0] != "Amendoim" {
		t.Errorf("Expected single detected term, got %v", final.LastResult.DetectedAllergens)
	}

	// Recorded sequence: IsAnalyzing goes false → true → false, and the
	// RESULT view appears no later than the analyzing state.
	states := rec.recorded()
	firstAnalyzing, resolved := -1, -1
	for i, s := range states {
		if s.IsAnalyzing && firstAnalyzing == -1 {
			firstAnalyzing = i
			if s.View != ViewResult {
				t.Errorf("Expected view RESULT when analyzing starts, got %s", s.View)
			}
		}
		if firstAnalyzing != -1 && !s.IsAnalyzing && resolved == -1 && i > firstAnalyzing {
			resolved = i
		}
	}
	if firstAnalyzing == -1 || resolved == -1 {
		t.Fatalf("Expected IsAnalyzing false→true→false sequence, got %+v", states)
	}
	// A live result and an active analysis never coexist.
	for _, s := range states {
		if s.IsAnalyzing && s.LastResult != nil {
			t.Error("IsAnalyzing and LastResult must never be active together")
		}
	}
}

func TestScanFailureSetsErrorNeverSafe(t *testing.T) {
	ctx := context.Background()
	store := &memoryStore{p: profile.Profile{Allergens: []string{"Leite"}}}
	analyzer := &mockAnalyzer{err: &analysis.RemoteError{Err: fmt.Errorf("boom")}}
	c, rec := newTestController(store, analyzer, nil, nil)

	c.OpenScanner(ctx)
	if err := c.ScanImage(ctx, []byte{0xFF, 0xD8}); err != nil {
		t.Fatalf("ScanImage failed: %v", err)
	}

	final := rec.waitFor(t, func(s State) bool { return !s.IsAnalyzing && s.ErrorMessage != "" })
	if final.LastResult != nil {
		t.Errorf("Expected no result on failure (never an implicit SAFE), got %+v", final.LastResult)
	}
	if final.ErrorMessage != genericScanFailure {
		t.Errorf("Expected generic retry message, got '%s'", final.ErrorMessage)
	}
}

func TestEmptyAllergenListRejectedBeforeRemoteCall(t *testing.T) {
	ctx := context.Background()
	store := &memoryStore{}
	analyzer := &mockAnalyzer{}
	c, rec := newTestController(store, analyzer, nil, nil)

	c.OpenScanner(ctx)
	if err := c.ScanImage(ctx, []byte{0xFF, 0xD8}); err != nil {
		t.Fatalf("ScanImage failed: %v", err)
	}

	final := rec.waitFor(t, func(s State) bool { return !s.IsAnalyzing && s.ErrorMessage != "" })
	if !strings.Contains(final.ErrorMessage, "add at least one allergen") {
		t.Errorf("Expected validation message, got '%s'", final.ErrorMessage)
	}
	if analyzer.remoteCalls != 0 {
		t.Errorf("Expected no remote call for an empty allergen list, got %d", analyzer.remoteCalls)
	}
}

func TestWarningVariantScenario(t *testing.T) {
	ctx := context.Background()
	store := &memoryStore{p: profile.Profile{Allergens: []string{"Glúten"}}}
	analyzer := &mockAnalyzer{
		result: &analysis.Result{RiskLevel: analysis.RiskWarning, DetectedAllergens: []string{"Malte"}, Reasoning: "Barley derivative."},
	}
	c, rec := newTestController(store, analyzer, nil, nil)

	c.OpenScanner(ctx)
	if err := c.ScanImage(ctx, []byte{0xFF, 0xD8}); err != nil {
		t.Fatalf("ScanImage failed: %v", err)
	}

	final := rec.waitFor(t, func(s State) bool { return s.LastResult != nil })
	if final.LastResult.RiskLevel != analysis.RiskWarning {
		t.Errorf("Expected WARNING, got %s", final.LastResult.RiskLevel)
	}
	// The rendered term is the variant reported by the service, distinct
	// from the literal allergen entry.
	if final.LastResult.DetectedAllergens[0] != "Malte" {
		t.Errorf("Expected variant term 'Malte', got %v", final.LastResult.DetectedAllergens)
	}
}

func TestCameraLifecycle(t *testing.T) {
	ctx := context.Background()
	store := &memoryStore{p: profile.Profile{Allergens: []string{"Soja"}}}

	t.Run("AcquiredOnEnterReleasedOnCancel", func(t *testing.T) {
		camera := &mockCamera{frame: []byte{0xFF, 0xD8}}
		analyzer := &mockAnalyzer{result: &analysis.Result{RiskLevel: analysis.RiskSafe, DetectedAllergens: []string{}, Reasoning: "ok"}}
		c, _ := newTestController(store, analyzer, camera, nil)

		c.OpenScanner(ctx)
		if camera.starts != 1 {
			t.Errorf("Expected camera started on scanner entry, got %d starts", camera.starts)
		}
		c.CancelScan()
		if camera.stops == 0 {
			t.Error("Expected camera released on cancel")
		}
		if c.State().View != ViewHome {
			t.Errorf("Expected HOME after cancel, got %s", c.State().View)
		}
	})

	t.Run("ReleasedOnCapture", func(t *testing.T) {
		camera := &mockCamera{frame: []byte{0xFF, 0xD8}}
		analyzer := &mockAnalyzer{result: &analysis.Result{RiskLevel: analysis.RiskSafe, DetectedAllergens: []string{}, Reasoning: "ok"}}
		c, rec := newTestController(store, analyzer, camera, nil)

		c.OpenScanner(ctx)
		if err := c.CaptureFromCamera(ctx); err != nil {
			t.Fatalf("CaptureFromCamera failed: %v", err)
		}
		if camera.stops == 0 {
			t.Error("Expected camera released after a produced image")
		}
		rec.waitFor(t, func(s State) bool { return !s.IsAnalyzing && s.LastResult != nil })
	})

	t.Run("NotReadyFrameKeepsScannerOpen", func(t *testing.T) {
		camera := &mockCamera{frame: nil}
		analyzer := &mockAnalyzer{}
		c, _ := newTestController(store, analyzer, camera, nil)

		c.OpenScanner(ctx)
		if err := c.CaptureFromCamera(ctx); err != nil {
			t.Fatalf("Expected silent no-op, got %v", err)
		}
		if c.State().View != ViewScanner {
			t.Errorf("Expected scanner still open, got %s", c.State().View)
		}
		if analyzer.remoteCalls != 0 {
			t.Error("Expected no analysis from an empty capture")
		}
	})

	t.Run("StartFailureSurfacesCauseMessage", func(t *testing.T) {
		camera := &mockCamera{startErr: &capture.Error{Cause: capture.CausePermissionDenied}}
		analyzer := &mockAnalyzer{}
		c, _ := newTestController(store, analyzer, camera, nil)

		c.OpenScanner(ctx)
		s := c.State()
		if s.View != ViewScanner {
			t.Errorf("Expected scanner view kept for retry, got %s", s.View)
		}
		if !strings.Contains(s.ErrorMessage, "Re-enable camera access") {
			t.Errorf("Expected re-grant instructions, got '%s'", s.ErrorMessage)
		}
	})

	t.Run("TeardownReleasesCamera", func(t *testing.T) {
		camera := &mockCamera{}
		c, _ := newTestController(store, &mockAnalyzer{}, camera, nil)
		c.OpenScanner(ctx)
		c.Shutdown()
		if camera.stops == 0 {
			t.Error("Expected camera released on teardown")
		}
	})
}

func TestStaleResolutionAfterNavigation(t *testing.T) {
	ctx := context.Background()
	store := &memoryStore{p: profile.Profile{Allergens: []string{"Leite"}}}
	analyzer := &mockAnalyzer{
		result:  &analysis.Result{RiskLevel: analysis.RiskSafe, DetectedAllergens: []string{}, Reasoning: "ok"},
		release: make(chan struct{}),
	}
	c, rec := newTestController(store, analyzer, nil, nil)

	c.OpenScanner(ctx)
	if err := c.ScanImage(ctx, []byte{0xFF, 0xD8}); err != nil {
		t.Fatalf("ScanImage failed: %v", err)
	}
	c.GoHome()

	close(analyzer.release)
	final := rec.waitFor(t, func(s State) bool { return !s.IsAnalyzing && s.LastResult != nil })
	// The resolution lands without crashing; the view it belongs to is
	// simply no longer active.
	if final.View != ViewHome {
		t.Errorf("Expected view to stay HOME, got %s", final.View)
	}
}

func TestNewScanSupersedesInFlightOne(t *testing.T) {
	ctx := context.Background()
	store := &memoryStore{p: profile.Profile{Allergens: []string{"Leite"}}}
	analyzer := &mockAnalyzer{
		result:  &analysis.Result{RiskLevel: analysis.RiskDanger, DetectedAllergens: []string{"Leite"}, Reasoning: "found"},
		release: make(chan struct{}),
	}
	c, rec := newTestController(store, analyzer, nil, nil)

	// First scan blocks in the remote call.
	c.OpenScanner(ctx)
	if err := c.ScanImage(ctx, []byte{0x01}); err != nil {
		t.Fatalf("First ScanImage failed: %v", err)
	}

	// Retry into a second scan; only the mock's first call blocks.
	c.RetryScan(ctx)
	if err := c.ScanImage(ctx, []byte{0x02}); err != nil {
		t.Fatalf("Second ScanImage failed: %v", err)
	}
	second := rec.waitFor(t, func(s State) bool { return !s.IsAnalyzing && s.LastResult != nil })

	// Now let the superseded first call resolve; it must be dropped.
	close(analyzer.release)
	time.Sleep(50 * time.Millisecond)
	final := c.State()
	if final.IsAnalyzing {
		t.Error("Stale resolution must not re-enter the analyzing state")
	}
	if final.LastResult == nil || final.LastResult.Reasoning != second.LastResult.Reasoning {
		t.Error("Stale resolution must not clobber the newer result")
	}
}

func TestScanURL(t *testing.T) {
	ctx := context.Background()
	store := &memoryStore{p: profile.Profile{Allergens: []string{"Glúten"}}}

	t.Run("Success", func(t *testing.T) {
		analyzer := &mockAnalyzer{result: &analysis.Result{RiskLevel: analysis.RiskWarning, DetectedAllergens: []string{"Malte"}, Reasoning: "derivative"}}
		pages := pageFetcherFunc(func(context.Context, string) (string, error) { return "malte, açúcar", nil })
		c, rec := newTestController(store, analyzer, nil, pages)

		c.OpenScanner(ctx)
		if err := c.ScanURL(ctx, "https://example.com/product"); err != nil {
			t.Fatalf("ScanURL failed: %v", err)
		}

		final := rec.waitFor(t, func(s State) bool { return s.LastResult != nil })
		if final.LastResult.RiskLevel != analysis.RiskWarning {
			t.Errorf("Expected WARNING, got %s", final.LastResult.RiskLevel)
		}
		if analyzer.textCalls != 1 {
			t.Errorf("Expected one text analysis, got %d", analyzer.textCalls)
		}
	})

	t.Run("FetchFailureSurfacesGenericMessage", func(t *testing.T) {
		analyzer := &mockAnalyzer{}
		pages := pageFetcherFunc(func(context.Context, string) (string, error) { return "", fmt.Errorf("unreachable") })
		c, rec := newTestController(store, analyzer, nil, pages)

		c.OpenScanner(ctx)
		if err := c.ScanURL(ctx, "https://example.com/product"); err != nil {
			t.Fatalf("ScanURL failed: %v", err)
		}

		final := rec.waitFor(t, func(s State) bool { return !s.IsAnalyzing && s.ErrorMessage != "" })
		if final.ErrorMessage != genericScanFailure {
			t.Errorf("Expected generic message, got '%s'", final.ErrorMessage)
		}
	})
}

type pageFetcherFunc func(ctx context.Context, url string) (string, error)

func (f pageFetcherFunc) Fetch(ctx context.Context, url string) (string, error) {
	return f(ctx, url)
}

func TestScanOutsideScannerViewIsRejected(t *testing.T) {
	ctx := context.Background()
	store := &memoryStore{p: profile.Profile{Allergens: []string{"Leite"}}}
	c, _ := newTestController(store, &mockAnalyzer{}, nil, nil)

	if err := c.ScanImage(ctx, []byte{0x01}); err == nil {
		t.Error("Expected scan from HOME to be rejected")
	}
}

func TestProfileOperations(t *testing.T) {
	ctx := context.Background()

	t.Run("AddPersistsTrimmedEntry", func(t *testing.T) {
		store := &memoryStore{}
		c, _ := newTestController(store, &mockAnalyzer{}, nil, nil)

		if err := c.AddAllergen(ctx, "  Peanut "); err != nil {
			t.Fatalf("AddAllergen failed: %v", err)
		}
		if store.saves != 1 {
			t.Errorf("Expected one save, got %d", store.saves)
		}
		if got := store.Load(ctx).Allergens; len(got) != 1 || got[0] != "Peanut" {
			t.Errorf("Expected stored 'Peanut', got %v", got)
		}
	})

	t.Run("DuplicateAddDoesNotSave", func(t *testing.T) {
		store := &memoryStore{p: profile.Profile{Allergens: []string{"Peanut"}}}
		c, _ := newTestController(store, &mockAnalyzer{}, nil, nil)

		if err := c.AddAllergen(ctx, "Peanut"); err != nil {
			t.Fatalf("AddAllergen failed: %v", err)
		}
		if store.saves != 0 {
			t.Errorf("Expected no save for a duplicate, got %d", store.saves)
		}
	})

	t.Run("RemoveMissingDoesNotSave", func(t *testing.T) {
		store := &memoryStore{p: profile.Profile{Allergens: []string{"Peanut"}}}
		c, _ := newTestController(store, &mockAnalyzer{}, nil, nil)

		if err := c.RemoveAllergen(ctx, "Egg"); err != nil {
			t.Fatalf("RemoveAllergen failed: %v", err)
		}
		if store.saves != 0 {
			t.Errorf("Expected no save for a missing entry, got %d", store.saves)
		}
	})

	t.Run("SaveProfileCommitsPendingAndNavigatesHome", func(t *testing.T) {
		store := &memoryStore{p: profile.Profile{Allergens: []string{"Peanut"}}}
		c, _ := newTestController(store, &mockAnalyzer{}, nil, nil)

		c.OpenProfile()
		if err := c.SaveProfile(ctx, " Milk "); err != nil {
			t.Fatalf("SaveProfile failed: %v", err)
		}

		s := c.State()
		if s.View != ViewHome {
			t.Errorf("Expected HOME after save, got %s", s.View)
		}
		if got := store.Load(ctx).Allergens; len(got) != 2 || got[1] != "Milk" {
			t.Errorf("Expected pending entry committed, got %v", got)
		}
	})

	t.Run("SaveProfileDedupsPending", func(t *testing.T) {
		store := &memoryStore{p: profile.Profile{Allergens: []string{"Milk"}}}
		c, _ := newTestController(store, &mockAnalyzer{}, nil, nil)

		c.OpenProfile()
		if err := c.SaveProfile(ctx, "Milk"); err != nil {
			t.Fatalf("SaveProfile failed: %v", err)
		}
		if got := store.Load(ctx).Allergens; len(got) != 1 {
			t.Errorf("Expected deduplicated list, got %v", got)
		}
	})

	t.Run("SetDisplayNamePersists", func(t *testing.T) {
		store := &memoryStore{}
		c, _ := newTestController(store, &mockAnalyzer{}, nil, nil)

		if err := c.SetDisplayName(ctx, "Ana"); err != nil {
			t.Fatalf("SetDisplayName failed: %v", err)
		}
		if store.Load(ctx).DisplayName != "Ana" {
			t.Errorf("Expected display name persisted, got '%s'", store.Load(ctx).DisplayName)
		}
	})
}

func TestRetryFromErrorReturnsToScanner(t *testing.T) {
	ctx := context.Background()
	store := &memoryStore{p: profile.Profile{Allergens: []string{"Leite"}}}
	analyzer := &mockAnalyzer{err: &analysis.RemoteError{Err: fmt.Errorf("boom")}}
	c, rec := newTestController(store, analyzer, nil, nil)

	c.OpenScanner(ctx)
	if err := c.ScanImage(ctx, []byte{0x01}); err != nil {
		t.Fatalf("ScanImage failed: %v", err)
	}
	rec.waitFor(t, func(s State) bool { return !s.IsAnalyzing && s.ErrorMessage != "" })

	c.RetryScan(ctx)
	s := c.State()
	if s.View != ViewScanner {
		t.Errorf("Expected SCANNER on retry, got %s", s.View)
	}
	if s.ErrorMessage != "" {
		t.Errorf("Expected error cleared on retry, got '%s'", s.ErrorMessage)
	}
}
