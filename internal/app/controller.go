package app

import (
	"context"
	"log"
	"sync"

	"allergen-scanner/internal/analysis"
	"allergen-scanner/internal/profile"
)

// View identifies the single active screen.
type View string

const (
	ViewHome    View = "HOME"
	ViewScanner View = "SCANNER"
	ViewResult  View = "RESULT"
	ViewProfile View = "PROFILE"
)

// State is the full UI-facing application state. Snapshots of it are
// handed to the listener after every transition; presentation derives
// everything from the snapshot and holds no state of its own.
type State struct {
	View         View
	IsAnalyzing  bool
	ErrorMessage string
	LastResult   *analysis.Result
	Profile      profile.Profile
}

// ProfileStore persists the user profile.
type ProfileStore interface {
	Load(ctx context.Context) profile.Profile
	Save(ctx context.Context, p profile.Profile) error
}

// CaptureProvider is the camera lifecycle owned by the scanner view.
type CaptureProvider interface {
	Start(ctx context.Context) error
	CaptureFrame() ([]byte, error)
	Stop()
}

// PageFetcher extracts label text from a product page URL.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Controller owns the view state machine and funnels every mutation
// through named operations. All fields are guarded by the mutex; the
// listener is always invoked outside of it with a snapshot.
type Controller struct {
	mu       sync.Mutex
	analyzer analysis.Analyzer
	profiles ProfileStore
	camera   CaptureProvider // nil when no camera is configured
	pages    PageFetcher     // nil when URL scanning is disabled
	listener func(State)

	state   State
	scanSeq int
}

// NewController creates the controller and loads the persisted profile
// once. Camera and page fetcher are optional.
func NewController(ctx context.Context, analyzer analysis.Analyzer, profiles ProfileStore, camera CaptureProvider, pages PageFetcher) *Controller {
	return &Controller{
		analyzer: analyzer,
		profiles: profiles,
		camera:   camera,
		pages:    pages,
		state: State{
			View:    ViewHome,
			Profile: profiles.Load(ctx),
		},
	}
}

// SetListener registers the state change callback.
func (c *Controller) SetListener(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = fn
}

// State returns a snapshot of the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() State {
	s := c.state
	s.Profile.Allergens = append([]string(nil), c.state.Profile.Allergens...)
	return s
}

// notifyLocked snapshots the state and returns a closure that delivers it.
// The caller runs the closure after releasing the mutex so listeners may
// call back into the controller.
func (c *Controller) notifyLocked() func() {
	if c.listener == nil {
		return func() {}
	}
	fn := c.listener
	snapshot := c.snapshotLocked()
	return func() { fn(snapshot) }
}

// OpenScanner transitions HOME → SCANNER (also RESULT → SCANNER on retry)
// and acquires the camera stream when one is configured. A camera failure
// keeps the scanner view open with a cause-specific message and a retry
// affordance; the file and URL paths remain usable.
func (c *Controller) OpenScanner(ctx context.Context) {
	c.mu.Lock()
	c.state.View = ViewScanner
	c.state.ErrorMessage = ""
	notify := c.notifyLocked()
	c.mu.Unlock()
	notify()

	if c.camera == nil {
		return
	}
	err := c.camera.Start(ctx)

	c.mu.Lock()
	if c.state.View == ViewScanner && err != nil {
		c.state.ErrorMessage = userMessage(err)
	}
	notify = c.notifyLocked()
	c.mu.Unlock()
	notify()
}

// CancelScan transitions SCANNER → HOME and releases the camera.
func (c *Controller) CancelScan() {
	c.releaseCamera()
	c.mu.Lock()
	c.state.View = ViewHome
	c.state.ErrorMessage = ""
	notify := c.notifyLocked()
	c.mu.Unlock()
	notify()
}

// OpenProfile transitions HOME → PROFILE.
func (c *Controller) OpenProfile() {
	c.mu.Lock()
	c.state.View = ViewProfile
	notify := c.notifyLocked()
	c.mu.Unlock()
	notify()
}

// GoHome returns to HOME from any view, releasing the camera. An
// in-flight analysis is not aborted; its resolution lands in state that
// is simply no longer rendered.
func (c *Controller) GoHome() {
	c.releaseCamera()
	c.mu.Lock()
	c.state.View = ViewHome
	c.state.ErrorMessage = ""
	notify := c.notifyLocked()
	c.mu.Unlock()
	notify()
}

// RetryScan transitions RESULT → SCANNER after an error.
func (c *Controller) RetryScan(ctx context.Context) {
	c.mu.Lock()
	c.state.ErrorMessage = ""
	c.mu.Unlock()
	c.OpenScanner(ctx)
}

// CaptureFromCamera grabs the current frame and submits it for analysis.
// A not-yet-ready frame is a silent no-op and the scanner stays open.
func (c *Controller) CaptureFromCamera(ctx context.Context) error {
	if c.camera == nil {
		return errNoScanInProgress()
	}
	if c.State().View != ViewScanner {
		return errNoScanInProgress()
	}

	data, err := c.camera.CaptureFrame()
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}
	c.beginAnalysis(ctx, func(ctx context.Context, allergens []string) (*analysis.Result, error) {
		return c.analyzer.AnalyzeImage(ctx, data, allergens)
	})
	return nil
}

// ScanImage submits externally produced image bytes (file upload or a
// downloaded photo) for analysis. Valid only in the scanner view.
func (c *Controller) ScanImage(ctx context.Context, jpegImage []byte) error {
	if c.State().View != ViewScanner {
		return errNoScanInProgress()
	}
	c.beginAnalysis(ctx, func(ctx context.Context, allergens []string) (*analysis.Result, error) {
		return c.analyzer.AnalyzeImage(ctx, jpegImage, allergens)
	})
	return nil
}

// ScanURL fetches a product page and submits its label text for analysis.
func (c *Controller) ScanURL(ctx context.Context, url string) error {
	if c.pages == nil {
		return errNoScanInProgress()
	}
	if c.State().View != ViewScanner {
		return errNoScanInProgress()
	}
	c.beginAnalysis(ctx, func(ctx context.Context, allergens []string) (*analysis.Result, error) {
		text, err := c.pages.Fetch(ctx, url)
		if err != nil {
			return nil, &analysis.RemoteError{Err: err}
		}
		return c.analyzer.AnalyzeText(ctx, text, allergens)
	})
	return nil
}

// beginAnalysis performs the mandatory side-effect ordering for a capture
// event: mark analyzing, clear the previous result and error, enter the
// RESULT view and notify, all before the remote call is issued, so the
// loading card is visible with no gap. The camera is released here since
// a produced image leaves the scanner.
func (c *Controller) beginAnalysis(ctx context.Context, run func(ctx context.Context, allergens []string) (*analysis.Result, error)) {
	c.releaseCamera()

	c.mu.Lock()
	c.scanSeq++
	seq := c.scanSeq
	c.state.IsAnalyzing = true
	c.state.LastResult = nil
	c.state.ErrorMessage = ""
	c.state.View = ViewResult
	allergens := append([]string(nil), c.state.Profile.Allergens...)
	notify := c.notifyLocked()
	c.mu.Unlock()
	notify()

	go func() {
		result, err := run(ctx, allergens)
		c.finishAnalysis(seq, result, err)
	}()
}

// finishAnalysis lands the resolution of a scan. A resolution superseded
// by a newer scan is dropped; a resolution for a view the user has
// navigated away from still lands, it just is not rendered.
func (c *Controller) finishAnalysis(seq int, result *analysis.Result, err error) {
	c.mu.Lock()
	if seq != c.scanSeq {
		c.mu.Unlock()
		return
	}

	if err != nil {
		log.Printf("Scan failed: %v", err)
		c.state.ErrorMessage = userMessage(err)
		c.state.LastResult = nil
	} else {
		c.state.LastResult = result
		c.state.ErrorMessage = ""
	}
	c.state.IsAnalyzing = false
	notify := c.notifyLocked()
	c.mu.Unlock()
	notify()
}

// AddAllergen adds a trimmed, deduplicated entry and persists the profile.
func (c *Controller) AddAllergen(ctx context.Context, raw string) error {
	c.mu.Lock()
	changed := c.state.Profile.AddAllergen(raw)
	p := c.snapshotLocked().Profile
	notify := c.notifyLocked()
	c.mu.Unlock()

	if changed {
		if err := c.profiles.Save(ctx, p); err != nil {
			return err
		}
	}
	notify()
	return nil
}

// RemoveAllergen removes an entry by exact match and persists the profile.
func (c *Controller) RemoveAllergen(ctx context.Context, name string) error {
	c.mu.Lock()
	changed := c.state.Profile.RemoveAllergen(name)
	p := c.snapshotLocked().Profile
	notify := c.notifyLocked()
	c.mu.Unlock()

	if changed {
		if err := c.profiles.Save(ctx, p); err != nil {
			return err
		}
	}
	notify()
	return nil
}

// SetDisplayName updates the display name and persists the profile.
func (c *Controller) SetDisplayName(ctx context.Context, name string) error {
	c.mu.Lock()
	c.state.Profile.DisplayName = name
	p := c.snapshotLocked().Profile
	notify := c.notifyLocked()
	c.mu.Unlock()

	if err := c.profiles.Save(ctx, p); err != nil {
		return err
	}
	notify()
	return nil
}

// SaveProfile commits any pending, unsubmitted allergen input as a new
// entry (deduplicated), persists the profile and navigates home.
func (c *Controller) SaveProfile(ctx context.Context, pending string) error {
	c.mu.Lock()
	c.state.Profile.AddAllergen(pending)
	c.state.View = ViewHome
	p := c.snapshotLocked().Profile
	notify := c.notifyLocked()
	c.mu.Unlock()

	if err := c.profiles.Save(ctx, p); err != nil {
		return err
	}
	notify()
	return nil
}

// Shutdown releases held resources on teardown.
func (c *Controller) Shutdown() {
	c.releaseCamera()
}

func (c *Controller) releaseCamera() {
	if c.camera != nil {
		c.camera.Stop()
	}
}
