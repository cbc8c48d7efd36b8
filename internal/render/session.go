package render

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/prerender/internal/cdp"
	"github.com/GriffinCanCode/prerender/internal/infrastructure/config"
	"github.com/GriffinCanCode/prerender/internal/infrastructure/logging"
)

// frameStartBound is how long after Page.navigate the main frame must
// report frameStartedLoading before the navigation is declared failed.
var frameStartBound = 2 * time.Second

// callTimeout bounds individual CDP calls that are expected to answer
// promptly; the effective timeout is always capped by the render deadline.
const callTimeout = 10 * time.Second

// Transport is the slice of a CDP connection the session drives. Satisfied
// by *cdp.Conn through connTransport; tests substitute fakes.
type Transport interface {
	Call(ctx context.Context, method string, params, result any) error
	Subscribe(pattern string) (<-chan cdp.Event, func())
	Done() <-chan struct{}
	Close() error
}

type connTransport struct {
	*cdp.Conn
}

func (t connTransport) Subscribe(pattern string) (<-chan cdp.Event, func()) {
	s := t.Conn.Subscribe(pattern)
	return s.Events(), s.Close
}

// Session owns one browser page and drives the per-render state machine:
// configure, navigate, intercept, await readiness, extract, reset. A
// session serves at most one render at a time; the pool enforces the
// single-loan invariant.
type Session struct {
	id          string
	targetID    string
	conn        Transport
	closeTarget func(context.Context) error
	logger      *logging.Logger
	cfg         config.RenderConfig
	policy      Policy

	iterations int64 // renders served, atomic
	condemned  atomic.Bool
	closeOnce  sync.Once

	// Applied per-session setup, skipped on reuse until options change.
	uaApplied bool
	viewportW int
	viewportH int
}

// NewSession opens a fresh page target on the browser and attaches its
// devtools connection.
func NewSession(ctx context.Context, browser *cdp.Browser, cfg config.RenderConfig, policy Policy, logger *logging.Logger) (*Session, error) {
	targetID, wsURL, err := browser.NewTarget(ctx)
	if err != nil {
		return nil, classify("create-target", err, KindTransport)
	}

	conn, err := cdp.Dial(ctx, wsURL, logger.Named("page"))
	if err != nil {
		// Target exists but is undrivable; reap it.
		browser.CloseTarget(context.WithoutCancel(ctx), targetID)
		return nil, classify("attach", err, KindTransport)
	}

	s := &Session{
		id:       uuid.NewString(),
		targetID: targetID,
		conn:     connTransport{conn},
		closeTarget: func(ctx context.Context) error {
			return browser.CloseTarget(ctx, targetID)
		},
		logger: logger.With(zap.String("target", targetID)),
		cfg:    cfg,
		policy: policy,
	}

	if err := s.enableDomains(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) enableDomains(ctx context.Context) error {
	for _, method := range []string{"Page.enable", "Network.enable"} {
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		err := s.conn.Call(callCtx, method, nil, nil)
		cancel()
		if err != nil {
			return classify(method, err, KindTransport)
		}
	}
	return nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// TargetID returns the browser target backing this session.
func (s *Session) TargetID() string { return s.targetID }

// Generation returns the number of renders this session has served.
func (s *Session) Generation() int { return int(atomic.LoadInt64(&s.iterations)) }

// Usable reports whether the session can serve another render.
func (s *Session) Usable() bool {
	if s.condemned.Load() {
		return false
	}
	select {
	case <-s.conn.Done():
		return false
	default:
	}
	return s.Generation() < s.cfg.MaxIterations
}

// condemn flags the session for destruction on release.
func (s *Session) condemn() { s.condemned.Store(true) }

// Close tears the session down: drop the connection, close the browser
// target. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.closeTarget(ctx); err != nil {
			s.logger.Debug("error closing target", zap.Error(err))
		}
	})
}

// Render navigates to the request URL, waits for readiness and extracts
// the requested artifact. The context must carry the render deadline; a
// deadline miss at any step condemns the session.
func (s *Session) Render(ctx context.Context, req Request) (artifact *Artifact, err error) {
	if _, ok := ctx.Deadline(); !ok {
		return nil, newError(KindInternal, "render", fmt.Errorf("render context has no deadline"))
	}
	defer func() {
		if err != nil && condemns(err) {
			s.condemn()
		}
	}()

	primaryHost := hostOf(req.URL)
	iteration := atomic.LoadInt64(&s.iterations) + 1
	s.logger.Info("navigating",
		zap.String("url", req.URL),
		zap.String("format", string(req.Format)),
		zap.Int64("iteration", iteration))

	if err := s.configure(ctx, req); err != nil {
		return nil, err
	}

	// Lifecycle and network trackers must be listening before navigation
	// so no early event is missed.
	frames := newFrameTracker()
	pageEvents, cancelPage := s.conn.Subscribe("Page.*")
	defer cancelPage()
	go trackLifecycle(pageEvents, frames)

	activity := newActivityTracker()
	netEvents, cancelNet := s.conn.Subscribe("Network.*")
	defer cancelNet()
	go trackActivity(netEvents, activity)

	intercepting, stopIntercept, err := s.startInterception(ctx, primaryHost)
	if err != nil {
		return nil, err
	}
	defer stopIntercept()

	frameID, err := s.navigate(ctx, req.URL)
	if err != nil {
		return nil, err
	}

	if err := s.awaitFrameStart(ctx, frames, frameID); err != nil {
		return nil, err
	}

	if err := s.awaitReady(ctx, frames, activity); err != nil {
		return nil, err
	}

	artifact, err = s.extract(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := s.reset(intercepting); err != nil {
		return nil, err
	}
	atomic.AddInt64(&s.iterations, 1)
	return artifact, nil
}

// configure applies per-session setup that survives across renders: user
// agent override and, for screenshots, the viewport. Reapplied only when
// options change.
func (s *Session) configure(ctx context.Context, req Request) error {
	if s.cfg.UserAgent != "" && !s.uaApplied {
		params := map[string]string{"userAgent": s.cfg.UserAgent}
		if err := s.call(ctx, "Network.setUserAgentOverride", params, nil); err != nil {
			return classify("set-user-agent", err, KindTransport)
		}
		s.uaApplied = true
	}

	if req.Format == FormatPNG || req.Format == FormatJPEG {
		width, height := req.Options.Width, req.Options.Height
		if width <= 0 {
			width = 1280
		}
		if height <= 0 {
			height = 1024
		}
		if width != s.viewportW || height != s.viewportH {
			params := map[string]any{
				"width":             width,
				"height":            height,
				"deviceScaleFactor": 1,
				"mobile":            false,
			}
			if err := s.call(ctx, "Emulation.setDeviceMetricsOverride", params, nil); err != nil {
				return classify("set-viewport", err, KindTransport)
			}
			s.viewportW, s.viewportH = width, height
		}
	}
	return nil
}

// startInterception enables request interception when the policy has any
// rules, and serves pause events until stopped.
func (s *Session) startInterception(ctx context.Context, primaryHost string) (enabled bool, stop func(), err error) {
	if len(s.policy.AllowedDomains) == 0 && len(s.policy.BlockedTypes) == 0 {
		return false, func() {}, nil
	}

	events, cancel := s.conn.Subscribe("Fetch.requestPaused")
	params := map[string]any{
		"patterns": []map[string]string{{"urlPattern": "*"}},
	}
	if err := s.call(ctx, "Fetch.enable", params, nil); err != nil {
		cancel()
		return false, nil, classify("enable-interception", err, KindTransport)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.serveInterceptions(events, primaryHost)
	}()

	return true, func() {
		cancel()
		<-done
	}, nil
}

func (s *Session) serveInterceptions(events <-chan cdp.Event, primaryHost string) {
	for ev := range events {
		var paused struct {
			RequestID string `json:"requestId"`
			Request   struct {
				URL string `json:"url"`
			} `json:"request"`
			ResourceType string `json:"resourceType"`
		}
		if err := json.Unmarshal(ev.Params, &paused); err != nil {
			s.logger.Warn("unparseable requestPaused event", zap.Error(err))
			continue
		}

		decision := s.policy.Decide(primaryHost, InterceptedRequest{
			URL:          paused.Request.URL,
			Host:         hostOf(paused.Request.URL),
			ResourceType: paused.ResourceType,
			IsNavigation: paused.ResourceType == "Document",
		})

		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		var err error
		if decision == DecisionContinue {
			err = s.conn.Call(ctx, "Fetch.continueRequest",
				map[string]string{"requestId": paused.RequestID}, nil)
		} else {
			err = s.conn.Call(ctx, "Fetch.failRequest", map[string]string{
				"requestId":   paused.RequestID,
				"errorReason": "BlockedByClient",
			}, nil)
		}
		cancel()
		if err != nil {
			// The connection is dying or the request vanished; either way
			// the render path surfaces the real failure.
			s.logger.Debug("interception reply failed",
				zap.String("url", paused.Request.URL), zap.Error(err))
		}
	}
}

// navigate issues Page.navigate and interprets the response.
func (s *Session) navigate(ctx context.Context, target string) (frameID string, err error) {
	var result struct {
		FrameID   string `json:"frameId"`
		ErrorText string `json:"errorText"`
	}
	params := map[string]string{"url": target}
	if err := s.call(ctx, "Page.navigate", params, &result); err != nil {
		return "", classify("navigate", err, KindTransport)
	}
	if result.ErrorText != "" {
		return "", &Error{
			Kind:          KindNavigate,
			Op:            "navigate",
			Err:           fmt.Errorf("browser reported %s", result.ErrorText),
			UpstreamFault: upstreamFault(result.ErrorText),
		}
	}
	return result.FrameID, nil
}

// awaitFrameStart waits for the main frame to begin loading. A navigation
// that never starts within the bound is broken.
func (s *Session) awaitFrameStart(ctx context.Context, frames *frameTracker, frameID string) error {
	bound, cancel := context.WithTimeout(ctx, frameStartBound)
	defer cancel()

	select {
	case <-frames.started(frameID):
		return nil
	case <-s.conn.Done():
		return newError(KindTransport, "frame-start", cdp.ErrConnClosed)
	case <-bound.Done():
		if ctx.Err() != nil {
			return classify("frame-start", ctx.Err(), KindTimeout)
		}
		return newError(KindNavigate, "frame-start",
			fmt.Errorf("main frame did not start loading within %s", frameStartBound))
	}
}

// awaitReady polls the page until it declares itself ready. A page that
// sets window.prerenderReady controls readiness explicitly; otherwise the
// load event plus a window of network silence is taken as done.
func (s *Session) awaitReady(ctx context.Context, frames *frameTracker, activity *activityTracker) error {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return classify("await-ready", ctx.Err(), KindTimeout)
		case <-s.conn.Done():
			return newError(KindTransport, "await-ready", cdp.ErrConnClosed)
		case <-ticker.C:
		}

		var result struct {
			Result struct {
				Type  string          `json:"type"`
				Value json.RawMessage `json:"value"`
			} `json:"result"`
		}
		params := map[string]any{
			"expression":    "window.prerenderReady",
			"returnByValue": true,
		}
		if err := s.call(ctx, "Runtime.evaluate", params, &result); err != nil {
			return classify("await-ready", err, KindTransport)
		}

		switch result.Result.Type {
		case "boolean":
			// The page opted in: only an explicit true releases the render.
			if string(result.Result.Value) == "true" {
				return nil
			}
		case "undefined":
			if frames.loadFired() && activity.quietFor(s.cfg.SettleWindow) {
				return nil
			}
		}
	}
}

// extract issues the format-specific extraction call.
func (s *Session) extract(ctx context.Context, req Request) (*Artifact, error) {
	switch req.Format {
	case FormatHTML:
		return s.extractHTML(ctx)
	case FormatMHTML:
		var result struct {
			Data string `json:"data"`
		}
		params := map[string]string{"format": "mhtml"}
		if err := s.call(ctx, "Page.captureSnapshot", params, &result); err != nil {
			return nil, classify("capture-snapshot", err, KindExtract)
		}
		return newArtifact(FormatMHTML, []byte(result.Data)), nil
	case FormatPDF:
		return s.extractPDF(ctx, req.Options)
	case FormatPNG, FormatJPEG:
		return s.extractScreenshot(ctx, req.Format, req.Options)
	default:
		return nil, newError(KindInternal, "extract", fmt.Errorf("unknown format %q", req.Format))
	}
}

func (s *Session) extractHTML(ctx context.Context) (*Artifact, error) {
	var doc struct {
		Root struct {
			NodeID int `json:"nodeId"`
		} `json:"root"`
	}
	if err := s.call(ctx, "DOM.getDocument", map[string]int{"depth": 0}, &doc); err != nil {
		return nil, classify("get-document", err, KindExtract)
	}

	var html struct {
		OuterHTML string `json:"outerHTML"`
	}
	params := map[string]int{"nodeId": doc.Root.NodeID}
	if err := s.call(ctx, "DOM.getOuterHTML", params, &html); err != nil {
		return nil, classify("get-outer-html", err, KindExtract)
	}

	data := []byte(html.OuterHTML)
	if s.cfg.StripScripts {
		data = StripScriptTags(data)
	}
	return newArtifact(FormatHTML, data), nil
}

func (s *Session) extractPDF(ctx context.Context, opts Options) (*Artifact, error) {
	params := map[string]any{
		"printBackground": true,
		"landscape":       opts.Landscape,
	}
	if opts.PaperWidth > 0 {
		params["paperWidth"] = opts.PaperWidth
	}
	if opts.PaperHeight > 0 {
		params["paperHeight"] = opts.PaperHeight
	}
	var result struct {
		Data string `json:"data"`
	}
	if err := s.call(ctx, "Page.printToPDF", params, &result); err != nil {
		return nil, classify("print-to-pdf", err, KindExtract)
	}
	data, err := base64.StdEncoding.DecodeString(result.Data)
	if err != nil {
		return nil, newError(KindExtract, "print-to-pdf", err)
	}
	return newArtifact(FormatPDF, data), nil
}

func (s *Session) extractScreenshot(ctx context.Context, format Format, opts Options) (*Artifact, error) {
	params := map[string]any{"format": string(format)}
	if format == FormatJPEG {
		quality := opts.Quality
		if quality <= 0 || quality > 100 {
			quality = 80
		}
		params["quality"] = quality
	}
	var result struct {
		Data string `json:"data"`
	}
	if err := s.call(ctx, "Page.captureScreenshot", params, &result); err != nil {
		return nil, classify("capture-screenshot", err, KindExtract)
	}
	data, err := base64.StdEncoding.DecodeString(result.Data)
	if err != nil {
		return nil, newError(KindExtract, "capture-screenshot", err)
	}
	return newArtifact(format, data), nil
}

// reset drops the rendered document so the page holds no state between
// loans. Runs on its own timeout: the render succeeded even if the
// deadline is nearly spent.
func (s *Session) reset(intercepting bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	if intercepting {
		if err := s.conn.Call(ctx, "Fetch.disable", nil, nil); err != nil {
			return classify("disable-interception", err, KindTransport)
		}
	}
	params := map[string]string{"url": "about:blank"}
	if err := s.conn.Call(ctx, "Page.navigate", params, nil); err != nil {
		return classify("reset", err, KindTransport)
	}
	return nil
}

// call runs one CDP call bounded by min(callTimeout, remaining deadline).
func (s *Session) call(ctx context.Context, method string, params, result any) error {
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return s.conn.Call(callCtx, method, params, result)
}

func hostOf(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}

// frameTracker records lifecycle events so waiters can block on a frame
// starting to load, and exposes whether load has fired.
type frameTracker struct {
	mu    sync.Mutex
	began map[string]chan struct{}
	load  atomic.Bool
}

func newFrameTracker() *frameTracker {
	return &frameTracker{began: make(map[string]chan struct{})}
}

// started returns a channel closed once the frame has begun loading.
func (f *frameTracker) started(frameID string) <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.began[frameID]
	if !ok {
		ch = make(chan struct{})
		f.began[frameID] = ch
	}
	return ch
}

func (f *frameTracker) markStarted(frameID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.began[frameID]
	if !ok {
		ch = make(chan struct{})
		f.began[frameID] = ch
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (f *frameTracker) loadFired() bool { return f.load.Load() }

func trackLifecycle(events <-chan cdp.Event, frames *frameTracker) {
	for ev := range events {
		switch ev.Method {
		case "Page.frameStartedLoading":
			var p struct {
				FrameID string `json:"frameId"`
			}
			if json.Unmarshal(ev.Params, &p) == nil {
				frames.markStarted(p.FrameID)
			}
		case "Page.loadEventFired":
			frames.load.Store(true)
		}
	}
}

// activityTracker timestamps the most recent network event.
type activityTracker struct {
	last atomic.Int64 // unix nanos
}

func newActivityTracker() *activityTracker {
	t := &activityTracker{}
	t.touch()
	return t
}

func (t *activityTracker) touch() { t.last.Store(time.Now().UnixNano()) }

func (t *activityTracker) quietFor(window time.Duration) bool {
	return time.Since(time.Unix(0, t.last.Load())) >= window
}

func trackActivity(events <-chan cdp.Event, activity *activityTracker) {
	for range events {
		activity.touch()
	}
}
