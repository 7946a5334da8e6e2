package browser

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"

	"github.com/shield4u/crawl-worker/internal/security"
	"github.com/shield4u/crawl-worker/internal/types"
)

// Rendered HTML size cap.
const maxHTMLSize = 10 * 1024 * 1024

// State is the lifecycle state of a session.
type State int32

// Session states.
const (
	StateIdle State = iota
	StateBusy
	StateUnhealthy
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateUnhealthy:
		return "unhealthy"
	case StateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// Session is one live browser instance. A session serves at most one job at
// a time; the pool owns state transitions between jobs.
type Session struct {
	ID        string
	browser   *rod.Browser
	createdAt time.Time
	userAgent string

	state      atomic.Int32
	jobsServed atomic.Int64
	closeOnce  sync.Once
	closeErr   error

	// probe overrides the health check, set only by pool tests.
	probe func(context.Context) bool
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Age returns how long the session has existed.
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(s.createdAt)
}

// JobsServed returns how many jobs this session has completed.
func (s *Session) JobsServed() int64 {
	return s.jobsServed.Load()
}

// Healthy probes the browser by opening and navigating a blank page.
// A session that fails the probe is recycled rather than repaired.
func (s *Session) Healthy(ctx context.Context) bool {
	if s.probe != nil {
		return s.probe(ctx)
	}
	if s.State() == StateTerminating {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	page, err := s.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		log.Debug().Err(err).Str("session_id", s.ID).Msg("Health probe failed: cannot create page")
		return false
	}
	defer page.Close()

	if err := page.Context(probeCtx).Navigate("about:blank"); err != nil {
		log.Debug().Err(err).Str("session_id", s.ID).Msg("Health probe failed: cannot navigate")
		return false
	}
	return true
}

// Close terminates the browser process. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.setState(StateTerminating)
		if s.browser != nil {
			s.closeErr = s.browser.Close()
		}
	})
	return s.closeErr
}

// Render navigates the session to targetURL and extracts the page. The
// context carries the job deadline and is the sole cancellation trigger:
// rod aborts in-flight CDP calls when it fires. The returned error is
// always classifiable through the sentinel errors in internal/types.
func (s *Session) Render(ctx context.Context, targetURL string, opts types.RenderOptions) (*types.PageResult, error) {
	if s.State() == StateTerminating {
		return nil, types.ErrSessionClosed
	}

	page, err := stealth.Page(s.browser)
	if err != nil {
		return nil, types.NewSessionCrashError(targetURL, err)
	}
	defer page.Close()

	if s.userAgent != "" {
		if err := (proto.NetworkSetUserAgentOverride{UserAgent: s.userAgent}).Call(page); err != nil {
			log.Warn().Err(err).Msg("Failed to set user agent")
		}
	}

	width, height := opts.ViewportWidth, opts.ViewportHeight
	if width <= 0 || height <= 0 {
		width, height = 1920, 1080
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1,
		Mobile:            false,
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to set viewport")
	}

	if opts.DisableMedia {
		stop := blockMedia(page)
		defer stop()
	}

	capture, captureCleanup, err := setupNetworkCapture(ctx, page)
	if err != nil {
		log.Debug().Err(err).Msg("Network capture setup interrupted")
	}
	defer captureCleanup()

	if len(opts.Headers) > 0 {
		if err := setExtraHeaders(page, opts.Headers); err != nil {
			log.Warn().Err(err).Msg("Failed to set extra headers")
		}
	}

	if len(opts.Cookies) > 0 {
		if err := setCookies(page, opts.Cookies, targetURL); err != nil {
			log.Warn().Err(err).Msg("Failed to set cookies")
		}
	}

	if err := page.Context(ctx).Navigate(targetURL); err != nil {
		return nil, classifyNavError(ctx, targetURL, err)
	}

	if err := waitForCondition(ctx, page, opts.Wait); err != nil {
		if ctx.Err() != nil {
			return nil, types.NewNavigationTimeoutError(targetURL)
		}
		log.Warn().Err(err).Str("wait", string(opts.Wait)).Msg("Wait condition failed, continuing")
	}

	if opts.WaitExtra > 0 {
		if !sleepWithContext(ctx, opts.WaitExtra) {
			return nil, types.NewNavigationTimeoutError(targetURL)
		}
	}

	s.jobsServed.Add(1)
	return s.extract(ctx, page, capture, targetURL, opts)
}

// extract gathers everything the result needs from the rendered page.
func (s *Session) extract(ctx context.Context, page *rod.Page, capture *networkCapture, targetURL string, opts types.RenderOptions) (*types.PageResult, error) {
	html, err := page.Context(ctx).HTML()
	if err != nil {
		return nil, classifyNavError(ctx, targetURL, err)
	}
	if len(html) > maxHTMLSize {
		log.Warn().Int("size", len(html)).Msg("Rendered HTML truncated")
		html = html[:maxHTMLSize]
	}

	finalURL := targetURL
	title := ""
	if info, err := page.Info(); err == nil {
		if info.URL != "" {
			finalURL = info.URL
		}
		title = info.Title
	}
	if u := capture.FinalURL(); u != "" {
		finalURL = u
	}

	// A redirect chain can land somewhere the admission check never saw.
	if err := security.ValidateTargetURL(finalURL); err != nil {
		return nil, types.NewNavigationError(finalURL, err)
	}

	result := &types.PageResult{
		Meta: types.PageMeta{
			URL:       targetURL,
			FinalURL:  finalURL,
			Status:    capture.StatusCode(),
			Title:     title,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			MaxDepth:  opts.MaxDepth,
		},
		SecurityHeaders: capture.SecurityHeaders(),
		HTML:            html,
	}

	if cookies, err := page.Cookies(nil); err == nil {
		result.Cookies = convertCookies(cookies)
	} else if !strings.Contains(err.Error(), "partitionKey") {
		log.Warn().Err(err).Msg("Failed to read cookies")
	}

	if opts.CollectStorage {
		result.StorageKeys = collectStorageKeys(page)
	}

	return result, nil
}

// blockMedia intercepts requests for images, stylesheets, fonts, and media.
// Returns a stop function for the hijack router.
func blockMedia(page *rod.Page) func() {
	router := page.HijackRequests()

	router.MustAdd("*", func(h *rod.Hijack) {
		switch h.Request.Type() {
		case proto.NetworkResourceTypeImage,
			proto.NetworkResourceTypeStylesheet,
			proto.NetworkResourceTypeFont,
			proto.NetworkResourceTypeMedia:
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})

	go router.Run()
	return func() { _ = router.Stop() }
}

func setExtraHeaders(page *rod.Page, headers map[string]string) error {
	cdpHeaders := make(proto.NetworkHeaders, len(headers))
	for k, v := range headers {
		cdpHeaders[k] = gson.New(v)
	}
	return proto.NetworkSetExtraHTTPHeaders{Headers: cdpHeaders}.Call(page)
}

func setCookies(page *rod.Page, cookies map[string]string, targetURL string) error {
	parsed, err := url.Parse(targetURL)
	if err != nil {
		return err
	}
	host := parsed.Hostname()

	// Jobs give cookies as name/value only; scope them to the target host.
	domain := security.SanitizeCookieDomain(host, host)

	cdpCookies := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for name, value := range cookies {
		cdpCookies = append(cdpCookies, &proto.NetworkCookieParam{
			Name:   name,
			Value:  value,
			Domain: domain,
			Path:   "/",
		})
	}
	return page.SetCookies(cdpCookies)
}

func waitForCondition(ctx context.Context, page *rod.Page, cond types.WaitCondition) error {
	p := page.Context(ctx)
	switch cond {
	case types.WaitStable:
		return p.WaitDOMStable(300*time.Millisecond, 0)
	case types.WaitIdle:
		idleBudget := 30 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < idleBudget {
				idleBudget = remaining
			}
		}
		return p.WaitIdle(idleBudget)
	default:
		return p.WaitLoad()
	}
}

// collectStorageKeys reads localStorage and sessionStorage key names only.
// Values stay in the browser.
func collectStorageKeys(page *rod.Page) types.StorageKeys {
	keys := types.StorageKeys{
		LocalStorage:   []string{},
		SessionStorage: []string{},
	}

	result, err := proto.RuntimeEvaluate{
		Expression: `(function() {
			var out = {local: [], session: []};
			try {
				for (var i = 0; i < localStorage.length; i++) out.local.push(localStorage.key(i));
			} catch(e) {}
			try {
				for (var i = 0; i < sessionStorage.length; i++) out.session.push(sessionStorage.key(i));
			} catch(e) {}
			return JSON.stringify(out);
		})()`,
		ReturnByValue: true,
	}.Call(page)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to collect storage keys")
		return keys
	}

	if result.Result.Type != proto.RuntimeRemoteObjectTypeString {
		return keys
	}

	var raw struct {
		Local   []string `json:"local"`
		Session []string `json:"session"`
	}
	if err := json.Unmarshal([]byte(result.Result.Value.Str()), &raw); err != nil {
		log.Debug().Err(err).Msg("Failed to parse storage keys")
		return keys
	}
	if raw.Local != nil {
		keys.LocalStorage = raw.Local
	}
	if raw.Session != nil {
		keys.SessionStorage = raw.Session
	}
	return keys
}

func convertCookies(cookies []*proto.NetworkCookie) []types.Cookie {
	out := make([]types.Cookie, 0, len(cookies))
	for _, c := range cookies {
		if c == nil {
			continue
		}
		out = append(out, types.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  float64(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			Session:  c.Session,
			SameSite: string(c.SameSite),
		})
	}
	return out
}

// classifyNavError maps a rod navigation failure onto the error taxonomy.
// Deadline expiry wins over everything; websocket and target loss mean the
// session itself is gone.
func classifyNavError(ctx context.Context, targetURL string, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return types.NewNavigationTimeoutError(targetURL)
	}
	if isCrashError(err) {
		return types.NewSessionCrashError(targetURL, err)
	}
	return types.NewNavigationError(targetURL, err)
}

// isCrashError reports whether an error indicates the browser process or its
// CDP connection died, as opposed to a plain navigation failure.
func isCrashError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"websocket",
		"target closed",
		"browser has been closed",
		"use of closed network connection",
		"connection reset",
		"session closed",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
