// Package browser manages the pool of headless Chrome sessions that execute
// crawl jobs. Sessions are created lazily, reused across jobs, and recycled
// once they age out or serve their use budget.
package browser

import (
	"fmt"
	"runtime"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/rs/zerolog/log"
)

// Config holds the pool and session settings wired in from the environment.
type Config struct {
	MaxSessions    int           // hard cap on concurrent sessions
	AcquireTimeout time.Duration // upper bound on waiting for a session
	MaxSessionUses int           // jobs served before a session is recycled
	MaxSessionAge  time.Duration // wall-clock age before a session is recycled
	LaunchRetries  int           // attempts before a slot is marked degraded
	Headless       bool
	BrowserPath    string
	UserAgent      string
}

// newLauncher builds a Chrome launcher for one session. Launchers are
// single-use, so every session launch creates a fresh one.
func newLauncher(cfg Config) *launcher.Launcher {
	l := launcher.New()

	if cfg.BrowserPath != "" {
		l = l.Bin(cfg.BrowserPath)
	}

	if cfg.Headless {
		l = l.Set("headless", "new")
	} else {
		// Rod defaults to headless; disable explicitly when running against
		// a virtual display.
		l = l.Headless(false)
	}

	// Container flags.
	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	// Keep automation markers out of the rendered pages.
	l = l.Set("disable-blink-features", "AutomationControlled")
	l = l.Delete("enable-automation")
	l = l.Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp")

	l = l.Set("accept-lang", "en-US,en;q=0.9")
	l = l.Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("disable-search-engine-choice-screen")

	l = l.Set("window-size", "1920,1080")

	l = l.Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio").
		Set("no-zygote").
		Set("safebrowsing-disable-auto-update")

	l = l.Set("js-flags", "--max-old-space-size=256").
		Set("disable-ipc-flooding-protection").
		Set("disable-renderer-backgrounding")

	l = l.Set("disable-gpu-sandbox")

	if runtime.GOARCH == "arm" || runtime.GOARCH == "arm64" {
		l = l.Set("disable-gpu-compositing")
		log.Debug().Msg("ARM detected: using software compositing")
	}

	return l
}

// launchBrowser starts a Chrome process and connects to it over CDP.
func launchBrowser(cfg Config) (*rod.Browser, error) {
	url, err := newLauncher(cfg).Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	b := rod.New().ControlURL(url)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	log.Debug().Str("url", url).Msg("Browser launched")
	return b, nil
}
