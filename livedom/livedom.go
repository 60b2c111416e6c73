// Package livedom feeds the configurator with snapshots of real pages.
// It drives a Chrome instance through rod, opening stealth-patched pages
// so customer sites that resist automation still render normally. The
// engine itself never talks to a browser; callers snapshot here and hand
// the HTML and measured boxes to an engine session.
package livedom

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// Config configures the browser source.
type Config struct {
	// RemoteURL attaches to an already-running Chrome over its DevTools
	// websocket. Empty launches a local browser.
	RemoteURL string `yaml:"remote_url"`

	// Headful shows the browser window. Snapshots work headless; headful
	// exists for debugging a misrendering page.
	Headful bool `yaml:"headful"`

	// NoStealth opens plain pages instead of stealth-patched ones.
	NoStealth bool `yaml:"no_stealth"`

	// UserAgent overrides the browser's user agent on every page.
	UserAgent string `yaml:"user_agent"`

	// NavigateTimeout bounds navigation plus initial load. Default 30s.
	NavigateTimeout time.Duration `yaml:"navigate_timeout"`

	// RecycleInterval is the maximum lifetime of one Chrome process.
	// The browser restarts once the interval lapses and no pages are
	// open. Default 4h.
	RecycleInterval time.Duration `yaml:"recycle_interval"`
}

func (c *Config) defaults() {
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 30 * time.Second
	}
	if c.RecycleInterval <= 0 {
		c.RecycleInterval = 4 * time.Hour
	}
}

// Source owns one Chrome process and hands out pages on it.
type Source struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	startAt time.Time
	open    int
	closed  bool

	stop chan struct{}
	done chan struct{}
}

// Open launches Chrome (or attaches to RemoteURL) and starts the recycle
// monitor.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Source, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Source{
		cfg:    cfg,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if err := s.launch(ctx); err != nil {
		return nil, err
	}
	go s.monitorLoop()
	return s, nil
}

func (s *Source) launch(ctx context.Context) error {
	var wsURL string
	if s.cfg.RemoteURL != "" {
		wsURL = s.cfg.RemoteURL
		s.logger.Info("livedom: attaching to remote browser", "url", wsURL)
	} else {
		l := launcher.New().
			Headless(!s.cfg.Headful).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("livedom: launch: %w", err)
		}
		wsURL = u
		s.lnch = l
		s.logger.Info("livedom: launched browser", "headful", s.cfg.Headful)
	}

	b := rod.New().Context(ctx).ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		s.cleanupLocked()
		return fmt.Errorf("livedom: connect: %w", err)
	}
	if err := b.IgnoreCertErrors(true); err != nil {
		s.logger.Warn("livedom: ignore cert errors failed", "error", err)
	}

	s.browser = b
	s.startAt = time.Now()
	return nil
}

// Recycle restarts Chrome. Refused while pages are open: a handle's page
// would silently die under it.
func (s *Source) Recycle(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("livedom: source is closed")
	}
	if s.open > 0 {
		return fmt.Errorf("livedom: %d pages still open", s.open)
	}
	s.logger.Info("livedom: recycling browser", "uptime", time.Since(s.startAt))
	s.cleanupLocked()
	return s.launch(ctx)
}

// Close shuts the browser down.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cleanupLocked()
	s.mu.Unlock()

	close(s.stop)
	<-s.done
	return nil
}

func (s *Source) cleanupLocked() {
	if s.browser != nil {
		s.browser.Close()
		s.browser = nil
	}
	if s.lnch != nil {
		s.lnch.Cleanup()
		s.lnch = nil
	}
}

func (s *Source) monitorLoop() {
	defer close(s.done)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			due := !s.closed && s.open == 0 && time.Since(s.startAt) > s.cfg.RecycleInterval
			s.mu.Unlock()
			if !due {
				continue
			}
			if err := s.Recycle(context.Background()); err != nil {
				s.logger.Error("livedom: recycle failed", "error", err)
			}
		}
	}
}

func (s *Source) release() {
	s.mu.Lock()
	s.open--
	s.mu.Unlock()
}
