// CLAUDE:SUMMARY Chrome lifecycle for the portal crawler: launch, stealth pages, deferred recycling between entities.
// Package browser manages the Chrome process behind portal sessions: start,
// connect via Rod, hand out stealth pages, and recycle the process on a
// memory or lifetime threshold once no page is in use.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
)

// Config configures the browser manager.
type Config struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string `yaml:"remote_url"`

	// Bin is the Chrome binary. Empty lets the launcher find or download one.
	Bin string `yaml:"bin"`

	// Headful runs a visible Chrome on an Xvfb display.
	Headful bool `yaml:"headful"`

	// XvfbDisplay for headful mode. Default: ":99".
	XvfbDisplay string `yaml:"xvfb_display"`

	// XvfbScreen is the virtual screen geometry, WxHxDepth. Default: "1366x768x24".
	XvfbScreen string `yaml:"xvfb_screen"`

	// MemoryLimit in bytes. Recycle Chrome when exceeded. Default: 1GB.
	MemoryLimit int64 `yaml:"memory_limit"`

	// RecycleInterval is the maximum lifetime of a Chrome process. Default: 2h.
	RecycleInterval time.Duration `yaml:"recycle_interval"`

	// ResourceBlocking lists resource types to block (fonts, media,
	// stylesheets). Images are never blocked.
	ResourceBlocking []string `yaml:"resource_blocking"`

	Logger *slog.Logger `yaml:"-"`
}

func (c *Config) defaults() {
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = 1 << 30
	}
	if c.RecycleInterval <= 0 {
		c.RecycleInterval = 2 * time.Hour
	}
	if c.XvfbDisplay == "" {
		c.XvfbDisplay = ":99"
	}
	if c.XvfbScreen == "" {
		c.XvfbScreen = "1366x768x24"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.ResourceBlocking = blockable(c.ResourceBlocking, c.Logger)
}

// Manager manages Chrome lifecycle.
type Manager struct {
	cfg        Config
	mu         sync.Mutex
	browser    *rod.Browser
	lnch       *launcher.Launcher
	xvfb       *exec.Cmd
	startAt    time.Time
	active     int
	recycleDue bool
	closed     bool
}

// NewManager creates a browser Manager. Chrome is launched by Start or by
// the first Acquire.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// Start launches Chrome (or connects to a remote instance) and starts the
// memory monitor goroutine, which stops with ctx.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("browser: manager is closed")
	}
	if m.browser == nil {
		if err := m.launchLocked(); err != nil {
			return err
		}
	}
	go m.monitorLoop(ctx)
	return nil
}

// Acquire opens a new stealth page. A pending recycle runs first when no
// other page is open. Every page must be given back with Release.
func (m *Manager) Acquire(ctx context.Context) (*rod.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("browser: manager is closed")
	}
	if m.recycleDue && m.active == 0 {
		if err := m.recycleLocked(); err != nil {
			return nil, err
		}
	}
	if m.browser == nil {
		if err := m.launchLocked(); err != nil {
			return nil, err
		}
	}

	page, err := stealth.Page(m.browser.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("browser: create page: %w", err)
	}
	page = page.Context(context.Background())
	if len(m.cfg.ResourceBlocking) > 0 {
		if err := applyResourceBlocking(page, m.cfg.ResourceBlocking); err != nil {
			m.cfg.Logger.Warn("browser: resource blocking failed", "error", err)
		}
	}
	m.active++
	return page, nil
}

// Release closes page and runs a pending recycle if it was the last one.
func (m *Manager) Release(page *rod.Page) error {
	var closeErr error
	if page != nil {
		closeErr = page.Close()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active > 0 {
		m.active--
	}
	if m.recycleDue && m.active == 0 && !m.closed {
		if err := m.recycleLocked(); err != nil {
			m.cfg.Logger.Error("browser: recycle failed", "error", err)
		}
	}
	if closeErr != nil {
		return fmt.Errorf("browser: close page: %w", closeErr)
	}
	return nil
}

// Active returns the number of pages handed out and not yet released.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// RequestRecycle marks Chrome for recycling. It happens immediately when no
// page is open, otherwise when the last page is released.
func (m *Manager) RequestRecycle(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.browser == nil {
		return
	}
	m.cfg.Logger.Info("browser: recycle requested", "reason", reason, "active_pages", m.active)
	m.recycleDue = true
	if m.active == 0 {
		if err := m.recycleLocked(); err != nil {
			m.cfg.Logger.Error("browser: recycle failed", "error", err)
		}
	}
}

// Close shuts down Chrome and Xvfb.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cleanup()
	return nil
}

func (m *Manager) launchLocked() error {
	log := m.cfg.Logger

	if m.cfg.Headful && m.cfg.RemoteURL == "" {
		if err := m.startXvfb(); err != nil {
			return fmt.Errorf("browser: xvfb: %w", err)
		}
	}

	var wsURL string
	if m.cfg.RemoteURL != "" {
		wsURL = m.cfg.RemoteURL
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New()
		if m.cfg.Bin != "" {
			l = l.Bin(m.cfg.Bin)
		}
		if m.cfg.Headful {
			l = l.Headless(false).Env("DISPLAY=" + m.cfg.XvfbDisplay)
		} else {
			l = l.Headless(true)
		}
		l = l.Set("disable-blink-features", "AutomationControlled").
			Set("disable-dev-shm-usage")

		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		log.Info("browser: launched local chrome", "url", wsURL, "headful", m.cfg.Headful)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("browser: connect: %w", err)
	}
	m.browser = b
	m.startAt = time.Now()
	m.recycleDue = false
	return nil
}

func (m *Manager) recycleLocked() error {
	m.cfg.Logger.Info("browser: recycling", "uptime", time.Since(m.startAt))
	m.cleanup()
	if err := m.launchLocked(); err != nil {
		return fmt.Errorf("browser: relaunch: %w", err)
	}
	m.cfg.Logger.Info("browser: recycled successfully")
	return nil
}

func (m *Manager) cleanup() {
	if m.browser != nil {
		m.browser.Close()
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
	m.stopXvfb()
}

func (m *Manager) monitorLoop(ctx context.Context) {
	log := m.cfg.Logger
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.closed {
				m.mu.Unlock()
				return
			}
			b, startAt, due := m.browser, m.startAt, m.recycleDue
			m.mu.Unlock()
			if b == nil || due {
				continue
			}

			if time.Since(startAt) > m.cfg.RecycleInterval {
				m.RequestRecycle("interval")
				continue
			}

			used, err := getJSHeapUsage(b)
			if err != nil {
				log.Debug("browser: heap check failed", "error", err)
				continue
			}
			if used > m.cfg.MemoryLimit {
				log.Info("browser: memory limit exceeded", "used", used, "limit", m.cfg.MemoryLimit)
				m.RequestRecycle("memory")
			}
		}
	}
}

// getJSHeapUsage sums the JS heap of every open page.
func getJSHeapUsage(b *rod.Browser) (int64, error) {
	pages, err := b.Pages()
	if err != nil {
		return 0, err
	}
	if len(pages) == 0 {
		return 0, fmt.Errorf("no pages for heap check")
	}
	var total int64
	for _, p := range pages {
		res, err := p.Eval(`() => performance.memory ? performance.memory.usedJSHeapSize : 0`)
		if err != nil {
			continue
		}
		total += int64(res.Value.Int())
	}
	return total, nil
}
