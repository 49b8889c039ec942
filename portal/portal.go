// CLAUDE:SUMMARY Rod-backed portal session: login form, challenge capture, menu actions and page content for one entity.
// Package portal binds the crawler to a real browser. A Portal opens one
// stealth page per entity on the shared Chrome process and exposes it as a
// batch.Session.
package portal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/taxpull/batch"
	"github.com/hazyhaar/taxpull/entity"
	"github.com/hazyhaar/taxpull/navigate"
	"github.com/hazyhaar/taxpull/portal/internal/browser"
)

// BrowserConfig is the Chrome configuration, re-exported for the config file.
type BrowserConfig = browser.Config

// Selectors locate the login form on the portal.
type Selectors struct {
	Challenge string `yaml:"challenge"` // challenge image
	Login     string `yaml:"login"`
	Secret    string `yaml:"secret"`
	Answer    string `yaml:"answer"`
	Submit    string `yaml:"submit"`
	// Refresh asks for a new challenge. Empty reloads the login page.
	Refresh string `yaml:"refresh"`
	// WrongAnswer is shown by the portal when the challenge answer is rejected.
	WrongAnswer navigate.Marker `yaml:"wrong_answer"`
	// LoggedIn confirms a successful login. Optional.
	LoggedIn navigate.Marker `yaml:"logged_in"`
	// Logout is clicked on Close, best effort. Optional.
	Logout string `yaml:"logout"`
}

// Config configures a Portal.
type Config struct {
	LoginURL       string        `yaml:"login_url"`
	Selectors      Selectors     `yaml:"selectors"`
	ElementTimeout time.Duration `yaml:"element_timeout"` // default 3s
	PageTimeout    time.Duration `yaml:"page_timeout"`    // default 30s
	Browser        BrowserConfig `yaml:"browser"`
}

func (c *Config) defaults() {
	if c.ElementTimeout <= 0 {
		c.ElementTimeout = 3 * time.Second
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = 30 * time.Second
	}
}

// Validate checks the login URL and the mandatory form selectors.
func (c Config) Validate() error {
	if c.LoginURL == "" {
		return fmt.Errorf("portal: login_url is required")
	}
	s := c.Selectors
	for name, v := range map[string]string{
		"challenge": s.Challenge,
		"login":     s.Login,
		"secret":    s.Secret,
		"answer":    s.Answer,
		"submit":    s.Submit,
	} {
		if v == "" {
			return fmt.Errorf("portal: selectors.%s is required", name)
		}
	}
	if s.WrongAnswer.IsZero() {
		return fmt.Errorf("portal: selectors.wrong_answer is required")
	}
	return nil
}

// Portal opens sessions on the tax portal.
type Portal struct {
	cfg    Config
	mgr    *browser.Manager
	logger *slog.Logger
}

// New creates a Portal. Chrome starts with Start or on the first Open.
func New(cfg Config, logger *slog.Logger) (*Portal, error) {
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	bc := cfg.Browser
	if bc.Logger == nil {
		bc.Logger = logger
	}
	return &Portal{cfg: cfg, mgr: browser.NewManager(bc), logger: logger}, nil
}

// Start launches Chrome and its memory monitor.
func (p *Portal) Start(ctx context.Context) error {
	return p.mgr.Start(ctx)
}

// Close shuts Chrome down.
func (p *Portal) Close() error {
	return p.mgr.Close()
}

// Open implements batch.Opener: a fresh page on the login form.
func (p *Portal) Open(ctx context.Context, ent *entity.Entity) (batch.Session, error) {
	page, err := p.mgr.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("portal: acquire page: %w", err)
	}
	s := &Session{cfg: p.cfg, page: page, mgr: p.mgr, logger: p.logger.With("entity", ent.ID)}
	if err := s.gotoURL(ctx, p.cfg.LoginURL); err != nil {
		s.Close()
		return nil, fmt.Errorf("portal: open login page: %w", err)
	}
	return s, nil
}

// Session is one entity's page. It is not safe for concurrent use.
type Session struct {
	cfg    Config
	page   *rod.Page
	mgr    *browser.Manager
	logger *slog.Logger
	closed bool
}

// CaptureChallenge screenshots the challenge image.
func (s *Session) CaptureChallenge(ctx context.Context) ([]byte, error) {
	var img []byte
	err := s.withElement(ctx, s.cfg.Selectors.Challenge, s.cfg.ElementTimeout, func(el *rod.Element) error {
		if err := el.WaitVisible(); err != nil {
			return err
		}
		var err error
		img, err = el.Screenshot(proto.PageCaptureScreenshotFormatPng, 0)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("portal: capture challenge: %w", err)
	}
	return img, nil
}

// RefreshChallenge clicks the refresh control, or reloads the login page
// when none is configured.
func (s *Session) RefreshChallenge(ctx context.Context) error {
	if sel := s.cfg.Selectors.Refresh; sel != "" {
		err := s.withElement(ctx, sel, s.cfg.ElementTimeout, func(el *rod.Element) error {
			return el.Click(proto.InputMouseButtonLeft, 1)
		})
		if err != nil {
			return fmt.Errorf("portal: refresh challenge: %w", err)
		}
		return nil
	}
	if err := s.gotoURL(ctx, s.cfg.LoginURL); err != nil {
		return fmt.Errorf("portal: reload login page: %w", err)
	}
	return nil
}

// Submit fills the login form and submits it.
func (s *Session) Submit(ctx context.Context, login, secret, answer string) error {
	sel := s.cfg.Selectors
	for _, f := range []struct{ selector, value string }{
		{sel.Login, login},
		{sel.Secret, secret},
		{sel.Answer, answer},
	} {
		if err := s.withElement(ctx, f.selector, s.cfg.ElementTimeout, func(el *rod.Element) error {
			return fill(el, f.value)
		}); err != nil {
			return fmt.Errorf("portal: fill %s: %w", f.selector, err)
		}
	}
	err := s.withElement(ctx, sel.Submit, s.cfg.ElementTimeout, func(el *rod.Element) error {
		return el.Click(proto.InputMouseButtonLeft, 1)
	})
	if err != nil {
		return fmt.Errorf("portal: submit: %w", err)
	}
	return nil
}

// WrongAnswer polls for the rejection marker until wait elapses. When a
// LoggedIn marker is configured it ends the wait early, and its absence at
// the deadline counts as a rejected answer.
func (s *Session) WrongAnswer(ctx context.Context, wait time.Duration) (bool, error) {
	sel := s.cfg.Selectors
	deadline := time.Now().Add(wait)
	for {
		found, err := s.hasMarker(ctx, sel.WrongAnswer, pollInterval)
		if err != nil || found {
			return found, err
		}
		if !sel.LoggedIn.IsZero() {
			ok, err := s.hasMarker(ctx, sel.LoggedIn, pollInterval)
			if err != nil {
				return false, err
			}
			if ok {
				return false, nil
			}
		}
		if time.Now().After(deadline) {
			return !sel.LoggedIn.IsZero(), nil
		}
	}
}

// Perform implements navigate.Driver.
func (s *Session) Perform(ctx context.Context, st navigate.Step) error {
	timeout := st.Timeout
	if timeout <= 0 {
		timeout = s.cfg.ElementTimeout
	}

	var err error
	switch st.Action {
	case navigate.ActionGoto:
		err = s.gotoURL(ctx, st.Value)
	case navigate.ActionHover:
		err = s.withElement(ctx, st.Selector, timeout, func(el *rod.Element) error {
			return el.Hover()
		})
	case navigate.ActionClick:
		err = s.withElement(ctx, st.Selector, timeout, func(el *rod.Element) error {
			return el.Click(proto.InputMouseButtonLeft, 1)
		})
	case navigate.ActionSelect:
		err = s.withElement(ctx, st.Selector, timeout, func(el *rod.Element) error {
			return el.Select([]string{st.Value}, true, rod.SelectorTypeText)
		})
	case navigate.ActionInput:
		err = s.withElement(ctx, st.Selector, timeout, func(el *rod.Element) error {
			return fill(el, st.Value)
		})
	case navigate.ActionWait:
		err = s.withElement(ctx, st.Selector, timeout, func(*rod.Element) error { return nil })
	default:
		return fmt.Errorf("portal: unknown action %q", st.Action)
	}
	if err != nil {
		return fmt.Errorf("portal: %s %s: %w", st.Action, st.Selector, err)
	}
	return nil
}

// WaitMarker implements navigate.Driver.
func (s *Session) WaitMarker(ctx context.Context, m navigate.Marker, timeout time.Duration) (bool, error) {
	return s.hasMarker(ctx, m, timeout)
}

// Content returns the rendered HTML of the current page.
func (s *Session) Content(ctx context.Context) ([]byte, error) {
	p := s.page.Context(ctx).Timeout(s.cfg.PageTimeout)
	defer p.CancelTimeout()
	html, err := p.HTML()
	if err != nil {
		return nil, fmt.Errorf("portal: read page: %w", err)
	}
	return []byte(html), nil
}

// Close logs out when configured and gives the page back to the manager.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if sel := s.cfg.Selectors.Logout; sel != "" {
		err := s.withElement(context.Background(), sel, s.cfg.ElementTimeout, func(el *rod.Element) error {
			return el.Click(proto.InputMouseButtonLeft, 1)
		})
		if err != nil {
			s.logger.Debug("portal: logout skipped", "error", err)
		}
	}
	return s.mgr.Release(s.page)
}

const pollInterval = 250 * time.Millisecond

func (s *Session) gotoURL(ctx context.Context, url string) error {
	p := s.page.Context(ctx).Timeout(s.cfg.PageTimeout)
	defer p.CancelTimeout()
	if err := p.Navigate(url); err != nil {
		return err
	}
	return p.WaitLoad()
}

// withElement finds selector within timeout and runs fn on it under the
// same deadline.
func (s *Session) withElement(ctx context.Context, selector string, timeout time.Duration, fn func(*rod.Element) error) error {
	p := s.page.Context(ctx).Timeout(timeout)
	defer p.CancelTimeout()
	el, err := p.Element(selector)
	if err != nil {
		return err
	}
	return fn(el)
}

// hasMarker reports whether m is on the page within timeout. Not finding it
// is not an error.
func (s *Session) hasMarker(ctx context.Context, m navigate.Marker, timeout time.Duration) (bool, error) {
	if m.IsZero() {
		return true, nil
	}
	p := s.page.Context(ctx).Timeout(timeout)
	defer p.CancelTimeout()

	var err error
	if m.Text != "" {
		sel := m.Selector
		if sel == "" {
			sel = "body"
		}
		_, err = p.ElementR(sel, textPattern(m.Text))
	} else {
		_, err = p.Element(m.Selector)
	}
	var notFound *rod.ElementNotFoundError
	switch {
	case err == nil:
		return true, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &notFound):
		return false, nil
	default:
		return false, err
	}
}

// fill replaces the content of an input.
func fill(el *rod.Element, value string) error {
	if err := el.SelectAllText(); err != nil {
		return err
	}
	return el.Input(value)
}

// textPattern builds a case-insensitive JavaScript regex matching text
// literally.
func textPattern(text string) string {
	var b strings.Builder
	b.WriteByte('/')
	for _, r := range text {
		if strings.ContainsRune(`\^$.|?*+()[]{}/`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteString("/i")
	return b.String()
}
