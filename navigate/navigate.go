// Package navigate drives an authenticated session through a configured
// route of menu steps to the target report page.
//
// A route is data, not code: each Step names an action and a selector, and
// may carry a success Marker, a retry count and an Alternate step for a
// second known menu layout. The route's own Marker confirms arrival; when it
// is absent the Fallback steps are tried once.
package navigate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"
)

// ErrMarkerNotFound means a success marker did not appear after retries,
// alternates and the fallback path.
var ErrMarkerNotFound = errors.New("navigate: success marker not found")

// Action is what a step does on the page.
type Action string

const (
	ActionGoto   Action = "goto"   // load Value as URL
	ActionHover  Action = "hover"  // hover Selector (opens menus)
	ActionClick  Action = "click"  // click Selector
	ActionSelect Action = "select" // choose option text Value in Selector
	ActionInput  Action = "input"  // type Value into Selector
	ActionWait   Action = "wait"   // wait for Selector to appear
)

// Marker identifies an element by CSS selector, by visible text, or both.
type Marker struct {
	Selector string `yaml:"selector" json:"selector,omitempty"`
	Text     string `yaml:"text" json:"text,omitempty"`
}

// IsZero reports whether the marker is unset.
func (m Marker) IsZero() bool { return m.Selector == "" && m.Text == "" }

func (m Marker) String() string {
	switch {
	case m.Selector != "" && m.Text != "":
		return fmt.Sprintf("%s containing %q", m.Selector, m.Text)
	case m.Selector != "":
		return m.Selector
	default:
		return fmt.Sprintf("text %q", m.Text)
	}
}

// Step is one UI action.
type Step struct {
	Name      string        `yaml:"name"`
	Action    Action        `yaml:"action"`
	Selector  string        `yaml:"selector"`
	Value     string        `yaml:"value"`
	Marker    Marker        `yaml:"marker"`
	Timeout   time.Duration `yaml:"timeout"`
	Retries   int           `yaml:"retries"`
	Alternate *Step         `yaml:"alternate"`
}

func (s Step) label() string {
	if s.Name != "" {
		return s.Name
	}
	return string(s.Action) + " " + s.Selector
}

// Route is the full path to a report page.
type Route struct {
	Name     string `yaml:"name"`
	Steps    []Step `yaml:"steps"`
	Marker   Marker `yaml:"marker"`
	Fallback []Step `yaml:"fallback"`
}

// Validate checks the route definition.
func (r Route) Validate() error {
	if len(r.Steps) == 0 {
		return fmt.Errorf("navigate: route %q has no steps", r.Name)
	}
	check := func(prefix string, steps []Step) error {
		for i, s := range steps {
			for st := &s; st != nil; st = st.Alternate {
				if err := validateStep(*st); err != nil {
					return fmt.Errorf("navigate: route %q: %s step %d: %w", r.Name, prefix, i, err)
				}
			}
		}
		return nil
	}
	if err := check("", r.Steps); err != nil {
		return err
	}
	return check("fallback", r.Fallback)
}

func validateStep(s Step) error {
	switch s.Action {
	case ActionGoto:
		if s.Value == "" {
			return errors.New("goto needs a value")
		}
	case ActionHover, ActionClick, ActionWait, ActionSelect, ActionInput:
		if s.Selector == "" {
			return fmt.Errorf("%s needs a selector", s.Action)
		}
	default:
		return fmt.Errorf("unknown action %q", s.Action)
	}
	if s.Retries < 0 {
		return errors.New("negative retries")
	}
	return nil
}

// Driver performs steps on a live page.
type Driver interface {
	Perform(ctx context.Context, step Step) error
	// WaitMarker reports whether m appears within timeout.
	WaitMarker(ctx context.Context, m Marker, timeout time.Duration) (bool, error)
}

// MarkerError names the step whose marker never appeared.
type MarkerError struct {
	Route  string
	Step   string
	Marker Marker
	Cause  error
}

func (e *MarkerError) Error() string {
	msg := fmt.Sprintf("navigate: route %q: step %q: marker %s not found", e.Route, e.Step, e.Marker)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *MarkerError) Is(target error) bool { return target == ErrMarkerNotFound }

func (e *MarkerError) Unwrap() error { return e.Cause }

// Navigator walks routes.
type Navigator struct {
	StepTimeout      time.Duration // default 3s
	AlternateTimeout time.Duration // default 1s
	Logger           *slog.Logger
}

func (n *Navigator) defaults() {
	if n.StepTimeout <= 0 {
		n.StepTimeout = 3 * time.Second
	}
	if n.AlternateTimeout <= 0 {
		n.AlternateTimeout = time.Second
	}
	if n.Logger == nil {
		n.Logger = slog.Default()
	}
}

// Reach walks route on drv. ${name} in step values is replaced from params.
func (n Navigator) Reach(ctx context.Context, drv Driver, route Route, params map[string]string) error {
	n.defaults()

	err := n.walk(ctx, drv, route.Name, route.Steps, params)
	if err == nil {
		err = n.arrived(ctx, drv, route)
	}
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || len(route.Fallback) == 0 || !errors.Is(err, ErrMarkerNotFound) {
		return err
	}

	n.Logger.Warn("navigate: primary path failed, trying fallback", "route", route.Name, "error", err)
	if ferr := n.walk(ctx, drv, route.Name, route.Fallback, params); ferr != nil {
		return ferr
	}
	return n.arrived(ctx, drv, route)
}

func (n Navigator) arrived(ctx context.Context, drv Driver, route Route) error {
	if route.Marker.IsZero() {
		return nil
	}
	ok, err := drv.WaitMarker(ctx, route.Marker, n.StepTimeout)
	if err != nil {
		return fmt.Errorf("navigate: route %q: %w", route.Name, err)
	}
	if !ok {
		return &MarkerError{Route: route.Name, Step: "arrival", Marker: route.Marker}
	}
	return nil
}

func (n Navigator) walk(ctx context.Context, drv Driver, routeName string, steps []Step, params map[string]string) error {
	for _, s := range steps {
		s = expand(s, params)
		err := n.run(ctx, drv, routeName, s, n.timeout(s, n.StepTimeout))
		if err == nil {
			continue
		}
		if s.Alternate == nil || ctx.Err() != nil {
			return err
		}
		alt := expand(*s.Alternate, params)
		n.Logger.Info("navigate: probing alternate layout", "route", routeName, "step", s.label(), "alternate", alt.label())
		if aerr := n.run(ctx, drv, routeName, alt, n.timeout(alt, n.AlternateTimeout)); aerr != nil {
			return err
		}
	}
	return nil
}

// run performs one step up to 1+Retries times, checking its marker each time.
func (n Navigator) run(ctx context.Context, drv Driver, routeName string, s Step, timeout time.Duration) error {
	var lastErr error
	for attempt := 0; attempt <= s.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := drv.Perform(ctx, s); err != nil {
			lastErr = err
			n.Logger.Debug("navigate: step failed", "route", routeName, "step", s.label(), "attempt", attempt+1, "error", err)
			continue
		}
		if s.Marker.IsZero() {
			return nil
		}
		ok, err := drv.WaitMarker(ctx, s.Marker, timeout)
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			return nil
		}
		lastErr = nil
		n.Logger.Debug("navigate: marker absent", "route", routeName, "step", s.label(), "attempt", attempt+1, "marker", s.Marker.String())
	}
	return &MarkerError{Route: routeName, Step: s.label(), Marker: s.Marker, Cause: lastErr}
}

func (n Navigator) timeout(s Step, def time.Duration) time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return def
}

var placeholder = regexp.MustCompile(`\$\{(\w+)\}`)

// expand substitutes ${name} in value, selector and marker text. Unknown
// names are left as is.
func expand(s Step, params map[string]string) Step {
	if len(params) == 0 {
		return s
	}
	sub := func(v string) string {
		return placeholder.ReplaceAllStringFunc(v, func(m string) string {
			if val, ok := params[m[2:len(m)-1]]; ok {
				return val
			}
			return m
		})
	}
	s.Value = sub(s.Value)
	s.Selector = sub(s.Selector)
	s.Marker.Text = sub(s.Marker.Text)
	return s
}
