package captcha

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// ErrAuthenticationExhausted means every attempt of the budget failed.
var ErrAuthenticationExhausted = errors.New("captcha: authentication attempts exhausted")

// LoginPage is the browser-facing side of the login form.
type LoginPage interface {
	// CaptureChallenge returns the rendered challenge as an image.
	CaptureChallenge(ctx context.Context) ([]byte, error)
	// RefreshChallenge asks the portal for a new challenge.
	RefreshChallenge(ctx context.Context) error
	// Submit fills and submits the login form.
	Submit(ctx context.Context, login, secret, answer string) error
	// WrongAnswer waits up to wait for the portal's rejection marker.
	// It reports false when the login went through.
	WrongAnswer(ctx context.Context, wait time.Duration) (bool, error)
}

// Credential is the login pair submitted with the answer.
type Credential struct {
	Login  string
	Secret string
}

// Authenticator solves the challenge and logs in within a fixed attempt budget.
type Authenticator struct {
	Recognizer   Recognizer
	MaxAttempts  int           // default 3
	TrimTrailing int           // runes dropped from OCR output before parsing
	MarkerWait   time.Duration // wrong-answer marker wait, default 2s
	Logger       *slog.Logger
}

func (a *Authenticator) defaults() {
	if a.MaxAttempts <= 0 {
		a.MaxAttempts = 3
	}
	if a.MarkerWait <= 0 {
		a.MarkerWait = 2 * time.Second
	}
	if a.Logger == nil {
		a.Logger = slog.Default()
	}
}

// Login runs capture → recognise → parse → submit → verify until the portal
// accepts the answer or the budget runs out. It returns the number of
// attempts made. An unsupported operator ends the loop at once.
func (a Authenticator) Login(ctx context.Context, page LoginPage, cred Credential) (int, error) {
	a.defaults()
	if a.Recognizer == nil {
		return 0, errors.New("captcha: no recognizer configured")
	}

	var lastErr error
	for attempt := 1; attempt <= a.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}
		if attempt > 1 {
			if err := page.RefreshChallenge(ctx); err != nil {
				return attempt - 1, fmt.Errorf("captcha: refresh challenge: %w", err)
			}
		}

		ok, err := a.try(ctx, page, cred, attempt)
		if ok {
			a.Logger.Info("captcha: login accepted", "attempt", attempt)
			return attempt, nil
		}
		switch {
		case errors.Is(err, ErrUnsupportedOperator):
			return attempt, err
		case errors.Is(err, ErrCaptchaParse), errors.Is(err, errWrongAnswer):
			a.Logger.Warn("captcha: attempt failed", "attempt", attempt, "max", a.MaxAttempts, "error", err)
			lastErr = err
		default:
			return attempt, err
		}
	}
	return a.MaxAttempts, fmt.Errorf("%w after %d attempts: %w", ErrAuthenticationExhausted, a.MaxAttempts, lastErr)
}

var errWrongAnswer = errors.New("captcha: portal rejected the answer")

// try runs one attempt. It returns true when the portal accepted the login.
func (a Authenticator) try(ctx context.Context, page LoginPage, cred Credential, attempt int) (bool, error) {
	img, err := page.CaptureChallenge(ctx)
	if err != nil {
		return false, fmt.Errorf("captcha: capture challenge: %w", err)
	}
	raw, err := a.Recognizer.Recognize(ctx, img)
	if err != nil {
		return false, fmt.Errorf("captcha: recognize: %w", err)
	}
	expr, err := ParseExpression(raw, a.TrimTrailing)
	if err != nil {
		return false, err
	}
	answer := expr.Eval()
	a.Logger.Debug("captcha: solved", "attempt", attempt, "raw", raw, "expr", expr.String(), "answer", answer)

	if err := page.Submit(ctx, cred.Login, cred.Secret, strconv.Itoa(answer)); err != nil {
		return false, fmt.Errorf("captcha: submit: %w", err)
	}
	wrong, err := page.WrongAnswer(ctx, a.MarkerWait)
	if err != nil {
		return false, fmt.Errorf("captcha: verify: %w", err)
	}
	if wrong {
		return false, fmt.Errorf("%w (%s = %d)", errWrongAnswer, expr, answer)
	}
	return true, nil
}
