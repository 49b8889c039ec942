package batch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/taxpull/captcha"
	"github.com/hazyhaar/taxpull/entity"
	"github.com/hazyhaar/taxpull/navigate"
	"github.com/hazyhaar/taxpull/tablex"
)

// Session is one browser session on the portal, owned by a single entity.
type Session interface {
	captcha.LoginPage
	navigate.Driver
	// Content returns the rendered HTML of the current page.
	Content(ctx context.Context) ([]byte, error)
	Close() error
}

// Opener opens a fresh portal session for an entity.
type Opener interface {
	Open(ctx context.Context, ent *entity.Entity) (Session, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, ent *entity.Entity) (Session, error)

func (f OpenerFunc) Open(ctx context.Context, ent *entity.Entity) (Session, error) {
	return f(ctx, ent)
}

// Pipeline is the production Processor: open session → authenticate →
// navigate → read page → extract. Steps are strictly sequential.
type Pipeline struct {
	Opener    Opener
	Auth      captcha.Authenticator
	Navigator navigate.Navigator
	Route     navigate.Route
	Extractor tablex.Extractor
	// PeriodParam names the entity parameter copied to Result.PeriodKey.
	// Default "period".
	PeriodParam string
	Logger      *slog.Logger
}

// Process implements Processor.
func (p *Pipeline) Process(ctx context.Context, ent *entity.Entity, tr *Tracker) (*tablex.Result, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	periodParam := p.PeriodParam
	if periodParam == "" {
		periodParam = "period"
	}

	sess, err := p.Opener.Open(ctx, ent)
	if err != nil {
		return nil, fmt.Errorf("batch: open session: %w", err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			logger.Warn("batch: close session", "entity", ent.ID, "error", cerr)
		}
	}()
	if err := tr.Mark(ctx, StageSession); err != nil {
		return nil, err
	}

	auth := p.Auth
	if auth.Logger == nil {
		auth.Logger = logger.With("entity", ent.ID)
	}
	attempts, err := auth.Login(ctx, sess, captcha.Credential{Login: ent.Credential.Login, Secret: ent.Credential.Secret})
	if err != nil {
		return nil, fmt.Errorf("batch: authenticate after %d attempts: %w", attempts, err)
	}
	if err := tr.Mark(ctx, StageAuthenticated); err != nil {
		return nil, err
	}

	nav := p.Navigator
	if nav.Logger == nil {
		nav.Logger = logger.With("entity", ent.ID)
	}
	if err := nav.Reach(ctx, sess, p.Route, ent.Params); err != nil {
		return nil, fmt.Errorf("batch: navigate: %w", err)
	}
	if err := tr.Mark(ctx, StageNavigated); err != nil {
		return nil, err
	}

	page, err := sess.Content(ctx)
	if err != nil {
		return nil, fmt.Errorf("batch: read page: %w", err)
	}
	res, err := p.Extractor.Extract(page, tablex.Meta{
		SourcePage: p.Route.Name,
		EntityID:   ent.ID,
		PeriodKey:  ent.Params[periodParam],
	})
	if err != nil {
		return nil, fmt.Errorf("batch: extract: %w", err)
	}
	if err := tr.Mark(ctx, StageExtracted); err != nil {
		return nil, err
	}
	return res, nil
}
