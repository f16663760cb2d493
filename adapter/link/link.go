// Package link provides passwordless sign-in with a single-use magic link.
//
// The "authorize" flow takes an email, builds a link to the callback URL
// carrying the flow token and a random secret, and hands it to OnLink. The
// link may be opened in a different browser: the flow token travels in the
// query string, so no cookie from the requesting browser is needed.
package link

import (
	"context"
	"errors"
	"net/url"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"

	"github.com/MrEthical07/authflow"
	"github.com/MrEthical07/authflow/internal"
)

const Provider = "link"

type Config struct {
	// CallbackURL is the absolute URL the link points at, usually
	// "<base>/<adapter>/authorize/callback".
	CallbackURL string
	// OnLink delivers the link. claims describe who it is for. Required.
	OnLink func(ctx context.Context, link string, claims authflow.Claims) error
}

type Adapter struct {
	callback *url.URL
	onLink   func(ctx context.Context, link string, claims authflow.Claims) error
}

var _ authflow.Adapter = (*Adapter)(nil)

func New(cfg Config) (*Adapter, error) {
	if cfg.OnLink == nil {
		return nil, errors.New("link adapter: OnLink required")
	}
	u, err := url.Parse(cfg.CallbackURL)
	if err != nil || !u.IsAbs() {
		return nil, errors.New("link adapter: CallbackURL must be an absolute URL")
	}
	return &Adapter{callback: u, onLink: cfg.OnLink}, nil
}

func Tags() authflow.TagSet {
	return authflow.NewTagSet(authflow.TagInvalidEmail, authflow.TagInvalidLink)
}

func (a *Adapter) Flows() map[string]authflow.Flow {
	return map[string]authflow.Flow{
		"authorize": authflow.Declare(Tags(), a.authorize),
	}
}

type payload struct {
	Email      string `json:"email"`
	SecretHash string `json:"secret_hash"`
}

func (a *Adapter) authorize(ctx context.Context, in authflow.Input) (authflow.Outcome, error) {
	if in.Action() == "verify" || in.Form.Get("code") != "" {
		return a.verify(in), nil
	}
	return a.request(ctx, in)
}

func (a *Adapter) linkFor(flowID, secret string) string {
	u := *a.callback
	q := u.Query()
	q.Set("flow", flowID)
	q.Set("code", secret)
	u.RawQuery = q.Encode()
	return u.String()
}

func (a *Adapter) request(ctx context.Context, in authflow.Input) (authflow.Outcome, error) {
	email := strings.ToLower(strings.TrimSpace(in.Form.Get("email")))
	if err := validation.Validate(email, validation.Required, is.Email); err != nil {
		return authflow.Restart(authflow.TagInvalidEmail), nil
	}

	secret, err := internal.NewLinkSecret()
	if err != nil {
		return authflow.Outcome{}, err
	}
	claims := authflow.Claims{Provider: Provider, Email: email}
	if err := a.onLink(ctx, a.linkFor(in.FlowID, secret), claims); err != nil {
		return authflow.Outcome{}, authflow.NewDeliveryError("link", err)
	}

	state, err := in.NewState(authflow.KindVerify, map[string]string{"email": email}, payload{
		Email:      email,
		SecretHash: internal.HashSecret(in.FlowID, secret),
	})
	if err != nil {
		return authflow.Outcome{}, err
	}
	return authflow.Next(state, authflow.TagNone), nil
}

// verify consumes the link. Any failure discards the state, so a link works
// at most once.
func (a *Adapter) verify(in authflow.Input) authflow.Outcome {
	if in.State == nil || in.State.Kind != authflow.KindVerify {
		return authflow.Restart(authflow.TagInvalidLink)
	}
	var p payload
	if err := in.State.Decode(&p); err != nil {
		return authflow.Restart(authflow.TagInvalidLink)
	}
	if !internal.SecretMatches(in.State.FlowID, in.Form.Get("code"), p.SecretHash) {
		return authflow.Restart(authflow.TagInvalidLink)
	}
	return authflow.Done(authflow.Claims{Provider: Provider, Email: p.Email})
}
