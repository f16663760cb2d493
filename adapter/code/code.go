// Package code provides passwordless sign-in with an emailed one-time code.
//
// The single flow, "authorize", asks for an email, delivers a numeric code
// through SendCode and completes when the code is entered. "resend" issues a
// fresh code and invalidates the previous one without refilling the attempt
// budget.
package code

import (
	"context"
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"

	"github.com/MrEthical07/authflow"
	"github.com/MrEthical07/authflow/internal/flows"
)

const Provider = "code"

type Config struct {
	// SendCode delivers the code. Required.
	SendCode func(ctx context.Context, email, code string) error
}

type Adapter struct {
	send flows.SendCodeFunc
}

var _ authflow.Adapter = (*Adapter)(nil)

func New(cfg Config) (*Adapter, error) {
	if cfg.SendCode == nil {
		return nil, errors.New("code adapter: SendCode required")
	}
	return &Adapter{send: cfg.SendCode}, nil
}

func Tags() authflow.TagSet {
	return authflow.NewTagSet(authflow.TagInvalidEmail, authflow.TagInvalidCode)
}

func (a *Adapter) Flows() map[string]authflow.Flow {
	return map[string]authflow.Flow{
		"authorize": authflow.Declare(Tags(), a.authorize),
	}
}

type payload struct {
	Email    string `json:"email"`
	CodeHash string `json:"code_hash"`
}

func (a *Adapter) authorize(ctx context.Context, in authflow.Input) (authflow.Outcome, error) {
	action := in.Action()
	if action == "" || action == "request" {
		return a.request(ctx, in)
	}
	if in.State == nil || in.State.Kind != authflow.KindCode {
		return authflow.Restart(authflow.TagNone), nil
	}

	var p payload
	if err := in.State.Decode(&p); err != nil {
		return authflow.Restart(authflow.TagNone), nil
	}

	switch action {
	case "verify":
		verdict, err := flows.CheckCode(ctx, in, p.CodeHash)
		if err != nil {
			return authflow.Outcome{}, err
		}
		if verdict != flows.CodeMatch {
			return flows.RejectCode(verdict), nil
		}
		return authflow.Done(authflow.Claims{Provider: Provider, Email: p.Email}), nil
	case "resend":
		digest, err := flows.IssueCode(ctx, in, p.Email, a.send)
		if err != nil {
			return authflow.Outcome{}, err
		}
		p.CodeHash = digest
		next, err := flows.Reissue(in, authflow.KindCode, p)
		if err != nil {
			return authflow.Outcome{}, err
		}
		return authflow.Next(next, authflow.TagNone), nil
	}
	return authflow.Retry(authflow.TagNone), nil
}

func (a *Adapter) request(ctx context.Context, in authflow.Input) (authflow.Outcome, error) {
	email := strings.ToLower(strings.TrimSpace(in.Form.Get("email")))
	if err := validation.Validate(email, validation.Required, is.Email); err != nil {
		return authflow.Restart(authflow.TagInvalidEmail), nil
	}

	digest, err := flows.IssueCode(ctx, in, email, a.send)
	if err != nil {
		return authflow.Outcome{}, err
	}
	state, err := in.NewState(authflow.KindCode, map[string]string{"email": email}, payload{Email: email, CodeHash: digest})
	if err != nil {
		return authflow.Outcome{}, err
	}
	return authflow.Next(state, authflow.TagNone), nil
}
