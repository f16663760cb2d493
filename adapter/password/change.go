package password

import (
	"context"

	"github.com/MrEthical07/authflow"
	"github.com/MrEthical07/authflow/internal/flows"
)

type changePayload struct {
	Email string `json:"email"`
	// Known is false for emails without an account. Such a state never
	// receives a code and never verifies.
	Known    bool   `json:"known"`
	CodeHash string `json:"code_hash,omitempty"`
}

func (a *Adapter) change(ctx context.Context, in authflow.Input) (authflow.Outcome, error) {
	action := in.Action()
	if action == "" || action == "code" {
		return a.changeStart(ctx, in)
	}
	if in.State == nil {
		return authflow.Restart(authflow.TagNone), nil
	}

	var p changePayload
	if err := in.State.Decode(&p); err != nil {
		return authflow.Restart(authflow.TagNone), nil
	}

	switch {
	case action == "verify" && in.State.Kind == authflow.KindCode:
		verdict, err := flows.CheckCode(ctx, in, p.CodeHash)
		if err != nil {
			return authflow.Outcome{}, err
		}
		if verdict != flows.CodeMatch {
			return flows.RejectCode(verdict), nil
		}
		update, err := in.NewState(authflow.KindUpdate, in.State.Public, changePayload{Email: p.Email, Known: true})
		if err != nil {
			return authflow.Outcome{}, err
		}
		return authflow.Next(update, authflow.TagNone), nil

	case action == "resend" && in.State.Kind == authflow.KindCode:
		if p.Known {
			digest, err := flows.IssueCode(ctx, in, p.Email, a.sendCode())
			if err != nil {
				return authflow.Outcome{}, err
			}
			p.CodeHash = digest
		}
		next, err := flows.Reissue(in, authflow.KindCode, p)
		if err != nil {
			return authflow.Outcome{}, err
		}
		return authflow.Next(next, authflow.TagNone), nil

	case action == "update" && in.State.Kind == authflow.KindUpdate:
		pw, tag := a.checkNewPassword(in)
		if tag != authflow.TagNone {
			return authflow.Retry(tag), nil
		}
		hash, err := a.cfg.Hasher.Hash(pw)
		if err != nil {
			return authflow.Outcome{}, err
		}
		if err := a.cfg.Credentials.SetPasswordHash(ctx, p.Email, hash); err != nil {
			return authflow.Outcome{}, err
		}
		return authflow.Done(authflow.Claims{Provider: Provider, Email: p.Email}), nil
	}

	return authflow.Retry(authflow.TagNone), nil
}

// changeStart always moves to the code step so the response does not reveal
// whether the email has an account. Only known emails get a code.
func (a *Adapter) changeStart(ctx context.Context, in authflow.Input) (authflow.Outcome, error) {
	email := normalizeEmail(in.Form.Get("email"))
	if !validEmail(email) {
		return authflow.Restart(authflow.TagInvalidEmail), nil
	}

	_, known, err := a.cfg.Credentials.PasswordHash(ctx, email)
	if err != nil {
		return authflow.Outcome{}, err
	}
	p := changePayload{Email: email, Known: known}
	if known {
		if p.CodeHash, err = flows.IssueCode(ctx, in, email, a.sendCode()); err != nil {
			return authflow.Outcome{}, err
		}
	}

	state, err := in.NewState(authflow.KindCode, map[string]string{"email": email}, p)
	if err != nil {
		return authflow.Outcome{}, err
	}
	return authflow.Next(state, authflow.TagNone), nil
}
