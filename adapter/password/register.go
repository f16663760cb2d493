package password

import (
	"context"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/nyaruka/phonenumbers"

	"github.com/MrEthical07/authflow"
	"github.com/MrEthical07/authflow/internal/flows"
)

type registerForm struct {
	Name     string `json:"name"`
	LastName string `json:"lastName"`
	Phone    string `json:"phone"`
}

type registerPayload struct {
	Email    string `json:"email"`
	Hash     string `json:"hash"`
	Name     string `json:"name,omitempty"`
	LastName string `json:"lastName,omitempty"`
	Phone    string `json:"phone,omitempty"`
	CodeHash string `json:"code_hash"`
}

func (p registerPayload) claims() authflow.Claims {
	fields := map[string]string{}
	if p.Name != "" {
		fields["name"] = p.Name
	}
	if p.LastName != "" {
		fields["lastName"] = p.LastName
	}
	if p.Phone != "" {
		fields["phone"] = p.Phone
	}
	return authflow.Claims{Provider: Provider, Email: p.Email, Fields: fields}
}

func (a *Adapter) register(ctx context.Context, in authflow.Input) (authflow.Outcome, error) {
	action := in.Action()
	if action == "" || action == "register" {
		return a.registerStart(ctx, in)
	}
	if in.State == nil {
		return authflow.Restart(authflow.TagNone), nil
	}
	if in.State.Kind != authflow.KindCode {
		return authflow.Retry(authflow.TagNone), nil
	}

	var p registerPayload
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
		return a.createAccount(ctx, p)
	case "resend":
		digest, err := flows.IssueCode(ctx, in, p.Email, a.sendCode())
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

func (a *Adapter) registerStart(ctx context.Context, in authflow.Input) (authflow.Outcome, error) {
	email := normalizeEmail(in.Form.Get("email"))
	if !validEmail(email) {
		return authflow.Restart(authflow.TagInvalidEmail), nil
	}
	pw, tag := a.checkNewPassword(in)
	if tag != authflow.TagNone {
		return authflow.Restart(tag), nil
	}

	form := registerForm{
		Name:     strings.TrimSpace(in.Form.Get("name")),
		LastName: strings.TrimSpace(in.Form.Get("lastName")),
		Phone:    strings.TrimSpace(in.Form.Get("phone")),
	}
	phone, tag := a.checkProfile(form)
	if tag != authflow.TagNone {
		return authflow.Restart(tag), nil
	}

	_, taken, err := a.cfg.Credentials.PasswordHash(ctx, email)
	if err != nil {
		return authflow.Outcome{}, err
	}
	if taken {
		return authflow.Restart(authflow.TagEmailTaken), nil
	}

	hash, err := a.cfg.Hasher.Hash(pw)
	if err != nil {
		return authflow.Outcome{}, err
	}
	p := registerPayload{
		Email:    email,
		Hash:     hash,
		Name:     form.Name,
		LastName: form.LastName,
		Phone:    phone,
	}

	if a.cfg.SendCode == nil {
		return a.createAccount(ctx, p)
	}

	p.CodeHash, err = flows.IssueCode(ctx, in, email, a.sendCode())
	if err != nil {
		return authflow.Outcome{}, err
	}
	state, err := in.NewState(authflow.KindCode, map[string]string{"email": email}, p)
	if err != nil {
		return authflow.Outcome{}, err
	}
	return authflow.Next(state, authflow.TagNone), nil
}

// checkProfile validates the optional profile fields in form order and
// returns the phone number normalized to E.164.
func (a *Adapter) checkProfile(form registerForm) (string, authflow.ErrorTag) {
	nameRules := func(required bool) []validation.Rule {
		var rules []validation.Rule
		if required {
			rules = append(rules, validation.Required)
		}
		return append(rules, validation.Length(1, 100))
	}

	err := validation.ValidateStruct(&form,
		validation.Field(&form.Name, nameRules(a.cfg.RequireName)...),
		validation.Field(&form.LastName, nameRules(a.cfg.RequireLastName)...),
	)
	if errs, ok := err.(validation.Errors); ok {
		if errs["name"] != nil {
			return "", authflow.TagInvalidName
		}
		if errs["lastName"] != nil {
			return "", authflow.TagInvalidLastName
		}
	}

	if form.Phone == "" {
		if a.cfg.RequirePhone {
			return "", authflow.TagInvalidPhone
		}
		return "", authflow.TagNone
	}
	num, err := phonenumbers.Parse(form.Phone, a.cfg.PhoneRegion)
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return "", authflow.TagInvalidPhone
	}
	return phonenumbers.Format(num, phonenumbers.E164), authflow.TagNone
}

func (a *Adapter) createAccount(ctx context.Context, p registerPayload) (authflow.Outcome, error) {
	// The email may have been claimed while the code was outstanding.
	_, taken, err := a.cfg.Credentials.PasswordHash(ctx, p.Email)
	if err != nil {
		return authflow.Outcome{}, err
	}
	if taken {
		return authflow.Restart(authflow.TagEmailTaken), nil
	}
	if err := a.cfg.Credentials.SetPasswordHash(ctx, p.Email, p.Hash); err != nil {
		return authflow.Outcome{}, err
	}
	return authflow.Done(p.claims()), nil
}
