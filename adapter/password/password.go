package password

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"

	"github.com/MrEthical07/authflow"
	"github.com/MrEthical07/authflow/internal"
	"github.com/MrEthical07/authflow/internal/flows"
	pwhash "github.com/MrEthical07/authflow/password"
)

// Provider is the Claims.Provider value of every flow in this adapter.
const Provider = "password"

const maxPasswordBytes = 1024

// SendCodeFunc delivers a verification code to email.
type SendCodeFunc func(ctx context.Context, email, code string) error

// Config configures the adapter. Credentials is required.
type Config struct {
	Credentials CredentialStore
	// Hasher defaults to Argon2id with password.DefaultConfig.
	Hasher pwhash.Hasher
	// SendCode enables the register code step and the change flow.
	SendCode SendCodeFunc

	MinPasswordLength int
	// PhoneRegion is the default region for numbers without a country code.
	PhoneRegion string

	RequireName     bool
	RequireLastName bool
	RequirePhone    bool

	Logger *slog.Logger
}

// Adapter is the password adapter. Construct it with New.
type Adapter struct {
	cfg       Config
	dummyHash string
}

var _ authflow.Adapter = (*Adapter)(nil)

// New validates cfg and fills defaults.
func New(cfg Config) (*Adapter, error) {
	if cfg.Credentials == nil {
		return nil, errors.New("password adapter: credential store required")
	}
	if cfg.Hasher == nil {
		h, err := pwhash.NewArgon2(pwhash.DefaultConfig())
		if err != nil {
			return nil, err
		}
		cfg.Hasher = h
	}
	if cfg.MinPasswordLength <= 0 {
		cfg.MinPasswordLength = 1
	}
	if cfg.PhoneRegion == "" {
		cfg.PhoneRegion = "US"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	// Verified against on unknown emails so a miss costs the same as a hit.
	secret, err := internal.NewLinkSecret()
	if err != nil {
		return nil, err
	}
	dummy, err := cfg.Hasher.Hash(secret)
	if err != nil {
		return nil, err
	}

	return &Adapter{cfg: cfg, dummyHash: dummy}, nil
}

// Flows returns login and register, plus change when SendCode is set.
func (a *Adapter) Flows() map[string]authflow.Flow {
	out := map[string]authflow.Flow{
		"login":    authflow.Declare(LoginTags(), a.login),
		"register": authflow.Declare(RegisterTags(), a.register),
	}
	if a.cfg.SendCode != nil {
		out["change"] = authflow.Declare(ChangeTags(), a.change)
	}
	return out
}

func LoginTags() authflow.TagSet {
	return authflow.NewTagSet(authflow.TagInvalidEmail, authflow.TagInvalidPassword)
}

func RegisterTags() authflow.TagSet {
	return authflow.NewTagSet(
		authflow.TagEmailTaken,
		authflow.TagInvalidEmail,
		authflow.TagInvalidPassword,
		authflow.TagPasswordMismatch,
		authflow.TagInvalidName,
		authflow.TagInvalidLastName,
		authflow.TagInvalidPhone,
		authflow.TagInvalidCode,
	)
}

func ChangeTags() authflow.TagSet {
	return authflow.NewTagSet(
		authflow.TagInvalidEmail,
		authflow.TagInvalidCode,
		authflow.TagInvalidPassword,
		authflow.TagPasswordMismatch,
	)
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func validEmail(email string) bool {
	return validation.Validate(email, validation.Required, validation.Length(3, 254), is.Email) == nil
}

func (a *Adapter) validPassword(pw string) bool {
	return utf8.RuneCountInString(pw) >= a.cfg.MinPasswordLength && len(pw) <= maxPasswordBytes
}

// checkNewPassword validates the password and repeat fields of a form.
func (a *Adapter) checkNewPassword(in authflow.Input) (string, authflow.ErrorTag) {
	pw := in.Form.Get("password")
	if !a.validPassword(pw) {
		return "", authflow.TagInvalidPassword
	}
	if pw != in.Form.Get("repeat") {
		return "", authflow.TagPasswordMismatch
	}
	return pw, authflow.TagNone
}

func (a *Adapter) sendCode() flows.SendCodeFunc {
	return flows.SendCodeFunc(a.cfg.SendCode)
}

/*
====================================
LOGIN
====================================
*/

func (a *Adapter) login(ctx context.Context, in authflow.Input) (authflow.Outcome, error) {
	email := normalizeEmail(in.Form.Get("email"))
	if !validEmail(email) {
		return authflow.Retry(authflow.TagInvalidEmail), nil
	}
	pw := in.Form.Get("password")

	hash, found, err := a.cfg.Credentials.PasswordHash(ctx, email)
	if err != nil {
		return authflow.Outcome{}, err
	}
	if !found {
		_, _ = a.cfg.Hasher.Verify(pw, a.dummyHash)
		return authflow.Retry(authflow.TagInvalidPassword), nil
	}

	ok, err := a.cfg.Hasher.Verify(pw, hash)
	if err != nil && !errors.Is(err, pwhash.ErrUnsupportedHash) {
		return authflow.Outcome{}, err
	}
	if !ok {
		return authflow.Retry(authflow.TagInvalidPassword), nil
	}

	if upgrade, _ := a.cfg.Hasher.NeedsUpgrade(hash); upgrade {
		a.rehash(ctx, email, pw)
	}
	return authflow.Done(authflow.Claims{Provider: Provider, Email: email}), nil
}

// rehash stores pw under the current hasher parameters. Failure only delays
// the upgrade to the next login.
func (a *Adapter) rehash(ctx context.Context, email, pw string) {
	next, err := a.cfg.Hasher.Hash(pw)
	if err == nil {
		err = a.cfg.Credentials.SetPasswordHash(ctx, email, next)
	}
	if err != nil {
		a.cfg.Logger.WarnContext(ctx, "password hash upgrade failed", "error", err)
	}
}
