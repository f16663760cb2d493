package flows

import (
	"context"
	"strings"

	"github.com/MrEthical07/authflow"
	"github.com/MrEthical07/authflow/internal"
)

// SendCodeFunc delivers a one-time code to an email address.
type SendCodeFunc func(ctx context.Context, email, code string) error

// CodeVerdict is the result of checking a submitted code.
type CodeVerdict uint8

const (
	CodeMatch CodeVerdict = iota
	CodeMismatch
	// CodeLocked means the attempt budget is spent and the state must go.
	CodeLocked
)

// IssueCode generates a code for in's flow, hands it to send and returns the
// digest to persist. The plaintext code never leaves this function except
// through send. A send failure comes back as *authflow.DeliveryError.
func IssueCode(ctx context.Context, in authflow.Input, email string, send SendCodeFunc) (string, error) {
	code, err := internal.NewOTP(in.Policy.CodeLength)
	if err != nil {
		return "", err
	}
	if err := send(ctx, email, code); err != nil {
		return "", authflow.NewDeliveryError("code", err)
	}
	return internal.HashSecret(in.FlowID, code), nil
}

// CheckCode reserves one attempt and then compares the submitted "code"
// field with digest in constant time.
//
// The reservation is persisted before the compare, so a mismatch needs no
// further write and concurrent guesses cannot share one attempt. Once the
// reserved count reaches Policy.MaxAttempts a mismatch is CodeLocked, and a
// count past it is CodeLocked without comparing at all.
func CheckCode(ctx context.Context, in authflow.Input, digest string) (CodeVerdict, error) {
	attempts, err := in.ReserveAttempt(ctx)
	if err != nil {
		return CodeMismatch, err
	}
	if attempts > in.Policy.MaxAttempts {
		return CodeLocked, nil
	}

	submitted := strings.TrimSpace(in.Form.Get("code"))
	if submitted != "" && internal.SecretMatches(in.State.FlowID, submitted, digest) {
		return CodeMatch, nil
	}
	if attempts >= in.Policy.MaxAttempts {
		return CodeLocked, nil
	}
	return CodeMismatch, nil
}

// RejectCode turns a non-matching verdict into the outcome every code step
// uses: retry against the already counted state, or restart on lockout.
func RejectCode(verdict CodeVerdict) authflow.Outcome {
	if verdict == CodeLocked {
		return authflow.Restart(authflow.TagInvalidCode)
	}
	return authflow.Retry(authflow.TagInvalidCode)
}

// Reissue replaces the digest in a code state's payload and resets expiry,
// keeping the attempt counter so a resend cannot refill the budget.
func Reissue(in authflow.Input, kind authflow.StateKind, payload any) (*authflow.ChallengeState, error) {
	next, err := in.NewState(kind, in.State.Public, payload)
	if err != nil {
		return nil, err
	}
	next.Attempts = in.State.Attempts
	return next, nil
}
