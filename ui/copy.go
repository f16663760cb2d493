package ui

import "github.com/MrEthical07/authflow"

func merge(base authflow.Copy, overrides ...authflow.Copy) authflow.Copy {
	out := make(authflow.Copy, len(base))
	for k, v := range base {
		out[k] = v
	}
	for _, o := range overrides {
		for k, v := range o {
			out[k] = v
		}
	}
	return out
}

// DefaultPasswordCopy covers every tag of the password adapter. Entries in
// overrides replace the defaults key by key.
func DefaultPasswordCopy(overrides ...authflow.Copy) authflow.Copy {
	return merge(authflow.Copy{
		"error_email_taken":       "There is already an account with this email.",
		"error_invalid_code":      "The code is incorrect.",
		"error_invalid_email":     "The email is not valid.",
		"error_invalid_password":  "The password is incorrect.",
		"error_password_mismatch": "The passwords do not match.",
		"error_invalid_name":      "The name is not valid.",
		"error_invalid_lastName":  "The last name is not valid.",
		"error_invalid_phone":     "The phone number is not valid.",
		"login_title":             "Welcome back",
		"login_description":       "Sign in with your email",
		"register_title":          "Create an account",
		"register_description":    "Sign up with your email",
		"change_title":            "Reset your password",
		"register_prompt":         "Don't have an account?",
		"login_prompt":            "Already have an account?",
		"change_prompt":           "Forgot your password?",
		"code_info":               "We sent a code to",
		"code_resend":             "Resend code",
		"code_return":             "Back to sign in",
		"input_email":             "Email",
		"input_password":          "Password",
		"input_repeat":            "Repeat password",
		"input_name":              "First name",
		"input_lastName":          "Last name",
		"input_phone":             "Phone number",
		"input_code":              "Code",
		"button_continue":         "Continue",
	}, overrides...)
}

// DefaultCodeCopy covers the code adapter.
func DefaultCodeCopy(overrides ...authflow.Copy) authflow.Copy {
	return merge(authflow.Copy{
		"error_invalid_email": "The email is not valid.",
		"error_invalid_code":  "The code is incorrect.",
		"authorize_title":     "Sign in",
		"code_info":           "We sent a code to",
		"code_resend":         "Resend code",
		"input_email":         "Email",
		"input_code":          "Code",
		"button_continue":     "Continue",
	}, overrides...)
}

// DefaultLinkCopy covers the link adapter.
func DefaultLinkCopy(overrides ...authflow.Copy) authflow.Copy {
	return merge(authflow.Copy{
		"error_invalid_email": "The email is not valid.",
		"error_invalid_link":  "This link is invalid or has expired.",
		"authorize_title":     "Sign in",
		"link_sent":           "Check your inbox for a sign-in link sent to",
		"input_email":         "Email",
		"button_continue":     "Continue",
	}, overrides...)
}
