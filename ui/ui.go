// Package ui turns an authflow.Prompt into a markup-agnostic View.
//
// Render is a pure function: the same prompt and copy always produce the
// same view. Templates, JSON encoders or a frontend consume the View; this
// package never writes HTML.
package ui

import (
	"net/http"

	"github.com/MrEthical07/authflow"
)

// Field is one input the client should show.
type Field struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Label string `json:"label,omitempty"`
	Value string `json:"value,omitempty"`
	// Focus marks the field the error refers to.
	Focus bool `json:"focus,omitempty"`
}

// View is the render-ready description of one step.
type View struct {
	Adapter string             `json:"adapter"`
	Flow    string             `json:"flow"`
	State   authflow.StateKind `json:"state"`
	Title   string             `json:"title,omitempty"`
	Info    string             `json:"info,omitempty"`
	// Action is the hidden "action" value the form must submit.
	Action string            `json:"action,omitempty"`
	Fields []Field           `json:"fields"`
	Error  authflow.ErrorTag `json:"error,omitempty"`
	Alert  string            `json:"alert,omitempty"`
	Status int               `json:"-"`
}

type layout struct {
	action string
	info   string
	fields []string
}

var fieldTypes = map[string]string{
	"email":    "email",
	"password": "password",
	"repeat":   "password",
	"name":     "text",
	"lastName": "text",
	"phone":    "tel",
	"code":     "text",
}

// focusFor maps an error to the input it is about.
var focusFor = map[authflow.ErrorTag]string{
	authflow.TagInvalidEmail:     "email",
	authflow.TagEmailTaken:       "email",
	authflow.TagInvalidPassword:  "password",
	authflow.TagPasswordMismatch: "repeat",
	authflow.TagInvalidName:      "name",
	authflow.TagInvalidLastName:  "lastName",
	authflow.TagInvalidPhone:     "phone",
	authflow.TagInvalidCode:      "code",
}

func layoutFor(flow string, state authflow.StateKind) layout {
	switch flow + "/" + string(state) {
	case "login/start":
		return layout{fields: []string{"email", "password"}}
	case "register/start":
		return layout{action: "register", fields: []string{"email", "password", "repeat", "name", "lastName", "phone"}}
	case "register/code", "change/code", "authorize/code":
		return layout{action: "verify", info: "code_info", fields: []string{"code"}}
	case "change/start":
		return layout{action: "code", fields: []string{"email"}}
	case "change/update":
		return layout{action: "update", fields: []string{"password", "repeat"}}
	case "authorize/start":
		return layout{action: "request", fields: []string{"email"}}
	case "authorize/verify":
		return layout{info: "link_sent"}
	}
	return layout{}
}

// Render builds the View for p using the strings in c. Missing copy keys
// render as empty strings.
func Render(p *authflow.Prompt, c authflow.Copy) View {
	state := p.State
	if state == "" {
		state = authflow.KindStart
	}
	l := layoutFor(p.Flow, state)

	v := View{
		Adapter: p.Adapter,
		Flow:    p.Flow,
		State:   state,
		Title:   c[p.Flow+"_title"],
		Action:  l.action,
		Fields:  make([]Field, 0, len(l.fields)),
		Error:   p.Error,
		Status:  Status(p),
	}
	if l.info != "" {
		v.Info = c[l.info]
		if email := p.Public["email"]; email != "" {
			v.Info += " " + email
		}
	}
	if p.Error != authflow.TagNone {
		v.Alert = c[p.Error.CopyKey()]
	}

	focus := focusFor[p.Error]
	for _, name := range l.fields {
		f := Field{
			Name:  name,
			Type:  fieldTypes[name],
			Label: c["input_"+name],
			Focus: name == focus,
		}
		if f.Type != "password" && name != "code" {
			f.Value = p.Form.Get(name)
			if f.Value == "" {
				f.Value = p.Public[name]
			}
		}
		v.Fields = append(v.Fields, f)
	}
	return v
}

// Status is the HTTP status a prompt should be served with: 401 for a
// rejected login, 400 for any other error, 200 otherwise.
func Status(p *authflow.Prompt) int {
	switch {
	case p.Error == authflow.TagNone:
		return http.StatusOK
	case p.Flow == "login":
		return http.StatusUnauthorized
	default:
		return http.StatusBadRequest
	}
}
