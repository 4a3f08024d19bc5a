// Package textgen drafts lure emails with a large language model.
package textgen

import "fmt"

type Formality string

const (
	Informal Formality = "INFORMAL"
	Formal   Formality = "FORMAL"
)

type Urgency string

const (
	Urgent  Urgency = "URGENT"
	Normal  Urgency = "NORMAL"
	CanWait Urgency = "CAN_WAIT"
)

type RequestType string

const (
	ClickLink    RequestType = "CLICK_LINK"
	LookIntoThis RequestType = "LOOK_INTO_THIS"
)

type RequestReason string

const (
	NotWorking RequestReason = "NOT_WORKING"
	WhatIsIt   RequestReason = "WHAT_IS_IT"
)

type Length string

const (
	Short  Length = "SHORT"
	Medium Length = "MEDIUM"
	Long   Length = "LONG"
)

// Params steers a single generation. They are stored with the generated
// content so a reviewer can ask for another draft with the same inputs.
type Params struct {
	FromName      string        `json:"from_name,omitempty"`
	FromLastName  string        `json:"from_last_name,omitempty"`
	ToName        string        `json:"to_name,omitempty"`
	ToLastName    string        `json:"to_last_name,omitempty"`
	Formality     Formality     `json:"formal_level"`
	Urgency       Urgency       `json:"urgency_level"`
	RequestType   RequestType   `json:"text_request_type"`
	RequestReason RequestReason `json:"text_request_reason"`
	Length        Length        `json:"text_request_length"`
	IncludeLink   bool          `json:"include_link"`
}

// Defaults returns the parameters used when nothing else is known.
func Defaults() Params {
	return Params{
		Formality:     Informal,
		Urgency:       Normal,
		RequestType:   ClickLink,
		RequestReason: NotWorking,
		Length:        Short,
		IncludeLink:   true,
	}
}

// Map flattens p for storage next to the content it produced.
func (p Params) Map() map[string]any {
	return map[string]any{
		"from_name":           p.FromName,
		"from_last_name":      p.FromLastName,
		"to_name":             p.ToName,
		"to_last_name":        p.ToLastName,
		"formal_level":        string(p.Formality),
		"urgency_level":       string(p.Urgency),
		"text_request_type":   string(p.RequestType),
		"text_request_reason": string(p.RequestReason),
		"text_request_length": string(p.Length),
		"include_link":        p.IncludeLink,
	}
}

// FromMap rebuilds Params stored with Map. Missing keys take their defaults.
func FromMap(m map[string]any) Params {
	p := Defaults()
	str := func(key string) (string, bool) {
		v, ok := m[key]
		if !ok || v == nil {
			return "", false
		}
		return fmt.Sprint(v), true
	}
	if v, ok := str("from_name"); ok {
		p.FromName = v
	}
	if v, ok := str("from_last_name"); ok {
		p.FromLastName = v
	}
	if v, ok := str("to_name"); ok {
		p.ToName = v
	}
	if v, ok := str("to_last_name"); ok {
		p.ToLastName = v
	}
	if v, ok := str("formal_level"); ok {
		p.Formality = Formality(v)
	}
	if v, ok := str("urgency_level"); ok {
		p.Urgency = Urgency(v)
	}
	if v, ok := str("text_request_type"); ok {
		p.RequestType = RequestType(v)
	}
	if v, ok := str("text_request_reason"); ok {
		p.RequestReason = RequestReason(v)
	}
	if v, ok := str("text_request_length"); ok {
		p.Length = Length(v)
	}
	if v, ok := m["include_link"].(bool); ok {
		p.IncludeLink = v
	}
	return p
}
