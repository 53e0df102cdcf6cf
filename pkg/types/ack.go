package types

import (
	json "github.com/goccy/go-json"
)

// Ack is the reply to one inbound event. Results sit at the top level next
// to success, keyed by what they are: group, message, messages.
type Ack struct {
	Success bool      `json:"success"`
	Error   *AckError `json:"error,omitempty"`
	// MessageID is set when the event created a message.
	MessageID string      `json:"messageId,omitempty"`
	User      *Identity   `json:"user,omitempty"`
	Groups    []GroupView `json:"groups,omitempty"`
	Group     *GroupView  `json:"group,omitempty"`
	Message   *Message    `json:"message,omitempty"`
	// Messages is written whenever it is non-nil, even when empty, so list
	// replies always carry the array. See MarshalJSON.
	Messages []*Message `json:"-"`
}

// AckError is the client-facing form of a failure.
type AckError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// OK builds a bare successful ack.
func OK() Ack {
	return Ack{Success: true}
}

// WithGroup attaches a group view.
func (a Ack) WithGroup(g GroupView) Ack {
	a.Group = &g
	return a
}

// WithMessage attaches a created message and its id.
func (a Ack) WithMessage(m *Message) Ack {
	a.Message = m
	if m != nil {
		a.MessageID = m.ID
	}
	return a
}

// WithMessages attaches a message list. An empty list is still sent.
func (a Ack) WithMessages(msgs []*Message) Ack {
	if msgs == nil {
		msgs = []*Message{}
	}
	a.Messages = msgs
	return a
}

// WithSession attaches the registered identity and its groups.
func (a Ack) WithSession(id Identity, groups []GroupView) Ack {
	a.User = &id
	if groups == nil {
		groups = []GroupView{}
	}
	a.Groups = groups
	return a
}

// MarshalJSON writes the ack, adding the messages array when one is attached.
func (a Ack) MarshalJSON() ([]byte, error) {
	type Alias Ack
	if a.Messages == nil {
		return json.Marshal(Alias(a))
	}
	return json.Marshal(struct {
		Alias
		Messages []*Message `json:"messages"`
	}{Alias(a), a.Messages})
}

func (a *Ack) UnmarshalJSON(data []byte) error {
	type Alias Ack
	var w struct {
		Alias
		Messages []*Message `json:"messages"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*a = Ack(w.Alias)
	a.Messages = w.Messages
	return nil
}

// Failed builds an ack from err. Unclassified errors are reported as Internal
// without their detail.
func Failed(err error) Ack {
	kind := KindOf(err)
	msg := "internal error"
	if kind != KindInternal {
		msg = err.Error()
	}
	return Ack{Error: &AckError{Kind: kind, Message: msg}}
}
