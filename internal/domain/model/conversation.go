package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"conversation-api/internal/domain"
)

const (
	MaxNameLength = 200

	// DefaultTemperature is applied when a conversation carries no usable
	// "temperature" param. It is an engine convention, not a provider default.
	DefaultTemperature = 0.35

	ParamTemperature = "temperature"
	ParamMaxTokens   = "max_tokens"
	ParamModel       = "model"
)

// Role is the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleFunction  Role = "function"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleFunction:
		return true
	}
	return false
}

// Message is one role-tagged utterance within a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// NewMessage validates role and content. Blank content is rejected.
func NewMessage(role Role, content string) (Message, error) {
	if !role.Valid() {
		return Message{}, fmt.Errorf("%w: unknown role %q", domain.ErrInvalidArgument, role)
	}
	if strings.TrimSpace(content) == "" {
		return Message{}, fmt.Errorf("%w: content is empty", domain.ErrInvalidArgument)
	}
	if err := checkText("content", content); err != nil {
		return Message{}, err
	}
	return Message{Role: role, Content: content}, nil
}

// WithName returns m carrying the optional author name.
func (m Message) WithName(name string) (Message, error) {
	if err := checkText("name", name); err != nil {
		return Message{}, err
	}
	m.Name = name
	return m, nil
}

// checkText rejects NUL bytes, which the stores cannot hold in text columns.
func checkText(field, s string) error {
	if strings.IndexByte(s, 0) >= 0 {
		return fmt.Errorf("%w: %s contains a NUL character", domain.ErrInvalidArgument, field)
	}
	return nil
}

// Params is the open sampling configuration of a conversation. Recognized keys
// are read through the accessors below; everything else is stored untouched.
type Params map[string]any

// Temperature returns params["temperature"] or DefaultTemperature when the key
// is missing or not a finite number.
func (p Params) Temperature() float64 {
	if f, ok := p.number(ParamTemperature); ok {
		return f
	}
	return DefaultTemperature
}

// MaxTokens returns params["max_tokens"] when it is a positive integer, else 0.
func (p Params) MaxTokens() int {
	f, ok := p.number(ParamMaxTokens)
	if !ok || f < 1 || f != math.Trunc(f) {
		return 0
	}
	return int(f)
}

// Model returns params["model"] when it is a non-blank string.
func (p Params) Model() string {
	s, _ := p[ParamModel].(string)
	return strings.TrimSpace(s)
}

// Validate walks the params and rejects NUL characters in any key or string
// value, including nested objects and arrays.
func (p Params) Validate() error {
	return validateValue("params", map[string]any(p))
}

func validateValue(path string, v any) error {
	switch x := v.(type) {
	case string:
		return checkText(path, x)
	case map[string]any:
		for k, e := range x {
			if err := checkText(path+" key", k); err != nil {
				return err
			}
			if err := validateValue(path+"."+k, e); err != nil {
				return err
			}
		}
	case Params:
		return validateValue(path, map[string]any(x))
	case []any:
		for i, e := range x {
			if err := validateValue(fmt.Sprintf("%s[%d]", path, i), e); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p Params) number(key string) (float64, bool) {
	var f float64
	switch v := p[key].(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		n, err := v.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Conversation is the aggregate root: metadata, running token total and the
// ordered message history.
type Conversation struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Params    Params    `json:"params"`
	Tokens    int64     `json:"tokens"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewConversation(id, name string, params Params) (*Conversation, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", domain.ErrInvalidArgument)
	}
	name, err := NormalizeName(name)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = Params{}
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Conversation{
		ID:        id,
		Name:      name,
		Params:    params,
		Tokens:    0,
		Messages:  make([]Message, 0),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// NormalizeName trims the title and enforces 1..MaxNameLength characters.
func NormalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: name is required", domain.ErrInvalidArgument)
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return "", fmt.Errorf("%w: name exceeds %d characters", domain.ErrInvalidArgument, MaxNameLength)
	}
	if err := checkText("name", name); err != nil {
		return "", err
	}
	return name, nil
}

// History returns a copy of the messages followed by next, in that order.
func (c *Conversation) History(next Message) []Message {
	out := make([]Message, 0, len(c.Messages)+1)
	out = append(out, c.Messages...)
	return append(out, next)
}

// MetadataPatch carries a partial metadata update. Nil fields are left as is;
// a non-nil Params replaces the stored map.
type MetadataPatch struct {
	Name   *string
	Params Params
}

func (p MetadataPatch) Empty() bool {
	return p.Name == nil && p.Params == nil
}
