package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a role a conversation may carry.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type ChatSession struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Messages []Message `json:"messages"`
}

// Clone returns a copy that shares no message storage with s.
func (s ChatSession) Clone() ChatSession {
	out := s
	out.Messages = make([]Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	return out
}

var ErrEmptyConversation = errors.New("messages must be a non-empty list")

// wireMessage keeps content as a pointer so that a null or missing
// content can be told apart from an empty string.
type wireMessage struct {
	Role    Role    `json:"role"`
	Content *string `json:"content"`
}

// ParseConversation decodes a JSON array of messages and rejects
// empty lists, unknown roles and null content.
func ParseConversation(raw json.RawMessage) ([]Message, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ErrEmptyConversation
	}
	var wire []wireMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("messages must be a list of {role, content}: %w", err)
	}
	return validate(wire)
}

func validate(wire []wireMessage) ([]Message, error) {
	if len(wire) == 0 {
		return nil, ErrEmptyConversation
	}
	out := make([]Message, 0, len(wire))
	for i, m := range wire {
		if !m.Role.Valid() {
			return nil, fmt.Errorf("messages[%d]: invalid role %q", i, m.Role)
		}
		if m.Content == nil {
			return nil, fmt.Errorf("messages[%d]: content is required", i)
		}
		out = append(out, Message{Role: m.Role, Content: *m.Content})
	}
	return out, nil
}

// Wire types shared by the proxy endpoint and its client.

type ChatRequest struct {
	Messages []Message `json:"messages"`
}

// StreamChunk is the payload of each data frame of a chat stream.
type StreamChunk struct {
	Content string `json:"content"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// StreamDone is the data of the frame that ends a successful stream.
const StreamDone = "[DONE]"
