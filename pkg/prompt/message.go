package prompt

import (
	"encoding/json"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"

	PartText  = "text"
	PartImage = "image_url"
)

type ImageURL struct {
	URL string `json:"url"`
}

// Part is one element of a multi-part message.
type Part struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// Message is one entry of a chat completions request. Messages with Parts are
// sent as a content array, all others as a plain content string.
type Message struct {
	Role  string
	Text  string
	Parts []Part
}

func TextMessage(role, text string) Message {
	return Message{Role: role, Text: text}
}

func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Parts) > 0 {
		return json.Marshal(struct {
			Role    string `json:"role"`
			Content []Part `json:"content"`
		}{m.Role, m.Parts})
	}
	return json.Marshal(struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{m.Role, m.Text})
}
