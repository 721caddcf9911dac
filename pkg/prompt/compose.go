package prompt

import (
	"fmt"
	"strings"

	"github.com/studify-ai/studify/pkg/db/models"
	"github.com/studify-ai/studify/pkg/persona"
)

const (
	fallbackLearner = "a learner"
	fallbackGoal    = "learning something new"
	fallbackStyle   = "Explain clearly and match the depth of the answer to the question."

	// ImagePlaceholder is sent when a user attaches an image without any text.
	ImagePlaceholder = "Describe and analyse the attached image."
)

var learnerNouns = map[string]string{
	"school":       "a school student",
	"schoolkid":    "a school student",
	"student":      "a university student",
	"university":   "a university student",
	"teacher":      "a teacher",
	"professional": "a working professional",
	"self":         "a self-taught learner",
}

var goalPhrases = map[string]string{
	"exam":      "preparing for an exam",
	"exams":     "preparing for an exam",
	"homework":  "getting homework done",
	"career":    "building skills for a career",
	"research":  "researching a topic in depth",
	"curiosity": "exploring a topic out of curiosity",
}

var styleSentences = map[string]string{
	"simple":   "Explain in plain language with everyday examples.",
	"detailed": "Give thorough, in-depth explanations with the reasoning spelled out.",
	"brief":    "Keep answers short and to the point.",
	"concise":  "Keep answers short and to the point.",
	"academic": "Use precise academic language and cite definitions.",
	"socratic": "Guide the user with questions instead of giving the answer away.",
}

var languages = map[string]string{
	"en": "English",
	"ru": "Russian",
	"kk": "Kazakh",
	"uz": "Uzbek",
	"de": "German",
	"fr": "French",
	"es": "Spanish",
}

// NewTurn is the message being answered.
type NewTurn struct {
	Text string
	// Image is an image URL or data URI, empty when none is attached.
	Image string
}

// StoredText is the text persisted for a user turn. An image sent without
// text is stored as ImagePlaceholder so later windows never carry an empty
// user message.
func StoredText(turn NewTurn) string {
	if turn.Image != "" && strings.TrimSpace(turn.Text) == "" {
		return ImagePlaceholder
	}
	return turn.Text
}

// Build composes the messages sent to the provider: a system message with the
// persona prompt and preference annotation, the history in the order given,
// and finally the new user turn. History turns with blank content are left
// out since some providers reject empty messages.
func Build(p persona.Persona, prefs map[string]string, history []models.ChatTurn, turn NewTurn) []Message {
	messages := make([]Message, 0, len(history)+2)
	messages = append(messages, TextMessage(RoleSystem, SystemPrompt(p, prefs)))

	for _, h := range history {
		if strings.TrimSpace(h.Content) == "" {
			continue
		}
		messages = append(messages, TextMessage(h.Role, h.Content))
	}

	if turn.Image == "" {
		return append(messages, TextMessage(RoleUser, turn.Text))
	}

	text := turn.Text
	if strings.TrimSpace(text) == "" {
		text = ImagePlaceholder
	}
	return append(messages, Message{
		Role: RoleUser,
		Parts: []Part{
			{Type: PartText, Text: text},
			{Type: PartImage, ImageURL: &ImageURL{URL: turn.Image}},
		},
	})
}

// SystemPrompt joins the persona prompt with a sentence describing the user.
func SystemPrompt(p persona.Persona, prefs map[string]string) string {
	learner := lookup(learnerNouns, prefs, fallbackLearner, "role", "edu_level")
	goal := lookup(goalPhrases, prefs, fallbackGoal, "goal")
	style := lookup(styleSentences, prefs, fallbackStyle, "explain_style", "style")

	var sb strings.Builder
	sb.WriteString(p.SystemPrompt)
	if sb.Len() > 0 {
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "The user is %s whose goal is %s. %s", learner, goal, style)
	if lang := lookup(languages, prefs, "", "ui_lang"); lang != "" {
		fmt.Fprintf(&sb, " Answer in %s.", lang)
	}
	return sb.String()
}

// lookup returns the mapping for the first key present in prefs that has a
// known value, or fallback.
func lookup(table, prefs map[string]string, fallback string, keys ...string) string {
	for _, k := range keys {
		v, ok := prefs[k]
		if !ok {
			continue
		}
		if mapped, ok := table[strings.ToLower(strings.TrimSpace(v))]; ok {
			return mapped
		}
	}
	return fallback
}
