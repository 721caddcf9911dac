package models

import (
	"github.com/jackc/pgtype"
	"github.com/tidwall/gjson"
)

// User is an account able to chat. Authentication data lives here; everything
// the chat core needs is exposed through PreferenceMap.
type User struct {
	Model

	Email          string `json:"email" gorm:"not null;uniqueIndex"`
	HashedPassword string `json:"-" gorm:"not null"`

	// Preferences is a free-form JSON object of string values such as
	// edu_level, goal, explain_style and ui_lang.
	Preferences pgtype.JSONB `json:"preferences" gorm:"type:jsonb"`
}

// PreferenceMap returns the string-valued preferences of the user. Absent,
// null or malformed JSON yields an empty map.
func (u User) PreferenceMap() map[string]string {
	prefs := map[string]string{}
	if len(u.Preferences.Bytes) == 0 || !gjson.ValidBytes(u.Preferences.Bytes) {
		return prefs
	}

	result := gjson.ParseBytes(u.Preferences.Bytes)
	if !result.IsObject() {
		return prefs
	}
	result.ForEach(func(key, value gjson.Result) bool {
		if value.Type == gjson.String {
			prefs[key.String()] = value.String()
		}
		return true
	})
	return prefs
}
