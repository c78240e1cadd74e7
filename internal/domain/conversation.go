package domain

import "time"

// Title derivation limits.
const (
	TitleMaxRunes = 50
	DefaultTitle  = "New Chat"
)

// Conversation is a user's chat and its ordered messages.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Messages  []Message `json:"messages,omitempty"`
}

// DeriveTitle returns the text of the first user message cut to
// TitleMaxRunes, or DefaultTitle when there is no non-empty one.
func DeriveTitle(msgs []Message) string {
	for _, m := range msgs {
		if m.Role != RoleUser {
			continue
		}
		text := []rune(m.Text())
		if len(text) > TitleMaxRunes {
			text = text[:TitleMaxRunes]
		}
		if len(text) == 0 {
			return DefaultTitle
		}
		return string(text)
	}
	return DefaultTitle
}

// User is an account known to the store.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	IsAdmin   bool      `json:"isAdmin"`
	CreatedAt time.Time `json:"createdAt"`
}

// Identity is the verified caller of a request.
type Identity struct {
	UserID string
	Email  string
	Name   string
}
