package telegram

import (
	"fmt"
	"html"
	"strings"

	"gopkg.in/telebot.v3"

	"post_relay/internal/domain"
)

const timestampLayout = "2006-01-02 15:04 UTC"

// FormatPost renders a post for an HTML parse-mode chat message: header with
// the handle, escaped text, timestamp, then the permalink.
func FormatPost(handle string, post domain.Post) domain.NotificationMessage {
	handle = strings.TrimPrefix(handle, "@")

	createdAt := "Unknown time"
	if !post.CreatedAt.IsZero() {
		createdAt = post.CreatedAt.UTC().Format(timestampLayout)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🕊 <b>New post from @%s</b>\n\n", html.EscapeString(handle))
	// The API already entity-encodes &, < and > in post text.
	b.WriteString(html.EscapeString(html.UnescapeString(post.Text)))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "🕒 %s\n", createdAt)
	fmt.Fprintf(&b, "🔗 <a href=\"%s\">View post</a>", html.EscapeString(post.Permalink(handle)))

	return domain.NotificationMessage{
		Handle:    handle,
		PostID:    post.ID,
		Text:      b.String(),
		ParseMode: string(telebot.ModeHTML),
	}
}

// Format implements service.Notifier.
func (n *Notifier) Format(handle string, post domain.Post) domain.NotificationMessage {
	return FormatPost(handle, post)
}
