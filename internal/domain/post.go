package domain

import (
	"fmt"
	"strings"
	"time"
)

// PermalinkBase is the host used to build links back to the original post.
const PermalinkBase = "https://twitter.com"

// MonitoredAccount is a configured handle and the stable id it resolved to
// for the current run.
type MonitoredAccount struct {
	Handle    string
	AccountID string
}

type Post struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Permalink returns the public link to the post under the given handle.
func (p Post) Permalink(handle string) string {
	return fmt.Sprintf("%s/%s/status/%s", PermalinkBase, strings.TrimPrefix(handle, "@"), p.ID)
}

// CompareIDs orders post ids numerically without parsing them. Ids are
// decimal strings, so a longer id is always newer.
func CompareIDs(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return strings.Compare(a, b)
}

// NotificationMessage is the formatted, transient form of a post.
type NotificationMessage struct {
	Handle    string
	PostID    string
	Text      string
	ParseMode string
}

type DeliveryReceipt struct {
	MessageID int
	ChatID    string
	SentAt    time.Time
}
