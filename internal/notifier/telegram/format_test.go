package telegram

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"post_relay/internal/domain"
)

func TestFormatPost(t *testing.T) {
	post := domain.Post{
		ID:        "1790000000000000001",
		Text:      `Tom & Jerry <3 "quotes"`,
		CreatedAt: time.Date(2024, 5, 1, 10, 3, 0, 0, time.FixedZone("CEST", 2*3600)),
	}

	msg := FormatPost("@alice", post)

	want := "🕊 <b>New post from @alice</b>\n\n" +
		"Tom &amp; Jerry &lt;3 &#34;quotes&#34;\n\n" +
		"🕒 2024-05-01 08:03 UTC\n" +
		"🔗 <a href=\"https://twitter.com/alice/status/1790000000000000001\">View post</a>"

	assert.Equal(t, want, msg.Text)
	assert.Equal(t, "alice", msg.Handle)
	assert.Equal(t, "1790000000000000001", msg.PostID)
	assert.Equal(t, "HTML", msg.ParseMode)
}

func TestFormatPost_UnknownTime(t *testing.T) {
	msg := FormatPost("bob", domain.Post{ID: "5", Text: "hi"})
	assert.Contains(t, msg.Text, "🕒 Unknown time\n")
}

func TestFormatPost_ApiEncodedText(t *testing.T) {
	msg := FormatPost("alice", domain.Post{ID: "7", Text: "Tom &amp; Jerry &lt;3 &gt; 2"})
	assert.Contains(t, msg.Text, "\n\nTom &amp; Jerry &lt;3 &gt; 2\n\n")
	assert.NotContains(t, msg.Text, "&amp;amp;")
}
