package twitter

// UserResponse is the body of GET /2/users/by/username/{username}.
type UserResponse struct {
	Data   *User      `json:"data"`
	Errors []APIError `json:"errors"`
}

type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

// TweetsResponse is the body of GET /2/users/{id}/tweets.
type TweetsResponse struct {
	Data   []Tweet    `json:"data"`
	Meta   Meta       `json:"meta"`
	Errors []APIError `json:"errors"`
}

type Tweet struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
	AuthorID  string `json:"author_id"`
}

type Meta struct {
	ResultCount int    `json:"result_count"`
	NewestID    string `json:"newest_id"`
	OldestID    string `json:"oldest_id"`
}

type APIError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Type   string `json:"type"`
}
