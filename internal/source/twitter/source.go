package twitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"post_relay/internal/domain"
)

const (
	SourceID = "twitter"

	// The API rejects max_results outside this range.
	apiMinResults = 5
	apiMaxResults = 100

	// Added to the advertised reset time so the retry lands after it.
	rateLimitBuffer = 5 * time.Second
)

// Config holds Twitter API v2 client configuration.
type Config struct {
	BaseURL          string
	Token            string
	Timeout          time.Duration
	MaxAttempts      int
	RetryDelay       time.Duration
	MaxRateLimitWait time.Duration
}

// Source implements service.Source for the Twitter API v2.
type Source struct {
	httpClient       *http.Client
	baseURL          string
	token            string
	maxAttempts      int
	retryDelay       time.Duration
	maxRateLimitWait time.Duration
	now              func() time.Time
	logger           *slog.Logger
}

// New creates a new Twitter source.
func New(cfg Config, logger *slog.Logger) *Source {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Source{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL:          cfg.BaseURL,
		token:            cfg.Token,
		maxAttempts:      attempts,
		retryDelay:       cfg.RetryDelay,
		maxRateLimitWait: cfg.MaxRateLimitWait,
		now:              time.Now,
		logger:           logger.With("source", SourceID),
	}
}

// ID returns the source identifier.
func (s *Source) ID() string {
	return SourceID
}

// ResolveAccountID looks up the stable user id for handle.
func (s *Source) ResolveAccountID(ctx context.Context, handle string) (string, error) {
	endpoint := fmt.Sprintf("%s/2/users/by/username/%s", s.baseURL, url.PathEscape(handle))

	var resp UserResponse
	attempts, err := s.get(ctx, handle, endpoint, &resp)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && (se.Code == http.StatusNotFound || se.Code == http.StatusBadRequest) {
			return "", &domain.AccountNotFoundError{Handle: handle, Reason: se.Error()}
		}
		return "", &domain.SourceUnavailableError{Handle: handle, Attempts: attempts, Err: err}
	}

	if resp.Data == nil || resp.Data.ID == "" {
		reason := "no user id in response, the account may be private or suspended"
		if len(resp.Errors) > 0 {
			reason = resp.Errors[0].Detail
		}
		return "", &domain.AccountNotFoundError{Handle: handle, Reason: reason}
	}

	s.logger.Debug("resolved account", "handle", handle, "account_id", resp.Data.ID)
	return resp.Data.ID, nil
}

// FetchRecentPosts returns up to maxResults of the account's most recent
// posts, oldest first. When sinceID is set the API excludes posts at or
// before it.
func (s *Source) FetchRecentPosts(ctx context.Context, account domain.MonitoredAccount, sinceID string, maxResults int) ([]domain.Post, error) {
	params := url.Values{}
	params.Set("max_results", strconv.Itoa(clamp(maxResults, apiMinResults, apiMaxResults)))
	params.Set("tweet.fields", "created_at")
	if sinceID != "" {
		params.Set("since_id", sinceID)
	}
	endpoint := fmt.Sprintf("%s/2/users/%s/tweets?%s", s.baseURL, url.PathEscape(account.AccountID), params.Encode())

	var resp TweetsResponse
	attempts, err := s.get(ctx, account.Handle, endpoint, &resp)
	if err != nil {
		return nil, &domain.SourceUnavailableError{Handle: account.Handle, Attempts: attempts, Err: err}
	}

	posts := s.transform(account, resp.Data)
	if maxResults > 0 && len(posts) > maxResults {
		posts = posts[len(posts)-maxResults:]
	}

	s.logger.Debug("fetched posts",
		"handle", account.Handle,
		"count", len(posts),
		"since_id", sinceID,
	)

	return posts, nil
}

// get performs a GET with the retry policy and reports how many attempts
// were made.
func (s *Source) get(ctx context.Context, handle, endpoint string, out any) (int, error) {
	attempts := 0

	err := retry.Do(
		func() error {
			attempts++
			err := s.doRequest(ctx, endpoint, out)
			var rl *RateLimitError
			if errors.As(err, &rl) && rl.Wait > s.maxRateLimitWait {
				s.logger.Warn("rate limit reset too far away, not retrying",
					"handle", handle,
					"wait", rl.Wait,
					"max_wait", s.maxRateLimitWait,
				)
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(uint(s.maxAttempts)),
		retry.Delay(s.retryDelay),
		retry.DelayType(s.delay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(isRetryable),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("request failed, retrying",
				"handle", handle,
				"attempt", attempts,
				"max_attempts", s.maxAttempts,
				"error", err,
			)
		}),
	)

	return attempts, err
}

// delay waits out a rate limit window when the API advertised one, and uses
// the fixed retry delay otherwise.
func (s *Source) delay(n uint, err error, config *retry.Config) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.Wait > 0 {
		return rl.Wait
	}
	return retry.FixedDelay(n, err, config)
}

func (s *Source) doRequest(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "PostRelay/1.0")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{Wait: s.rateLimitWait(resp.Header.Get("x-rate-limit-reset"))}
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Unrecoverable(fmt.Errorf("decode response: %w", err))
	}

	return nil
}

// rateLimitWait turns the unix reset timestamp into a wait. Zero means no
// usable reset time was given.
func (s *Source) rateLimitWait(reset string) time.Duration {
	if reset == "" {
		return 0
	}
	epoch, err := strconv.ParseInt(reset, 10, 64)
	if err != nil {
		return 0
	}
	wait := time.Unix(epoch, 0).Sub(s.now())
	if wait <= 0 {
		return 0
	}
	return wait + rateLimitBuffer
}

func (s *Source) transform(account domain.MonitoredAccount, tweets []Tweet) []domain.Post {
	posts := make([]domain.Post, 0, len(tweets))

	for _, t := range tweets {
		if t.ID == "" {
			continue
		}

		post := domain.Post{
			ID:        t.ID,
			AccountID: account.AccountID,
			Text:      t.Text,
		}

		if t.CreatedAt != "" {
			createdAt, err := time.Parse(time.RFC3339, t.CreatedAt)
			if err != nil {
				s.logger.Warn("failed to parse created_at",
					"post_id", t.ID,
					"created_at", t.CreatedAt,
				)
			} else {
				post.CreatedAt = createdAt
			}
		}

		posts = append(posts, post)
	}

	sort.Slice(posts, func(i, j int) bool {
		return domain.CompareIDs(posts[i].ID, posts[j].ID) < 0
	})

	return posts
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
