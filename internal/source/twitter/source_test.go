package twitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"post_relay/internal/domain"
)

type SourceTestSuite struct {
	suite.Suite
	ctx      context.Context
	mux      *http.ServeMux
	server   *httptest.Server
	source   *Source
	requests atomic.Int32
}

func (s *SourceTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.requests.Store(0)
	s.mux = http.NewServeMux()
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		s.mux.ServeHTTP(w, r)
	}))

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	s.source = New(Config{
		BaseURL:          s.server.URL,
		Token:            "test-token",
		Timeout:          time.Second,
		MaxAttempts:      3,
		RetryDelay:       time.Millisecond,
		MaxRateLimitWait: time.Minute,
	}, logger)
}

func (s *SourceTestSuite) TearDownTest() {
	s.server.Close()
}

func TestSourceTestSuite(t *testing.T) {
	suite.Run(t, new(SourceTestSuite))
}

var alice = domain.MonitoredAccount{Handle: "alice", AccountID: "42"}

func (s *SourceTestSuite) TestResolveAccountID() {
	s.mux.HandleFunc("/2/users/by/username/alice", func(w http.ResponseWriter, r *http.Request) {
		s.Equal("Bearer test-token", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"data":{"id":"42","name":"Alice","username":"alice"}}`)
	})

	id, err := s.source.ResolveAccountID(s.ctx, "alice")
	s.NoError(err)
	s.Equal("42", id)
}

func (s *SourceTestSuite) TestResolveAccountID_NotFoundStatus() {
	s.mux.HandleFunc("/2/users/by/username/ghost", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := s.source.ResolveAccountID(s.ctx, "ghost")

	var notFound *domain.AccountNotFoundError
	s.True(errors.As(err, &notFound))
	s.Equal("ghost", notFound.Handle)
	s.Equal(int32(1), s.requests.Load())
}

func (s *SourceTestSuite) TestResolveAccountID_ErrorsBody() {
	s.mux.HandleFunc("/2/users/by/username/suspended", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"errors":[{"title":"Forbidden","detail":"User has been suspended: [suspended]."}]}`)
	})

	_, err := s.source.ResolveAccountID(s.ctx, "suspended")

	var notFound *domain.AccountNotFoundError
	s.True(errors.As(err, &notFound))
	s.Contains(notFound.Error(), "suspended")
}

func (s *SourceTestSuite) TestResolveAccountID_ServerErrorExhaustsRetries() {
	s.mux.HandleFunc("/2/users/by/username/alice", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := s.source.ResolveAccountID(s.ctx, "alice")

	var unavailable *domain.SourceUnavailableError
	s.True(errors.As(err, &unavailable))
	s.Equal(3, unavailable.Attempts)
	s.Equal(int32(3), s.requests.Load())
}

func (s *SourceTestSuite) TestFetchRecentPosts_OldestFirst() {
	s.mux.HandleFunc("/2/users/42/tweets", func(w http.ResponseWriter, r *http.Request) {
		s.Equal("5", r.URL.Query().Get("max_results"))
		s.Equal("created_at", r.URL.Query().Get("tweet.fields"))
		s.Equal("100", r.URL.Query().Get("since_id"))
		fmt.Fprint(w, `{"data":[
			{"id":"103","text":"third","created_at":"2024-05-01T10:03:00.000Z"},
			{"id":"102","text":"second","created_at":"2024-05-01T10:02:00.000Z"},
			{"id":"101","text":"first","created_at":"2024-05-01T10:01:00.000Z"}
		],"meta":{"result_count":3,"newest_id":"103","oldest_id":"101"}}`)
	})

	posts, err := s.source.FetchRecentPosts(s.ctx, alice, "100", 5)
	s.Require().NoError(err)
	s.Require().Len(posts, 3)
	s.Equal("101", posts[0].ID)
	s.Equal("102", posts[1].ID)
	s.Equal("103", posts[2].ID)
	s.Equal("first", posts[0].Text)
	s.Equal("42", posts[0].AccountID)
	s.Equal(time.Date(2024, 5, 1, 10, 1, 0, 0, time.UTC), posts[0].CreatedAt.UTC())
}

func (s *SourceTestSuite) TestFetchRecentPosts_TrimsToNewest() {
	s.mux.HandleFunc("/2/users/42/tweets", func(w http.ResponseWriter, r *http.Request) {
		s.Equal("5", r.URL.Query().Get("max_results"))
		s.Empty(r.URL.Query().Get("since_id"))
		fmt.Fprint(w, `{"data":[{"id":"9"},{"id":"10"},{"id":"8"},{"id":"7"},{"id":"6"}]}`)
	})

	posts, err := s.source.FetchRecentPosts(s.ctx, alice, "", 2)
	s.Require().NoError(err)
	s.Require().Len(posts, 2)
	s.Equal("9", posts[0].ID)
	s.Equal("10", posts[1].ID)
}

func (s *SourceTestSuite) TestFetchRecentPosts_Empty() {
	s.mux.HandleFunc("/2/users/42/tweets", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"meta":{"result_count":0}}`)
	})

	posts, err := s.source.FetchRecentPosts(s.ctx, alice, "100", 5)
	s.NoError(err)
	s.Empty(posts)
}

func (s *SourceTestSuite) TestFetchRecentPosts_RateLimitedEveryAttempt() {
	s.mux.HandleFunc("/2/users/42/tweets", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	posts, err := s.source.FetchRecentPosts(s.ctx, alice, "", 5)
	s.Nil(posts)

	var unavailable *domain.SourceUnavailableError
	s.Require().True(errors.As(err, &unavailable))
	s.Equal("alice", unavailable.Handle)
	s.Equal(3, unavailable.Attempts)
	s.Equal(int32(3), s.requests.Load())

	var rl *RateLimitError
	s.True(errors.As(err, &rl))
}

func (s *SourceTestSuite) TestFetchRecentPosts_RecoversAfterTransientFailure() {
	var calls atomic.Int32
	s.mux.HandleFunc("/2/users/42/tweets", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"data":[{"id":"101","text":"hello"}]}`)
	})

	posts, err := s.source.FetchRecentPosts(s.ctx, alice, "", 5)
	s.NoError(err)
	s.Len(posts, 1)
	s.Equal(int32(2), calls.Load())
}

func (s *SourceTestSuite) TestFetchRecentPosts_PermanentErrorNotRetried() {
	s.mux.HandleFunc("/2/users/42/tweets", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := s.source.FetchRecentPosts(s.ctx, alice, "", 5)

	var unavailable *domain.SourceUnavailableError
	s.Require().True(errors.As(err, &unavailable))
	s.Equal(1, unavailable.Attempts)
	s.Equal(int32(1), s.requests.Load())
}

func (s *SourceTestSuite) TestFetchRecentPosts_RateLimitResetTooFar() {
	s.mux.HandleFunc("/2/users/42/tweets", func(w http.ResponseWriter, r *http.Request) {
		reset := time.Now().Add(time.Hour).Unix()
		w.Header().Set("x-rate-limit-reset", strconv.FormatInt(reset, 10))
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := s.source.FetchRecentPosts(s.ctx, alice, "", 5)

	var unavailable *domain.SourceUnavailableError
	s.Require().True(errors.As(err, &unavailable))
	s.Equal(1, unavailable.Attempts)
}

func (s *SourceTestSuite) TestRateLimitWait() {
	now := time.Unix(1_700_000_000, 0)
	s.source.now = func() time.Time { return now }

	s.Equal(time.Duration(0), s.source.rateLimitWait(""))
	s.Equal(time.Duration(0), s.source.rateLimitWait("garbage"))
	s.Equal(time.Duration(0), s.source.rateLimitWait(strconv.FormatInt(now.Unix()-10, 10)))
	s.Equal(30*time.Second+rateLimitBuffer, s.source.rateLimitWait(strconv.FormatInt(now.Unix()+30, 10)))
}
