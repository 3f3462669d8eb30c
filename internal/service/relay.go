package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"post_relay/internal/config"
	"post_relay/internal/domain"
)

type RelayService struct {
	source    Source
	notifier  Notifier
	state     StateStore
	publisher Publisher
	logger    *slog.Logger
	accounts  []string
	config    config.RelayConfig
}

// NewRelayService wires a relay run. publisher may be nil.
func NewRelayService(
	source Source,
	notifier Notifier,
	state StateStore,
	publisher Publisher,
	logger *slog.Logger,
	accounts []string,
	cfg config.RelayConfig,
) *RelayService {
	return &RelayService{
		source:    source,
		notifier:  notifier,
		state:     state,
		publisher: publisher,
		logger:    logger.With("source", source.ID()),
		accounts:  accounts,
		config:    cfg,
	}
}

// Run performs one pass over every monitored account. Only a failure to load
// state is returned as an error; per-account failures and a failed save are
// reported in the stats.
func (s *RelayService) Run(ctx context.Context) (*domain.RunStats, error) {
	startTime := time.Now()
	s.logger.Info("starting run",
		"accounts", len(s.accounts),
		"max_results", s.config.MaxResults,
		"first_run_limit", s.config.FirstRun(),
	)

	state, err := s.state.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if state == nil {
		state = domain.NewStateRecord()
	}
	s.logger.Debug("loaded state", "entries", state.Len())

	stats := &domain.RunStats{}
	resolved := make(map[string]string, len(s.accounts))

	for _, handle := range s.accounts {
		if ctx.Err() != nil {
			s.logger.Warn("run interrupted", "handle", handle, "error", ctx.Err())
			break
		}

		result, changed := s.processAccount(ctx, handle, state, resolved, stats)
		stats.Accounts = append(stats.Accounts, result)
		stats.Fetched += result.Fetched
		stats.Notified += result.Notified
		if result.Status == domain.AccountSkipped {
			stats.Skipped++
		}
		if changed {
			stats.StateChanged = true
		}
	}

	if stats.StateChanged {
		// Deliveries already happened; the save must not be lost to a
		// cancelled run context.
		if err := s.state.Save(context.WithoutCancel(ctx), state); err != nil {
			stats.PersistErr = err
			s.logger.Error("failed to persist state", "error", err)
		} else {
			stats.StateSaved = true
		}
	} else {
		s.logger.Debug("state unchanged, skipping save")
	}

	stats.Duration = time.Since(startTime)

	s.logger.Info("run completed",
		"fetched", stats.Fetched,
		"notified", stats.Notified,
		"skipped_accounts", stats.Skipped,
		"mirrored", stats.Mirrored,
		"state_saved", stats.StateSaved,
		"duration", stats.Duration,
	)

	return stats, nil
}

func (s *RelayService) processAccount(
	ctx context.Context,
	handle string,
	state *domain.StateRecord,
	resolved map[string]string,
	stats *domain.RunStats,
) (domain.AccountResult, bool) {
	logger := s.logger.With("handle", handle)
	result := domain.AccountResult{Handle: handle, Status: domain.AccountDone}
	changed := false

	accountID, ok := resolved[handle]
	if !ok {
		id, err := s.source.ResolveAccountID(ctx, handle)
		if err != nil {
			return s.skip(logger, result, skipReason(err), err), false
		}
		accountID = id
		resolved[handle] = id
	}

	watermark, known := state.Get(handle)
	account := domain.MonitoredAccount{Handle: handle, AccountID: accountID}

	posts, err := s.source.FetchRecentPosts(ctx, account, watermark, s.config.MaxResults)
	if err != nil {
		return s.skip(logger, result, domain.ReasonSourceUnavailable, err), false
	}
	result.Fetched = len(posts)

	posts = sortPosts(posts)

	var fresh []domain.Post
	if known {
		fresh = newerThan(posts, watermark)
		if len(fresh) > 0 && len(fresh) >= s.config.MaxResults {
			logger.Warn("page full of new posts, older ones may have been missed",
				"watermark", watermark,
				"max_results", s.config.MaxResults,
			)
		}
	} else {
		fresh = newest(posts, s.config.FirstRun())
		if len(fresh) == 0 && len(posts) > 0 {
			// No notifications on first sight, but remember where we are.
			baseline := posts[len(posts)-1].ID
			if state.Advance(handle, baseline) {
				changed = true
			}
			logger.Info("recorded baseline without notifying", "post_id", baseline)
		}
	}
	result.New = len(fresh)

	logger.Info("fetched posts",
		"fetched", result.Fetched,
		"new", result.New,
		"watermark", watermark,
	)

	for _, post := range fresh {
		msg := s.notifier.Format(handle, post)
		receipt, err := s.notifier.Send(ctx, msg)
		if err != nil {
			result.Watermark, _ = state.Get(handle)
			return s.skip(logger, result, domain.ReasonDeliveryFailed, err), changed
		}

		if state.Advance(handle, post.ID) {
			changed = true
		}
		result.Notified++

		logger.Debug("post delivered", "post_id", post.ID)

		if s.publisher != nil {
			if err := s.publisher.Publish(ctx, handle, post, receipt); err != nil {
				logger.Warn("failed to mirror post", "post_id", post.ID, "error", err)
			} else {
				stats.Mirrored++
			}
		}
	}

	result.Watermark, _ = state.Get(handle)
	return result, changed
}

func (s *RelayService) skip(logger *slog.Logger, result domain.AccountResult, reason string, err error) domain.AccountResult {
	result.Status = domain.AccountSkipped
	result.Reason = reason
	result.Err = err

	attrs := []any{"reason", reason, "error", err}
	if n := attempts(err); n > 0 {
		attrs = append(attrs, "attempts", n)
	}
	if result.Notified > 0 {
		attrs = append(attrs, "notified", result.Notified)
	}
	logger.Warn("account skipped", attrs...)

	return result
}

func skipReason(err error) string {
	var notFound *domain.AccountNotFoundError
	if errors.As(err, &notFound) {
		return domain.ReasonAccountNotFound
	}
	return domain.ReasonSourceUnavailable
}

func attempts(err error) int {
	var unavailable *domain.SourceUnavailableError
	if errors.As(err, &unavailable) {
		return unavailable.Attempts
	}
	var delivery *domain.DeliveryError
	if errors.As(err, &delivery) {
		return delivery.Attempts
	}
	return 0
}

// sortPosts orders posts oldest first and drops repeated ids.
func sortPosts(posts []domain.Post) []domain.Post {
	sorted := slices.Clone(posts)
	slices.SortStableFunc(sorted, func(a, b domain.Post) int {
		return domain.CompareIDs(a.ID, b.ID)
	})
	return slices.CompactFunc(sorted, func(a, b domain.Post) bool {
		return domain.CompareIDs(a.ID, b.ID) == 0
	})
}

func newerThan(posts []domain.Post, watermark string) []domain.Post {
	var out []domain.Post
	for _, p := range posts {
		if domain.CompareIDs(p.ID, watermark) > 0 {
			out = append(out, p)
		}
	}
	return out
}

func newest(posts []domain.Post, n int) []domain.Post {
	if n <= 0 {
		return nil
	}
	if len(posts) > n {
		return posts[len(posts)-n:]
	}
	return posts
}
