package service

import (
	"context"
	"errors"
	"time"

	"golang.org/x/text/language"

	"github.com/Vilis322/sleepBot/internal"
	"github.com/Vilis322/sleepBot/internal/clock"
	"github.com/Vilis322/sleepBot/internal/storage"
)

// SupportedLanguages lists the interface languages in preference order.
var SupportedLanguages = []language.Tag{language.English, language.Russian, language.Estonian}

var languageMatcher = language.NewMatcher(SupportedLanguages)

// MatchLanguage maps a BCP 47 tag or Accept-Language value onto a supported language.
func MatchLanguage(tag string) (string, error) {
	tags, _, err := language.ParseAcceptLanguage(tag)
	if err != nil || len(tags) == 0 {
		return "", &internal.Error{Kind: internal.KindInvalidLanguage, Proposed: tag, Err: err}
	}
	_, idx, conf := languageMatcher.Match(tags...)
	if conf == language.No {
		return "", &internal.Error{Kind: internal.KindInvalidLanguage, Proposed: tag}
	}
	base, _ := SupportedLanguages[idx].Base()
	return base.String(), nil
}

type UserService struct {
	users           storage.UserRepository
	clock           clock.Clock
	logger          internal.Logger
	defaultTimezone string
	storageTimeout  time.Duration
}

func NewUserService(users storage.UserRepository, clk clock.Clock, logger internal.Logger, defaultTimezone string, storageTimeout time.Duration) *UserService {
	if defaultTimezone == "" {
		defaultTimezone = "UTC"
	}
	if storageTimeout <= 0 {
		storageTimeout = DefaultStorageTimeout
	}
	return &UserService{users: users, clock: clk, logger: logger, defaultTimezone: defaultTimezone, storageTimeout: storageTimeout}
}

// GetOrCreate registers the user on first contact. Unsupported language or
// timezone hints fall back to the defaults instead of failing.
func (s *UserService) GetOrCreate(ctx context.Context, id, languageHint, timezone string) (*internal.User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storageTimeout)
	defer cancel()

	lang := "en"
	if languageHint != "" {
		if matched, err := MatchLanguage(languageHint); err == nil {
			lang = matched
		}
	}
	if timezone == "" {
		timezone = s.defaultTimezone
	}
	if _, err := s.clock.Location(timezone); err != nil {
		timezone = s.defaultTimezone
	}

	now := normalize(s.clock.Now())
	u, created, err := s.users.GetOrCreateUser(ctx, &internal.User{
		ID:        id,
		Language:  lang,
		Timezone:  timezone,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, internal.Unavailable(err)
	}
	if created {
		s.logger.Infof("registered user %s (language=%s, timezone=%s)", id, lang, timezone)
	}
	return u, nil
}

// Get returns nil when the user is unknown.
func (s *UserService) Get(ctx context.Context, id string) (*internal.User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storageTimeout)
	defer cancel()
	u, err := s.users.GetUser(ctx, id)
	if err != nil {
		return nil, internal.Unavailable(err)
	}
	return u, nil
}

func (s *UserService) UpdateLanguage(ctx context.Context, id, tag string) (*internal.User, error) {
	lang, err := MatchLanguage(tag)
	if err != nil {
		return nil, err
	}
	return s.update(ctx, id, func(u *internal.User) { u.Language = lang })
}

func (s *UserService) UpdateTimezone(ctx context.Context, id, tz string) (*internal.User, error) {
	if tz == "" {
		return nil, &internal.Error{Kind: internal.KindInvalidTimezone, Proposed: tz}
	}
	loc, err := s.clock.Location(tz)
	if err != nil {
		return nil, &internal.Error{Kind: internal.KindInvalidTimezone, Proposed: tz, Err: err}
	}
	return s.update(ctx, id, func(u *internal.User) { u.Timezone = loc.String() })
}

func (s *UserService) update(ctx context.Context, id string, mutate func(*internal.User)) (*internal.User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storageTimeout)
	defer cancel()

	u, err := s.users.GetUser(ctx, id)
	if err != nil {
		return nil, internal.Unavailable(err)
	}
	if u == nil {
		return nil, storage.ErrUserNotFound
	}
	mutate(u)
	u.UpdatedAt = normalize(s.clock.Now())
	if err := s.users.UpdateUser(ctx, u); err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return nil, err
		}
		return nil, internal.Unavailable(err)
	}
	return u, nil
}
