package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/wyfcoding/referral/internal/commission/domain"
	"github.com/wyfcoding/referral/pkg/money"
)

const (
	referralCodeLength   = 8
	referralCodeAttempts = 5
	// 上级链的最大长度，环检测需要看到完整的链
	defaultMaxChainDepth = 64
)

// ReferralService 推荐关系与用户资料
type ReferralService struct {
	users     domain.UserRepository
	referrals domain.ReferralRepository
	tx        domain.TransactionManager
	clock     clockwork.Clock
	logger    *slog.Logger
	newCode   func() string

	maxChainDepth int
}

// NewReferralService 创建服务
func NewReferralService(users domain.UserRepository, referrals domain.ReferralRepository, tx domain.TransactionManager, clock clockwork.Clock, logger *slog.Logger) *ReferralService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ReferralService{
		users:     users,
		referrals: referrals,
		tx:        tx,
		clock:     clock,
		logger:    logger.With("module", "referral_service"),
		newCode:   randomCode,

		maxChainDepth: defaultMaxChainDepth,
	}
}

func randomCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:referralCodeLength])
}

// EnsureUser 用户不存在时创建
func (s *ReferralService) EnsureUser(ctx context.Context, userID string) (*domain.User, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", domain.ErrInvalidContext)
	}
	u, err := s.users.FindByID(ctx, userID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, domain.ErrUserNotFound) {
		return nil, err
	}
	u = &domain.User{ID: userID, CreatedAt: s.clock.Now().UTC()}
	if err := s.users.Save(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// GetOrCreateReferralCode 返回用户的邀请码，没有则生成
func (s *ReferralService) GetOrCreateReferralCode(ctx context.Context, userID string) (string, error) {
	u, err := s.EnsureUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if u.ReferralCode != "" {
		return u.ReferralCode, nil
	}

	for i := 0; i < referralCodeAttempts; i++ {
		candidate := s.newCode()
		_, err := s.users.FindByReferralCode(ctx, candidate)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrReferralCodeNotFound) {
			return "", err
		}
		code, err := s.users.CreateOrGetReferralCode(ctx, userID, candidate)
		if err != nil {
			return "", err
		}
		s.logger.InfoContext(ctx, "referral code assigned", "user_id", userID, "code", code)
		return code, nil
	}
	return "", fmt.Errorf("could not allocate a unique referral code for %s", userID)
}

// BindReferrer 通过邀请码绑定上级。拒绝自我邀请、重复绑定与成环；
// 上级链长度达到上限时拒绝，此时无法确认整条链不含自身
func (s *ReferralService) BindReferrer(ctx context.Context, userID, referralCode string) (*domain.ReferralLink, error) {
	referrer, err := s.users.FindByReferralCode(ctx, strings.ToUpper(strings.TrimSpace(referralCode)))
	if err != nil {
		return nil, err
	}
	if referrer.ID == userID {
		return nil, domain.ErrSelfReferral
	}

	link := &domain.ReferralLink{UserID: userID, ReferrerID: referrer.ID, CreatedAt: s.clock.Now().UTC()}
	err = s.tx.Transaction(ctx, func(ctx context.Context) error {
		if _, err := s.EnsureUser(ctx, userID); err != nil {
			return err
		}
		has, err := s.referrals.HasReferrer(ctx, userID)
		if err != nil {
			return err
		}
		if has {
			return fmt.Errorf("%w: %s", domain.ErrAlreadyReferred, userID)
		}
		ancestors, err := s.referrals.GetAncestors(ctx, referrer.ID, s.maxChainDepth)
		if err != nil {
			return err
		}
		if slices.Contains(ancestors, userID) {
			return fmt.Errorf("%w: %s is above %s", domain.ErrReferralCycle, userID, referrer.ID)
		}
		if len(ancestors) >= s.maxChainDepth {
			return fmt.Errorf("%w: %s has at least %d ancestors", domain.ErrReferralTooDeep, referrer.ID, s.maxChainDepth)
		}
		return s.referrals.CreateLink(ctx, link)
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "referrer bound", "user_id", userID, "referrer_id", referrer.ID)
	return link, nil
}

// ListReferees 直接下级
func (s *ReferralService) ListReferees(ctx context.Context, userID string) ([]*domain.ReferralLink, error) {
	return s.referrals.GetDirectReferees(ctx, userID)
}

// SetEmail 设置邮箱，只接受裸地址
func (s *ReferralService) SetEmail(ctx context.Context, userID, email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("%w: %q", domain.ErrInvalidEmail, email)
	}
	if _, err := s.users.FindByID(ctx, userID); err != nil {
		return err
	}
	return s.users.SetEmail(ctx, userID, strings.ToLower(email))
}

// SetCashbackRate 设置用户自身返现比例
func (s *ReferralService) SetCashbackRate(ctx context.Context, userID string, rate money.Percentage) error {
	if _, err := s.users.FindByID(ctx, userID); err != nil {
		return err
	}
	return s.users.SetCashbackRate(ctx, userID, rate)
}
