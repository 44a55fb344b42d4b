// Package memory 提供分佣各仓储的进程内实现，用于单机开发与测试
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/wyfcoding/referral/internal/commission/domain"
	"github.com/wyfcoding/referral/pkg/money"
)

// UserRepository 内存用户仓储
type UserRepository struct {
	mu     sync.RWMutex
	users  map[string]*domain.User
	byCode map[string]string
}

var _ domain.UserRepository = (*UserRepository)(nil)

// NewUserRepository 创建内存用户仓储
func NewUserRepository() *UserRepository {
	return &UserRepository{users: make(map[string]*domain.User), byCode: make(map[string]string)}
}

func cloneUser(u *domain.User) *domain.User {
	cp := *u
	if u.CashbackRate != nil {
		r := *u.CashbackRate
		cp.CashbackRate = &r
	}
	return &cp
}

func (r *UserRepository) FindByID(_ context.Context, id string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUserNotFound, id)
	}
	return cloneUser(u), nil
}

func (r *UserRepository) FindByReferralCode(_ context.Context, code string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byCode[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrReferralCodeNotFound, code)
	}
	return cloneUser(r.users[id]), nil
}

func (r *UserRepository) CreateOrGetReferralCode(_ context.Context, userID, candidate string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrUserNotFound, userID)
	}
	if u.ReferralCode != "" {
		return u.ReferralCode, nil
	}
	if owner, taken := r.byCode[candidate]; taken && owner != userID {
		return "", fmt.Errorf("referral code %s already taken", candidate)
	}
	u.ReferralCode = candidate
	r.byCode[candidate] = userID
	return candidate, nil
}

func (r *UserRepository) SetEmail(_ context.Context, userID, email string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUserNotFound, userID)
	}
	u.Email = email
	return nil
}

func (r *UserRepository) SetCashbackRate(_ context.Context, userID string, rate money.Percentage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUserNotFound, userID)
	}
	u.CashbackRate = &rate
	return nil
}

func (r *UserRepository) Save(_ context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[user.ID] = cloneUser(user)
	if user.ReferralCode != "" {
		r.byCode[user.ReferralCode] = user.ID
	}
	return nil
}

// ReferralRepository 内存推荐关系仓储
type ReferralRepository struct {
	mu    sync.RWMutex
	links map[string]*domain.ReferralLink
}

var _ domain.ReferralRepository = (*ReferralRepository)(nil)

// NewReferralRepository 创建内存推荐关系仓储
func NewReferralRepository() *ReferralRepository {
	return &ReferralRepository{links: make(map[string]*domain.ReferralLink)}
}

func (r *ReferralRepository) GetAncestors(_ context.Context, userID string, maxLevels int) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, maxLevels)
	cur := userID
	for len(out) < maxLevels {
		link, ok := r.links[cur]
		if !ok {
			break
		}
		out = append(out, link.ReferrerID)
		cur = link.ReferrerID
	}
	return out, nil
}

func (r *ReferralRepository) HasReferrer(_ context.Context, userID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.links[userID]
	return ok, nil
}

func (r *ReferralRepository) CreateLink(_ context.Context, link *domain.ReferralLink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.links[link.UserID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrAlreadyReferred, link.UserID)
	}
	cp := *link
	r.links[link.UserID] = &cp
	return nil
}

func (r *ReferralRepository) GetDirectReferees(_ context.Context, userID string) ([]*domain.ReferralLink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.ReferralLink
	for _, l := range r.links {
		if l.ReferrerID == userID {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

type ledgerKey struct {
	trade       string
	beneficiary string
	level       int
}

// LedgerRepository 内存台账，唯一键冲突的记录被忽略
type LedgerRepository struct {
	mu      sync.RWMutex
	keys    map[ledgerKey]struct{}
	entries []*domain.LedgerEntry
}

var _ domain.LedgerRepository = (*LedgerRepository)(nil)

// NewLedgerRepository 创建内存台账
func NewLedgerRepository() *LedgerRepository {
	return &LedgerRepository{keys: make(map[ledgerKey]struct{})}
}

func (r *LedgerRepository) RecordEntries(ctx context.Context, entries []*domain.LedgerEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		k := ledgerKey{trade: e.SourceTradeID, beneficiary: e.BeneficiaryID, level: e.Level}
		if _, dup := r.keys[k]; dup {
			continue
		}
		r.keys[k] = struct{}{}
		cp := *e
		r.entries = append(r.entries, &cp)
	}
	return nil
}

// Entries 全部台账记录，测试用
func (r *LedgerRepository) Entries() []*domain.LedgerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.LedgerEntry, len(r.entries))
	for i, e := range r.entries {
		cp := *e
		out[i] = &cp
	}
	return out
}

func (r *LedgerRepository) GetEarningsSummary(_ context.Context, userID string, tr *domain.TimeRange) (*domain.EarningsSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sum := &domain.EarningsSummary{UserID: userID, Total: money.Zero(), ByLevel: make(map[int]money.Money)}
	for _, e := range r.entries {
		if e.BeneficiaryID != userID || !tr.Contains(e.CreatedAt) {
			continue
		}
		sum.Total = sum.Total.Add(e.Amount)
		sum.ByLevel[e.Level] = sum.ByLevel[e.Level].Add(e.Amount)
	}
	return sum, nil
}

func (r *LedgerRepository) AggregateClaimable(_ context.Context, token string) ([]domain.ClaimableTotal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	totals := make(map[string]money.Money)
	for _, e := range r.entries {
		if e.Token != token || e.Destination != domain.DestinationClaimable {
			continue
		}
		totals[e.BeneficiaryID] = totals[e.BeneficiaryID].Add(e.Amount)
	}
	out := make([]domain.ClaimableTotal, 0, len(totals))
	for id, amt := range totals {
		out = append(out, domain.ClaimableTotal{BeneficiaryID: id, Token: token, Amount: amt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BeneficiaryID < out[j].BeneficiaryID })
	return out, nil
}

// TradesRepository 内存成交记录
type TradesRepository struct {
	mu     sync.RWMutex
	trades map[string]*domain.Trade
}

var _ domain.TradesRepository = (*TradesRepository)(nil)

// NewTradesRepository 创建内存成交记录
func NewTradesRepository() *TradesRepository {
	return &TradesRepository{trades: make(map[string]*domain.Trade)}
}

func (r *TradesRepository) CreateTrade(_ context.Context, t *domain.Trade) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.trades[t.TradeID]; ok {
		return false, nil
	}
	cp := *t
	r.trades[t.TradeID] = &cp
	return true, nil
}

func (r *TradesRepository) TradeExists(_ context.Context, tradeID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.trades[tradeID]
	return ok, nil
}

// Count 成交数，测试用
func (r *TradesRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.trades)
}

// IdempotencyStore 内存幂等键
type IdempotencyStore struct {
	keys sync.Map
}

var _ domain.IdempotencyStore = (*IdempotencyStore)(nil)

// NewIdempotencyStore 创建内存幂等键存储
func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{}
}

func (s *IdempotencyStore) Exists(_ context.Context, key string) (bool, error) {
	_, ok := s.keys.Load(key)
	return ok, nil
}

func (s *IdempotencyStore) Put(_ context.Context, key string) error {
	s.keys.Store(key, struct{}{})
	return nil
}

// TransactionManager 内存实现不提供回滚，直接执行
type TransactionManager struct{}

var _ domain.TransactionManager = TransactionManager{}

func (TransactionManager) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
