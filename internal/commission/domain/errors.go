package domain

import (
	"errors"

	"github.com/wyfcoding/referral/pkg/money"
)

var (
	// ErrInvalidAmount 手续费为负或非有限值
	ErrInvalidAmount = money.ErrInvalidAmount
	// ErrInvalidPercentage 比例越界，或一次分配的比例之和超过 1
	ErrInvalidPercentage = money.ErrInvalidPercentage
	// ErrInvalidContext 分佣上下文缺少用户或含空的上级 ID
	ErrInvalidContext = errors.New("commission: invalid context")
	// ErrInvalidConfig 分佣配置不合法
	ErrInvalidConfig = errors.New("commission: invalid policy config")
	// ErrDuplicateTrade 交易已处理
	ErrDuplicateTrade = errors.New("commission: duplicate trade")
	// ErrUserNotFound 用户不存在
	ErrUserNotFound = errors.New("commission: user not found")
	// ErrReferralCodeNotFound 邀请码不存在
	ErrReferralCodeNotFound = errors.New("commission: referral code not found")
	// ErrSelfReferral 不能邀请自己
	ErrSelfReferral = errors.New("commission: self referral")
	// ErrAlreadyReferred 已绑定上级
	ErrAlreadyReferred = errors.New("commission: referrer already bound")
	// ErrReferralCycle 绑定会形成环
	ErrReferralCycle = errors.New("commission: referral cycle")
	// ErrReferralTooDeep 上级链超过可校验的深度
	ErrReferralTooDeep = errors.New("commission: referral chain too deep")
	// ErrInvalidEmail 邮箱格式错误
	ErrInvalidEmail = errors.New("commission: invalid email")
)
