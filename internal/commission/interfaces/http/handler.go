package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/referral/internal/commission/application"
	"github.com/wyfcoding/referral/internal/commission/domain"
	"github.com/wyfcoding/referral/pkg/chain"
	"github.com/wyfcoding/referral/pkg/logger"
	"github.com/wyfcoding/referral/pkg/money"
	"github.com/wyfcoding/referral/pkg/response"
)

// CommissionHandler 分佣、收益与推荐关系的 HTTP 处理器
type CommissionHandler struct {
	commission *application.CommissionService
	processor  *application.TradeProcessor
	referral   *application.ReferralService
	earnings   *application.EarningsQuery
}

// NewCommissionHandler 创建处理器
func NewCommissionHandler(
	commission *application.CommissionService,
	processor *application.TradeProcessor,
	referral *application.ReferralService,
	earnings *application.EarningsQuery,
) *CommissionHandler {
	return &CommissionHandler{
		commission: commission,
		processor:  processor,
		referral:   referral,
		earnings:   earnings,
	}
}

// RegisterRoutes 注册路由
func (h *CommissionHandler) RegisterRoutes(router *gin.RouterGroup) {
	c := router.Group("/commission")
	{
		c.POST("/preview", h.Preview)
		c.POST("/trades", h.ProcessTrade)
		c.GET("/users/:id/earnings", h.GetEarnings)
	}
	r := router.Group("/referral/users/:id")
	{
		r.GET("/code", h.GetReferralCode)
		r.POST("/bind", h.BindReferrer)
		r.GET("/referees", h.ListReferees)
		r.PUT("/email", h.SetEmail)
		r.PUT("/cashback", h.SetCashbackRate)
	}
}

// TradeRequest 成交请求，金额为十进制字符串
type TradeRequest struct {
	TradeID   string `json:"trade_id"`
	UserID    string `json:"user_id" binding:"required"`
	FeeAmount string `json:"fee_amount" binding:"required"`
	Token     string `json:"token"`
	Chain     string `json:"chain"`
}

func (r TradeRequest) parse() (money.Money, chain.Chain, error) {
	fee, err := money.FromString(r.FeeAmount)
	if err != nil {
		return money.Money{}, "", err
	}
	var c chain.Chain
	if r.Chain != "" {
		if c, err = chain.ParseChain(r.Chain); err != nil {
			return money.Money{}, "", err
		}
	}
	return fee, c, nil
}

// Preview 试算分账，不落库
func (h *CommissionHandler) Preview(c *gin.Context) {
	var req TradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, err.Error(), "")
		return
	}
	fee, ch, err := req.parse()
	if err != nil {
		writeError(c, err)
		return
	}
	res, err := h.commission.CalculateForUser(c.Request.Context(), application.CalculateCommand{
		UserID:    req.UserID,
		FeeAmount: fee,
		Token:     req.Token,
		Chain:     ch,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, res)
}

// ProcessTrade 处理成交并记账
func (h *CommissionHandler) ProcessTrade(c *gin.Context) {
	var req TradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, err.Error(), "")
		return
	}
	if req.TradeID == "" {
		response.ErrorWithStatus(c, http.StatusBadRequest, "trade_id is required", "")
		return
	}
	fee, ch, err := req.parse()
	if err != nil {
		writeError(c, err)
		return
	}
	res, err := h.processor.ProcessTrade(c.Request.Context(), application.TradeEvent{
		TradeID:   req.TradeID,
		UserID:    req.UserID,
		FeeAmount: fee,
		Token:     req.Token,
		Chain:     ch,
	})
	if err != nil {
		if !errors.Is(err, domain.ErrDuplicateTrade) {
			logger.Error(c.Request.Context(), "Failed to process trade", "trade_id", req.TradeID, "error", err)
		}
		writeError(c, err)
		return
	}
	response.Success(c, res)
}

// GetEarnings 收益汇总，from/to 为 RFC3339，可省略
func (h *CommissionHandler) GetEarnings(c *gin.Context) {
	var tr *domain.TimeRange
	from, to := c.Query("from"), c.Query("to")
	if from != "" || to != "" {
		tr = &domain.TimeRange{}
		var err error
		if from != "" {
			if tr.From, err = time.Parse(time.RFC3339, from); err != nil {
				response.ErrorWithStatus(c, http.StatusBadRequest, "invalid from", err.Error())
				return
			}
		}
		if to != "" {
			if tr.To, err = time.Parse(time.RFC3339, to); err != nil {
				response.ErrorWithStatus(c, http.StatusBadRequest, "invalid to", err.Error())
				return
			}
		}
	}
	sum, err := h.earnings.GetEarningsSummary(c.Request.Context(), c.Param("id"), tr)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, sum)
}

// GetReferralCode 获取或生成邀请码
func (h *CommissionHandler) GetReferralCode(c *gin.Context) {
	code, err := h.referral.GetOrCreateReferralCode(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"user_id": c.Param("id"), "referral_code": code})
}

// BindRequest 绑定上级请求
type BindRequest struct {
	ReferralCode string `json:"referral_code" binding:"required"`
}

// BindReferrer 绑定上级
func (h *CommissionHandler) BindReferrer(c *gin.Context) {
	var req BindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, err.Error(), "")
		return
	}
	link, err := h.referral.BindReferrer(c.Request.Context(), c.Param("id"), req.ReferralCode)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"user_id": link.UserID, "referrer_id": link.ReferrerID})
}

// ListReferees 直接下级列表
func (h *CommissionHandler) ListReferees(c *gin.Context) {
	links, err := h.referral.ListReferees(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	ids := make([]string, 0, len(links))
	for _, l := range links {
		ids = append(ids, l.UserID)
	}
	response.Success(c, gin.H{"user_id": c.Param("id"), "referees": ids})
}

// EmailRequest 设置邮箱请求
type EmailRequest struct {
	Email string `json:"email" binding:"required"`
}

// SetEmail 设置邮箱
func (h *CommissionHandler) SetEmail(c *gin.Context) {
	var req EmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, err.Error(), "")
		return
	}
	if err := h.referral.SetEmail(c.Request.Context(), c.Param("id"), req.Email); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"status": "ok"})
}

// CashbackRequest 返现比例，单位为百分比
type CashbackRequest struct {
	Percent float64 `json:"percent"`
}

// SetCashbackRate 设置返现比例
func (h *CommissionHandler) SetCashbackRate(c *gin.Context) {
	var req CashbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, err.Error(), "")
		return
	}
	rate, err := money.FromPercent(req.Percent)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := h.referral.SetCashbackRate(c.Request.Context(), c.Param("id"), rate); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"status": "ok", "rate": rate.String()})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrUserNotFound), errors.Is(err, domain.ErrReferralCodeNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateTrade), errors.Is(err, domain.ErrAlreadyReferred):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrSelfReferral), errors.Is(err, domain.ErrReferralCycle),
		errors.Is(err, domain.ErrReferralTooDeep), errors.Is(err, domain.ErrInvalidPercentage):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidAmount), errors.Is(err, domain.ErrInvalidContext),
		errors.Is(err, domain.ErrInvalidEmail), errors.Is(err, chain.ErrUnknownChain):
		status = http.StatusBadRequest
	}
	response.ErrorWithStatus(c, status, err.Error(), "")
}
