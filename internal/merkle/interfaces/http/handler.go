package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/referral/internal/merkle/application"
	"github.com/wyfcoding/referral/internal/merkle/domain"
	"github.com/wyfcoding/referral/pkg/chain"
	"github.com/wyfcoding/referral/pkg/logger"
	"github.com/wyfcoding/referral/pkg/money"
	"github.com/wyfcoding/referral/pkg/response"
)

// MerkleHandler 根查询、证明与发布的 HTTP 处理器
type MerkleHandler struct {
	svc *application.MerkleService
}

// NewMerkleHandler 创建处理器
func NewMerkleHandler(svc *application.MerkleService) *MerkleHandler {
	return &MerkleHandler{svc: svc}
}

// RegisterRoutes 注册路由
func (h *MerkleHandler) RegisterRoutes(router *gin.RouterGroup) {
	api := router.Group("/merkle")
	{
		api.POST("/verify", h.Verify)
		api.GET("/:chain/:token/root", h.GetLatestRoot)
		api.GET("/:chain/:token/roots", h.ListRoots)
		api.GET("/:chain/:token/roots/:version", h.GetRootByVersion)
		api.GET("/:chain/:token/proof/:beneficiary", h.GetProof)
		api.POST("/:chain/:token/publish", h.Publish)
	}
}

// RootResponse 根的外部表示，哈希按链族编码
type RootResponse struct {
	Chain     string    `json:"chain"`
	Token     string    `json:"token"`
	Root      string    `json:"root"`
	Version   uint64    `json:"version"`
	LeafCount int       `json:"leaf_count"`
	CreatedAt time.Time `json:"created_at"`
}

func toRootResponse(r *domain.MerkleRootData) RootResponse {
	return RootResponse{
		Chain:     r.Chain.String(),
		Token:     r.Token,
		Root:      r.Root.Encode(r.Chain),
		Version:   r.Version,
		LeafCount: r.LeafCount,
		CreatedAt: r.CreatedAt,
	}
}

// ProofPayload 证明的外部表示，用于响应与校验请求
type ProofPayload struct {
	Chain         string   `json:"chain" binding:"required"`
	Token         string   `json:"token" binding:"required"`
	BeneficiaryID string   `json:"beneficiary_id" binding:"required"`
	Amount        string   `json:"amount" binding:"required"`
	LeafIndex     int      `json:"leaf_index"`
	LeafCount     int      `json:"leaf_count" binding:"required"`
	Leaf          string   `json:"leaf,omitempty"`
	Proof         []string `json:"proof"`
}

func toProofPayload(p *domain.MerkleProof) ProofPayload {
	return ProofPayload{
		Chain:         p.Chain.String(),
		Token:         p.Token,
		BeneficiaryID: p.BeneficiaryID,
		Amount:        p.Amount.String(),
		LeafIndex:     p.LeafIndex,
		LeafCount:     p.LeafCount,
		Leaf:          p.Leaf.Encode(p.Chain),
		Proof:         domain.EncodeHashes(p.Chain, p.Proof),
	}
}

// ToProof 解析为领域对象
func (p ProofPayload) ToProof() (*domain.MerkleProof, error) {
	c, err := chain.ParseChain(p.Chain)
	if err != nil {
		return nil, err
	}
	amount, err := money.FromString(p.Amount)
	if err != nil {
		return nil, err
	}
	siblings, err := domain.ParseHashes(c, p.Proof)
	if err != nil {
		return nil, err
	}
	var leaf domain.Hash
	if p.Leaf != "" {
		if leaf, err = domain.ParseHash(c, p.Leaf); err != nil {
			return nil, err
		}
	}
	return &domain.MerkleProof{
		BeneficiaryID: p.BeneficiaryID,
		Token:         p.Token,
		Amount:        amount,
		Chain:         c,
		LeafIndex:     p.LeafIndex,
		LeafCount:     p.LeafCount,
		Leaf:          leaf,
		Proof:         siblings,
	}, nil
}

// VerifyRequest 校验请求；Root 为空时与最新根比对
type VerifyRequest struct {
	ProofPayload
	Root    string `json:"root"`
	Version uint64 `json:"version"`
}

// GetLatestRoot 最新根
func (h *MerkleHandler) GetLatestRoot(c *gin.Context) {
	ch, ok := parseChain(c)
	if !ok {
		return
	}
	root, err := h.svc.GetLatestRoot(c.Request.Context(), ch, c.Param("token"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, toRootResponse(root))
}

// ListRoots 根历史
func (h *MerkleHandler) ListRoots(c *gin.Context) {
	ch, ok := parseChain(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	roots, err := h.svc.ListRootHistory(c.Request.Context(), ch, c.Param("token"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]RootResponse, 0, len(roots))
	for _, r := range roots {
		out = append(out, toRootResponse(r))
	}
	response.Success(c, out)
}

// GetRootByVersion 指定版本
func (h *MerkleHandler) GetRootByVersion(c *gin.Context) {
	ch, ok := parseChain(c)
	if !ok {
		return
	}
	version, err := strconv.ParseUint(c.Param("version"), 10, 64)
	if err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid version", err.Error())
		return
	}
	root, err := h.svc.GetRootByVersion(c.Request.Context(), ch, c.Param("token"), version)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, toRootResponse(root))
}

// GetProof 针对最新根生成证明
func (h *MerkleHandler) GetProof(c *gin.Context) {
	ch, ok := parseChain(c)
	if !ok {
		return
	}
	token, beneficiary := c.Param("token"), c.Param("beneficiary")
	proof, root, err := h.svc.ProofForLatestRoot(c.Request.Context(), ch, token, beneficiary)
	if err != nil {
		writeError(c, err)
		return
	}
	if proof == nil {
		response.ErrorWithStatus(c, http.StatusNotFound, "beneficiary not in tree", beneficiary)
		return
	}
	response.Success(c, gin.H{
		"root":  toRootResponse(root),
		"proof": toProofPayload(proof),
	})
}

// Verify 校验证明
func (h *MerkleHandler) Verify(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, err.Error(), "")
		return
	}
	proof, err := req.ToProof()
	if err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, err.Error(), "")
		return
	}

	if req.Root != "" {
		root, err := domain.ParseHash(proof.Chain, req.Root)
		if err != nil {
			response.ErrorWithStatus(c, http.StatusBadRequest, err.Error(), "")
			return
		}
		response.Success(c, gin.H{"valid": h.svc.VerifyProof(proof, root)})
		return
	}

	ctx := c.Request.Context()
	var stored *domain.MerkleRootData
	if req.Version > 0 {
		stored, err = h.svc.GetRootByVersion(ctx, proof.Chain, proof.Token, req.Version)
	} else {
		stored, err = h.svc.GetLatestRoot(ctx, proof.Chain, proof.Token)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	if err := h.svc.VerifyAgainstRoot(proof, stored); err != nil {
		if errors.Is(err, domain.ErrInvalidProof) {
			response.Success(c, gin.H{"valid": false, "version": stored.Version})
			return
		}
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"valid": true, "version": stored.Version})
}

// Publish 立即发布新根
func (h *MerkleHandler) Publish(c *gin.Context) {
	ch, ok := parseChain(c)
	if !ok {
		return
	}
	root, err := h.svc.PublishRoot(c.Request.Context(), ch, c.Param("token"))
	if err != nil {
		logger.Error(c.Request.Context(), "Failed to publish merkle root", "chain", ch, "token", c.Param("token"), "error", err)
		writeError(c, err)
		return
	}
	response.Success(c, toRootResponse(root))
}

func parseChain(c *gin.Context) (chain.Chain, bool) {
	ch, err := chain.ParseChain(c.Param("chain"))
	if err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, err.Error(), "")
		return "", false
	}
	return ch, true
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrRootNotFound), errors.Is(err, domain.ErrSnapshotNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrVersionConflict), errors.Is(err, domain.ErrLockNotAcquired), errors.Is(err, domain.ErrStaleProof):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrEmptyTree), errors.Is(err, domain.ErrInvalidBalance),
		errors.Is(err, domain.ErrMixedTokens), errors.Is(err, domain.ErrInvalidAmount):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidHash), errors.Is(err, chain.ErrUnknownChain):
		status = http.StatusBadRequest
	}
	response.ErrorWithStatus(c, status, err.Error(), "")
}
