package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	marketerrors "github.com/voltmesh/voltmesh/common/errors"
	"github.com/voltmesh/voltmesh/internal/auth"
	"github.com/voltmesh/voltmesh/internal/market"
)

// AdminHandler serves the administrative safety controls. Role checks live
// in the service; the handler only resolves the caller.
type AdminHandler struct {
	svc    *market.Service
	logger *zap.Logger
}

// NewAdminHandler creates the admin handler.
func NewAdminHandler(svc *market.Service, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{svc: svc, logger: logger}
}

// Register mounts the admin routes on r.
func (h *AdminHandler) Register(r gin.IRouter) {
	r.POST("/admin/pause", h.pauseTrading)
	r.POST("/admin/resume", h.resumeTrading)
	r.PUT("/admin/limits", h.setTradingLimits)
	r.PUT("/admin/fee", h.setFeeBasisPoints)
	r.POST("/admin/blacklist/:account", h.blacklistUser)
	r.DELETE("/admin/blacklist/:account", h.unblacklistUser)
}

func (h *AdminHandler) pauseTrading(c *gin.Context) {
	caller, ok := auth.Caller(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"kind": "unauthorized", "message": "missing caller"}})
		return
	}
	if err := h.svc.PauseTrading(c.Request.Context(), caller); err != nil {
		marketerrors.WriteJSON(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AdminHandler) resumeTrading(c *gin.Context) {
	caller, ok := auth.Caller(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"kind": "unauthorized", "message": "missing caller"}})
		return
	}
	if err := h.svc.ResumeTrading(c.Request.Context(), caller); err != nil {
		marketerrors.WriteJSON(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type limitsRequest struct {
	Min string `json:"min" binding:"required,decimalamount"`
	Max string `json:"max" binding:"required,decimalamount"`
}

func (h *AdminHandler) setTradingLimits(c *gin.Context) {
	caller, ok := auth.Caller(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"kind": "unauthorized", "message": "missing caller"}})
		return
	}
	var req limitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		marketerrors.WriteJSON(c, marketerrors.Validation("invalid request: %v", err))
		return
	}
	min, _ := decimal.NewFromString(req.Min)
	max, _ := decimal.NewFromString(req.Max)
	if err := h.svc.SetTradingLimits(c.Request.Context(), caller, min, max); err != nil {
		marketerrors.WriteJSON(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type feeRequest struct {
	BasisPoints int64 `json:"basis_points" binding:"min=0,max=1000"`
}

func (h *AdminHandler) setFeeBasisPoints(c *gin.Context) {
	caller, ok := auth.Caller(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"kind": "unauthorized", "message": "missing caller"}})
		return
	}
	var req feeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		marketerrors.WriteJSON(c, marketerrors.Validation("invalid request: %v", err))
		return
	}
	if err := h.svc.SetFeeBasisPoints(c.Request.Context(), caller, req.BasisPoints); err != nil {
		marketerrors.WriteJSON(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AdminHandler) blacklistUser(c *gin.Context) {
	caller, ok := auth.Caller(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"kind": "unauthorized", "message": "missing caller"}})
		return
	}
	account, err := uuid.Parse(c.Param("account"))
	if err != nil {
		marketerrors.WriteJSON(c, marketerrors.Validation("invalid account id"))
		return
	}
	if err := h.svc.BlacklistUser(c.Request.Context(), caller, account); err != nil {
		marketerrors.WriteJSON(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AdminHandler) unblacklistUser(c *gin.Context) {
	caller, ok := auth.Caller(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"kind": "unauthorized", "message": "missing caller"}})
		return
	}
	account, err := uuid.Parse(c.Param("account"))
	if err != nil {
		marketerrors.WriteJSON(c, marketerrors.Validation("invalid account id"))
		return
	}
	if err := h.svc.UnblacklistUser(c.Request.Context(), caller, account); err != nil {
		marketerrors.WriteJSON(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
