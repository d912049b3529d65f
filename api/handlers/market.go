// Package handlers contains the HTTP request handlers of the market API.
// Handlers translate between JSON payloads and the market service; all
// business rules live in the service.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	marketerrors "github.com/voltmesh/voltmesh/common/errors"
	"github.com/voltmesh/voltmesh/internal/auth"
	"github.com/voltmesh/voltmesh/internal/market"
)

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		// "decimalamount" validates string fields carrying fixed-point
		// amounts.
		_ = v.RegisterValidation("decimalamount", func(fl validator.FieldLevel) bool {
			_, err := decimal.NewFromString(fl.Field().String())
			return err == nil
		})
	}
}

// MarketHandler serves the offer, trade and stats endpoints.
type MarketHandler struct {
	svc    *market.Service
	logger *zap.Logger
}

// NewMarketHandler creates the market handler.
func NewMarketHandler(svc *market.Service, logger *zap.Logger) *MarketHandler {
	return &MarketHandler{svc: svc, logger: logger}
}

// Register mounts the market routes on r.
func (h *MarketHandler) Register(r gin.IRouter) {
	r.POST("/offers", h.createOffer)
	r.GET("/offers", h.getActiveOffers)
	r.GET("/offers/:id", h.getOffer)
	r.PATCH("/offers/:id", h.updateOffer)
	r.DELETE("/offers/:id", h.cancelOffer)
	r.POST("/offers/:id/accept", h.acceptOffer)
	r.GET("/accounts/:account/offers", h.getUserOffers)
	r.GET("/accounts/:account/trades", h.getUserTrades)
	r.GET("/trades/:id", h.getTrade)
	r.POST("/trades/:id/complete", h.completeTrade)
	r.POST("/trades/:id/dispute", h.initiateDispute)
	r.POST("/trades/:id/resolve", h.resolveDispute)
	r.POST("/trades/:id/refund", h.refundExpiredTrade)
	r.GET("/stats", h.getTradingStats)
}

type createOfferRequest struct {
	Kind        string    `json:"kind" binding:"required,oneof=SELL BUY"`
	Quantity    string    `json:"quantity" binding:"required,decimalamount"`
	UnitPrice   string    `json:"unit_price" binding:"required,decimalamount"`
	ExpiresAt   time.Time `json:"expires_at" binding:"required"`
	LocationTag string    `json:"location_tag" binding:"omitempty,max=64"`
	Description string    `json:"description" binding:"omitempty,max=500"`
}

func (h *MarketHandler) createOffer(c *gin.Context) {
	caller, ok := auth.Caller(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"kind": "unauthorized", "message": "missing caller"}})
		return
	}
	var req createOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		marketerrors.WriteJSON(c, marketerrors.Validation("invalid request: %v", err))
		return
	}
	quantity, _ := decimal.NewFromString(req.Quantity)
	unitPrice, _ := decimal.NewFromString(req.UnitPrice)

	offer, err := h.svc.CreateOffer(c.Request.Context(), caller, req.Kind, quantity, unitPrice, req.ExpiresAt, req.LocationTag, req.Description)
	if err != nil {
		marketerrors.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusCreated, offer)
}

func (h *MarketHandler) getOffer(c *gin.Context) {
	offerID, err := parseOfferID(c)
	if err != nil {
		marketerrors.WriteJSON(c, err)
		return
	}
	offer, err := h.svc.GetOffer(c.Request.Context(), offerID)
	if err != nil {
		marketerrors.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, offer)
}

func (h *MarketHandler) getActiveOffers(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offers, err := h.svc.GetActiveOffers(c.Request.Context(), offset, limit)
	if err != nil {
		marketerrors.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers, "offset": offset, "limit": limit})
}

func (h *MarketHandler) getUserOffers(c *gin.Context) {
	account, err := uuid.Parse(c.Param("account"))
	if err != nil {
		marketerrors.WriteJSON(c, marketerrors.Validation("invalid account id"))
		return
	}
	offers, err := h.svc.GetUserOffers(c.Request.Context(), account)
	if err != nil {
		marketerrors.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers})
}

type updateOfferRequest struct {
	UnitPrice string    `json:"unit_price" binding:"required,decimalamount"`
	ExpiresAt time.Time `json:"expires_at" binding:"required"`
}

func (h *MarketHandler) updateOffer(c *gin.Context) {
	caller, ok := auth.Caller(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"kind": "unauthorized", "message": "missing caller"}})
		return
	}
	offerID, err := parseOfferID(c)
	if err != nil {
		marketerrors.WriteJSON(c, err)
		return
	}
	var req updateOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		marketerrors.WriteJSON(c, marketerrors.Validation("invalid request: %v", err))
		return
	}
	unitPrice, _ := decimal.NewFromString(req.UnitPrice)
	offer, err := h.svc.UpdateOffer(c.Request.Context(), caller, offerID, unitPrice, req.ExpiresAt)
	if err != nil {
		marketerrors.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, offer)
}

func (h *MarketHandler) cancelOffer(c *gin.Context) {
	caller, ok := auth.Caller(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"kind": "unauthorized", "message": "missing caller"}})
		return
	}
	offerID, err := parseOfferID(c)
	if err != nil {
		marketerrors.WriteJSON(c, err)
		return
	}
	if err := h.svc.CancelOffer(c.Request.Context(), caller, offerID); err != nil {
		marketerrors.WriteJSON(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type acceptOfferRequest struct {
	Payment string `json:"payment" binding:"omitempty,decimalamount"`
}

func (h *MarketHandler) acceptOffer(c *gin.Context) {
	caller, ok := auth.Caller(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"kind": "unauthorized", "message": "missing caller"}})
		return
	}
	offerID, err := parseOfferID(c)
	if err != nil {
		marketerrors.WriteJSON(c, err)
		return
	}
	var req acceptOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		marketerrors.WriteJSON(c, marketerrors.Validation("invalid request: %v", err))
		return
	}
	payment := decimal.Zero
	if req.Payment != "" {
		payment, _ = decimal.NewFromString(req.Payment)
	}
	trade, err := h.svc.AcceptOffer(c.Request.Context(), caller, offerID, payment)
	if err != nil {
		marketerrors.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusCreated, trade)
}

func (h *MarketHandler) getTrade(c *gin.Context) {
	tradeID, err := parseTradeID(c)
	if err != nil {
		marketerrors.WriteJSON(c, err)
		return
	}
	trade, err := h.svc.GetTrade(c.Request.Context(), tradeID)
	if err != nil {
		marketerrors.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, trade)
}

func (h *MarketHandler) getUserTrades(c *gin.Context) {
	account, err := uuid.Parse(c.Param("account"))
	if err != nil {
		marketerrors.WriteJSON(c, marketerrors.Validation("invalid account id"))
		return
	}
	trades, err := h.svc.GetUserTrades(c.Request.Context(), account)
	if err != nil {
		marketerrors.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (h *MarketHandler) completeTrade(c *gin.Context) {
	caller, ok := auth.Caller(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"kind": "unauthorized", "message": "missing caller"}})
		return
	}
	tradeID, err := parseTradeID(c)
	if err != nil {
		marketerrors.WriteJSON(c, err)
		return
	}
	trade, err := h.svc.CompleteTrade(c.Request.Context(), caller, tradeID)
	if err != nil {
		marketerrors.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, trade)
}

type disputeRequest struct {
	Reason string `json:"reason" binding:"required,max=500"`
}

func (h *MarketHandler) initiateDispute(c *gin.Context) {
	caller, ok := auth.Caller(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"kind": "unauthorized", "message": "missing caller"}})
		return
	}
	tradeID, err := parseTradeID(c)
	if err != nil {
		marketerrors.WriteJSON(c, err)
		return
	}
	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		marketerrors.WriteJSON(c, marketerrors.Validation("invalid request: %v", err))
		return
	}
	trade, err := h.svc.InitiateDispute(c.Request.Context(), caller, tradeID, req.Reason)
	if err != nil {
		marketerrors.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, trade)
}

type resolveRequest struct {
	Winner string `json:"winner" binding:"required,oneof=BUYER SELLER"`
}

func (h *MarketHandler) resolveDispute(c *gin.Context) {
	caller, ok := auth.Caller(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"kind": "unauthorized", "message": "missing caller"}})
		return
	}
	tradeID, err := parseTradeID(c)
	if err != nil {
		marketerrors.WriteJSON(c, err)
		return
	}
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		marketerrors.WriteJSON(c, marketerrors.Validation("invalid request: %v", err))
		return
	}
	trade, err := h.svc.ResolveDispute(c.Request.Context(), caller, tradeID, req.Winner)
	if err != nil {
		marketerrors.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, trade)
}

func (h *MarketHandler) refundExpiredTrade(c *gin.Context) {
	caller, ok := auth.Caller(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"kind": "unauthorized", "message": "missing caller"}})
		return
	}
	tradeID, err := parseTradeID(c)
	if err != nil {
		marketerrors.WriteJSON(c, err)
		return
	}
	trade, err := h.svc.RefundExpiredTrade(c.Request.Context(), caller, tradeID)
	if err != nil {
		marketerrors.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, trade)
}

func (h *MarketHandler) getTradingStats(c *gin.Context) {
	stats, err := h.svc.GetTradingStats(c.Request.Context())
	if err != nil {
		marketerrors.WriteJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func parseOfferID(c *gin.Context) (uint64, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return 0, marketerrors.Validation("invalid offer id %q", c.Param("id"))
	}
	return id, nil
}

func parseTradeID(c *gin.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, marketerrors.Validation("invalid trade id %q", c.Param("id"))
	}
	return id, nil
}
