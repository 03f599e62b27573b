package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"

	"github.com/veildesk/veildesk/internal/cipher"
	"github.com/veildesk/veildesk/internal/registry"
	"github.com/veildesk/veildesk/internal/settlement"
	"github.com/veildesk/veildesk/pkg/errors"
	"github.com/veildesk/veildesk/pkg/models"
)

// amountRequest is the shared wire shape of the two ledger mutations:
// an asset plus one externally encrypted amount and its input proof.
type amountRequest struct {
	Asset      string        `json:"asset" binding:"required,ethaddr"`
	Ciphertext hexutil.Bytes `json:"ciphertext" binding:"required"`
	Proof      hexutil.Bytes `json:"proof" binding:"required"`
}

func (s *Server) handleDeposit(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.Wrap(errors.KindInvalid, "bad deposit request", err))
		return
	}
	err := s.desk.Deposit(c.Request.Context(), party(c), common.HexToAddress(req.Asset), req.Ciphertext, req.Proof)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleWithdraw(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.Wrap(errors.KindInvalid, "bad withdraw request", err))
		return
	}
	sufficient, err := s.desk.Withdraw(c.Request.Context(), party(c), common.HexToAddress(req.Asset), req.Ciphertext, req.Proof)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sufficient": sufficient.C.Hex()})
}

func (s *Server) handleGetBalance(c *gin.Context) {
	asset := c.Param("asset")
	if !common.IsHexAddress(asset) {
		s.writeError(c, errors.New(errors.KindInvalid, "asset is not an address"))
		return
	}
	balance, err := s.desk.GetBalance(c.Request.Context(), party(c), common.HexToAddress(asset))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance.C.Hex()})
}

type createOrderRequest struct {
	Asset        string        `json:"asset" binding:"required,ethaddr"`
	Side         string        `json:"side" binding:"required,oneof=BUY SELL"`
	Amount       hexutil.Bytes `json:"amount" binding:"required"`
	AmountProof  hexutil.Bytes `json:"amount_proof" binding:"required"`
	Price        hexutil.Bytes `json:"price" binding:"required"`
	PriceProof   hexutil.Bytes `json:"price_proof" binding:"required"`
	MinFill      hexutil.Bytes `json:"min_fill" binding:"required"`
	MinFillProof hexutil.Bytes `json:"min_fill_proof" binding:"required"`
	Expiration   int64         `json:"expiration" binding:"required"`
}

func (s *Server) handleCreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.Wrap(errors.KindInvalid, "bad order request", err))
		return
	}
	id, err := s.desk.CreateOrder(c.Request.Context(), registry.CreateParams{
		Owner:        party(c),
		Asset:        common.HexToAddress(req.Asset),
		Side:         req.Side,
		Amount:       req.Amount,
		AmountProof:  req.AmountProof,
		Price:        req.Price,
		PriceProof:   req.PriceProof,
		MinFill:      req.MinFill,
		MinFillProof: req.MinFillProof,
		Expiration:   time.Unix(req.Expiration, 0),
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order_id": id})
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.desk.CancelOrder(c.Request.Context(), id, party(c)); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGetOrder(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	order, err := s.desk.GetOrder(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, orderView(order))
}

func (s *Server) handleUserOrders(c *gin.Context) {
	orders, err := s.desk.UserOrders(c.Request.Context(), party(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	views := make([]gin.H, 0, len(orders))
	for i := range orders {
		views = append(views, orderView(&orders[i]))
	}
	c.JSON(http.StatusOK, gin.H{"orders": views})
}

func (s *Server) handleOpenOrders(c *gin.Context) {
	asset := c.Param("asset")
	if !common.IsHexAddress(asset) {
		s.writeError(c, errors.New(errors.KindInvalid, "asset is not an address"))
		return
	}
	orders, err := s.desk.OpenOrders(c.Request.Context(), common.HexToAddress(asset))
	if err != nil {
		s.writeError(c, err)
		return
	}
	views := make([]gin.H, 0, len(orders))
	for i := range orders {
		views = append(views, orderView(&orders[i]))
	}
	c.JSON(http.StatusOK, gin.H{"orders": views})
}

type matchRequest struct {
	BuyOrderID  uint64        `json:"buy_order_id" binding:"required"`
	SellOrderID uint64        `json:"sell_order_id" binding:"required"`
	Fill        hexutil.Bytes `json:"fill" binding:"required"`
	FillProof   hexutil.Bytes `json:"fill_proof" binding:"required"`
}

func (s *Server) handleMatchOrders(c *gin.Context) {
	var req matchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.Wrap(errors.KindInvalid, "bad match request", err))
		return
	}
	id, err := s.desk.MatchOrders(c.Request.Context(), party(c), req.BuyOrderID, req.SellOrderID, req.Fill, req.FillProof)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"match_id": id})
}

type settleRequest struct {
	Fee      hexutil.Bytes `json:"fee,omitempty"`
	FeeProof hexutil.Bytes `json:"fee_proof,omitempty"`
}

func (s *Server) handleExecuteSettlement(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		s.writeError(c, errors.Wrap(errors.KindInvalid, "bad settle request", err))
		return
	}
	var override *settlement.FeeOverride
	if len(req.Fee) > 0 {
		override = &settlement.FeeOverride{Raw: req.Fee, Proof: req.FeeProof}
	}
	if err := s.desk.ExecuteSettlement(c.Request.Context(), party(c), id, override); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGetMatch(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	match, err := s.desk.GetMatch(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, matchView(match))
}

func (s *Server) handleUserMatches(c *gin.Context) {
	matches, err := s.desk.UserMatches(c.Request.Context(), party(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	views := make([]gin.H, 0, len(matches))
	for i := range matches {
		views = append(views, matchView(&matches[i]))
	}
	c.JSON(http.StatusOK, gin.H{"matches": views})
}

type decryptRequest struct {
	Handle hexutil.Bytes `json:"handle" binding:"required"`
	Kind   string        `json:"kind" binding:"omitempty,oneof=amount bool"`
}

func (s *Server) handleDecrypt(c *gin.Context) {
	var req decryptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.Wrap(errors.KindInvalid, "bad decrypt request", err))
		return
	}
	handle := cipher.Ciphertext(req.Handle)
	if req.Kind == "bool" {
		value, err := s.desk.DecryptBool(c.Request.Context(), handle, party(c))
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"value": value})
		return
	}
	value, err := s.desk.DecryptAmount(c.Request.Context(), handle, party(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	// uint64 as string: JSON numbers lose precision past 2^53
	c.JSON(http.StatusOK, gin.H{"value": strconv.FormatUint(value, 10)})
}

type devEncryptRequest struct {
	Value uint64 `json:"value"`
}

func (s *Server) handleDevEncrypt(c *gin.Context) {
	var req devEncryptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.Wrap(errors.KindInvalid, "bad encrypt request", err))
		return
	}
	raw, proof, err := s.encryptor.EncryptAmount(req.Value)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ciphertext": hexutil.Encode(raw),
		"proof":      hexutil.Encode(proof),
	})
}

func pathID(c *gin.Context) (uint64, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return 0, errors.Wrap(errors.KindInvalid, "bad id", err)
	}
	return id, nil
}

func orderView(o *models.Order) gin.H {
	return gin.H{
		"id":         o.ID,
		"owner":      o.Owner,
		"asset":      o.Asset,
		"side":       o.Side,
		"amount":     cipher.Ciphertext(o.Amount).Hex(),
		"price":      cipher.Ciphertext(o.Price).Hex(),
		"min_fill":   cipher.Ciphertext(o.MinFill).Hex(),
		"remaining":  cipher.Ciphertext(o.Remaining).Hex(),
		"expiration": o.Expiration.Unix(),
		"cancelled":  o.Cancelled,
		"created_at": o.CreatedAt.Unix(),
	}
}

func matchView(m *models.Match) gin.H {
	view := gin.H{
		"id":            m.ID,
		"buy_order_id":  m.BuyOrderID,
		"sell_order_id": m.SellOrderID,
		"buyer":         m.Buyer,
		"seller":        m.Seller,
		"asset":         m.Asset,
		"fill":          cipher.Ciphertext(m.Fill).Hex(),
		"valid":         cipher.Ciphertext(m.Valid).Hex(),
		"settled":       m.Settled,
		"created_at":    m.CreatedAt.Unix(),
	}
	if m.Settled && len(m.Effective) > 0 {
		view["effective"] = cipher.Ciphertext(m.Effective).Hex()
	}
	return view
}
