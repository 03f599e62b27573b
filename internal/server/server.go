// Package server exposes the desk over HTTP. Handlers translate between
// wire shapes and desk calls; every confidential value crosses the wire
// as an opaque 0x-hex ciphertext handle.
package server

import (
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/veildesk/veildesk/internal/cipher"
	"github.com/veildesk/veildesk/internal/engine"
	"github.com/veildesk/veildesk/pkg/errors"
)

// Server is the HTTP front of the desk.
type Server struct {
	logger     *zap.Logger
	desk       *engine.Desk
	encryptor  *cipher.Encryptor
	jwtSecret  []byte
	devEncrypt bool
}

// NewServer creates the HTTP server. encryptor is only consulted when
// devEncrypt is set.
func NewServer(logger *zap.Logger, desk *engine.Desk, encryptor *cipher.Encryptor, jwtSecret string, devEncrypt bool) *Server {
	registerValidators()
	return &Server{
		logger:     logger,
		desk:       desk,
		encryptor:  encryptor,
		jwtSecret:  []byte(jwtSecret),
		devEncrypt: devEncrypt,
	}
}

func registerValidators() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("ethaddr", func(fl validator.FieldLevel) bool {
			return common.IsHexAddress(fl.Field().String())
		})
	}
}

// Router builds the gin router.
func (s *Server) Router() *gin.Engine {
	router := gin.New()

	router.Use(ginzap.Ginzap(s.logger, "2006-01-02T15:04:05Z07:00", true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(otelgin.Middleware("veildesk"))
	router.Use(cors.Default())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		v1 := api.Group("/v1", s.authMiddleware())
		{
			ledger := v1.Group("/ledger")
			{
				ledger.POST("/deposit", s.handleDeposit)
				ledger.POST("/withdraw", s.handleWithdraw)
				ledger.GET("/balance/:asset", s.handleGetBalance)
			}

			orders := v1.Group("/orders")
			{
				orders.POST("", s.handleCreateOrder)
				orders.GET("", s.handleUserOrders)
				orders.GET("/:id", s.handleGetOrder)
				orders.DELETE("/:id", s.handleCancelOrder)
				orders.GET("/book/:asset", s.handleOpenOrders)
			}

			matches := v1.Group("/matches")
			{
				matches.POST("", s.handleMatchOrders)
				matches.GET("", s.handleUserMatches)
				matches.GET("/:id", s.handleGetMatch)
				matches.POST("/:id/settle", s.handleExecuteSettlement)
			}

			v1.POST("/decrypt", s.handleDecrypt)

			if s.devEncrypt {
				v1.POST("/dev/encrypt", s.handleDevEncrypt)
			}
		}
	}

	return router
}

// writeError maps the failure kind to a status. Confidential outcomes
// never reach this path; they are encrypted flags, not errors.
func (s *Server) writeError(c *gin.Context, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": string(errors.KindOf(err))})
}

// authMiddleware resolves the calling party from a bearer token. The
// token's subject is the party's address; the substrate in front of the
// engine is expected to have authenticated it.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}
		token = strings.TrimPrefix(token, "Bearer ")

		claims := jwt.RegisteredClaims{}
		parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return s.jwtSecret, nil
		})
		if err != nil || !parsed.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if !common.IsHexAddress(claims.Subject) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token subject is not an address"})
			return
		}

		c.Set("party", common.HexToAddress(claims.Subject))
		c.Next()
	}
}

func party(c *gin.Context) common.Address {
	v, _ := c.Get("party")
	addr, _ := v.(common.Address)
	return addr
}
