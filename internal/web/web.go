// Package web serves the relay's status API: worker table, pool status, the
// fee wallet QR code, and a JWT-protected admin view of the configuration.
package web

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	qrcode "github.com/skip2/go-qrcode"
	"golang.org/x/crypto/bcrypt"

	"github.com/ember-pool/ember-relay/internal/config"
	"github.com/ember-pool/ember-relay/internal/hashrate"
	"github.com/ember-pool/ember-relay/internal/registry"
)

// OnlineFunc reports the current live connection count.
type OnlineFunc func() int64

// Server is the status API.
type Server struct {
	cfg    *config.Config
	reg    *registry.Registry
	online OnlineFunc
	engine *gin.Engine
}

// New builds the API router.
func New(cfg *config.Config, reg *registry.Registry, online OnlineFunc) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{cfg: cfg, reg: reg, online: online, engine: gin.New()}
	s.engine.Use(gin.Recovery())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := s.engine.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/workers", s.handleWorkers)
	api.GET("/wallet/qr", s.handleWalletQR)
	api.POST("/login", s.handleLogin)

	admin := api.Group("/admin")
	admin.Use(s.requireToken())
	admin.GET("/config", s.handleAdminConfig)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Serve runs the API on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Printf("status api listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleStatus(c *gin.Context) {
	workers := s.reg.Snapshot()
	var totalHash, totalShares, totalAccept, totalInvalid uint64
	for _, w := range workers {
		totalHash += w.Hash
		totalShares += w.ShareIndex
		totalAccept += w.AcceptIndex
		totalInvalid += w.InvalidIndex
	}
	c.JSON(http.StatusOK, gin.H{
		"name":           s.cfg.Name,
		"online":         s.online(),
		"workers":        len(workers),
		"total_hashrate": hashrate.Format(float64(totalHash)),
		"total_shares":   totalShares,
		"total_accepted": totalAccept,
		"total_invalid":  totalInvalid,
	})
}

func (s *Server) handleWorkers(c *gin.Context) {
	type row struct {
		registry.Worker
		HashrateDisplay string `json:"hashrate_display"`
	}
	workers := s.reg.Snapshot()
	rows := make([]row, 0, len(workers))
	for _, w := range workers {
		rows = append(rows, row{Worker: w, HashrateDisplay: hashrate.Format(float64(w.Hash))})
	}
	c.JSON(http.StatusOK, gin.H{"workers": rows})
}

func (s *Server) handleWalletQR(c *gin.Context) {
	wallet := s.cfg.ShareWallet
	if wallet == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no share wallet configured"})
		return
	}
	png, err := qrcode.Encode(wallet, qrcode.Medium, 256)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to render QR"})
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (s *Server) handleLogin(c *gin.Context) {
	var body struct {
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.cfg.AdminPassword == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin access disabled"})
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.AdminPassword), []byte(body.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "admin",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(12 * time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(s.cfg.WebSecret))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sign token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": signed})
}

func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw := strings.TrimPrefix(header, "Bearer ")
		if raw == "" || raw == header {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(s.cfg.WebSecret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

// handleAdminConfig returns the running configuration with secrets redacted.
func (s *Server) handleAdminConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":          s.cfg.Name,
		"tcp_port":      s.cfg.TCPPort,
		"ssl_port":      s.cfg.SSLPort,
		"encrypt_port":  s.cfg.EncryptPort,
		"pool_tcp":      s.cfg.PoolTCPAddress,
		"pool_ssl":      s.cfg.PoolSSLAddress,
		"share_tcp":     s.cfg.ShareTCPAddress,
		"share_mode":    s.cfg.Share,
		"share_alg":     s.cfg.ShareAlg,
		"share_rate":    s.cfg.ShareRate,
		"share_wallet":  s.cfg.ShareWallet,
		"dev_rate":      s.cfg.DevRate,
		"dev_wallet":    s.cfg.DevWallet,
		"key":           redact(s.cfg.Key),
		"iv":            redact(s.cfg.IV),
		"p12_pass":      redact(s.cfg.P12Pass),
		"web_secret":    redact(s.cfg.WebSecret),
		"redis_enabled": s.cfg.RedisURL != "",
	})
}

func redact(v string) string {
	if v == "" {
		return ""
	}
	return "********"
}
