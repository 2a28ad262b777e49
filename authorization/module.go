package authorization

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

const (
	identityKey    = "owner"
	ownerIdentity  = "owner"
	defaultTimeout = 12 * time.Hour
)

var (
	ErrMissingSecret    = errors.New("authorization: JWT_SECRET environment variable is required when a passphrase is set")
	ErrWrongPassphrase  = errors.New("authorization: incorrect passphrase")
	ErrInvalidHashValue = errors.New("authorization: APP_PASSPHRASE_HASH is not a bcrypt hash")
)

// Module guards the workspace behind a single passphrase. Without a
// configured passphrase it is disabled and every request passes.
type Module struct {
	hash          []byte
	jwtMiddleware *jwt.GinJWTMiddleware
}

// LoginRequest represents the expected payload for the login endpoint.
type LoginRequest struct {
	Passphrase string `json:"passphrase" binding:"required"`
}

// NewModuleFromEnv reads APP_PASSPHRASE_HASH (bcrypt) or, for local setups,
// a plain APP_PASSPHRASE that is hashed on start.
func NewModuleFromEnv() (*Module, error) {
	hash := strings.TrimSpace(os.Getenv("APP_PASSPHRASE_HASH"))
	if hash == "" {
		if plain := os.Getenv("APP_PASSPHRASE"); strings.TrimSpace(plain) != "" {
			generated, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
			if err != nil {
				return nil, fmt.Errorf("authorization: hash passphrase: %w", err)
			}
			hash = string(generated)
		}
	}
	if hash == "" {
		log.Printf("authorization: no passphrase configured, routes are open")
		return &Module{}, nil
	}
	return NewModule([]byte(hash), os.Getenv("JWT_SECRET"))
}

func NewModule(hash []byte, secret string) (*Module, error) {
	if len(hash) == 0 {
		return &Module{}, nil
	}
	if _, err := bcrypt.Cost(hash); err != nil {
		return nil, ErrInvalidHashValue
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingSecret
	}

	module := &Module{hash: hash}
	middleware, err := module.buildJWTMiddleware(secret)
	if err != nil {
		return nil, fmt.Errorf("authorization: build jwt middleware: %w", err)
	}
	module.jwtMiddleware = middleware
	return module, nil
}

// Enabled reports whether a passphrase is required.
func (m *Module) Enabled() bool {
	return m != nil && m.jwtMiddleware != nil
}

// RegisterRoutes mounts /auth/status, /auth/login and /auth/refresh.
func (m *Module) RegisterRoutes(router gin.IRouter) {
	group := router.Group("/auth")
	group.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"enabled": m.Enabled()})
	})
	if !m.Enabled() {
		return
	}
	group.POST("/login", m.jwtMiddleware.LoginHandler)
	group.POST("/refresh", m.jwtMiddleware.RefreshHandler)
}

// Authenticate compares the passphrase against the stored hash.
func (m *Module) Authenticate(passphrase string) error {
	if strings.TrimSpace(passphrase) == "" {
		return jwt.ErrMissingLoginValues
	}
	if err := bcrypt.CompareHashAndPassword(m.hash, []byte(passphrase)); err != nil {
		return ErrWrongPassphrase
	}
	return nil
}

func (m *Module) buildJWTMiddleware(secret string) (*jwt.GinJWTMiddleware, error) {
	return jwt.New(&jwt.GinJWTMiddleware{
		Realm:       "loom",
		Key:         []byte(secret),
		Timeout:     defaultTimeout,
		MaxRefresh:  7 * 24 * time.Hour,
		IdentityKey: identityKey,
		PayloadFunc: func(data interface{}) jwt.MapClaims {
			if identity, ok := data.(string); ok {
				return jwt.MapClaims{identityKey: identity}
			}
			return jwt.MapClaims{}
		},
		IdentityHandler: func(c *gin.Context) interface{} {
			claims := jwt.ExtractClaims(c)
			identity, _ := claims[identityKey].(string)
			return identity
		},
		Authenticator: func(c *gin.Context) (interface{}, error) {
			var req LoginRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				return nil, jwt.ErrMissingLoginValues
			}
			if err := m.Authenticate(req.Passphrase); err != nil {
				if !errors.Is(err, jwt.ErrMissingLoginValues) {
					log.Printf("authorization: rejected login from %s", c.ClientIP())
				}
				return nil, err
			}
			return ownerIdentity, nil
		},
		Authorizator: func(data interface{}, c *gin.Context) bool {
			identity, ok := data.(string)
			return ok && identity == ownerIdentity
		},
		Unauthorized: func(c *gin.Context, code int, message string) {
			c.JSON(code, gin.H{"error": message})
		},
		LoginResponse: func(c *gin.Context, code int, token string, expire time.Time) {
			c.JSON(code, gin.H{"token": token, "expire": expire})
		},
		RefreshResponse: func(c *gin.Context, code int, token string, expire time.Time) {
			c.JSON(code, gin.H{"token": token, "expire": expire})
		},
		TokenLookup:   "header: Authorization, query: token, cookie: jwt",
		TokenHeadName: "Bearer",
		TimeFunc:      time.Now,
	})
}
