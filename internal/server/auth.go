package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/agentic-crm/memstack/internal/rpc"
)

// AuthHandler authenticates agents against the configured credential set.
// Agents are provisioned in configuration (id -> bcrypt hash); there is no
// self-service signup for machine callers.
type AuthHandler struct {
	Agents   map[string]string
	Secret   []byte
	TokenTTL time.Duration
}

// AuthLoginRequest is the login payload.
type AuthLoginRequest struct {
	AgentID   string `json:"agent_id"`
	AgentType string `json:"agent_type"`
	Password  string `json:"password"`
}

func (a *AuthHandler) Register(g *echo.Group) {
	g.POST("/login", a.login)
}

func (a *AuthHandler) login(c echo.Context) error {
	var req AuthLoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	hash, ok := a.Agents[req.AgentID]
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)) != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}
	ttl := a.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	signed, err := signJWT(req.AgentID, req.AgentType, a.Secret, ttl)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	c.Response().Header().Set("Authorization", "Bearer "+signed)
	return c.JSON(http.StatusOK, map[string]string{"token": signed})
}

// signJWT issues a signed token carrying the agent identity.
func signJWT(agentID, agentType string, secret []byte, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": agentID,
		"exp": time.Now().Add(ttl).Unix(),
	}
	if agentType != "" {
		claims["agent_type"] = agentType
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// withAuth validates the bearer token and attaches the caller identity to
// the request context for handlers and the RPC dispatcher.
func withAuth(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tok := extractToken(c)
			if tok == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
			}
			parsed, err := jwt.Parse(tok, func(t *jwt.Token) (interface{}, error) { return secret, nil })
			if err != nil || !parsed.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			claims, ok := parsed.Claims.(jwt.MapClaims)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			sub, ok := claims["sub"].(string)
			if !ok || sub == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			caller := rpc.Caller{AgentID: sub}
			if at, ok := claims["agent_type"].(string); ok {
				caller.AgentType = at
			}
			c.Set("agent_id", sub)
			c.SetRequest(c.Request().WithContext(rpc.WithCaller(c.Request().Context(), caller)))
			return next(c)
		}
	}
}

func extractToken(c echo.Context) string {
	if h := c.Request().Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return h[len("Bearer "):]
	}
	// WebSocket clients cannot always set headers; accept a query token.
	return c.QueryParam("token")
}

// HashPassword is used by provisioning tooling to produce config entries.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
