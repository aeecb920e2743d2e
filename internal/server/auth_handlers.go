package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loykin/relswap/internal/auth"
)

// ErrorResponse is the body of auth failures.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func respondError(c *gin.Context, statusCode int, errorCode, message string) {
	c.JSON(statusCode, ErrorResponse{Error: errorCode, Message: message})
}

// AuthAPI provides authentication-related HTTP endpoints
type AuthAPI struct {
	svc *auth.Service
}

// Register adds POST /auth/login to g.
func (a *AuthAPI) Register(g gin.IRouter) {
	g.POST("/auth/login", a.login)
}

type loginBody struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (a *AuthAPI) login(c *gin.Context) {
	var body loginBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "username and password are required")
		return
	}
	res, err := a.svc.Authenticate(c.Request.Context(), auth.LoginRequest{
		Method:   auth.AuthMethodBasic,
		Username: body.Username,
		Password: body.Password,
	})
	if err != nil || !res.Success {
		if err != nil && !errors.Is(err, auth.ErrInvalidCredentials) {
			respondError(c, http.StatusInternalServerError, "login_failed", err.Error())
			return
		}
		respondError(c, http.StatusUnauthorized, "invalid_credentials", "Invalid username or password")
		return
	}
	c.JSON(http.StatusOK, res)
}
