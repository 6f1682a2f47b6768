package service

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
)

// AdminOTPHeader carries the current TOTP code on admin requests.
const AdminOTPHeader = "X-Admin-OTP"

type AuthService struct {
	logger     *zap.Logger
	totpSecret string
}

func NewAuthService(logger *zap.Logger, totpSecret string) *AuthService {
	return &AuthService{
		logger:     logger.Named("auth"),
		totpSecret: totpSecret,
	}
}

// Enabled reports whether a TOTP secret is configured.
func (a *AuthService) Enabled() bool {
	return a.totpSecret != ""
}

// GenerateSecret creates a new TOTP secret and its provisioning URL.
func (a *AuthService) GenerateSecret(accountName string) (secret, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      "Autoreel",
		AccountName: accountName,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to generate TOTP key: %w", err)
	}
	return key.Secret(), key.URL(), nil
}

func (a *AuthService) ValidateToken(token string) bool {
	valid := totp.Validate(token, a.totpSecret)
	if !valid {
		a.logger.Warn("TOTP token validation failed")
	}
	return valid
}

// AuthMiddleware rejects requests without a valid code when a secret is set.
func (a *AuthService) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() {
			c.Next()
			return
		}

		token := c.GetHeader(AdminOTPHeader)
		if token == "" || !a.ValidateToken(token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		c.Next()
	}
}
