package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus"

	"youplace-realtime/internal/domain"
	"youplace-realtime/internal/repository"
)

// Authenticator 校验 JWT 并确认账户存在且处于激活状态。
// 签发 token 属于账户服务，这里只做验证。
type Authenticator struct {
	accounts  repository.AccountRepository
	jwtSecret []byte
}

// NewAuthenticator 创建 Authenticator
func NewAuthenticator(accounts repository.AccountRepository, jwtSecretKey string) (*Authenticator, error) {
	if accounts == nil {
		panic("AccountRepository cannot be nil for Authenticator")
	}
	if jwtSecretKey == "" {
		return nil, fmt.Errorf("JWT secret key cannot be empty")
	}
	return &Authenticator{accounts: accounts, jwtSecret: []byte(jwtSecretKey)}, nil
}

// ParseToken 校验签名和有效期，返回 user_id
func (a *Authenticator) ParseToken(tokenStr string) (uint, error) {
	if tokenStr == "" {
		return 0, ErrAuthenticationFailed
	}
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return 0, ErrAuthenticationFailed
	}

	// JWT 数字默认为 float64
	userIDFloat, ok := claims["user_id"].(float64)
	if !ok || userIDFloat <= 0 || userIDFloat != float64(uint(userIDFloat)) {
		return 0, fmt.Errorf("%w: invalid user_id claim", ErrAuthenticationFailed)
	}
	return uint(userIDFloat), nil
}

// Authenticate 校验 token 并加载账户
func (a *Authenticator) Authenticate(ctx context.Context, tokenStr string) (*domain.User, error) {
	userID, err := a.ParseToken(tokenStr)
	if err != nil {
		logrus.WithError(err).Debug("Token rejected")
		return nil, err
	}
	return a.LoadActiveUser(ctx, userID)
}

// LoadActiveUser 加载账户，不存在或未激活时返回错误
func (a *Authenticator) LoadActiveUser(ctx context.Context, userID uint) (*domain.User, error) {
	logCtx := logrus.WithField("user_id", userID)
	user, err := a.accounts.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			logCtx.Warn("Authentication failed: user not found")
			return nil, ErrAuthenticationFailed
		}
		logCtx.WithError(err).Error("Failed to load account")
		return nil, ErrInternalServer
	}
	if user == nil {
		return nil, ErrAuthenticationFailed
	}
	if !user.IsActive {
		logCtx.Warn("Authentication failed: account inactive")
		return nil, ErrAccountInactive
	}
	return user, nil
}

// IssueToken 签发 HS256 token，供内部工具和测试使用
func (a *Authenticator) IssueToken(userID uint, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     now.Add(ttl).Unix(),
		"iat":     now.Unix(),
	})
	tokenString, err := token.SignedString(a.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}
