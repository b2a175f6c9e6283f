// Package service 实现学习平台的业务服务：认证、用户、学习数据与诊断
package service

import (
	"LinguaLearn/internal/conf"
	"LinguaLearn/internal/core/domain"
	"LinguaLearn/internal/core/port"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// RoleOf 根据用户资料得出 JWT 中的角色
func RoleOf(u domain.User) string {
	if u.IsAdmin {
		return RoleAdmin
	}
	return RoleUser
}

/* ---------- JWT Handling ---------- */

// Claim 定义 JWT 的载荷结构
type Claim struct {
	ID   int64  `json:"id"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// ErrInvalidToken 表示 JWT 无效、过期或解析失败。
var ErrInvalidToken = errors.New("invalid or expired token")

// TokenIssuer 持有签名密钥与有效期
type TokenIssuer struct {
	key []byte
	ttl time.Duration
}

// NewTokenIssuer 未配置密钥时生成随机密钥，已签发的 token 在重启后全部失效
func NewTokenIssuer(cfg conf.AuthConfig) (*TokenIssuer, error) {
	key := []byte(cfg.JWTSecret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("生成随机 JWT 密钥失败: %w", err)
		}
		slog.Warn("未配置 auth.jwt_secret (JWT_SECRET)，使用随机密钥。重启后所有登录状态失效！")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{key: key, ttl: ttl}, nil
}

// GenToken 生成一个新的 JWT
func (t *TokenIssuer) GenToken(uid int64, role string) (string, error) {
	now := time.Now()
	claims := Claim{
		ID:   uid,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "LinguaLearn",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("签名 JWT 失败: %w", err)
	}
	return signed, nil
}

// ParseToken 解析并验证 JWT 字符串
func (t *TokenIssuer) ParseToken(tokenString string) (*Claim, error) {
	claims := &Claim{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("非预期的签名方法: %v", token.Header["alg"])
		}
		return t.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, jwt.ErrTokenExpired)
		}
		return nil, fmt.Errorf("%w (detail: %v)", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

/* ---------- Context Helpers for Claims ---------- */

type ctxKey int

const claimKey ctxKey = 0

// ContextWithClaim 将已验证的载荷放入上下文
func ContextWithClaim(ctx context.Context, c *Claim) context.Context {
	return context.WithValue(ctx, claimKey, c)
}

func ClaimFrom(r *http.Request) *Claim {
	claims, _ := r.Context().Value(claimKey).(*Claim)
	return claims
}

/* ---------- 中间件 (Middleware) ---------- */

// userLookup 是认证中间件对用户服务的最小依赖
type userLookup interface {
	Profile(ctx context.Context, id int64) (domain.User, error)
}

// Authenticator 校验 Bearer token，并确认用户仍然存在且处于启用状态
type Authenticator struct {
	tokens *TokenIssuer
	users  userLookup
}

func NewAuthenticator(tokens *TokenIssuer, users userLookup) *Authenticator {
	return &Authenticator{tokens: tokens, users: users}
}

// Middleware 是一个JWT认证中间件。验证失败的请求直接以 401 结束。
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(tokenString) == "" {
			writeJSONError(w, http.StatusUnauthorized, "需要登录")
			return
		}

		claims, err := a.tokens.ParseToken(strings.TrimSpace(tokenString))
		if err != nil {
			slog.Info("认证中间件: Token无效或已过期", "path", r.URL.Path, "ip", r.RemoteAddr, "error", err)
			writeJSONError(w, http.StatusUnauthorized, "登录状态无效或已过期")
			return
		}

		u, err := a.users.Profile(r.Context(), claims.ID)
		switch {
		case errors.Is(err, port.ErrNotFound):
			slog.Info("认证中间件: Token 对应的用户不存在", "user_id", claims.ID, "path", r.URL.Path)
			writeJSONError(w, http.StatusUnauthorized, "登录状态无效或已过期")
			return
		case err != nil:
			slog.Error("认证中间件: 查询用户失败", "user_id", claims.ID, "error", err)
			writeJSONError(w, http.StatusServiceUnavailable, "服务暂时不可用，请稍后再试")
			return
		case !u.IsActive:
			writeJSONError(w, http.StatusForbidden, "账户已被停用")
			return
		}

		// 角色以数据库为准，撤销管理员后旧 token 立即降级
		claims.Role = RoleOf(u)
		next.ServeHTTP(w, r.WithContext(ContextWithClaim(r.Context(), claims)))
	})
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
