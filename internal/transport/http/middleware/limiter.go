// Package middleware file: internal/transport/http/middleware/limiter.go
package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// ============================================================================
//  按 IP 地址的速率限制器 (Per-IP Rate Limiter)
// ============================================================================

// IPRateLimiter 为每个客户端 IP 维护一个令牌桶，15 分钟不活跃的条目自动过期
type IPRateLimiter struct {
	limiters *cache.Cache
	rate     rate.Limit
	burst    int
}

func NewIPRateLimiter(r rate.Limit, b int) *IPRateLimiter {
	return &IPRateLimiter{
		limiters: cache.New(15*time.Minute, 10*time.Minute),
		rate:     r,
		burst:    b,
	}
}

// getClientIP 从请求中获取客户端IP地址，考虑代理情况
func getClientIP(r *http.Request) string {
	ip := strings.TrimSpace(strings.Split(r.Header.Get("X-Forwarded-For"), ",")[0])
	if ip != "" {
		return ip
	}
	if ip = r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// getLimiter 返回或创建指定IP的速率限制器，每次访问都会刷新过期时间
func (l *IPRateLimiter) getLimiter(ip string) *rate.Limiter {
	if x, found := l.limiters.Get(ip); found {
		lim := x.(*rate.Limiter)
		l.limiters.SetDefault(ip, lim)
		return lim
	}
	lim := rate.NewLimiter(l.rate, l.burst)
	if err := l.limiters.Add(ip, lim, cache.DefaultExpiration); err != nil {
		// 并发请求抢先创建了同一个 IP 的条目
		if x, found := l.limiters.Get(ip); found {
			return x.(*rate.Limiter)
		}
	}
	return lim
}

// Middleware 返回一个HTTP中间件
func (l *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.getLimiter(getClientIP(r)).Allow() {
			errResp(w, http.StatusTooManyRequests, "请求过于频繁，请稍后再试。")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Gin 把中间件接入 gin 的处理链
func (l *IPRateLimiter) Gin() gin.HandlerFunc {
	return Wrap(l.Middleware)
}

// ============================================================================
//  失败计数与临时锁定 (Failure Counting & Temporary Lockout)
// ============================================================================

// LoginFailureLock 按 IP + 邮箱统计登录失败次数，达到上限后临时锁定
type LoginFailureLock struct {
	failureCache    *cache.Cache
	maxFailures     int
	lockoutDuration time.Duration
}

func NewLoginFailureLock(maxFailures int, lockoutDuration time.Duration) *LoginFailureLock {
	return &LoginFailureLock{
		failureCache:    cache.New(5*time.Minute, 10*time.Minute),
		maxFailures:     maxFailures,
		lockoutDuration: lockoutDuration,
	}
}

// loginIdentity 从 JSON 请求体中取出邮箱，并把读过的内容放回 r.Body 供后续处理器使用
func loginIdentity(r *http.Request) string {
	if r.Body == nil {
		return ""
	}
	body, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	var extractor struct {
		Email string `json:"email"`
	}
	if json.Unmarshal(body, &extractor) != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(extractor.Email))
}

// Gin 返回包裹登录处理器的中间件。处理器返回 401 计一次失败，返回 200 清零。
func (l *LoginFailureLock) Gin() gin.HandlerFunc {
	return func(c *gin.Context) {
		email := loginIdentity(c.Request)
		ip := getClientIP(c.Request)
		lockKey := "lock:" + ip + ":" + email
		failureKey := "failures:" + ip + ":" + email

		if _, found := l.failureCache.Get(lockKey); found {
			slog.Warn("已锁定的账户再次尝试登录", "email", email, "ip", ip)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "登录失败次数过多，请稍后再试"})
			return
		}

		c.Next()

		switch c.Writer.Status() {
		case http.StatusUnauthorized:
			currentFailures, err := l.failureCache.IncrementInt64(failureKey, 1)
			if err != nil {
				// key 不存在，即第一次失败
				l.failureCache.Set(failureKey, int64(1), cache.DefaultExpiration)
				currentFailures = 1
			}
			slog.Info("登录失败", "email", email, "ip", ip, "failures", currentFailures)

			if int(currentFailures) >= l.maxFailures {
				l.failureCache.Set(lockKey, true, l.lockoutDuration)
				l.failureCache.Delete(failureKey)
				slog.Warn("账户已被临时锁定", "email", email, "ip", ip, "duration", l.lockoutDuration)
			}
		case http.StatusOK:
			l.failureCache.Delete(failureKey)
		}
	}
}

// Wrap 把标准库风格的中间件适配为 gin 中间件。被包裹的中间件未调用 next 时中止处理链。
func Wrap(mw func(http.Handler) http.Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		called := false
		handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			c.Request = r
			c.Next()
		}))
		handler.ServeHTTP(c.Writer, c.Request)
		if !called {
			c.Abort()
		}
	}
}

func errResp(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
