// file: internal/transport/http/router/router.go
package router

import (
	"LinguaLearn/internal/adapter/database"
	"LinguaLearn/internal/conf"
	"LinguaLearn/internal/core/domain"
	"LinguaLearn/internal/core/port"
	"LinguaLearn/internal/observe"
	"LinguaLearn/internal/service"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/heptiolabs/healthcheck"
	"golang.org/x/time/rate"

	"LinguaLearn/internal/transport/http/middleware"
)

// Dependencies 结构体用于将所有依赖项注入到路由器中
type Dependencies struct {
	DB            port.Database
	Reconciler    *database.Reconciler
	Tokens        *service.TokenIssuer
	Users         *service.UserService
	StudyList     *service.StudyListService
	Quiz          *service.QuizService
	Progress      *service.ProgressService
	Achievements  *service.AchievementService
	Chat          *service.ChatService
	Notifications *service.NotificationService
	Diagnostics   *service.DiagnosticsService
	Auth          conf.AuthConfig
	RateLimit     conf.RateLimitConfig
}

// New 创建并配置基于 Gin 的 HTTP 路由器 (V1 版本)
func New(deps Dependencies) http.Handler {
	router := gin.Default()

	// --- 配置全局中间件 ---
	router.Use(observe.PrometheusMiddleware())
	router.Use(gzip.Gzip(gzip.DefaultCompression))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	router.Use(middleware.ErrorHandlingMiddleware())

	// --- 探针与指标 ---
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	health.AddReadinessCheck("database", healthcheck.Timeout(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return deps.DB.Ping(ctx)
	}, 5*time.Second))
	router.GET("/live", gin.WrapF(health.LiveEndpoint))
	router.GET("/ready", gin.WrapF(health.ReadyEndpoint))
	router.GET("/metrics", gin.WrapH(observe.Handler()))
	router.GET("/health", healthHandler(deps.Diagnostics))

	ipLimiter := middleware.NewIPRateLimiter(rate.Limit(deps.RateLimit.PerSecond), deps.RateLimit.Burst)
	loginLock := middleware.NewLoginFailureLock(deps.Auth.MaxLoginFailures, deps.Auth.LockoutDuration)
	authService := service.NewAuthenticator(deps.Tokens, deps.Users)

	v1 := router.Group("/api/v1")
	v1.Use(ipLimiter.Gin())
	{
		// --- 认证 ---
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/register", registerHandler(deps.Users, deps.Tokens))
			authGroup.POST("/login", loginLock.Gin(), loginHandler(deps.Users, deps.Tokens))
		}

		// --- 学习数据 (需要登录) ---
		userGroup := v1.Group("")
		userGroup.Use(authMiddleware(authService))
		{
			userGroup.GET("/profile", profileHandler(deps.Users))
			userGroup.PUT("/profile", updateProfileHandler(deps.Users))

			userGroup.GET("/study-list", listStudyHandler(deps.StudyList))
			userGroup.POST("/study-list", addStudyHandler(deps.StudyList))
			userGroup.DELETE("/study-list", removeStudyHandler(deps.StudyList))
			userGroup.PUT("/study-list/note", noteStudyHandler(deps.StudyList))

			userGroup.POST("/quiz/results", recordQuizHandler(deps.Quiz, deps.Progress))
			userGroup.GET("/progress", progressHandler(deps.Progress))
			userGroup.GET("/achievements", achievementsHandler(deps.Achievements))

			chatGroup := userGroup.Group("/chat/sessions")
			{
				chatGroup.GET("", listChatSessionsHandler(deps.Chat))
				chatGroup.POST("", createChatSessionHandler(deps.Chat))
				chatGroup.GET("/:sessionID/messages", chatMessagesHandler(deps.Chat))
				chatGroup.POST("/:sessionID/messages", appendChatMessageHandler(deps.Chat))
				chatGroup.DELETE("/:sessionID", deleteChatSessionHandler(deps.Chat))
			}

			noteGroup := userGroup.Group("/notifications")
			{
				noteGroup.GET("", listNotificationsHandler(deps.Notifications))
				noteGroup.PUT("/read-all", markAllNotificationsHandler(deps.Notifications))
				noteGroup.PUT("/:id/read", markNotificationHandler(deps.Notifications))
			}
		}

		// --- 控制平面 ---
		adminGroup := v1.Group("/admin")
		adminGroup.Use(authMiddleware(authService), requireAdmin())
		{
			adminGroup.GET("/database", databaseReportHandler(deps.Diagnostics))
			adminGroup.POST("/schema/reconcile", reconcileHandler(deps.Reconciler))
			adminGroup.GET("/schema/columns", columnExistsHandler(deps.Reconciler))
		}
	}

	return router
}

// =============================================================================
//  Gin 中间件 (Middleware)
// =============================================================================

// authMiddleware 是一个将 service.Authenticator 集成到 gin 流程的中间件
func authMiddleware(auth *service.Authenticator) gin.HandlerFunc {
	return middleware.Wrap(auth.Middleware)
}

// requireAdmin 是一个确保只有管理员角色才能访问的中间件
func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := service.ClaimFrom(c.Request)
		if claims == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "需要认证"})
			return
		}
		if claims.Role != service.RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "需要管理员权限"})
			return
		}
		c.Next()
	}
}

// currentUser 返回已认证用户的 ID。只在 authMiddleware 之后使用。
func currentUser(c *gin.Context) int64 {
	if claims := service.ClaimFrom(c.Request); claims != nil {
		return claims.ID
	}
	return 0
}

// bind 解析请求体。校验失败保留 validator 错误，其余解析错误归为参数无效。
func bind(c *gin.Context, obj any) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			_ = c.Error(err)
		} else {
			_ = c.Error(fmt.Errorf("%w: %v", port.ErrInvalidInput, err))
		}
		return false
	}
	return true
}

// =============================================================================
//  系统与认证处理器
// =============================================================================

func healthHandler(diag *service.DiagnosticsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		rep, err := diag.Health(c.Request.Context())
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, rep)
	}
}

func tokenResponse(c *gin.Context, code int, tokens *service.TokenIssuer, u domain.User) {
	token, err := tokens.GenToken(u.ID, service.RoleOf(u))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(code, gin.H{"token": token, "user": u})
}

func registerHandler(users *service.UserService, tokens *service.TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req domain.Registration
		if !bind(c, &req) {
			return
		}
		u, err := users.Register(c.Request.Context(), req)
		if err != nil {
			_ = c.Error(err)
			return
		}
		tokenResponse(c, http.StatusCreated, tokens, u)
	}
}

// loginHandler 的 401 直接写出，登录锁定中间件依赖这个状态码计数
func loginHandler(users *service.UserService, tokens *service.TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req domain.Credentials
		if !bind(c, &req) {
			return
		}
		u, err := users.Authenticate(c.Request.Context(), req.Email, req.Password)
		if errors.Is(err, port.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "邮箱或密码无效"})
			return
		}
		if err != nil {
			_ = c.Error(err)
			return
		}
		tokenResponse(c, http.StatusOK, tokens, u)
	}
}

// =============================================================================
//  用户数据处理器
// =============================================================================

func profileHandler(users *service.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, err := users.Profile(c.Request.Context(), currentUser(c))
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, u)
	}
}

func updateProfileHandler(users *service.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req domain.ProfileUpdate
		if !bind(c, &req) {
			return
		}
		u, err := users.UpdateProfile(c.Request.Context(), currentUser(c), req)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, u)
	}
}

func listStudyHandler(svc *service.StudyListService) gin.HandlerFunc {
	return func(c *gin.Context) {
		words, err := svc.List(c.Request.Context(), currentUser(c), c.Query("language"))
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": words})
	}
}

func addStudyHandler(svc *service.StudyListService) gin.HandlerFunc {
	type request struct {
		Words    []string `json:"words" binding:"required,min=1"`
		Language string   `json:"language"`
	}
	return func(c *gin.Context) {
		var req request
		if !bind(c, &req) {
			return
		}
		added, err := svc.Add(c.Request.Context(), currentUser(c), req.Words, req.Language)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"added": added})
	}
}

func removeStudyHandler(svc *service.StudyListService) gin.HandlerFunc {
	return func(c *gin.Context) {
		word := c.Query("word")
		if word == "" {
			_ = c.Error(fmt.Errorf("缺少 'word' 参数: %w", port.ErrInvalidInput))
			return
		}
		if err := svc.Remove(c.Request.Context(), currentUser(c), word); err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success"})
	}
}

func noteStudyHandler(svc *service.StudyListService) gin.HandlerFunc {
	type request struct {
		Word string `json:"word" binding:"required"`
		Note string `json:"note"`
	}
	return func(c *gin.Context) {
		var req request
		if !bind(c, &req) {
			return
		}
		if err := svc.SetNote(c.Request.Context(), currentUser(c), req.Word, req.Note); err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success"})
	}
}

// recordQuizHandler 记录成绩后刷新学习进度。进度刷新失败不影响成绩本身。
func recordQuizHandler(quiz *service.QuizService, progress *service.ProgressService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req domain.QuizOutcome
		if !bind(c, &req) {
			return
		}
		uid := currentUser(c)
		res, err := quiz.Record(c.Request.Context(), uid, req)
		if err != nil {
			_ = c.Error(err)
			return
		}
		resp := gin.H{"result": res}
		if p, err := progress.Refresh(c.Request.Context(), uid); err != nil {
			slog.Warn("测验后刷新学习进度失败", "user_id", uid, "error", err)
		} else {
			resp["progress"] = p
		}
		c.JSON(http.StatusCreated, resp)
	}
}

func progressHandler(svc *service.ProgressService) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := svc.Refresh(c.Request.Context(), currentUser(c))
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

func achievementsHandler(svc *service.AchievementService) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := svc.List(c.Request.Context(), currentUser(c))
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": list})
	}
}

func listChatSessionsHandler(svc *service.ChatService) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := svc.Sessions(c.Request.Context(), currentUser(c))
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": list})
	}
}

func createChatSessionHandler(svc *service.ChatService) gin.HandlerFunc {
	type request struct {
		Language string `json:"language" binding:"required"`
	}
	return func(c *gin.Context) {
		var req request
		if !bind(c, &req) {
			return
		}
		sess, err := svc.CreateSession(c.Request.Context(), currentUser(c), req.Language)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusCreated, sess)
	}
}

func chatMessagesHandler(svc *service.ChatService) gin.HandlerFunc {
	return func(c *gin.Context) {
		msgs, err := svc.Messages(c.Request.Context(), currentUser(c), c.Param("sessionID"))
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": msgs})
	}
}

func appendChatMessageHandler(svc *service.ChatService) gin.HandlerFunc {
	type request struct {
		Message     string `json:"message" binding:"required"`
		BotResponse string `json:"bot_response"`
	}
	return func(c *gin.Context) {
		var req request
		if !bind(c, &req) {
			return
		}
		msg, err := svc.AppendMessage(c.Request.Context(), currentUser(c), c.Param("sessionID"), req.Message, req.BotResponse)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusCreated, msg)
	}
}

func deleteChatSessionHandler(svc *service.ChatService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.DeleteSession(c.Request.Context(), currentUser(c), c.Param("sessionID")); err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success"})
	}
}

func listNotificationsHandler(svc *service.NotificationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		unread, _ := strconv.ParseBool(c.DefaultQuery("unread", "false"))
		list, err := svc.List(c.Request.Context(), currentUser(c), unread)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": list})
	}
}

func markNotificationHandler(svc *service.NotificationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			_ = c.Error(fmt.Errorf("通知 ID '%s' 非法: %w", c.Param("id"), port.ErrInvalidInput))
			return
		}
		if err := svc.MarkRead(c.Request.Context(), currentUser(c), id); err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success"})
	}
}

func markAllNotificationsHandler(svc *service.NotificationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := svc.MarkAllRead(c.Request.Context(), currentUser(c))
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"updated": n})
	}
}

// =============================================================================
//  管理员 API 处理器
// =============================================================================

func databaseReportHandler(diag *service.DiagnosticsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		rep, err := diag.Report(c.Request.Context())
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, rep)
	}
}

func reconcileHandler(rec *database.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := service.ClaimFrom(c.Request)
		slog.Info("审计日志: 管理员手动触发结构协调", "user_id", claims.ID)

		rep, err := rec.Reconcile(c.Request.Context())
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, rep)
	}
}

func columnExistsHandler(rec *database.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		table, column := c.Query("table"), c.Query("column")
		if table == "" || column == "" {
			_ = c.Error(fmt.Errorf("缺少 'table' 或 'column' 参数: %w", port.ErrInvalidInput))
			return
		}
		ok, err := rec.ColumnExists(c.Request.Context(), table, column)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"table": table, "column": column, "exists": ok})
	}
}
