// file: internal/service/user_service.go
package service

import (
	"LinguaLearn/internal/conf"
	"LinguaLearn/internal/core/domain"
	"LinguaLearn/internal/core/port"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const userColumns = "id, username, email, is_admin, is_active, name, bio, phone, location, website, avatar, timezone, datetime_format, dark_mode"

// UserService 负责账户注册、登录校验与个人资料
type UserService struct {
	db    port.Database
	guard port.SchemaGuard
	cost  int
}

func NewUserService(db port.Database, guard port.SchemaGuard) *UserService {
	return &UserService{db: db, guard: guard, cost: bcrypt.DefaultCost}
}

func userFromRow(r port.Row) domain.User {
	return domain.User{
		ID:             r.Int64("id", 0),
		Username:       r.String("username", ""),
		Email:          r.String("email", ""),
		IsAdmin:        r.Bool("is_admin", false),
		IsActive:       r.Bool("is_active", true),
		Name:           r.String("name", ""),
		Bio:            r.String("bio", ""),
		Phone:          r.String("phone", ""),
		Location:       r.String("location", ""),
		Website:        r.String("website", ""),
		Avatar:         r.String("avatar", ""),
		Timezone:       r.String("timezone", ""),
		DatetimeFormat: r.String("datetime_format", ""),
		DarkMode:       r.Bool("dark_mode", false),
	}
}

func (s *UserService) hash(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
	if err != nil {
		return "", fmt.Errorf("生成密码哈希失败: %w", err)
	}
	return string(h), nil
}

// Register 创建普通用户。用户名或邮箱重复时返回 port.ErrUserExists。
func (s *UserService) Register(ctx context.Context, in domain.Registration) (domain.User, error) {
	if err := s.guard.Ensure(ctx, "users"); err != nil {
		return domain.User{}, err
	}
	username := strings.TrimSpace(in.Username)
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if username == "" || email == "" || in.Password == "" {
		return domain.User{}, port.ErrInvalidInput
	}

	pw, err := s.hash(in.Password)
	if err != nil {
		return domain.User{}, err
	}
	answer, err := s.hash(strings.ToLower(strings.TrimSpace(in.SecurityAnswer)))
	if err != nil {
		return domain.User{}, err
	}

	var u domain.User
	err = s.db.WithTx(ctx, func(tx port.Session) error {
		if _, err := tx.ExecuteWrite(ctx,
			"INSERT INTO users (username, email, password, security_answer) VALUES (?, ?, ?, ?)",
			username, email, pw, answer); err != nil {
			return err
		}
		row, ok, err := tx.ExecuteOne(ctx, "SELECT "+userColumns+" FROM users WHERE username = ?", username)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("新建用户 '%s' 后未能读回: %w", username, port.ErrNotFound)
		}
		u = userFromRow(row)
		return nil
	})
	if errors.Is(err, port.ErrConstraintViolation) {
		return domain.User{}, port.ErrUserExists
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("注册用户 '%s' 失败: %w", username, err)
	}
	slog.Info("新用户注册成功", "user_id", u.ID, "username", u.Username)
	return u, nil
}

// Authenticate 校验邮箱与密码
func (s *UserService) Authenticate(ctx context.Context, email, password string) (domain.User, error) {
	if err := s.guard.Ensure(ctx, "users"); err != nil {
		return domain.User{}, err
	}
	row, ok, err := s.db.ExecuteOne(ctx,
		"SELECT "+userColumns+", password FROM users WHERE email = ?",
		strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return domain.User{}, fmt.Errorf("查询用户失败: %w", err)
	}
	if !ok {
		return domain.User{}, port.ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(row.String("password", "")), []byte(password)) != nil {
		return domain.User{}, port.ErrInvalidCredentials
	}
	u := userFromRow(row)
	if !u.IsActive {
		return domain.User{}, port.ErrPermissionDenied
	}
	return u, nil
}

// Profile 按 ID 读取用户资料
func (s *UserService) Profile(ctx context.Context, id int64) (domain.User, error) {
	if err := s.guard.Ensure(ctx, "users"); err != nil {
		return domain.User{}, err
	}
	row, ok, err := s.db.ExecuteOne(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
	if err != nil {
		return domain.User{}, fmt.Errorf("查询用户 %d 失败: %w", id, err)
	}
	if !ok {
		return domain.User{}, port.ErrNotFound
	}
	return userFromRow(row), nil
}

// UpdateProfile 只更新请求中提供了的字段
func (s *UserService) UpdateProfile(ctx context.Context, id int64, upd domain.ProfileUpdate) (domain.User, error) {
	if err := s.guard.Ensure(ctx, "users"); err != nil {
		return domain.User{}, err
	}

	var sets []string
	var args []any
	text := func(col string, v *string) {
		if v != nil {
			sets = append(sets, col+" = ?")
			args = append(args, strings.TrimSpace(*v))
		}
	}
	text("name", upd.Name)
	text("bio", upd.Bio)
	text("phone", upd.Phone)
	text("location", upd.Location)
	text("website", upd.Website)
	text("avatar", upd.Avatar)
	text("timezone", upd.Timezone)
	text("datetime_format", upd.DatetimeFormat)
	if upd.DarkMode != nil {
		sets = append(sets, "dark_mode = ?")
		args = append(args, boolInt(*upd.DarkMode))
	}
	if len(sets) == 0 {
		return s.Profile(ctx, id)
	}

	args = append(args, id)
	n, err := s.db.ExecuteWrite(ctx, "UPDATE users SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return domain.User{}, fmt.Errorf("更新用户 %d 资料失败: %w", id, err)
	}
	if n == 0 {
		return domain.User{}, port.ErrNotFound
	}
	return s.Profile(ctx, id)
}

// SeedAdmin 按配置创建管理员账户。账户已存在时什么也不做，返回 false。
func (s *UserService) SeedAdmin(ctx context.Context, cfg conf.AdminConfig) (bool, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return false, nil
	}
	if err := s.guard.Ensure(ctx, "users"); err != nil {
		return false, err
	}
	email := cfg.Email
	if email == "" {
		email = cfg.Username + "@localhost"
	}
	pw, err := s.hash(cfg.Password)
	if err != nil {
		return false, err
	}
	answer, err := s.hash(cfg.Username)
	if err != nil {
		return false, err
	}
	n, err := s.db.ExecuteWrite(ctx,
		"INSERT OR IGNORE INTO users (username, email, password, security_answer, is_admin, is_active) VALUES (?, ?, ?, ?, 1, 1)",
		cfg.Username, strings.ToLower(email), pw, answer)
	if err != nil {
		return false, fmt.Errorf("插入管理员用户 '%s' 失败: %w", cfg.Username, err)
	}
	if n > 0 {
		slog.Info("已创建管理员账户", "username", cfg.Username)
	}
	return n > 0, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
