package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/Ferdianto22/parking-system/internal/model"
	"github.com/Ferdianto22/parking-system/internal/repository"
)

var bcryptCost = bcrypt.DefaultCost

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// HashPassword возвращает bcrypt-хеш пароля.
func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
}

// AuthenticateAdmin проверяет email и пароль администратора и возвращает его профиль.
// Ошибка обновления времени входа на результат не влияет.
func (s *Service) AuthenticateAdmin(ctx context.Context, email, password string) (*model.Admin, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, validationError("email and password are required")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	a, err := s.repo.GetAdminByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrAdminNotFound) {
			return nil, &Error{Kind: ErrInvalidCredentials, Message: "invalid email or password"}
		}
		return nil, infraError("authenticate", err)
	}

	if err := bcrypt.CompareHashAndPassword(a.PasswordHash, []byte(password)); err != nil {
		return nil, &Error{Kind: ErrInvalidCredentials, Message: "invalid email or password"}
	}

	now := s.now().UTC()
	if err := s.repo.TouchAdminLogin(ctx, a.ID, now); err != nil {
		s.logger.Warn("update last login failed", zap.Error(err), zap.Int64("admin_id", a.ID))
	} else {
		a.LastLogin = &now
	}

	a.PasswordHash = nil
	return a, nil
}

// EnsureAdmin создаёт администратора, если учётной записи с таким email ещё нет.
// Возвращает true, если запись была создана.
func (s *Service) EnsureAdmin(ctx context.Context, email, password string) (bool, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return false, validationError("admin email and password are required")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.repo.GetAdminByEmail(ctx, email); err == nil {
		return false, nil
	} else if !errors.Is(err, repository.ErrAdminNotFound) {
		return false, infraError("ensure admin", err)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return false, fmt.Errorf("hash password: %w", err)
	}

	if _, err := s.repo.CreateAdmin(ctx, email, hash, model.RoleAdmin); err != nil {
		if errors.Is(err, repository.ErrAdminExists) {
			return false, nil
		}
		return false, infraError("ensure admin", err)
	}

	s.logger.Info("admin account created", zap.String("email", email))
	return true, nil
}
