package app

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"docqa/pkg/auth"
	"docqa/pkg/domain"
	"docqa/pkg/store"
)

// Register creates an account. The email is stored lower-cased.
func (a *App) Register(ctx context.Context, email, password string) (domain.User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return domain.User{}, err
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.User{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, err
	}
	user := domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    a.now(),
	}
	if err := a.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.User{}, ErrEmailAlreadyExists
		}
		return domain.User{}, external("create user", err)
	}
	return user, nil
}

// Login validates credentials and issues a session token.
func (a *App) Login(ctx context.Context, email, password string) (domain.User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, ok, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		return domain.User{}, "", external("fetch user", err)
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", ErrInvalidCredentials
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue session: %w", err)
	}
	return user, token, nil
}

// Logout revokes a session token.
func (a *App) Logout(ctx context.Context, token string) error {
	return a.sessions.DeleteSession(ctx, token)
}

// Authenticate resolves the user behind a session token.
func (a *App) Authenticate(ctx context.Context, token string) (domain.User, error) {
	uid, ok, err := a.sessions.GetUserIDByToken(ctx, token)
	if err != nil || !ok {
		return domain.User{}, ErrInvalidCredentials
	}
	user, found, err := a.store.GetUserByID(ctx, uid)
	if err != nil {
		return domain.User{}, external("fetch user", err)
	}
	if !found {
		return domain.User{}, ErrInvalidCredentials
	}
	return user, nil
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", invalid("email required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", invalid("invalid email address")
	}
	return email, nil
}
