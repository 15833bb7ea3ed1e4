package app

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestRegisterTwiceFailsWithAlreadyExists(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.register(t, "Alice@Example.com")
	if user.Email != "alice@example.com" {
		t.Fatalf("expected normalized email, got %q", user.Email)
	}
	if _, err := uuid.Parse(user.ID); err != nil {
		t.Fatalf("expected uuid user id, got %q", user.ID)
	}
	if _, err := env.app.Register(ctx, "alice@example.com", "An0ther!Password"); !errors.Is(err, ErrEmailAlreadyExists) {
		t.Fatalf("expected ErrEmailAlreadyExists, got %v", err)
	}
}

func TestRegisterValidatesInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	cases := map[string][2]string{
		"empty email":   {"", "Str0ng!Passw0rd"},
		"bad email":     {"not-an-email", "Str0ng!Passw0rd"},
		"weak password": {"bob@example.com", "password"},
		"no special":    {"bob@example.com", "Passw0rdPassw0rd"},
		"named address": {"Bob <bob@example.com>", "Str0ng!Passw0rd"},
	}
	for name, tc := range cases {
		if _, err := env.app.Register(ctx, tc[0], tc[1]); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", name, err)
		}
	}
}

func TestLoginAndAuthenticate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	registered := env.register(t, "carol@example.com")

	if _, _, err := env.app.Login(ctx, "carol@example.com", "Wr0ng!Password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", err)
	}
	if _, _, err := env.app.Login(ctx, "nobody@example.com", "Str0ng!Passw0rd"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}

	user, token, err := env.app.Login(ctx, " CAROL@example.com ", "Str0ng!Passw0rd")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if user.ID != registered.ID || token == "" {
		t.Fatalf("unexpected login result %+v %q", user, token)
	}
	got, err := env.app.Authenticate(ctx, token)
	if err != nil || got.ID != registered.ID {
		t.Fatalf("authenticate: %+v %v", got, err)
	}

	if err := env.app.Logout(context.Background(), token); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := env.app.Authenticate(ctx, token); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected revoked token to fail, got %v", err)
	}
}
