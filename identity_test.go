package chatsync

import (
	"errors"
	"testing"

	"github.com/golang-jwt/jwt/v4"
)

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestActorFromToken(t *testing.T) {
	t.Run("standard claims", func(t *testing.T) {
		a, err := ActorFromToken(signToken(t, jwt.MapClaims{"sub": "u1", "name": "Lan", "role": "staff"}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if a.ID != "u1" || a.Name != "Lan" || a.Type != SenderStaff || !a.Valid() {
			t.Fatalf("got %+v", a)
		}
	})

	t.Run("fallback claims and bearer prefix", func(t *testing.T) {
		tok := signToken(t, jwt.MapClaims{"userId": float64(42), "username": "driver42", "userType": "DRIVER"})
		a, err := ActorFromToken("Bearer " + tok)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if a.ID != "42" || a.Name != "driver42" || a.Type != SenderDriver {
			t.Fatalf("got %+v", a)
		}
	})

	t.Run("unknown role", func(t *testing.T) {
		a, err := ActorFromToken(signToken(t, jwt.MapClaims{"sub": "u1"}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if a.Type != SenderAnonymous {
			t.Fatalf("type = %s", a.Type)
		}
	})

	t.Run("empty token", func(t *testing.T) {
		if _, err := ActorFromToken("  "); !errors.Is(err, ErrNoActor) {
			t.Fatalf("expected ErrNoActor, got %v", err)
		}
	})

	t.Run("no subject", func(t *testing.T) {
		if _, err := ActorFromToken(signToken(t, jwt.MapClaims{"name": "x"})); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("not a jwt", func(t *testing.T) {
		if _, err := ActorFromToken("not-a-token"); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestActorValid(t *testing.T) {
	var nilActor *Actor
	if nilActor.Valid() {
		t.Fatal("nil actor is not valid")
	}
	if (&Actor{}).Valid() {
		t.Fatal("actor without id is not valid")
	}
}
