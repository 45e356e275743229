package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		Sub:      "user-1",
		Username: "avery",
		Fullname: "Avery Stone",
		PhotoURL: "https://example.com/a.png",
		JTI:      "jti-1",
		Exp:      time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ParseToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Sub != "user-1" || claims.Username != "avery" || claims.Fullname != "Avery Stone" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseTokenRejects(t *testing.T) {
	secret := []byte("secret")
	valid := Claims{Sub: "user-1", JTI: "jti-1", Exp: time.Now().Add(time.Hour).Unix()}
	good, err := IssueToken(secret, valid)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	expired, _ := IssueToken(secret, Claims{Sub: "user-1", JTI: "jti-1", Exp: time.Now().Add(-time.Minute).Unix()})
	noSubject, _ := IssueToken(secret, Claims{JTI: "jti-1", Exp: valid.Exp})
	otherSecret, _ := IssueToken([]byte("other"), valid)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{name: "expired", token: expired, want: ErrExpiredToken},
		{name: "missing subject", token: noSubject, want: ErrInvalidToken},
		{name: "wrong secret", token: otherSecret, want: ErrInvalidToken},
		{name: "no signature", token: strings.Split(good, ".")[0], want: ErrInvalidToken},
		{name: "extra segment", token: good + ".x", want: ErrInvalidToken},
		{name: "garbage", token: "!!.!!", want: ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseToken(secret, tt.token)
			if !errors.Is(err, tt.want) {
				t.Fatalf("ParseToken() error = %v, want %v", err, tt.want)
			}
		})
	}
}
