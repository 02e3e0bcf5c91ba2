package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aman-churiwal/cathedral-tour/internal/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type stubAuthenticator struct {
	token string
	err   error
}

func (s stubAuthenticator) Login(context.Context, string, string) (string, error) {
	return s.token, s.err
}

func TestAuthHandler_Login(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		auth       stubAuthenticator
		wantStatus int
		wantBody   string
	}{
		{"ok", `{"email":"a@example.com","password":"secret123"}`, stubAuthenticator{token: "jwt"}, http.StatusOK, `"token":"jwt"`},
		{"missing password", `{"email":"a@example.com"}`, stubAuthenticator{}, http.StatusBadRequest, "required"},
		{"bad email", `{"email":"nope","password":"x"}`, stubAuthenticator{}, http.StatusBadRequest, "required"},
		{"wrong password", `{"email":"a@example.com","password":"x"}`, stubAuthenticator{err: service.ErrInvalidCredentials}, http.StatusUnauthorized, "Invalid credentials"},
		{"backend error", `{"email":"a@example.com","password":"x"}`, stubAuthenticator{err: errors.New("db down")}, http.StatusInternalServerError, "Login failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewAuthHandler(tt.auth, zap.NewNop())
			r := gin.New()
			r.POST("/api/v1/auth/login", h.Login)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %s, want it to contain %s", rec.Body.String(), tt.wantBody)
			}
		})
	}
}
