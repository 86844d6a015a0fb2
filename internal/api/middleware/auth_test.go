package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/auth"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
)

const testSecret = "test-secret-key-with-32-characters!"

func testIdentity(role domain.UserRole) auth.Identity {
	return auth.Identity{
		UserID:         uuid.New(),
		EmployeeNumber: "EMP-0001",
		Email:          "jane@fairtrade.test",
		Role:           string(role),
	}
}

// echoUser writes the authenticated user id, or 500 if none is present.
var echoUser = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	claims, ok := GetUserFromContext(r.Context())
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(claims.UserID.String()))
})

func TestAuthMiddleware(t *testing.T) {
	jwtManager := auth.NewJWTManager(testSecret, "test-issuer")
	id := testIdentity(domain.RoleEmployee)

	access, err := jwtManager.GenerateAccessToken(id)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	refresh, err := jwtManager.GenerateRefreshToken(id)
	if err != nil {
		t.Fatalf("GenerateRefreshToken: %v", err)
	}
	foreign, err := auth.NewJWTManager("another-secret-key-with-32-chars!!", "test-issuer").GenerateAccessToken(id)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	handler := AuthMiddleware(jwtManager)(echoUser)

	tests := []struct {
		name       string
		method     string
		target     string
		authHeader string
		wantStatus int
		wantError  string
	}{
		{"valid bearer token", http.MethodGet, "/", "Bearer " + access, http.StatusOK, ""},
		{"missing header", http.MethodGet, "/", "", http.StatusUnauthorized, "missing authorization header"},
		{"wrong scheme", http.MethodGet, "/", "Basic abc", http.StatusUnauthorized, "invalid authorization header format"},
		{"empty token", http.MethodGet, "/", "Bearer ", http.StatusUnauthorized, "missing token"},
		{"garbage token", http.MethodGet, "/", "Bearer not.a.jwt", http.StatusUnauthorized, "invalid token"},
		{"refresh token rejected", http.MethodGet, "/", "Bearer " + refresh, http.StatusUnauthorized, "invalid token"},
		{"foreign signature", http.MethodGet, "/", "Bearer " + foreign, http.StatusUnauthorized, "invalid token"},
		{"query token on GET", http.MethodGet, "/stream?access_token=" + access, "", http.StatusOK, ""},
		{"query token on POST", http.MethodPost, "/stream?access_token=" + access, "", http.StatusUnauthorized, "missing authorization header"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if tt.wantStatus == http.StatusOK {
				if rr.Body.String() != id.UserID.String() {
					t.Errorf("user id = %q, want %q", rr.Body.String(), id.UserID)
				}
				return
			}
			var body errorBody
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if body.Error != tt.wantError || body.Code != http.StatusUnauthorized {
				t.Errorf("body = %+v, want error %q", body, tt.wantError)
			}
		})
	}
}

func TestOptionalAuthMiddleware(t *testing.T) {
	jwtManager := auth.NewJWTManager(testSecret, "test-issuer")
	id := testIdentity(domain.RoleEmployee)
	access, err := jwtManager.GenerateAccessToken(id)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	handler := OptionalAuthMiddleware(jwtManager)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := GetUserFromContext(r.Context()); ok {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
	}{
		{"valid token sets user", "Bearer " + access, http.StatusOK},
		{"no token passes through", "", http.StatusNoContent},
		{"invalid token passes through", "Bearer nope", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
		})
	}
}

func TestRequireUser(t *testing.T) {
	handler := RequireUser(echoUser)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d, want 401", rr.Code)
	}

	claims := &auth.Claims{UserID: uuid.New(), Role: string(domain.RoleEmployee)}
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(WithUser(t.Context(), claims))
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", rr.Code)
	}
}

func TestCurrentUserID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, ok := CurrentUserID(req); ok {
		t.Fatal("expected no user on a bare request")
	}

	want := uuid.New()
	req = req.WithContext(WithUser(req.Context(), &auth.Claims{UserID: want}))
	got, ok := CurrentUserID(req)
	if !ok || got != want {
		t.Errorf("CurrentUserID = %v, %v; want %v", got, ok, want)
	}
}
