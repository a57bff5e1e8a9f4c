package middleware

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
)

// testKeyID — идентификатор ключа для тестов.
const testKeyID = "test-key-sub"

const testIssuer = "https://idp.test"

// generateTestKey генерирует RSA ключ для тестов.
func generateTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

// buildJWKSetJSON строит JWKS JSON из RSA публичного ключа.
func buildJWKSetJSON(pub *rsa.PublicKey, kid string) json.RawMessage {
	nB64 := base64.RawURLEncoding.EncodeToString(pub.N.Bytes())
	eB64 := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes())

	jwks := map[string]any{
		"keys": []map[string]any{
			{
				"kty": "RSA",
				"kid": kid,
				"use": "sig",
				"alg": "RS256",
				"n":   nB64,
				"e":   eB64,
			},
		},
	}

	data, _ := json.Marshal(jwks)
	return data
}

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestJWTAuth(t *testing.T, key *rsa.PrivateKey) *JWTAuth {
	t.Helper()
	kf, err := keyfunc.NewJWKSetJSON(buildJWKSetJSON(&key.PublicKey, testKeyID))
	if err != nil {
		t.Fatalf("не удалось создать keyfunc: %v", err)
	}
	return NewJWTAuthWithKeyfunc(kf, testIssuer, testLogger())
}

// signToken подписывает claims; exp и iss добавляются, если не заданы.
func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims, expired bool) string {
	t.Helper()

	exp := time.Now().Add(time.Hour)
	if expired {
		exp = time.Now().Add(-time.Hour)
	}
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = jwt.NewNumericDate(exp)
	}
	if _, ok := claims["iss"]; !ok {
		claims["iss"] = testIssuer
	}
	claims["iat"] = jwt.NewNumericDate(time.Now())

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return tokenStr
}

func vendorClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":          "vendor-client",
		"client_id":    "smartcloud",
		"scope":        "openid systemuser.request.read systemuser.request.write",
		"consumer_org": "0192:991825827",
	}
}

func customerClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":          "user-77",
		"party_id":     "50001",
		"party_org_no": "910000001",
		"user_id":      "1337",
	}
}

func serve(t *testing.T, handler http.Handler, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/vendor/requests", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

// --- Тесты JWT Middleware ---

func TestJWTAuth_VendorToken(t *testing.T) {
	key := generateTestKey(t)
	auth := newTestJWTAuth(t, key)

	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := ClaimsFromContext(r.Context())
		if claims == nil {
			t.Fatal("claims не найдены в контексте")
		}
		if claims.SubjectType != SubjectTypeVendor {
			t.Errorf("ожидался SubjectType=vendor, получен %s", claims.SubjectType)
		}
		if claims.ClientID != "smartcloud" {
			t.Errorf("ожидался ClientID=smartcloud, получен %s", claims.ClientID)
		}
		if got := VendorOrgFromContext(r.Context()); got != "991825827" {
			t.Errorf("ожидался vendor org 991825827, получен %q", got)
		}
		if !claims.HasScope("systemuser.request.write") || claims.HasScope("admin") {
			t.Errorf("scopes = %v", claims.Scopes)
		}
		if _, ok := PartyFromContext(r.Context()); ok {
			t.Error("токен вендора не должен давать клиента")
		}
		w.WriteHeader(http.StatusOK)
	}))

	rec := serve(t, handler, signToken(t, key, vendorClaims(), false))
	if rec.Code != http.StatusOK {
		t.Errorf("ожидался статус 200, получен %d, тело: %s", rec.Code, rec.Body.String())
	}
}

func TestJWTAuth_CustomerToken(t *testing.T) {
	key := generateTestKey(t)
	auth := newTestJWTAuth(t, key)

	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		party, ok := PartyFromContext(r.Context())
		if !ok {
			t.Fatal("клиент не найден в контексте")
		}
		if party.PartyID != "50001" || party.OrgNo != "910000001" || party.UserID != "1337" {
			t.Errorf("party = %+v", party)
		}
		if VendorOrgFromContext(r.Context()) != "" {
			t.Error("токен клиента не должен давать вендора")
		}
		w.WriteHeader(http.StatusOK)
	}))

	rec := serve(t, handler, signToken(t, key, customerClaims(), false))
	if rec.Code != http.StatusOK {
		t.Errorf("ожидался статус 200, получен %d, тело: %s", rec.Code, rec.Body.String())
	}
}

func TestJWTAuth_CustomerUserIDFallback(t *testing.T) {
	key := generateTestKey(t)
	auth := newTestJWTAuth(t, key)
	claims := customerClaims()
	delete(claims, "user_id")

	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		party, _ := PartyFromContext(r.Context())
		if party.UserID != "user-77" {
			t.Errorf("ожидался UserID из sub, получен %q", party.UserID)
		}
		w.WriteHeader(http.StatusOK)
	}))

	if rec := serve(t, handler, signToken(t, key, claims, false)); rec.Code != http.StatusOK {
		t.Errorf("ожидался статус 200, получен %d", rec.Code)
	}
}

func TestJWTAuth_Rejected(t *testing.T) {
	key := generateTestKey(t)
	otherKey := generateTestKey(t)
	auth := newTestJWTAuth(t, key)
	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler не должен быть вызван")
	}))

	noConsumer := vendorClaims()
	delete(noConsumer, "consumer_org")
	noSub := customerClaims()
	delete(noSub, "sub")
	wrongIssuer := vendorClaims()
	wrongIssuer["iss"] = "https://evil.test"
	noExp := vendorClaims()
	noExp["exp"] = nil

	tests := []struct {
		name  string
		token string
	}{
		{"нет токена", ""},
		{"просрочен", signToken(t, key, vendorClaims(), true)},
		{"чужой ключ", signToken(t, otherKey, vendorClaims(), false)},
		{"неверный issuer", signToken(t, key, wrongIssuer, false)},
		{"вендор без consumer_org", signToken(t, key, noConsumer, false)},
		{"клиент без sub", signToken(t, key, noSub, false)},
		{"неизвестный тип", signToken(t, key, jwt.MapClaims{"sub": "x"}, false)},
		{"без exp", signToken(t, key, noExp, false)},
		{"мусор", "not-a-jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, handler, tt.token)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("ожидался статус 401, получен %d", rec.Code)
			}
		})
	}
}

func TestJWTAuth_InvalidFormat(t *testing.T) {
	key := generateTestKey(t)
	auth := newTestJWTAuth(t, key)
	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler не должен быть вызван")
	}))

	tests := []struct {
		name   string
		header string
	}{
		{"basic auth", "Basic dXNlcjpwYXNz"},
		{"no bearer prefix", "token123"},
		{"empty bearer", "Bearer "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", tt.header)
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("ожидался статус 401, получен %d", rec.Code)
			}
		})
	}
}

func TestOrgNumber(t *testing.T) {
	tests := map[string]string{
		"0192:991825827": "991825827",
		"991825827":      "991825827",
		"a:b:123":        "123",
	}
	for in, want := range tests {
		if got := orgNumber(in); got != want {
			t.Errorf("orgNumber(%q) = %q, ожидалось %q", in, got, want)
		}
	}
}

// --- Тесты guards ---

func requestWithClaims(claims *AuthClaims) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if claims != nil {
		req = req.WithContext(WithClaims(context.Background(), claims))
	}
	return req
}

func TestRequireScope(t *testing.T) {
	tests := []struct {
		name       string
		claims     *AuthClaims
		wantStatus int
	}{
		{"вендор со scope", &AuthClaims{SubjectType: SubjectTypeVendor, Scopes: []string{"systemuser.request.read"}}, http.StatusOK},
		{"вендор без scope", &AuthClaims{SubjectType: SubjectTypeVendor, Scopes: []string{"openid"}}, http.StatusForbidden},
		{"клиент", &AuthClaims{SubjectType: SubjectTypeCustomer, PartyID: "1"}, http.StatusForbidden},
		{"без claims", nil, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := RequireScope("systemuser.request.read", "systemuser.request.write")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, requestWithClaims(tt.claims))
			if rec.Code != tt.wantStatus {
				t.Errorf("ожидался статус %d, получен %d", tt.wantStatus, rec.Code)
			}
		})
	}
}

func TestRequireParty(t *testing.T) {
	tests := []struct {
		name       string
		claims     *AuthClaims
		path       string
		wantStatus int
	}{
		{"свой клиент", &AuthClaims{SubjectType: SubjectTypeCustomer, PartyID: "50001"}, "/party/50001/requests", http.StatusOK},
		{"чужой клиент", &AuthClaims{SubjectType: SubjectTypeCustomer, PartyID: "50001"}, "/party/50002/requests", http.StatusForbidden},
		{"вендор", &AuthClaims{SubjectType: SubjectTypeVendor, Scopes: []string{"x"}}, "/party/50001/requests", http.StatusForbidden},
		{"без claims", nil, "/party/50001/requests", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := chi.NewRouter()
			r.Route("/party/{party}", func(r chi.Router) {
				r.Use(RequireParty())
				r.Get("/requests", func(w http.ResponseWriter, _ *http.Request) {
					w.WriteHeader(http.StatusOK)
				})
			})

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.claims != nil {
				req = req.WithContext(WithClaims(req.Context(), tt.claims))
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("ожидался статус %d, получен %d, тело: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
		})
	}
}

// --- JWKS readiness ---

func TestJWKSReadinessChecker(t *testing.T) {
	key := generateTestKey(t)
	jwks := buildJWKSetJSON(&key.PublicKey, testKeyID)

	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus string
	}{
		{"ok", http.StatusOK, string(jwks), "ok"},
		{"нет ключей", http.StatusOK, `{"keys":[]}`, "degraded"},
		{"не JSON", http.StatusOK, `<html>`, "degraded"},
		{"ошибка", http.StatusServiceUnavailable, ``, "fail"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			checker, err := NewJWKSReadinessChecker(srv.URL, "", time.Second)
			if err != nil {
				t.Fatalf("NewJWKSReadinessChecker() ошибка: %v", err)
			}
			if status, msg := checker.CheckReady(); status != tt.wantStatus {
				t.Errorf("статус = %q (%s), ожидался %q", status, msg, tt.wantStatus)
			}
		})
	}
}

func TestJWKSReadinessChecker_Unreachable(t *testing.T) {
	checker, err := NewJWKSReadinessChecker("http://127.0.0.1:1/jwks", "", 200*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if status, _ := checker.CheckReady(); status != statusFail {
		t.Errorf("статус = %q, ожидался fail", status)
	}
}

func TestHTTPClientWithCA_MissingFile(t *testing.T) {
	if _, err := HTTPClientWithCA("/nonexistent/ca.pem", time.Second); err == nil {
		t.Error("ожидалась ошибка для несуществующего файла")
	}
}
