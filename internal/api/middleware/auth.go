// auth.go — JWT middleware для аутентификации вендоров и клиентов.
// Токен вендора (client credentials) несёт client_id, scope и consumer_org,
// токен клиента — party_id, party_org_no и user_id.
// Подпись проверяется по JWKS провайдера идентификации.
package middleware

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/bigkaa/sysuser-broker/internal/api/errors"
	"github.com/bigkaa/sysuser-broker/internal/domain/model"
	"github.com/bigkaa/sysuser-broker/internal/domain/problem"
)

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

const (
	// ContextKeyClaims — извлечённые claims в контексте запроса.
	ContextKeyClaims contextKey = "jwt_claims"
)

// PartyURLParam — имя параметра пути с идентификатором клиента.
const PartyURLParam = "party"

// SubjectType — тип субъекта JWT.
type SubjectType string

const (
	// SubjectTypeVendor — продукт вендора (client credentials).
	SubjectTypeVendor SubjectType = "vendor"
	// SubjectTypeCustomer — пользователь организации-клиента.
	SubjectTypeCustomer SubjectType = "customer"
)

// AuthClaims — извлечённые claims, помещаются в контекст запроса.
type AuthClaims struct {
	Subject     string
	SubjectType SubjectType

	// --- Вендор ---

	// Scopes — scopes из claim "scope" (через пробел в JWT).
	Scopes   []string
	ClientID string
	// VendorOrgNo — номер организации вендора из consumer_org.
	VendorOrgNo string

	// --- Клиент ---

	PartyID    string
	PartyOrgNo string
	UserID     string
}

// HasScope проверяет наличие указанного scope.
func (c *AuthClaims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// HasAnyScope проверяет наличие хотя бы одного из указанных scopes.
func (c *AuthClaims) HasAnyScope(scopes ...string) bool {
	for _, scope := range scopes {
		if c.HasScope(scope) {
			return true
		}
	}
	return false
}

// Party возвращает клиента, от имени которого выполняется запрос.
func (c *AuthClaims) Party() model.Party {
	return model.Party{PartyID: c.PartyID, OrgNo: c.PartyOrgNo, UserID: c.UserID}
}

// rawClaims — claims JWT в том виде, как их выдаёт провайдер.
type rawClaims struct {
	jwt.RegisteredClaims
	Scope       string `json:"scope,omitempty"`
	ClientID    string `json:"client_id,omitempty"`
	ConsumerOrg string `json:"consumer_org,omitempty"`
	PartyID     string `json:"party_id,omitempty"`
	PartyOrgNo  string `json:"party_org_no,omitempty"`
	UserID      string `json:"user_id,omitempty"`
}

// JWTAuth — middleware для JWT-аутентификации через JWKS.
type JWTAuth struct {
	jwks      keyfunc.Keyfunc
	logger    *slog.Logger
	issuer    string
	jwtLeeway time.Duration
}

// NewJWTAuth создаёт JWT middleware с JWKS провайдера идентификации.
// caCertPath — опциональный путь к CA-сертификату для TLS.
// issuer — ожидаемый issuer JWT (пустой — не проверяется).
// jwksClientTimeout — таймаут HTTP-клиента JWKS (SUB_JWKS_CLIENT_TIMEOUT).
// jwksRefreshInterval — интервал обновления ключей (SUB_JWKS_REFRESH_INTERVAL).
// jwtLeeway — допустимое отклонение часов (SUB_JWT_LEEWAY).
func NewJWTAuth(
	jwksURL string,
	caCertPath string,
	issuer string,
	jwksClientTimeout time.Duration,
	jwksRefreshInterval time.Duration,
	jwtLeeway time.Duration,
	logger *slog.Logger,
) (*JWTAuth, error) {
	httpClient := &http.Client{Timeout: jwksClientTimeout}
	if caCertPath != "" {
		var err error
		httpClient, err = HTTPClientWithCA(caCertPath, jwksClientTimeout)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата %s: %w", caCertPath, err)
		}
		logger.Info("CA-сертификат для JWKS добавлен в пул доверия",
			slog.String("ca_cert", caCertPath),
		)
	}

	// NoErrorReturnFirstHTTPReq — стартуем, даже если провайдер ещё недоступен.
	storage, err := jwkset.NewStorageFromHTTP(jwksURL, jwkset.HTTPClientStorageOptions{
		Client:                    httpClient,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           jwksRefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", jwksURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	return &JWTAuth{
		jwks:      k,
		logger:    logger.With(slog.String("component", "jwt_auth")),
		issuer:    issuer,
		jwtLeeway: jwtLeeway,
	}, nil
}

// HTTPClientWithCA создаёт HTTP-клиент, доверяющий дополнительному CA.
func HTTPClientWithCA(caCertPath string, timeout time.Duration) (*http.Client, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, err
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("в %s нет PEM-сертификатов", caCertPath)
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				RootCAs:    caCertPool,
				MinVersion: tls.VersionTLS12,
			},
		},
	}, nil
}

// NewJWTAuthWithKeyfunc создаёт JWT middleware с готовой keyfunc (для тестов).
func NewJWTAuthWithKeyfunc(kf keyfunc.Keyfunc, issuer string, logger *slog.Logger) *JWTAuth {
	return &JWTAuth{
		jwks:   kf,
		logger: logger.With(slog.String("component", "jwt_auth")),
		issuer: issuer,
	}
}

// Middleware возвращает HTTP middleware для JWT-аутентификации.
// Извлекает Bearer token, проверяет подпись (RS256), определяет тип
// субъекта и помещает claims в контекст.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apierrors.Unauthorized(w, "Отсутствует заголовок Authorization")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				apierrors.Unauthorized(w, "Неверный формат Authorization: ожидается Bearer <token>")
				return
			}

			tokenString := strings.TrimSpace(parts[1])
			if tokenString == "" {
				apierrors.Unauthorized(w, "Пустой Bearer token")
				return
			}

			raw := &rawClaims{}
			parserOpts := []jwt.ParserOption{
				jwt.WithValidMethods([]string{"RS256"}),
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(j.jwtLeeway),
			}
			if j.issuer != "" {
				parserOpts = append(parserOpts, jwt.WithIssuer(j.issuer))
			}

			token, err := jwt.ParseWithClaims(tokenString, raw, j.jwks.KeyfuncCtx(r.Context()), parserOpts...)
			if err != nil || !token.Valid {
				j.logger.Debug("JWT валидация не пройдена",
					slog.String("error", errString(err)),
					slog.String("remote_addr", r.RemoteAddr),
				)
				apierrors.Unauthorized(w, "Невалидный или просроченный токен")
				return
			}

			claims, reason := buildAuthClaims(raw)
			if claims == nil {
				apierrors.Unauthorized(w, reason)
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func errString(err error) string {
	if err == nil {
		return "токен невалиден"
	}
	return err.Error()
}

// buildAuthClaims определяет тип субъекта. Токен с client_id считается
// токеном вендора, с party_id — токеном клиента.
func buildAuthClaims(raw *rawClaims) (*AuthClaims, string) {
	claims := &AuthClaims{Subject: raw.Subject}

	switch {
	case raw.ClientID != "":
		if raw.ConsumerOrg == "" {
			return nil, "Отсутствует consumer_org в токене вендора"
		}
		claims.SubjectType = SubjectTypeVendor
		claims.ClientID = raw.ClientID
		claims.Scopes = parseScopeString(raw.Scope)
		claims.VendorOrgNo = orgNumber(raw.ConsumerOrg)
	case raw.PartyID != "":
		if raw.Subject == "" {
			return nil, "Отсутствует sub в токене"
		}
		claims.SubjectType = SubjectTypeCustomer
		claims.PartyID = raw.PartyID
		claims.PartyOrgNo = raw.PartyOrgNo
		claims.UserID = raw.UserID
		if claims.UserID == "" {
			claims.UserID = raw.Subject
		}
	default:
		return nil, "Неизвестный тип токена"
	}
	return claims, ""
}

// orgNumber извлекает номер организации из идентификатора вида
// "0192:991825827" (префикс схемы ISO 6523 отбрасывается).
func orgNumber(consumer string) string {
	if i := strings.LastIndexByte(consumer, ':'); i >= 0 {
		return consumer[i+1:]
	}
	return consumer
}

// parseScopeString разбирает строку scopes из JWT (через пробел).
func parseScopeString(scope string) []string {
	if scope == "" {
		return nil
	}
	return strings.Fields(scope)
}

// --- Guards ---

// RequireScope возвращает middleware, требующий токен вендора с одним
// из указанных scopes. Используется ПОСЛЕ JWTAuth.Middleware().
func RequireScope(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				apierrors.Unauthorized(w, "Отсутствуют claims в контексте")
				return
			}

			if claims.SubjectType != SubjectTypeVendor {
				apierrors.Forbidden(w, "Доступ разрешён только для систем вендоров")
				return
			}

			if !claims.HasAnyScope(scopes...) {
				apierrors.Forbidden(w, fmt.Sprintf("Недостаточно прав: требуется scope %s", strings.Join(scopes, " или ")))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireParty возвращает middleware, пропускающий только клиента, чей
// party_id совпадает с параметром пути {party}.
// Используется ПОСЛЕ JWTAuth.Middleware() внутри маршрута с {party}.
func RequireParty() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				apierrors.Unauthorized(w, "Отсутствуют claims в контексте")
				return
			}

			if claims.SubjectType != SubjectTypeCustomer {
				apierrors.Forbidden(w, "Доступ разрешён только для пользователей клиента")
				return
			}

			if chi.URLParam(r, PartyURLParam) != claims.PartyID {
				apierrors.WriteProblem(w, problem.New(problem.NotOwnerOfParty, ""))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// --- Context helpers ---

// ClaimsFromContext извлекает AuthClaims из контекста запроса.
// Возвращает nil, если claims не найдены.
func ClaimsFromContext(ctx context.Context) *AuthClaims {
	claims, _ := ctx.Value(ContextKeyClaims).(*AuthClaims)
	return claims
}

// VendorOrgFromContext возвращает номер организации вендора или "".
func VendorOrgFromContext(ctx context.Context) string {
	claims := ClaimsFromContext(ctx)
	if claims == nil || claims.SubjectType != SubjectTypeVendor {
		return ""
	}
	return claims.VendorOrgNo
}

// PartyFromContext возвращает клиента из контекста.
func PartyFromContext(ctx context.Context) (model.Party, bool) {
	claims := ClaimsFromContext(ctx)
	if claims == nil || claims.SubjectType != SubjectTypeCustomer {
		return model.Party{}, false
	}
	return claims.Party(), true
}

// WithClaims помещает claims в контекст (для тестов обработчиков).
func WithClaims(ctx context.Context, claims *AuthClaims) context.Context {
	return context.WithValue(ctx, ContextKeyClaims, claims)
}

// --- ReadinessChecker для JWKS ---

// JWKSReadinessChecker — проверка доступности JWKS провайдера идентификации.
type JWKSReadinessChecker struct {
	jwksURL string
	client  *http.Client
}

// NewJWKSReadinessChecker создаёт checker доступности JWKS.
func NewJWKSReadinessChecker(jwksURL, caCertPath string, timeout time.Duration) (*JWKSReadinessChecker, error) {
	client := &http.Client{Timeout: timeout}
	if caCertPath != "" {
		var err error
		client, err = HTTPClientWithCA(caCertPath, timeout)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA для readiness checker: %w", err)
		}
	}

	return &JWKSReadinessChecker{
		jwksURL: jwksURL,
		client:  client,
	}, nil
}

const statusFail = "fail"

// CheckReady проверяет, что JWKS доступен и содержит ключи.
func (k *JWKSReadinessChecker) CheckReady() (status, message string) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, k.jwksURL, http.NoBody)
	if err != nil {
		return statusFail, "ошибка создания запроса: " + err.Error()
	}
	resp, err := k.client.Do(req) //nolint:gosec // URL из конфигурации
	if err != nil {
		return statusFail, fmt.Sprintf("JWKS недоступен: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusFail, fmt.Sprintf("JWKS вернул статус %d", resp.StatusCode)
	}

	var jwksResp struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwksResp); err != nil {
		return "degraded", fmt.Sprintf("JWKS: невалидный JSON: %v", err)
	}

	if len(jwksResp.Keys) == 0 {
		return "degraded", "JWKS: нет ключей"
	}

	return "ok", fmt.Sprintf("JWKS доступен, ключей: %d", len(jwksResp.Keys))
}
