// client.go — HTTP-клиент к Authorization Authority.
// Реализует автоматическое получение токена через Client Credentials flow,
// кэширование токена (обновление за 30s до expiration), ограничение частоты
// исходящих запросов и повтор с экспоненциальной задержкой.
// Операции: CheckDelegation, Delegate, Revoke, GetAccessPackage, DelegateAgent,
// ListAgentDelegations, DeleteClientDelegation, DeleteAgentAssignment, ListClients.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/bigkaa/sysuser-broker/internal/domain/model"
)

// Коды ошибок Authority, на которые опирается бизнес-логика.
const (
	CodeAssignmentNotFound  = "AssignmentNotFound"
	CodeTooManyAssignments  = "TooManyAssignments"
	CodeFacilitatorMismatch = "FacilitatorMismatch"
	CodeDelegationNotFound  = "DelegationNotFound"
	CodePackageNotFound     = "PackageNotFound"
)

// APIError — ответ Authority со статусом не 2xx.
type APIError struct {
	Operation  string
	StatusCode int
	// Code — машинный код из тела ошибки (может быть пустым)
	Code  string
	Title string
	Body  string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("Authority %s: статус %d, код %s: %s", e.Operation, e.StatusCode, e.Code, e.Title)
	}
	return fmt.Sprintf("Authority %s: статус %d: %s", e.Operation, e.StatusCode, e.Body)
}

// IsNotFound — Authority ответила 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// CodeOf возвращает машинный код ошибки Authority или пустую строку.
func CodeOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// Options — параметры клиента.
type Options struct {
	// BaseURL — базовый URL Authority (без trailing slash)
	BaseURL string
	// TokenURL — token endpoint для client credentials
	TokenURL     string
	ClientID     string
	ClientSecret string
	// HTTPClient — HTTP-клиент (может содержать TLS конфигурацию)
	HTTPClient *http.Client
	// RateLimit — запросов в секунду, 0 — без ограничения
	RateLimit float64
	RateBurst int
	// MaxRetries — число повторов при сетевых ошибках, 5xx и 429
	MaxRetries int
	// InitialBackoff — первая задержка перед повтором (по умолчанию 200ms)
	InitialBackoff time.Duration
}

// Client — HTTP-клиент к Authorization Authority.
type Client struct {
	baseURL      string
	tokenURL     string
	clientID     string
	clientSecret string

	httpClient     *http.Client
	limiter        *rate.Limiter
	maxRetries     int
	initialBackoff time.Duration
	logger         *slog.Logger

	// Кэш токена доступа
	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// New создаёт клиент к Authorization Authority.
func New(opts Options, logger *slog.Logger) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	initial := opts.InitialBackoff
	if initial <= 0 {
		initial = 200 * time.Millisecond
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	tokenURL := opts.TokenURL
	if tokenURL == "" {
		tokenURL = baseURL + "/token"
	}

	return &Client{
		baseURL:        baseURL,
		tokenURL:       tokenURL,
		clientID:       opts.ClientID,
		clientSecret:   opts.ClientSecret,
		httpClient:     httpClient,
		limiter:        limiter,
		maxRetries:     opts.MaxRetries,
		initialBackoff: initial,
		logger:         logger.With(slog.String("component", "authority_client")),
	}
}

// BaseURL возвращает базовый URL Authority.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// --- Аутентификация ---

// getToken возвращает актуальный access token, обновляя при необходимости.
// Токен обновляется за 30 секунд до истечения.
func (c *Client) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Add(30*time.Second).Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	token, err := c.requestToken(ctx)
	if err != nil {
		return "", err
	}

	c.accessToken = token.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)

	c.logger.Debug("Токен Authority обновлён",
		slog.Time("expires_at", c.tokenExpiry),
	)

	return c.accessToken, nil
}

// invalidateToken сбрасывает кэш токена (после 401).
func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.accessToken = ""
	c.mu.Unlock()
}

// requestToken выполняет Client Credentials flow.
func (c *Client) requestToken(ctx context.Context) (*TokenResponse, error) {
	data := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("создание запроса токена: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("запрос токена Authority: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{Operation: "token", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var token TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("декодирование токена Authority: %w", err)
	}

	return &token, nil
}

// --- HTTP helpers ---

// call выполняет авторизованный идемпотентный запрос с ограничением частоты и повторами.
// target == nil — тело ответа игнорируется.
func (c *Client) call(ctx context.Context, op, method, path string, body, target any) error {
	return c.exec(ctx, op, method, path, body, target, true)
}

// callOnce выполняет неидемпотентный запрос: повтор допускается только
// после 401 на первой попытке, когда Authority запрос не исполняла.
func (c *Client) callOnce(ctx context.Context, op, method, path string, body, target any) error {
	return c.exec(ctx, op, method, path, body, target, false)
}

func (c *Client) exec(ctx context.Context, op, method, path string, body, target any, retryable bool) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("сериализация тела запроса: %w", err)
		}
		payload = data
	}

	start := time.Now()
	attempt := 0

	operation := func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		err := c.doOnce(ctx, op, method, path, payload, target)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if apiErr.StatusCode == http.StatusUnauthorized {
				c.invalidateToken()
				if attempt == 1 {
					return err
				}
			}
			if apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests {
				return backoff.Permanent(err)
			}
		}
		if !retryable {
			return backoff.Permanent(err)
		}

		c.logger.Warn("Ошибка вызова Authority, повтор",
			slog.String("operation", op),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries)), ctx)

	err := backoff.Retry(operation, policy)

	status := "ok"
	if err != nil {
		status = "error"
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			status = strconv.Itoa(apiErr.StatusCode)
		}
	}
	requestsTotal.WithLabelValues(op, status).Inc()
	requestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	return err
}

// doOnce — одна попытка запроса.
func (c *Client) doOnce(ctx context.Context, op, method, path string, payload []byte, target any) error {
	token, err := c.getToken(ctx)
	if err != nil {
		return fmt.Errorf("получение токена: %w", err)
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("создание запроса: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("запрос %s %s: %w", method, path, err)
	}
	return decodeResponse(op, resp, target)
}

// decodeResponse проверяет статус и декодирует JSON ответ в target.
func decodeResponse(op string, resp *http.Response, target any) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		apiErr := &APIError{Operation: op, StatusCode: resp.StatusCode, Body: string(body)}
		var pb problemBody
		if json.Unmarshal(body, &pb) == nil {
			apiErr.Code = pb.Code
			apiErr.Title = pb.Title
		}
		return apiErr
	}

	if target == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("декодирование ответа Authority (%s): %w", op, err)
	}
	return nil
}

// --- Делегирование прав и пакетов ---

// CheckDelegation выполняет пакетную проверку делегируемости.
// Пустой ответ — не ошибка: вызывающий трактует его как «не определено».
func (c *Client) CheckDelegation(ctx context.Context, req CheckRequest) ([]CheckResult, error) {
	var results []CheckResult
	if err := c.call(ctx, "delegation_check", http.MethodPost, "/rights/delegation/delegationcheck", req, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// Delegate делегирует права и пакеты системному пользователю.
// Повторное делегирование уже выданного элемента — не ошибка.
func (c *Client) Delegate(ctx context.Context, req DelegateRequest) (*DelegateResponse, error) {
	var resp DelegateResponse
	if err := c.call(ctx, "delegate", http.MethodPost, "/rights/delegation/offered", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Revoke отзывает права и пакеты. Отзыв отсутствующего элемента — не ошибка.
func (c *Client) Revoke(ctx context.Context, req DelegateRequest) error {
	return c.call(ctx, "revoke", http.MethodPost, "/rights/delegation/offered/revoke", req, nil)
}

// GetAccessPackage возвращает описание пакета доступа по URN.
func (c *Client) GetAccessPackage(ctx context.Context, urn string) (*AccessPackageInfo, error) {
	var info AccessPackageInfo
	path := "/accesspackages/package/urn/" + url.PathEscape(urn)
	if err := c.call(ctx, "get_access_package", http.MethodGet, path, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// --- Агентское делегирование ---

// DelegateAgent делегирует пакет клиента агентскому системному пользователю.
// party — фасилитатор. Каждый успешный вызов создаёт новое делегирование,
// поэтому запрос не повторяется.
func (c *Client) DelegateAgent(ctx context.Context, party string, req AgentDelegationRequest) (*AgentDelegationResponse, error) {
	var resp AgentDelegationResponse
	path := "/systemuserclientdelegation?party=" + url.QueryEscape(party)
	if err := c.callOnce(ctx, "delegate_agent", http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListAgentDelegations возвращает делегирования клиентов агентскому пользователю.
func (c *Client) ListAgentDelegations(ctx context.Context, party, systemUserID string) ([]model.ClientDelegation, error) {
	q := url.Values{"party": {party}, "systemuser": {systemUserID}}
	var result []model.ClientDelegation
	if err := c.call(ctx, "list_agent_delegations", http.MethodGet, "/systemuserclientdelegation?"+q.Encode(), nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteClientDelegation удаляет делегирование одного клиента.
func (c *Client) DeleteClientDelegation(ctx context.Context, party, delegationID string) error {
	q := url.Values{"party": {party}, "delegationid": {delegationID}}
	return c.call(ctx, "delete_client_delegation", http.MethodDelete,
		"/systemuserclientdelegation/deletedelegation?"+q.Encode(), nil, nil)
}

// DeleteAgentAssignment удаляет назначение агента.
func (c *Client) DeleteAgentAssignment(ctx context.Context, party, assignmentID string) error {
	q := url.Values{"party": {party}, "assignmentid": {assignmentID}}
	return c.call(ctx, "delete_agent_assignment", http.MethodDelete,
		"/systemuserclientdelegation/deleteagentassignment?"+q.Encode(), nil, nil)
}

// ListClients возвращает клиентов фасилитатора, у которых есть указанные пакеты.
func (c *Client) ListClients(ctx context.Context, party string, packages []string) ([]model.Customer, error) {
	q := url.Values{"party": {party}}
	for _, p := range packages {
		q.Add("packages", p)
	}
	var result []model.Customer
	if err := c.call(ctx, "list_clients", http.MethodGet, "/systemuserclientdelegation/clients?"+q.Encode(), nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// --- Health ---

// CheckReady проверяет доступность Authority (получение токена).
// Реализует handlers.ReadinessChecker.
func (c *Client) CheckReady() (string, string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.getToken(ctx); err != nil {
		return "fail", fmt.Sprintf("Authority недоступна: %v", err)
	}
	return "ok", "токен Authority получен"
}
