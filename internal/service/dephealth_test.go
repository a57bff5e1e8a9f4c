// dephealth_test.go — unit-тесты построения path проверок зависимостей.
package service

import (
	"testing"
)

// TestHealthPath проверяет построение health path из URL зависимости.
func TestHealthPath(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		suffix   string
		expected string
	}{
		{
			name:     "URL без path",
			url:      "https://authority.example.com",
			suffix:   "/health",
			expected: "/health",
		},
		{
			name:     "URL с базовым path",
			url:      "https://gw.example.com/authority/",
			suffix:   "/health",
			expected: "/authority/health",
		},
		{
			name:     "JWKS URL — path самого endpoint",
			url:      "https://idp.example.com/realms/sub/protocol/openid-connect/certs",
			suffix:   "",
			expected: "/realms/sub/protocol/openid-connect/certs",
		},
		{
			name:     "пустой path и пустой suffix",
			url:      "http://localhost:8080",
			suffix:   "",
			expected: "/",
		},
		{
			name:     "некорректный URL",
			url:      "://bad",
			suffix:   "/health",
			expected: "/health",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := healthPath(tt.url, tt.suffix)
			if got != tt.expected {
				t.Errorf("healthPath(%q, %q) = %q, ожидалось %q", tt.url, tt.suffix, got, tt.expected)
			}
		})
	}
}
