package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockValidator struct {
	mock.Mock
}

func (m *mockValidator) ValidateToken(token string) (string, error) {
	args := m.Called(token)
	return args.String(0), args.Error(1)
}

func subjectHandler(w http.ResponseWriter, r *http.Request) {
	subject, _ := GetSubject(r)
	w.Write([]byte(subject))
}

func TestAuthenticate(t *testing.T) {
	validator := new(mockValidator)
	validator.On("ValidateToken", "good").Return("operator", nil)
	validator.On("ValidateToken", "bad").Return("", errors.New("invalid token"))

	handler := NewAuthMiddleware(validator).Authenticate(http.HandlerFunc(subjectHandler))

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"valid", "Bearer good", http.StatusOK, "operator"},
		{"invalid", "Bearer bad", http.StatusUnauthorized, ""},
		{"missing", "", http.StatusUnauthorized, ""},
		{"basic", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
	validator.AssertExpectations(t)
}

func TestAuthenticateRateLimit(t *testing.T) {
	validator := new(mockValidator)
	validator.On("ValidateToken", "bad").Return("", errors.New("invalid token"))

	handler := NewAuthMiddleware(validator).Authenticate(http.HandlerFunc(subjectHandler))

	var last int
	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		req.Header.Set("Authorization", "Bearer bad")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
	validator.AssertNumberOfCalls(t, "ValidateToken", 5)
}

func TestRateLimiterWindow(t *testing.T) {
	limiter := NewRateLimiter(2, 50*time.Millisecond)
	limiter.Record("a")
	assert.False(t, limiter.IsLimited("a"))
	limiter.Record("a")
	assert.True(t, limiter.IsLimited("a"))
	assert.False(t, limiter.IsLimited("b"))

	time.Sleep(60 * time.Millisecond)
	assert.False(t, limiter.IsLimited("a"))
}

func TestCORS(t *testing.T) {
	handler := CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
