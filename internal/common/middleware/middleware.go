package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

// Context keys
type contextKey string

const (
	CorrelationIDKey contextKey = "correlation_id"
	ClientIDKey      contextKey = "client_id"
	PayerIDKey       contextKey = "payer_id"
	AccessTokenKey   contextKey = "access_token"
	RequestIDKey     contextKey = "request_id"
)

func stringValue(ctx context.Context, key contextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetCorrelationID retrieves the correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	return stringValue(ctx, CorrelationIDKey)
}

// GetClientID retrieves the API client ID from context
func GetClientID(ctx context.Context) string {
	return stringValue(ctx, ClientIDKey)
}

// GetPayerID retrieves the authenticated payer ID from context
func GetPayerID(ctx context.Context) string {
	return stringValue(ctx, PayerIDKey)
}

// GetAccessToken retrieves the payer's backend access token from context
func GetAccessToken(ctx context.Context) string {
	return stringValue(ctx, AccessTokenKey)
}

// CorrelationID middleware adds a correlation ID to each request
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = ulid.Make().String()
		}

		ctx := context.WithValue(r.Context(), CorrelationIDKey, correlationID)
		w.Header().Set("X-Correlation-ID", correlationID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID middleware adds a request ID to each request
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := ulid.Make().String()
		ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Logger creates a structured logging middleware
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			// Auth runs inside, so identities are read back from the
			// handler's request.
			var inner *http.Request
			defer func() {
				ctx := r.Context()
				if inner != nil {
					ctx = inner.Context()
				}
				logger.Info("request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration_ms", time.Since(start).Milliseconds(),
					"correlation_id", GetCorrelationID(r.Context()),
					"client_id", GetClientID(ctx),
					"payer_id", GetPayerID(ctx),
					"user_agent", r.UserAgent(),
					"remote_addr", r.RemoteAddr,
				)
			}()

			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), requestSlot{}, &inner)))
		})
	}
}

type requestSlot struct{}

// remember hands the authenticated request back to Logger
func remember(r *http.Request) {
	if slot, ok := r.Context().Value(requestSlot{}).(**http.Request); ok {
		*slot = r
	}
}

// Recoverer recovers from panics and logs them
func Recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered",
						"panic", rec,
						"stack", string(debug.Stack()),
						"path", r.URL.Path,
						"method", r.Method,
						"correlation_id", GetCorrelationID(r.Context()),
					)

					writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// APIKeyValidator resolves an API key to the client it was issued to
type APIKeyValidator func(ctx context.Context, apiKey string) (clientID string, err error)

// StaticAPIKeys accepts a fixed set of keys, keyed by key with the client
// id as value.
func StaticAPIKeys(keys map[string]string) APIKeyValidator {
	return func(_ context.Context, apiKey string) (string, error) {
		if id, ok := keys[apiKey]; ok {
			return id, nil
		}
		return "", errors.New("unknown api key")
	}
}

// APIKeyAuth validates the X-API-Key header
func APIKeyAuth(validator APIKeyValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing API key")
				return
			}

			clientID, err := validator(r.Context(), apiKey)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid API key")
				return
			}

			r = r.WithContext(context.WithValue(r.Context(), ClientIDKey, clientID))
			remember(r)
			next.ServeHTTP(w, r)
		})
	}
}

// PayerClaims are the claims of a payer bearer token. The subject is the
// payer id.
type PayerClaims struct {
	AccessToken string `json:"access_token,omitempty"`
	jwt.RegisteredClaims
}

// IssuePayerToken signs an HS256 payer token
func IssuePayerToken(secret []byte, payerID, accessToken string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := PayerClaims{
		AccessToken: accessToken,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   payerID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParsePayerToken validates a payer token and returns its claims
func ParsePayerToken(secret []byte, token string) (*PayerClaims, error) {
	claims := &PayerClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, errors.New("token has no payer")
	}
	return claims, nil
}

// PayerAuth requires a payer bearer token and puts the payer id and the
// backend access token in the context
func PayerAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || token == "" {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing bearer token")
				return
			}

			claims, err := ParsePayerToken(secret, token)
			if err != nil {
				code := "UNAUTHORIZED"
				if errors.Is(err, jwt.ErrTokenExpired) {
					code = "TOKEN_EXPIRED"
				}
				writeError(w, http.StatusUnauthorized, code, "Invalid bearer token")
				return
			}

			ctx := context.WithValue(r.Context(), PayerIDKey, claims.Subject)
			ctx = context.WithValue(ctx, AccessTokenKey, claims.AccessToken)
			r = r.WithContext(ctx)
			remember(r)
			next.ServeHTTP(w, r)
		})
	}
}

// CORS middleware
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}

			if allowed && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Correlation-ID")
				w.Header().Set("Access-Control-Expose-Headers", "X-Correlation-ID, X-Request-ID")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
