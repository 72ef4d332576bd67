package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"mailflow/pkg/jwt"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func setupTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	jwtService := jwt.NewService("test-secret-key")
	token, _ := jwtService.GenerateToken("user-123", "user")

	router := setupTestRouter()
	router.Use(AuthMiddleware(jwtService))
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetString(ContextUserID), "role": c.GetString(ContextUserRole)})
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id": "user-123", "role": "user"}`, w.Body.String())
}

func TestAuthMiddleware_Rejections(t *testing.T) {
	jwtService := jwt.NewService("test-secret-key")
	other, _ := jwt.NewService("other-key").GenerateToken("user-123", "user")

	tests := []struct {
		name   string
		header string
	}{
		{name: "no header", header: ""},
		{name: "invalid format", header: "InvalidFormat token"},
		{name: "bearer without token", header: "Bearer "},
		{name: "invalid token", header: "Bearer invalid-token"},
		{name: "foreign signature", header: "Bearer " + other},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := setupTestRouter()
			router.Use(AuthMiddleware(jwtService))
			router.GET("/test", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{"status": "ok"})
			})

			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestAuthMiddleware_QueryToken(t *testing.T) {
	jwtService := jwt.NewService("test-secret-key")
	token, _ := jwtService.GenerateToken("user-123", "user")

	handler := func(c *gin.Context) { c.Status(http.StatusOK) }

	withQuery := setupTestRouter()
	withQuery.GET("/ws", AuthMiddleware(jwtService, true), handler)
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/ws?token="+token, nil)
	withQuery.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	headerOnly := setupTestRouter()
	headerOnly.GET("/ws", AuthMiddleware(jwtService), handler)
	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/ws?token="+token, nil)
	headerOnly.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", bearerToken("Bearer abc"))
	assert.Equal(t, "abc", bearerToken("bearer abc"))
	assert.Equal(t, "", bearerToken("Basic abc"))
	assert.Equal(t, "", bearerToken("abc"))
}

func TestRequireRole(t *testing.T) {
	jwtService := jwt.NewService("test-secret-key")

	router := setupTestRouter()
	router.GET("/admin", AuthMiddleware(jwtService), RequireRole("admin"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	tests := []struct {
		name string
		role string
		want int
	}{
		{name: "admin", role: "admin", want: http.StatusOK},
		{name: "user", role: "user", want: http.StatusForbidden},
		{name: "empty role", role: "", want: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := jwtService.GenerateToken("user-123", tt.role)
			assert.NoError(t, err)

			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/admin", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
		})
	}
}
