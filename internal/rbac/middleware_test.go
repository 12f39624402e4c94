package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"voice-platform/internal/auth"
)

func routerAs(userID, role string, allowed ...string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), userID, role))
		c.Next()
	}, RequireAnyRole(allowed...), func(c *gin.Context) {
		if !CanSeeUser(c, "owner-1") {
			c.Status(http.StatusNotFound)
			return
		}
		c.Status(http.StatusOK)
	})
	return r
}

func serve(r *gin.Engine) int {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequireAnyRole(t *testing.T) {
	cases := []struct {
		name   string
		user   string
		role   string
		expect int
	}{
		{"admin bypasses and sees all", "someone", RoleAdmin, http.StatusOK},
		{"agent owner", "owner-1", RoleAgent, http.StatusOK},
		{"agent other user", "owner-2", RoleAgent, http.StatusNotFound},
		{"viewer not allowed", "owner-1", RoleViewer, http.StatusForbidden},
		{"no role", "owner-1", "", http.StatusUnauthorized},
		{"unknown role", "owner-1", "supervisor", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := serve(routerAs(tc.user, tc.role, RoleAgent)); got != tc.expect {
				t.Fatalf("expected %d, got %d", tc.expect, got)
			}
		})
	}
}
