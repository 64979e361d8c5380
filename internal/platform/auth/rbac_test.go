package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name    string
		roles   []string
		require []string
		allowed bool
	}{
		{"matching role", []string{RoleClinician}, []string{RoleClinician, RoleCaregiver}, true},
		{"admin passes everything", []string{RoleAdmin}, []string{RoleClinician}, true},
		{"wrong role", []string{RolePatient}, []string{RoleClinician}, false},
		{"no roles", nil, []string{RoleClinician}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req = req.WithContext(WithUser(req.Context(), "u1", tt.roles))
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := RequireRole(tt.require...)(okHandler)(c)
			if tt.allowed {
				if err != nil {
					t.Fatalf("expected access, got %v", err)
				}
				return
			}
			expectStatus(t, err, http.StatusForbidden)
		})
	}
}
