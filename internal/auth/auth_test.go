package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestStaticTokenValidate(t *testing.T) {
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{header: "Bearer abc", want: "abc", ok: true},
		{header: "bearer  abc ", want: "abc", ok: true},
		{header: "Basic abc", ok: false},
		{header: "Bearer ", ok: false},
		{header: "", ok: false},
	}
	for _, tc := range tests {
		got, ok := BearerToken(tc.header)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("BearerToken(%q) = %q, %v", tc.header, got, ok)
		}
	}
}

func TestRequire(t *testing.T) {
	gin.SetMode(gin.TestMode)
	serve := func(v Validator, header string) int {
		r := gin.New()
		r.POST("/x", Require(v), func(c *gin.Context) { c.Status(http.StatusNoContent) })
		req := httptest.NewRequest(http.MethodPost, "/x", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	if code := serve(ForToken(""), ""); code != http.StatusNoContent {
		t.Fatalf("open route returned %d", code)
	}
	v := ForToken("s3cret")
	if code := serve(v, ""); code != http.StatusUnauthorized {
		t.Fatalf("missing token returned %d", code)
	}
	if code := serve(v, "Bearer wrong"); code != http.StatusUnauthorized {
		t.Fatalf("wrong token returned %d", code)
	}
	if code := serve(v, "Bearer s3cret"); code != http.StatusNoContent {
		t.Fatalf("valid token returned %d", code)
	}
	if code := serve(FuncValidator(func(string) error { return nil }), "Bearer any"); code != http.StatusNoContent {
		t.Fatalf("func validator returned %d", code)
	}
}
