package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danmuck/peerlink/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)
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
				t.Fatalf("expected err %v, got=%v", tc.wantErr, err)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	testlog.Start(t)
	if tok, err := BearerToken("Bearer s3cret"); err != nil || tok != "s3cret" {
		t.Fatalf("bearer got=%q err=%v", tok, err)
	}
	if tok, err := BearerToken("bearer  s3cret "); err != nil || tok != "s3cret" {
		t.Fatalf("lowercase bearer got=%q err=%v", tok, err)
	}
	for _, h := range []string{"", "Basic abc", "Bearer", "Bearer   "} {
		if _, err := BearerToken(h); !errors.Is(err, ErrNoCredential) {
			t.Fatalf("header %q got=%v", h, err)
		}
	}
}

func TestRequire(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.DELETE("/thing", Require(StaticToken{Token: "s3cret"}), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	cases := map[string]int{
		"":              http.StatusUnauthorized,
		"Bearer wrong":  http.StatusUnauthorized,
		"Bearer s3cret": http.StatusNoContent,
	}
	for header, want := range cases {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodDelete, "/thing", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		r.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("header %q code got=%d want=%d", header, rec.Code, want)
		}
	}
}
