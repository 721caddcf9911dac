package param

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadInt(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{query: "", want: 8},
		{query: "limit=3", want: 3},
		{query: "limit=500", want: 100},
		{query: "limit=0", want: 8},
		{query: "limit=-2", want: 8},
		{query: "limit=abc", want: 8},
		{query: "limit=99999999999999999999", want: 8},
	}
	for _, tc := range tests {
		t.Run(tc.query, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/turns?"+tc.query, nil)
			assert.Equal(t, tc.want, ReadInt(req, "limit", 8, 100))
		})
	}
}

func TestSafeReadRejectsUnexpectedValues(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/turns?limit=12abc", nil)
	assert.Equal(t, "", SafeRead(req, "limit"))

	req = httptest.NewRequest(http.MethodGet, "/turns?limit=12", nil)
	assert.Equal(t, "12", SafeRead(req, "limit"))
}
