package server

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

func TestOriginPolicy(t *testing.T) {
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	policy := newOriginPolicy([]string{"http://localhost:8080", " HTTPS://Chat.Example.com ", "not a url", ""}, log)

	testCases := []struct {
		origin string
		want   bool
	}{
		{origin: "http://localhost:8080", want: true},
		{origin: "https://chat.example.com", want: true},
		{origin: "HTTPS://CHAT.EXAMPLE.COM", want: true},
		{origin: "http://chat.example.com", want: false},
		{origin: "http://localhost:3000", want: false},
		{origin: "", want: false},
		{origin: "null", want: false},
	}

	for _, tc := range testCases {
		t.Run(tc.origin, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			require.Equal(t, tc.want, policy.checkOrigin(r))
		})
	}
}

func TestOriginPolicyWildcard(t *testing.T) {
	policy := newOriginPolicy([]string{"*"}, logs.GetLoggerFromLevel(slog.LevelDebug))

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://anywhere.example.org")
	require.True(t, policy.allows(r))

	// A wildcard still requires a well-formed Origin header
	r.Header.Set("Origin", "garbage")
	require.False(t, policy.allows(r))
}
