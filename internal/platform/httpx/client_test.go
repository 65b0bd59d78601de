package httpx

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewClientDefaults(t *testing.T) {
	c := NewClient(0)
	require.Equal(t, defaultTimeout, c.Timeout)

	tr, ok := c.Transport.(*http.Transport)
	require.True(t, ok)
	require.Equal(t, maxIdleConns, tr.MaxIdleConns)
	require.True(t, tr.ForceAttemptHTTP2)
}

func TestNewClientCapsHandshakeTimeouts(t *testing.T) {
	c := NewClient(5 * time.Minute)
	require.Equal(t, 5*time.Minute, c.Timeout)

	tr := c.Transport.(*http.Transport)
	require.Equal(t, maxDialTimeout, tr.TLSHandshakeTimeout)
	require.Equal(t, maxHeaderTimeout, tr.ResponseHeaderTimeout)
}

func TestNewClientShortBudgetShrinksHandshake(t *testing.T) {
	c := NewClient(2 * time.Second)
	tr := c.Transport.(*http.Transport)
	require.Equal(t, 2*time.Second, tr.TLSHandshakeTimeout)
	require.Equal(t, 2*time.Second, tr.ResponseHeaderTimeout)
}
