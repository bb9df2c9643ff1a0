package common

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientHost(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example.com/mcp", nil)
	r.Host = "internal-host:8080"
	assert.Equal(t, "internal-host", ClientHost(r))

	r.Header.Set("X-Forwarded-Host", "app.example.com, proxy.internal")
	assert.Equal(t, "app.example.com", ClientHost(r))

	r.Header.Set("Forwarded", `for=1.2.3.4;host="edge.example.com";proto=https`)
	assert.Equal(t, "edge.example.com", ClientHost(r))

	assert.Equal(t, "", ClientHost(nil))
}

func TestTopDomain(t *testing.T) {
	d, err := TopDomain("app.example.co.uk")
	require.NoError(t, err)
	assert.Equal(t, "example.co.uk", d)

	d, err = TopDomain("example.com:8443")
	require.NoError(t, err)
	assert.Equal(t, "example.com", d)

	d, err = TopDomain("localhost")
	require.NoError(t, err)
	assert.Equal(t, "", d)

	d, err = TopDomain("127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "", d)
}
