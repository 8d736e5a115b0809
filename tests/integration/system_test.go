//go:build integration

package integration

import (
	"net/http"
	"testing"

	"github.com/cmarchant/payhook/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystem_HealthEndpoints(t *testing.T) {
	client := newTestClient(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := client.GET(path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestSystem_VersionEndpoint(t *testing.T) {
	client := newTestClient(t)

	resp, err := client.GET("/version")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Version   string `json:"version"`
		Commit    string `json:"commit"`
		BuildDate string `json:"build_date"`
	}
	testutil.DecodeJSON(t, resp, &body)
	assert.NotEmpty(t, body.Version)
}
