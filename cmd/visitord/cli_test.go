package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visitorid/internal/identity/idgen"
	"visitorid/internal/platform/config"
)

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVersion(t *testing.T) {
	stdout, _, err := executeCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", stdout)
}

func TestDigest(t *testing.T) {
	stdout, _, err := executeCLI(t, "digest", "--org", "ABC")
	require.NoError(t, err)

	want := idgen.FormatHash(idgen.SettingsDigest(config.ProtocolVersion, "dpm.demdex.net", ""))
	assert.Contains(t, stdout, "org: ABC@AdobeOrg")
	assert.Contains(t, stdout, "digest: "+want)
	assert.Contains(t, stdout, "blob cookie: AMCV_ABC%40AdobeOrg")
	assert.Contains(t, stdout, "session cookie: AMCVS_ABC%40AdobeOrg")
}

func TestCommandsRequireOrg(t *testing.T) {
	_, _, err := executeCLI(t, "digest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "visitor.org_id is required")
}

func TestResolve(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/id", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("d_fieldgroup") == "MC" {
			_ = json.NewEncoder(w).Encode(map[string]any{"d_mid": "5678"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"d_mid": "5678", "dcs_region": 6, "d_blob": "b1"})
	})
	backend := httptest.NewServer(r)
	defer backend.Close()

	host := strings.TrimPrefix(backend.URL, "http://")
	t.Setenv("VISITORID_VISITOR_LOAD_SSL", "false")
	t.Setenv("VISITORID_VISITOR_MARKETING_CLOUD_SERVER", host)
	t.Setenv("VISITORID_VISITOR_AUDIENCE_MANAGER_SERVER", host)

	stdout, _, err := executeCLI(t, "resolve", "--org", "ABC")
	require.NoError(t, err)

	var res resolveResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.Equal(t, "ABC@AdobeOrg", res.OrgID)
	assert.Equal(t, "5678", res.MID)
	assert.Equal(t, "6", res.LocationHint)
	assert.Equal(t, "b1", res.Blob)
	assert.Contains(t, res.Persisted, "MCMID|5678")
}
