package web_test

import (
	"bytes"
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/techulus/cloud-control/app"
	"github.com/techulus/cloud-control/config"
	"github.com/techulus/cloud-control/domain"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// testAgent holds the credentials an enrolled agent would keep on disk.
type testAgent struct {
	serverID    string
	wireguardIP string
	signingKey  ed25519.PrivateKey
}

func newTestApp(t *testing.T) (*app.App, *httptest.Server, string) {
	t.Helper()

	var key fernet.Key
	_, err := cryptorand.Read(key[:])
	require.NoError(t, err)

	dataDir := t.TempDir()
	cfg := &config.Config{
		DataDir:             dataDir,
		DatabasePath:        filepath.Join(dataDir, "control.db"),
		LogLevel:            "silent",
		HTTPHost:            "127.0.0.1",
		HTTPPort:            3000,
		RegistryHost:        "registry.internal:5000",
		ReplayWindow:        5 * time.Minute,
		LongPollMax:         time.Second,
		LongPollTick:        10 * time.Millisecond,
		TokenTTL:            time.Hour,
		OfflineAfter:        2 * time.Minute,
		WireGuardListen:     51820,
		WorkItemTimeout:     time.Minute,
		WorkItemAttempts:    3,
		BuildTimeout:        time.Minute,
		DefaultPlatforms:    []string{"linux/amd64"},
		WorkflowWaitTimeout: time.Second,
		HealthWaitTimeout:   time.Second,
		EncryptionKey:       key.Encode(),
		OperatorSecret:      "test-operator-secret",
	}

	application, err := app.New(cfg)
	require.NoError(t, err)

	server := httptest.NewServer(application.Router())
	t.Cleanup(server.Close)

	operatorToken, err := application.OperatorAuth.IssueToken("tests", time.Hour)
	require.NoError(t, err)
	return application, server, operatorToken
}

func postJSON(t *testing.T, url, bearer string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func mintBootstrapToken(t *testing.T, baseURL, operatorToken, serverName string) string {
	t.Helper()
	resp := postJSON(t, baseURL+"/api/v1/operator/tokens", operatorToken, map[string]string{
		"serverName": serverName,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var minted struct {
		Token string `json:"token"`
	}
	decodeBody(t, resp, &minted)
	require.NotEmpty(t, minted.Token)
	return minted.Token
}

func registerAgent(t *testing.T, baseURL, token, publicIP string) *testAgent {
	t.Helper()
	wgKey, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	signingPublic, signingPrivate, err := ed25519.GenerateKey(cryptorand.Reader)
	require.NoError(t, err)

	resp := postJSON(t, baseURL+"/api/v1/agent/register", "", map[string]any{
		"token":              token,
		"wireguardPublicKey": wgKey.PublicKey().String(),
		"signingPublicKey":   base64.StdEncoding.EncodeToString(signingPublic),
		"publicIp":           publicIP,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var registered struct {
		ServerID    string                 `json:"serverId"`
		WireGuardIP string                 `json:"wireguardIp"`
		Peers       []domain.WireGuardPeer `json:"peers"`
	}
	decodeBody(t, resp, &registered)
	return &testAgent{
		serverID:    registered.ServerID,
		wireguardIP: registered.WireGuardIP,
		signingKey:  signingPrivate,
	}
}

func (a *testAgent) signedRequest(t *testing.T, method, url string, body []byte) *http.Request {
	t.Helper()
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	signature := ed25519.Sign(a.signingKey, []byte(timestamp+":"+string(body)))

	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-server-id", a.serverID)
	req.Header.Set("x-timestamp", timestamp)
	req.Header.Set("x-signature", base64.StdEncoding.EncodeToString(signature))
	return req
}

func TestAgentEnrollmentFlow(t *testing.T) {
	_, server, operatorToken := newTestApp(t)

	token := mintBootstrapToken(t, server.URL, operatorToken, "node-1")
	agent := registerAgent(t, server.URL, token, "203.0.113.1")

	// The first server in the fleet anchors the mesh.
	assert.Equal(t, "10.100.0.1", agent.wireguardIP)

	// Bootstrap tokens are single-use even with otherwise valid keys.
	wgKey, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	signingPublic, _, err := ed25519.GenerateKey(cryptorand.Reader)
	require.NoError(t, err)
	resp := postJSON(t, server.URL+"/api/v1/agent/register", "", map[string]any{
		"token":              token,
		"wireguardPublicKey": wgKey.PublicKey().String(),
		"signingPublicKey":   base64.StdEncoding.EncodeToString(signingPublic),
	})
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSecondServerSeesFirstAsPeer(t *testing.T) {
	_, server, operatorToken := newTestApp(t)

	registerAgent(t, server.URL,
		mintBootstrapToken(t, server.URL, operatorToken, "node-1"), "203.0.113.1")

	wgKey, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	signingPublic, _, err := ed25519.GenerateKey(cryptorand.Reader)
	require.NoError(t, err)

	resp := postJSON(t, server.URL+"/api/v1/agent/register", "", map[string]any{
		"token":              mintBootstrapToken(t, server.URL, operatorToken, "node-2"),
		"wireguardPublicKey": wgKey.PublicKey().String(),
		"signingPublicKey":   base64.StdEncoding.EncodeToString(signingPublic),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var registered struct {
		WireGuardIP string                 `json:"wireguardIp"`
		Peers       []domain.WireGuardPeer `json:"peers"`
	}
	decodeBody(t, resp, &registered)

	assert.Equal(t, "10.100.1.1", registered.WireGuardIP)
	require.Len(t, registered.Peers, 1)
	assert.Equal(t, "10.100.0.1/32", registered.Peers[0].AllowedIPs)
	require.NotNil(t, registered.Peers[0].Endpoint)
	assert.Equal(t, "203.0.113.1:51820", *registered.Peers[0].Endpoint)
}

func TestSignedHeartbeat(t *testing.T) {
	application, server, operatorToken := newTestApp(t)

	agent := registerAgent(t, server.URL,
		mintBootstrapToken(t, server.URL, operatorToken, "node-1"), "")

	body, err := json.Marshal(domain.StatusReport{
		Meta:       map[string]string{"arch": "amd64"},
		Containers: []domain.ContainerStatus{},
	})
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(
		agent.signedRequest(t, http.MethodPost, server.URL+"/api/v1/agent/status", body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status struct {
		Work *struct {
			ID      string `json:"id"`
			Type    string `json:"type"`
			Payload string `json:"payload"`
		} `json:"work"`
	}
	decodeBody(t, resp, &status)
	assert.Nil(t, status.Work)

	servers, err := application.Servers.List()
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "amd64", servers[0].Arch())
}

// Heartbeat responses carry the oldest pending work item, one per beat, so
// an agent that never long-polls still drains its queue in order.
func TestHeartbeatDeliversWorkOneAtATime(t *testing.T) {
	application, server, operatorToken := newTestApp(t)

	agent := registerAgent(t, server.URL,
		mintBootstrapToken(t, server.URL, operatorToken, "node-1"), "")
	serverID, err := uuid.Parse(agent.serverID)
	require.NoError(t, err)

	stop, err := application.Queue.Enqueue(serverID, &domain.StopPayload{
		DeploymentID: uuid.NewString(), ContainerID: "c-old",
	})
	require.NoError(t, err)
	restart, err := application.Queue.Enqueue(serverID, &domain.RestartPayload{
		DeploymentID: uuid.NewString(), ContainerID: "c-new",
	})
	require.NoError(t, err)

	heartbeat := func() *struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		Payload string `json:"payload"`
	} {
		body, err := json.Marshal(domain.StatusReport{Containers: []domain.ContainerStatus{}})
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(
			agent.signedRequest(t, http.MethodPost, server.URL+"/api/v1/agent/status", body))
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var status struct {
			Work *struct {
				ID      string `json:"id"`
				Type    string `json:"type"`
				Payload string `json:"payload"`
			} `json:"work"`
		}
		decodeBody(t, resp, &status)
		return status.Work
	}

	first := heartbeat()
	require.NotNil(t, first)
	assert.Equal(t, stop.ID.String(), first.ID)
	assert.Equal(t, "stop", first.Type)
	assert.Contains(t, first.Payload, "c-old")

	second := heartbeat()
	require.NotNil(t, second)
	assert.Equal(t, restart.ID.String(), second.ID)
	assert.Equal(t, "restart", second.Type)

	assert.Nil(t, heartbeat())
}

func TestExpectedStateWireFormat(t *testing.T) {
	_, server, operatorToken := newTestApp(t)

	agent := registerAgent(t, server.URL,
		mintBootstrapToken(t, server.URL, operatorToken, "node-1"), "")

	resp, err := http.DefaultClient.Do(
		agent.signedRequest(t, http.MethodGet, server.URL+"/api/v1/agent/expected-state", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snapshot map[string]json.RawMessage
	decodeBody(t, resp, &snapshot)
	assert.Contains(t, snapshot, "serverName")
	assert.Contains(t, snapshot, "containers")
	assert.Contains(t, snapshot, "dns")
	assert.Contains(t, snapshot, "traefik")
	assert.Contains(t, snapshot, "wireguard")
	assert.NotContains(t, snapshot, "proxy")
}

func TestSignatureRequired(t *testing.T) {
	_, server, operatorToken := newTestApp(t)

	agent := registerAgent(t, server.URL,
		mintBootstrapToken(t, server.URL, operatorToken, "node-1"), "")

	tests := []struct {
		name   string
		mutate func(*http.Request)
	}{
		{"missing signature", func(r *http.Request) { r.Header.Del("x-signature") }},
		{"tampered signature", func(r *http.Request) {
			r.Header.Set("x-signature", base64.StdEncoding.EncodeToString(make([]byte, ed25519.SignatureSize)))
		}},
		{"stale timestamp", func(r *http.Request) {
			r.Header.Set("x-timestamp", strconv.FormatInt(time.Now().Add(-time.Hour).UnixMilli(), 10))
		}},
		{"unknown server", func(r *http.Request) {
			r.Header.Set("x-server-id", "00000000-0000-0000-0000-000000000000")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := agent.signedRequest(t, http.MethodPost, server.URL+"/api/v1/agent/status", []byte(`{"containers":[]}`))
			tt.mutate(req)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
}

func TestBuildClaimOverHTTP(t *testing.T) {
	application, server, operatorToken := newTestApp(t)

	agent := registerAgent(t, server.URL,
		mintBootstrapToken(t, server.URL, operatorToken, "builder-1"), "")

	// Heartbeat first so the scheduler knows the server's architecture.
	body, err := json.Marshal(domain.StatusReport{Meta: map[string]string{"arch": "amd64"}})
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(
		agent.signedRequest(t, http.MethodPost, server.URL+"/api/v1/agent/status", body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	service, err := application.Services.Create(&domain.Service{
		ID: uuid.New(), Name: "api", GitURL: "https://github.com/acme/api.git",
		RootDir: "services/api",
	})
	require.NoError(t, err)

	triggerResp := postJSON(t, server.URL+"/api/v1/operator/builds", operatorToken, map[string]string{
		"serviceId": service.ID.String(),
		"commitSha": "abcdef1234567890",
	})
	require.Equal(t, http.StatusOK, triggerResp.StatusCode)

	var triggered struct {
		Builds []struct {
			ID string `json:"id"`
		} `json:"builds"`
	}
	decodeBody(t, triggerResp, &triggered)
	require.Len(t, triggered.Builds, 1)

	claimURL := fmt.Sprintf("%s/api/v1/agent/builds/%s/claim", server.URL, triggered.Builds[0].ID)
	claimResp, err := http.DefaultClient.Do(agent.signedRequest(t, http.MethodPost, claimURL, nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, claimResp.StatusCode)

	var details struct {
		CloneURL        string            `json:"cloneUrl"`
		ImageURI        string            `json:"imageUri"`
		RootDir         string            `json:"rootDir"`
		Secrets         map[string]string `json:"secrets"`
		TimeoutMinutes  int               `json:"timeoutMinutes"`
		TargetPlatforms []string          `json:"targetPlatforms"`
	}
	decodeBody(t, claimResp, &details)
	assert.Equal(t, "https://github.com/acme/api.git", details.CloneURL)
	assert.Equal(t, "registry.internal:5000/api:abcdef12-amd64", details.ImageURI)
	assert.Equal(t, "services/api", details.RootDir)
	assert.NotNil(t, details.Secrets)
	assert.Equal(t, 1, details.TimeoutMinutes, "service without its own budget inherits the default")
	assert.Equal(t, []string{"linux/amd64"}, details.TargetPlatforms)

	// A second claim of the same build loses the race.
	lostResp, err := http.DefaultClient.Do(agent.signedRequest(t, http.MethodPost, claimURL, nil))
	require.NoError(t, err)
	defer func() { _ = lostResp.Body.Close() }()
	assert.Equal(t, http.StatusConflict, lostResp.StatusCode)
}
