package ingester

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/kernelci/kci-pipeline/pkg/apiclient"
	"github.com/kernelci/kci-pipeline/pkg/config"
	"github.com/kernelci/kci-pipeline/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "test-secret"

// fakeUploader records every upload and returns a deterministic URL.
type fakeUploader struct {
	uploads map[string][]byte
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{uploads: make(map[string][]byte)}
}

func (u *fakeUploader) Upload(ctx context.Context, dir, name string, data []byte) (string, error) {
	u.uploads[dir+"/"+name] = data
	return "https://storage.example/" + dir + "/" + name, nil
}

func testSettings() *config.Settings {
	s := &config.Settings{
		Lab: map[string]config.LabTokens{
			"collabora": {CallbackToken: "lab-token-123"},
		},
	}
	s.JWT.Secret = testJWTSecret
	return s
}

func testCatalogForIngester() *config.Catalog {
	return &config.Catalog{
		Jobs: map[string]config.JobConfig{
			"boot-test": {Name: "boot-test", Kind: "job"},
		},
		Platforms: map[string]config.PlatformConfig{
			"qemu-x86": {Name: "qemu-x86"},
		},
		Trees: map[string]config.Tree{
			"mainline": {URL: "https://git.kernel.org/mainline.git"},
		},
		BuildConfigs: map[string]config.BuildConfig{
			"mainline-master": {Tree: "mainline", Branch: "master"},
		},
	}
}

func newTestServer(api apiclient.API, uploader *fakeUploader) *Server {
	return New(api, testCatalogForIngester(), testSettings(), uploader, nil, Config{WorkerPoolSize: 2})
}

func signJWT(t *testing.T, permissions []string, email string) string {
	t.Helper()
	c := claims{
		Email:       email,
		Permissions: permissions,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	s, err := tok.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return s
}

func TestHandleCallbackUnauthorizedWithoutToken(t *testing.T) {
	api := apiclient.NewFakeAPI("ingester-test")
	s := newTestServer(api, newFakeUploader())
	defer s.Close()

	req := httptest.NewRequest(http.MethodPost, "/node/job1", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleCallbackUnauthorizedWithBadToken(t *testing.T) {
	api := apiclient.NewFakeAPI("ingester-test")
	s := newTestServer(api, newFakeUploader())
	defer s.Close()

	req := httptest.NewRequest(http.MethodPost, "/node/job1", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Authorization", "wrong-token")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleCallbackAcceptsAndProcessesAsync(t *testing.T) {
	api := apiclient.NewFakeAPI("ingester-test")
	api.Seed(&types.Node{
		ID: "job1", Kind: types.KindJob, Name: "boot-test", State: types.StateRunning,
		Data: types.NodeData{
			KernelRevision: &types.KernelRevision{Tree: "mainline", Branch: "master"},
			Platform:       "qemu-x86",
		},
	})
	uploader := newFakeUploader()
	s := newTestServer(api, uploader)
	defer s.Close()

	body, _ := json.Marshal(map[string]any{
		"status_string": "Complete",
		"log":           "boot log contents\nsecond line",
		"results": map[string]any{
			"login-prompt": "pass",
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/node/job1", bytes.NewReader(body))
	req.Header.Set("Authorization", "lab-token-123")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		n, err := api.GetNode(context.Background(), "job1")
		return err == nil && n.State == types.StateDone
	}, time.Second, 5*time.Millisecond)

	updated, err := api.GetNode(context.Background(), "job1")
	require.NoError(t, err)
	assert.Equal(t, types.ResultPass, updated.Result)
	assert.NotEmpty(t, updated.Artifacts["lava_log"])
	assert.NotEmpty(t, updated.Artifacts["lava_logs"])
	assert.NotEmpty(t, updated.Artifacts["callback_data"])

	require.Eventually(t, func() bool {
		tests, err := api.FindNodes(context.Background(), apiclient.Filter{"kind": "test", "parent": "job1"})
		return err == nil && len(tests) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHandleJobRetryRepublishesParent(t *testing.T) {
	api := apiclient.NewFakeAPI("ingester-test")
	kbuild := &types.Node{ID: "kbuild1", Kind: types.KindKbuild, Name: "kbuild-gcc", State: types.StateDone, Result: types.ResultPass}
	job := &types.Node{ID: "job1", Kind: types.KindJob, Name: "boot-test", Parent: "kbuild1"}
	api.Seed(kbuild)
	api.Seed(job)

	s := newTestServer(api, newFakeUploader())
	defer s.Close()

	subID, err := api.Subscribe(context.Background(), "node", apiclient.Filter{})
	require.NoError(t, err)

	token := signJWT(t, []string{"testretry"}, "dev@example.com")
	body, _ := json.Marshal(jobRetryRequest{NodeID: "job1"})
	req := httptest.NewRequest(http.MethodPost, "/api/jobretry", bytes.NewReader(body))
	req.Header.Set("Authorization", token)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	published, err := api.ReceiveEvent(context.Background(), subID)
	require.NoError(t, err)
	assert.Equal(t, []string{"kbuild-gcc", "boot-test"}, published.JobFilter)
}

func TestHandleJobRetryRejectsWrongPermission(t *testing.T) {
	api := apiclient.NewFakeAPI("ingester-test")
	s := newTestServer(api, newFakeUploader())
	defer s.Close()

	token := signJWT(t, []string{"checkout"}, "dev@example.com")
	body, _ := json.Marshal(jobRetryRequest{NodeID: "job1"})
	req := httptest.NewRequest(http.MethodPost, "/api/jobretry", bytes.NewReader(body))
	req.Header.Set("Authorization", token)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleCheckoutFromNodeID(t *testing.T) {
	api := apiclient.NewFakeAPI("ingester-test")
	api.Seed(&types.Node{
		ID: "checkout1", Kind: types.KindCheckout,
		Data: types.NodeData{KernelRevision: &types.KernelRevision{
			Tree: "mainline", URL: "https://git.kernel.org/mainline.git", Branch: "master", Commit: "aaaaaaaaaaaa",
		}},
	})
	s := newTestServer(api, newFakeUploader())
	defer s.Close()

	token := signJWT(t, []string{"checkout"}, "dev@example.com")
	body, _ := json.Marshal(manualCheckoutRequest{NodeID: "checkout1", Commit: "bbbbbbbbbbbb"})
	req := httptest.NewRequest(http.MethodPost, "/api/checkout", bytes.NewReader(body))
	req.Header.Set("Authorization", token)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Node types.Node `json:"node"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "mainline", resp.Node.Data.KernelRevision.Tree)
	assert.Equal(t, "bbbbbbbbbbbb", resp.Node.Data.KernelRevision.Commit)
}

func TestHandleCheckoutFromTreeURLRejectsUnknownJob(t *testing.T) {
	api := apiclient.NewFakeAPI("ingester-test")
	s := newTestServer(api, newFakeUploader())
	defer s.Close()

	token := signJWT(t, []string{"checkout"}, "dev@example.com")
	body, _ := json.Marshal(manualCheckoutRequest{
		URL: "https://git.kernel.org/mainline.git", Branch: "master", Commit: "cccccccccccc",
		JobFilter: []string{"does-not-exist"},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/checkout", bytes.NewReader(body))
	req.Header.Set("Authorization", token)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlePatchsetMissingPatchData(t *testing.T) {
	api := apiclient.NewFakeAPI("ingester-test")
	api.Seed(&types.Node{
		ID: "checkout1", Kind: types.KindCheckout,
		Data: types.NodeData{KernelRevision: &types.KernelRevision{URL: "u", Branch: "b"}},
	})
	s := newTestServer(api, newFakeUploader())
	defer s.Close()

	token := signJWT(t, []string{"patchset"}, "dev@example.com")
	body, _ := json.Marshal(patchSetRequest{NodeID: "checkout1"})
	req := httptest.NewRequest(http.MethodPost, "/api/patchset", bytes.NewReader(body))
	req.Header.Set("Authorization", token)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlePatchsetSubmitsNode(t *testing.T) {
	api := apiclient.NewFakeAPI("ingester-test")
	api.Seed(&types.Node{
		ID: "checkout1", Kind: types.KindCheckout,
		Data: types.NodeData{KernelRevision: &types.KernelRevision{URL: "u", Branch: "b", Tree: "mainline"}},
	})
	s := newTestServer(api, newFakeUploader())
	defer s.Close()

	token := signJWT(t, []string{"patchset"}, "dev@example.com")
	body, _ := json.Marshal(patchSetRequest{NodeID: "checkout1", PatchURL: []string{"https://example.com/patch.diff"}})
	req := httptest.NewRequest(http.MethodPost, "/api/patchset", bytes.NewReader(body))
	req.Header.Set("Authorization", token)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Node types.Node `json:"node"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "patchset", resp.Node.Name)
	assert.Equal(t, "checkout1", resp.Node.Parent)
	assert.Equal(t, "https://example.com/patch.diff", resp.Node.Artifacts["patch0"])
}
