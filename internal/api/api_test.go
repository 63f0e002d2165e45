// SPDX-FileCopyrightText: 2026 ptt-box contributors
// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pttbox/pttbox/internal/config"
	"github.com/pttbox/pttbox/internal/hub"
)

type fakeController struct {
	voxGranted   bool
	voxSpeaker   string
	voxReleased  bool
	forcedPrev   string
	forcedOK     bool
	holderID     string
	holderName   string
	holderActive bool
	snapshots    []hub.ClientSnapshot
	disconnected []string
	knownClients map[string]bool
}

func (f *fakeController) ExternalFloorOn() (string, bool) { return f.voxSpeaker, f.voxGranted }
func (f *fakeController) ExternalFloorOff() bool          { return f.voxReleased }
func (f *fakeController) ServerMicFloorOn() (string, bool) {
	return f.voxSpeaker, f.voxGranted
}
func (f *fakeController) ServerMicFloorOff() bool { return f.voxReleased }
func (f *fakeController) ForceReleaseFloor() (string, bool) {
	return f.forcedPrev, f.forcedOK
}
func (f *fakeController) HolderInfo() (string, string, bool) {
	return f.holderID, f.holderName, f.holderActive
}
func (f *fakeController) ClientSnapshots() []hub.ClientSnapshot { return f.snapshots }
func (f *fakeController) ClientCount() int                      { return len(f.snapshots) }
func (f *fakeController) P2PConnectedCount() int                { return 0 }
func (f *fakeController) DisconnectClient(id, reason string) bool {
	f.disconnected = append(f.disconnected, id)
	return f.knownClients[id]
}
func (f *fakeController) StartedAt() time.Time { return time.Now().Add(-time.Minute) }

func newTestServer(t *testing.T, ctrl *fakeController, password string) (*Server, *http.ServeMux) {
	t.Helper()
	cfg := &config.Config{
		DashPassword:  password,
		RecordingsDir: t.TempDir(),
	}
	srv := NewServer(cfg, ctrl)
	srv.exitFn = func(int) {}
	mux := http.NewServeMux()
	srv.Register(mux)
	return srv, mux
}

func do(mux *http.ServeMux, method, target, body, token string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	return m
}

func TestVoxOnGranted(t *testing.T) {
	_, mux := newTestServer(t, &fakeController{voxGranted: true}, "")

	w := do(mux, http.MethodPost, "/api/vox/on", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["success"])
}

func TestVoxOnBusyReportsSpeaker(t *testing.T) {
	_, mux := newTestServer(t, &fakeController{voxGranted: false, voxSpeaker: "Alice"}, "")

	w := do(mux, http.MethodPost, "/api/vox/on", "", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "busy", body["reason"])
	assert.Equal(t, "Alice", body["speaker"])
}

func TestVoxOffNotHeld(t *testing.T) {
	_, mux := newTestServer(t, &fakeController{voxReleased: false}, "")

	w := do(mux, http.MethodPost, "/api/vox/off", "", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "not_transmitting", decode(t, w)["reason"])
}

func TestMicToggle(t *testing.T) {
	_, mux := newTestServer(t, &fakeController{voxGranted: true, voxReleased: true}, "")

	w := do(mux, http.MethodPost, "/api/dash/mic/on", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["success"])

	w = do(mux, http.MethodPost, "/api/dash/mic/off", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMicOnBusy(t *testing.T) {
	_, mux := newTestServer(t, &fakeController{voxGranted: false, voxSpeaker: "Alice"}, "")

	w := do(mux, http.MethodPost, "/api/dash/mic/on", "", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	body := decode(t, w)
	assert.Equal(t, "busy", body["reason"])
	assert.Equal(t, "Alice", body["speaker"])
}

func TestMicToggleRequiresAuth(t *testing.T) {
	_, mux := newTestServer(t, &fakeController{voxGranted: true}, "hunter2")

	w := do(mux, http.MethodPost, "/api/dash/mic/on", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDashboardRequiresToken(t *testing.T) {
	_, mux := newTestServer(t, &fakeController{}, "hunter2")

	w := do(mux, http.MethodGet, "/api/dash/status", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(mux, http.MethodGet, "/api/dash/status", "", "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLoginLogoutFlow(t *testing.T) {
	_, mux := newTestServer(t, &fakeController{}, "hunter2")

	w := do(mux, http.MethodPost, "/api/dash/login", `{"password":"wrong"}`, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(mux, http.MethodPost, "/api/dash/login", `{"password":"hunter2"}`, "")
	require.Equal(t, http.StatusOK, w.Code)
	token, _ := decode(t, w)["token"].(string)
	require.NotEmpty(t, token)

	w = do(mux, http.MethodGet, "/api/dash/status", "", token)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Contains(t, body, "uptimeSeconds")
	assert.Contains(t, body, "memory")

	w = do(mux, http.MethodPost, "/api/dash/logout", "", token)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(mux, http.MethodGet, "/api/dash/status", "", token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDashboardOpenWithoutPassword(t *testing.T) {
	_, mux := newTestServer(t, &fakeController{}, "")

	w := do(mux, http.MethodGet, "/api/dash/status", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPTTEndpoints(t *testing.T) {
	ctrl := &fakeController{holderID: "aaaa1111", holderName: "Alice", holderActive: true,
		forcedPrev: "aaaa1111", forcedOK: true}
	_, mux := newTestServer(t, ctrl, "")

	w := do(mux, http.MethodGet, "/api/dash/ptt", "", "")
	body := decode(t, w)
	assert.Equal(t, true, body["active"])
	assert.Equal(t, "Alice", body["speakerName"])

	w = do(mux, http.MethodPost, "/api/dash/ptt/release", "", "")
	body = decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "aaaa1111", body["previous"])
}

func TestDisconnectUnknownClient(t *testing.T) {
	ctrl := &fakeController{knownClients: map[string]bool{"aaaa1111": true}}
	_, mux := newTestServer(t, ctrl, "")

	w := do(mux, http.MethodPost, "/api/dash/clients/aaaa1111/disconnect", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(mux, http.MethodPost, "/api/dash/clients/gone0000/disconnect", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAudioFileWhitelist(t *testing.T) {
	srv, mux := newTestServer(t, &fakeController{}, "")
	good := "web_20260101_120000_abcd1234.wav"
	require.NoError(t, os.WriteFile(filepath.Join(srv.cfg.RecordingsDir, good), []byte("RIFF"), 0o644))

	w := do(mux, http.MethodGet, "/api/audio?file="+good, "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "RIFF", w.Body.String())

	for _, name := range []string{
		"../etc/passwd",
		"..%2Fetc%2Fpasswd",
		"web_20260101_120000.mp3",
		"other_20260101_120000.wav",
		"web_2026_1200.wav",
		"web_20260101_120000_ab..cd.wav",
		"",
	} {
		w := do(mux, http.MethodGet, "/api/audio?file="+name, "", "")
		assert.Equal(t, http.StatusBadRequest, w.Code, "filename %q must be rejected", name)
		assert.Equal(t, "Invalid filename", decode(t, w)["error"])
	}
}

func TestAudioFileMissing(t *testing.T) {
	_, mux := newTestServer(t, &fakeController{}, "")

	w := do(mux, http.MethodGet, "/api/audio?file=rec_20260101_120000.wav", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAudioFilenamePattern(t *testing.T) {
	valid := []string{
		"rec_20260101_120000.wav",
		"web_20260101_120000.wav",
		"web_20260101_120000_abcd1234.wav",
		"rec_20260101_120000_X9.wav",
	}
	for _, name := range valid {
		assert.True(t, audioFilePattern.MatchString(name), name)
	}

	invalid := []string{
		"web_20260101_120000_.wav",
		"web_20260101_120000_ab_cd.wav",
		"Web_20260101_120000.wav",
		"web_20260101_120000.wav.exe",
	}
	for _, name := range invalid {
		assert.False(t, audioFilePattern.MatchString(name), name)
	}
}
