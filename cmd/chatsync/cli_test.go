package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/hpungsan/chatsync/internal/config"
)

// setupTestEnv creates an environment backed by a temporary database.
func setupTestEnv(t *testing.T) *appEnv {
	t.Helper()
	tmpDir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.AllowedPaths = []string{tmpDir}
	env, err := newEnv(tmpDir, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to init test env: %v", err)
	}
	t.Cleanup(env.Close)
	return env
}

// fakeBackend records requests and answers like the ingestion service.
type fakeBackend struct {
	mu      sync.Mutex
	calls   []string
	userIDs []string
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)
	f.userIDs = append(f.userIDs, r.Header.Get("X-User-Id"))
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch r.Method + " " + r.URL.Path {
	case "POST /chats":
		fmt.Fprint(w, `{"success":true,"stored":1}`)
	case "DELETE /conversation":
		fmt.Fprint(w, `{"success":true}`)
	case "GET /my-chats":
		fmt.Fprint(w, `{"logs":[{"id":"log-1","platform":"claude","url":"https://claude.ai/chat/abc"}],"total":3,"limit":1,"offset":0}`)
	case "DELETE /my-chats":
		fmt.Fprint(w, `{"success":true,"deleted":3}`)
	case "POST /detect":
		fmt.Fprint(w, `{"isAnswerSeeking":true,"confidence":0.9,"reason":"direct question"}`)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeBackend) called(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

// startBackend points env at a fake ingestion service.
func startBackend(t *testing.T, env *appEnv) *fakeBackend {
	t.Helper()
	backend := &fakeBackend{}
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)
	env.cfg.BackendURL = srv.URL
	return backend
}

// startService runs the coordinator and control API without a browser and
// returns the control API address.
func startService(t *testing.T, env *appEnv) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	svc, err := newService(ctx, env, env.cfg, false)
	if err != nil {
		cancel()
		t.Fatalf("newService: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		cancel()
		t.Fatalf("listen: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("service stopped with error: %v", err)
		}
	})
	return ln.Addr().String()
}

// runCLI runs the app with args and returns what it wrote.
func runCLI(t *testing.T, env *appEnv, args ...string) (string, error) {
	t.Helper()
	app := newCLIApp(env)
	var out bytes.Buffer
	app.Writer = &out
	err := app.Run(append([]string{"chatsync"}, args...))
	return out.String(), err
}

// decodeOutput parses CLI JSON output into a map.
func decodeOutput(t *testing.T, out string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(out), &m); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	return m
}

// writeSavedPage copies a platform fixture into dir.
func writeSavedPage(t *testing.T, dir, fixture string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "..", "internal", "profile", "testdata", fixture))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	path := filepath.Join(dir, "page.html")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write page: %v", err)
	}
	return path
}

// TestParseSwitch tests the parseSwitch helper function.
func TestParseSwitch(t *testing.T) {
	tests := []struct {
		input       string
		expected    bool
		expectError bool
	}{
		{input: "on", expected: true},
		{input: "ON", expected: true},
		{input: "true", expected: true},
		{input: " enable ", expected: true},
		{input: "off", expected: false},
		{input: "false", expected: false},
		{input: "0", expected: false},
		{input: "", expectError: true},
		{input: "maybe", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result, err := parseSwitch(tt.input)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestSelectMode(t *testing.T) {
	tests := []struct {
		name string
		args []string
		tty  bool
		want mode
	}{
		{"bare at terminal", []string{"chatsync"}, true, modeBanner},
		{"bare on pipe", []string{"chatsync"}, false, modeMCP},
		{"known command", []string{"chatsync", "status"}, false, modeCLI},
		{"command at terminal", []string{"chatsync", "snapshot"}, true, modeCLI},
		{"global flag", []string{"chatsync", "--addr=127.0.0.1:1", "status"}, true, modeCLI},
		{"help", []string{"chatsync", "help"}, false, modeHelp},
		{"help flag", []string{"chatsync", "-h"}, true, modeHelp},
		{"version", []string{"chatsync", "--version"}, true, modeHelp},
		{"unknown at terminal", []string{"chatsync", "frobnicate"}, true, modeUnknown},
		{"unknown on pipe", []string{"chatsync", "frobnicate"}, false, modeMCP},
		{"lone dash", []string{"chatsync", "-"}, false, modeMCP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := selectMode(tt.args, tt.tty); got != tt.want {
				t.Errorf("selectMode(%v, %v) = %d, want %d", tt.args, tt.tty, got, tt.want)
			}
		})
	}
}

// TestCLIHelpWithoutEnv checks help renders before any database is opened.
func TestCLIHelpWithoutEnv(t *testing.T) {
	app := newCLIApp(nil)
	var out bytes.Buffer
	app.Writer = &out
	if err := app.Run([]string{"chatsync", "--help"}); err != nil {
		t.Fatalf("help failed: %v", err)
	}
	for _, cmd := range []string{"serve", "status", "toggle", "pending", "snapshot", "account"} {
		if !strings.Contains(out.String(), cmd) {
			t.Errorf("help is missing %q", cmd)
		}
	}
}

// TestCLIStatusAndToggle drives the running service through the control API.
func TestCLIStatusAndToggle(t *testing.T) {
	env := setupTestEnv(t)
	startBackend(t, env)
	addr := startService(t, env)

	out, err := runCLI(t, env, "--addr", addr, "status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	status := decodeOutput(t, out)
	if status["enabled"] != false {
		t.Errorf("enabled = %v, want false before consent", status["enabled"])
	}

	out, err = runCLI(t, env, "--addr", addr, "toggle", "on")
	if err != nil {
		t.Fatalf("toggle failed: %v", err)
	}
	if got := decodeOutput(t, out)["enabled"]; got != true {
		t.Errorf("toggle enabled = %v, want true", got)
	}

	out, err = runCLI(t, env, "--addr", addr, "status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if got := decodeOutput(t, out)["enabled"]; got != true {
		t.Errorf("status enabled = %v, want true after toggle", got)
	}
}

func TestCLIToggle_InvalidArgument(t *testing.T) {
	env := setupTestEnv(t)

	_, err := runCLI(t, env, "toggle", "maybe")
	if err == nil {
		t.Fatal("expected error for invalid switch")
	}
	if !strings.Contains(err.Error(), "INVALID_REQUEST") {
		t.Errorf("error = %v, want INVALID_REQUEST", err)
	}
}

func TestCLIStatus_ServiceDown(t *testing.T) {
	env := setupTestEnv(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, err = runCLI(t, env, "--addr", addr, "status")
	if err == nil {
		t.Fatal("expected error when no service is running")
	}
	if !strings.Contains(err.Error(), "TRANSPORT_FAILURE") {
		t.Errorf("error = %v, want TRANSPORT_FAILURE", err)
	}
}

// TestCLIIdentity sets the identity remotely and reads it back locally.
func TestCLIIdentity(t *testing.T) {
	env := setupTestEnv(t)
	startBackend(t, env)
	addr := startService(t, env)

	out, err := runCLI(t, env, "--addr", addr, "identity", "set", "anon-42")
	if err != nil {
		t.Fatalf("identity set failed: %v", err)
	}
	if got := decodeOutput(t, out)["userId"]; got != "anon-42" {
		t.Errorf("userId = %v, want anon-42", got)
	}

	out, err = runCLI(t, env, "identity", "show")
	if err != nil {
		t.Fatalf("identity show failed: %v", err)
	}
	if got := decodeOutput(t, out)["userId"]; got != "anon-42" {
		t.Errorf("stored userId = %v, want anon-42", got)
	}

	if _, err := runCLI(t, env, "--addr", addr, "identity", "set"); err == nil {
		t.Error("expected error for missing user id")
	}
}

// TestCLISnapshotPendingExportForget walks a saved page through the cache.
func TestCLISnapshotPendingExportForget(t *testing.T) {
	env := setupTestEnv(t)
	startBackend(t, env)
	addr := startService(t, env)
	page := writeSavedPage(t, env.baseDir, "claude.html")

	// Without --send nothing reaches the cache.
	out, err := runCLI(t, env, "snapshot", "--url", "https://claude.ai/chat/abc", page)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	snap := decodeOutput(t, out)
	if snap["platform"] != "claude" {
		t.Errorf("platform = %v, want claude", snap["platform"])
	}
	if msgs, _ := snap["messages"].([]any); len(msgs) == 0 {
		t.Error("expected extracted messages")
	}
	if _, ok := snap["key"]; ok {
		t.Error("key should be absent without --send")
	}

	out, err = runCLI(t, env, "--addr", addr, "snapshot", "--url", "https://claude.ai/chat/abc", "--send", page)
	if err != nil {
		t.Fatalf("snapshot --send failed: %v", err)
	}
	if key, _ := decodeOutput(t, out)["key"].(string); key == "" {
		t.Error("expected a conversation key after --send")
	}

	out, err = runCLI(t, env, "pending")
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	pagination, _ := decodeOutput(t, out)["pagination"].(map[string]any)
	if pagination["total"] != float64(1) {
		t.Errorf("pending total = %v, want 1", pagination["total"])
	}

	out, err = runCLI(t, env, "pending", "--conversations")
	if err != nil {
		t.Fatalf("pending --conversations failed: %v", err)
	}
	convs, _ := decodeOutput(t, out)["conversations"].([]any)
	if len(convs) != 1 {
		t.Fatalf("conversations = %d, want 1", len(convs))
	}
	if conv, _ := convs[0].(map[string]any); conv["platform"] != "claude" {
		t.Errorf("conversation platform = %v, want claude", conv["platform"])
	}

	exportPath := filepath.Join(env.baseDir, "pending.jsonl")
	out, err = runCLI(t, env, "export", "--path", exportPath)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if got := decodeOutput(t, out)["count"]; got != float64(1) {
		t.Errorf("export count = %v, want 1", got)
	}
	data, err := os.ReadFile(exportPath)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Errorf("export has %d lines, want header plus one batch", len(lines))
	}
	if !strings.Contains(lines[0], `"_chatsync_export":true`) {
		t.Errorf("first line is not an export header: %s", lines[0])
	}

	out, err = runCLI(t, env, "forget", "--all")
	if err != nil {
		t.Fatalf("forget failed: %v", err)
	}
	if got := decodeOutput(t, out)["removed"]; got != float64(1) {
		t.Errorf("removed = %v, want 1", got)
	}

	out, err = runCLI(t, env, "pending")
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	pagination, _ = decodeOutput(t, out)["pagination"].(map[string]any)
	if pagination["total"] != float64(0) {
		t.Errorf("pending total after forget = %v, want 0", pagination["total"])
	}
}

func TestCLISnapshot_SendNeedsURL(t *testing.T) {
	env := setupTestEnv(t)
	page := writeSavedPage(t, env.baseDir, "claude.html")

	_, err := runCLI(t, env, "--addr", "127.0.0.1:1", "snapshot", "--platform", "claude", "--send", page)
	if err == nil {
		t.Fatal("expected error without --url")
	}
	if !strings.Contains(err.Error(), "INVALID_REQUEST") {
		t.Errorf("error = %v, want INVALID_REQUEST", err)
	}
}

func TestCLIForget_RequiresTarget(t *testing.T) {
	env := setupTestEnv(t)

	_, err := runCLI(t, env, "forget")
	if err == nil {
		t.Fatal("expected error with neither url nor --all")
	}
	if !strings.Contains(err.Error(), "INVALID_REQUEST") {
		t.Errorf("error = %v, want INVALID_REQUEST", err)
	}
}

func TestCLIExport_PathOutsideAllowedDirs(t *testing.T) {
	env := setupTestEnv(t)

	_, err := runCLI(t, env, "export", "--path", filepath.Join(t.TempDir(), "out.jsonl"))
	if err == nil {
		t.Fatal("expected error for a path outside allowed directories")
	}
	if !strings.Contains(err.Error(), "INVALID_REQUEST") {
		t.Errorf("error = %v, want INVALID_REQUEST", err)
	}
}

// TestCLIAccount lists and erases uploads on the ingestion service.
func TestCLIAccount(t *testing.T) {
	env := setupTestEnv(t)
	env.cfg.UserID = "anon-7"
	backend := startBackend(t, env)

	out, err := runCLI(t, env, "account", "list", "--limit", "1")
	if err != nil {
		t.Fatalf("account list failed: %v", err)
	}
	list := decodeOutput(t, out)
	if logs, _ := list["logs"].([]any); len(logs) != 1 {
		t.Errorf("logs = %v, want one entry", list["logs"])
	}
	if pagination, _ := list["pagination"].(map[string]any); pagination["has_more"] != true {
		t.Errorf("has_more = %v, want true", pagination["has_more"])
	}

	out, err = runCLI(t, env, "account", "erase")
	if err != nil {
		t.Fatalf("account erase failed: %v", err)
	}
	if got := decodeOutput(t, out)["deleted"]; got != float64(3) {
		t.Errorf("deleted = %v, want 3", got)
	}

	if !backend.called("GET /my-chats") || !backend.called("DELETE /my-chats") {
		t.Errorf("backend calls = %v", backend.calls)
	}
	for _, id := range backend.userIDs {
		if id != "anon-7" {
			t.Errorf("X-User-Id = %q, want anon-7", id)
		}
	}
}

func TestCLIAccount_RequiresIdentity(t *testing.T) {
	env := setupTestEnv(t)
	backend := startBackend(t, env)

	_, err := runCLI(t, env, "account", "erase")
	if err == nil {
		t.Fatal("expected error without identity")
	}
	if !strings.Contains(err.Error(), "INVALID_REQUEST") {
		t.Errorf("error = %v, want INVALID_REQUEST", err)
	}
	if len(backend.calls) != 0 {
		t.Errorf("backend was called: %v", backend.calls)
	}
}

func TestCLIDetect(t *testing.T) {
	env := setupTestEnv(t)
	backend := startBackend(t, env)

	out, err := runCLI(t, env, "detect", "--platform", "chatgpt", "what", "is", "the", "capital", "of", "France?")
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if got := decodeOutput(t, out)["isAnswerSeeking"]; got != true {
		t.Errorf("isAnswerSeeking = %v, want true", got)
	}
	if !backend.called("POST /detect") {
		t.Errorf("backend calls = %v", backend.calls)
	}
	if backend.userIDs[0] != "anonymous" {
		t.Errorf("X-User-Id = %q, want anonymous without identity", backend.userIDs[0])
	}
}
