package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type capturedRequest struct {
	method string
	path   string
	query  string
	token  string
	actor  string
	body   map[string]interface{}
}

func newFakeServer(t *testing.T, status int, reply string) (*httptest.Server, *capturedRequest) {
	t.Helper()
	got := &capturedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.query = r.URL.RawQuery
		got.token = r.Header.Get("X-Admin-Token")
		got.actor = r.Header.Get("X-Actor")
		got.body = nil
		if b, _ := io.ReadAll(r.Body); len(b) > 0 {
			_ = json.Unmarshal(b, &got.body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--server", srv.URL + "/", "--token", "tok", "--actor", "ops"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStateCommand(t *testing.T) {
	srv, got := newFakeServer(t, http.StatusOK, `{"success":true,"data":{"transaction":{"id":"tx-1"}}}`)

	out, err := run(t, srv, "state", "tx-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.method != http.MethodGet || got.path != "/admin/transactions/tx-1" || got.token != "tok" || got.actor != "ops" {
		t.Fatalf("unexpected request: %+v", got)
	}
	if !strings.Contains(out, `"id": "tx-1"`) {
		t.Fatalf("expected indented data, got %q", out)
	}
}

func TestListCommandQuery(t *testing.T) {
	srv, got := newFakeServer(t, http.StatusOK, `{"success":true,"data":[]}`)

	if _, err := run(t, srv, "list", "--order", "42", "--status", "ACTIVE", "--status", "PAUSED", "--limit", "5"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.path != "/admin/transactions" || got.query != "limit=5&orderId=42&status=ACTIVE%2CPAUSED" {
		t.Fatalf("unexpected request: %s?%s", got.path, got.query)
	}
}

func TestCompensateCommand(t *testing.T) {
	srv, got := newFakeServer(t, http.StatusOK, `{"success":true,"data":{"success":true,"compensationId":9}}`)

	if _, err := run(t, srv, "compensate", "tx-2", "--type", "partial", "--step", "4", "--reason", "CLIENT_REQUEST"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.method != http.MethodPost || got.path != "/admin/transactions/tx-2/compensate" {
		t.Fatalf("unexpected request: %+v", got)
	}
	if got.body["type"] != "PARTIAL" || got.body["sagaStepId"] != float64(4) || got.body["reason"] != "CLIENT_REQUEST" {
		t.Fatalf("unexpected body: %v", got.body)
	}

	if _, err := run(t, srv, "compensate", "tx-2", "--type", "PARTIAL"); err == nil {
		t.Fatal("expected error for PARTIAL without --step")
	}
}

func TestStepCommands(t *testing.T) {
	srv, got := newFakeServer(t, http.StatusOK, `{"success":true,"data":{"id":7,"status":"SKIPPED"}}`)

	if _, err := run(t, srv, "skip", "7", "--reason", "by phone"); err != nil {
		t.Fatalf("skip: %v", err)
	}
	if got.path != "/admin/steps/7/skip" || got.body["reason"] != "by phone" {
		t.Fatalf("unexpected skip request: %+v", got)
	}

	if _, err := run(t, srv, "reset", "8"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got.path != "/admin/steps/8/reset" || len(got.body) != 0 {
		t.Fatalf("unexpected reset request: %+v", got)
	}

	if _, err := run(t, srv, "reset", "abc"); err == nil {
		t.Fatal("expected error for invalid step id")
	}
}

func TestServerErrorSurfaced(t *testing.T) {
	srv, _ := newFakeServer(t, http.StatusConflict,
		`{"success":false,"errorCode":"COMPENSATION_ACTIVE","message":"compensation already in progress","requestId":"r-1"}`)

	_, err := run(t, srv, "compensate", "tx-3")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "COMPENSATION_ACTIVE") || !strings.Contains(err.Error(), "r-1") {
		t.Fatalf("unexpected error text: %v", err)
	}
}

func TestTokenRequired(t *testing.T) {
	t.Setenv(envToken, "")
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"state", "tx-1"})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "admin token required") {
		t.Fatalf("expected token error, got %v", err)
	}
}
