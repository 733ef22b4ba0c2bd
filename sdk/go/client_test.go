package taskpilotsdk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientSendsAuthAndDecodes(t *testing.T) {
	var gotPath, gotKey, gotMethod string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotKey, gotMethod = r.URL.Path, r.Header.Get("X-Api-Key"), r.Method
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, `{"event_id":"e1","job":{"id":"j1","name":"MANUAL_TRIGGER","state":"WAITING","data":{"organizationId":"acme"}}}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "acme")
	c.APIKey = "tp_secret"
	out, err := c.EnqueueEvent(context.Background(), "MANUAL_TRIGGER", map[string]any{"note": "hi"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/v1/orgs/acme/events" || gotKey != "tp_secret" {
		t.Fatalf("unexpected request: %s %s key=%q", gotMethod, gotPath, gotKey)
	}
	if gotBody["name"] != "MANUAL_TRIGGER" {
		t.Fatalf("unexpected body: %+v", gotBody)
	}
	if out.EventID != "e1" || out.Job.ID != "j1" || out.Job.Data["organizationId"] != "acme" {
		t.Fatalf("unexpected response: %+v", out)
	}
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `{"error":{"code":"forbidden","message":"missing permission rule.write"}}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "acme")
	_, err := c.CreateRule(context.Background(), Rule{Name: "r", TriggerEvent: "TASK_CREATED"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusForbidden || apiErr.Code != "forbidden" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestDeleteRuleAcceptsNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/v1/orgs/acme/rules/r1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := New(srv.URL, "acme").DeleteRule(context.Background(), "r1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}
