package giustizia

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/procmon/internal/connectors"
	"github.com/fentz26/procmon/internal/models"
)

type fakeCreds struct {
	mu       sync.Mutex
	uses     int
	failures int
	statuses []models.CredentialStatus
}

func (f *fakeCreds) RecordCredentialUse(_ context.Context, _ string, success bool, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uses++
	if !success {
		f.failures++
	}
	return nil
}

func (f *fakeCreds) SetCredentialStatus(_ context.Context, _ string, status models.CredentialStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeCreds) last() models.CredentialStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return ""
	}
	return f.statuses[len(f.statuses)-1]
}

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *fakeCreds) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.RequestsPerMinute = 0
	creds := &fakeCreds{}
	return New(cfg, creds), creds
}

func testClient() *models.Client {
	return &models.Client{ID: "c1", Name: "Rossi", ProcessNumber: "1234", ProcessYear: 2023, Active: true}
}

func testCred() *models.Credential {
	return &models.Credential{ID: "cr1", Name: "device", UUID: "dev-uuid", Token: "secret", Status: models.CredentialActive}
}

func TestFetchStatusSuccess(t *testing.T) {
	var gotQuery map[string]string
	var gotAuth string
	client, creds := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		gotQuery = map[string]string{
			"azione":  q.Get("azione"),
			"numproc": q.Get("numproc"),
			"aaproc":  q.Get("aaproc"),
			"uuid":    q.Get("uuid"),
		}
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"risultati":[{"stato":"In attesa di udienza","giudice":"Bianchi","prossima_udienza":"2024-03-01"}]}`))
	})

	status, err := client.FetchStatus(context.Background(), testClient(), testCred(), time.Second)
	if err != nil {
		t.Fatalf("FetchStatus failed: %v", err)
	}

	want := "Stato: In attesa di udienza; Giudice: Bianchi; Prossima udienza: 2024-03-01"
	if status.Text != want {
		t.Errorf("Text = %q, want %q", status.Text, want)
	}
	if status.Hash == "" {
		t.Error("expected non-empty hash")
	}
	if gotQuery["azione"] != "direttarg_sicid_mobile" || gotQuery["numproc"] != "1234" || gotQuery["aaproc"] != "2023" || gotQuery["uuid"] != "dev-uuid" {
		t.Errorf("unexpected query params: %v", gotQuery)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if creds.uses != 1 || creds.failures != 0 {
		t.Errorf("expected 1 successful use, got uses=%d failures=%d", creds.uses, creds.failures)
	}
}

func TestFetchStatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		code   int
		body   string
		fatal  bool
		reason connectors.Reason
	}{
		{"unauthorized", http.StatusUnauthorized, "", true, connectors.ReasonCredentialInvalid},
		{"forbidden", http.StatusForbidden, "", true, connectors.ReasonCredentialInvalid},
		{"not found", http.StatusNotFound, "", true, connectors.ReasonNotFound},
		{"empty results", http.StatusOK, `{"risultati":[]}`, true, connectors.ReasonNotFound},
		{"bad request", http.StatusBadRequest, "", true, connectors.ReasonRejected},
		{"rate limited", http.StatusTooManyRequests, "", false, connectors.ReasonRateLimited},
		{"server error", http.StatusBadGateway, "", false, connectors.ReasonServerError},
		{"garbage body", http.StatusOK, "<html>", false, connectors.ReasonBadResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, creds := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				w.Write([]byte(tt.body))
			})

			_, err := client.FetchStatus(context.Background(), testClient(), testCred(), time.Second)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := connectors.IsFatal(err); got != tt.fatal {
				t.Errorf("IsFatal = %v, want %v (err=%v)", got, tt.fatal, err)
			}
			if got := connectors.ReasonOf(err); got != tt.reason {
				t.Errorf("reason = %s, want %s", got, tt.reason)
			}
			if creds.failures != 1 {
				t.Errorf("expected failed use to be recorded, got %d", creds.failures)
			}
		})
	}
}

func TestFetchStatusDeactivatesRejectedCredential(t *testing.T) {
	client, creds := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.FetchStatus(context.Background(), testClient(), testCred(), time.Second)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := creds.last(); got != models.CredentialInactive {
		t.Errorf("credential status = %q, want inactive", got)
	}
}

func TestFetchStatusTimeout(t *testing.T) {
	release := make(chan struct{})
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	_, err := client.FetchStatus(context.Background(), testClient(), testCred(), 50*time.Millisecond)
	var te *connectors.TransientError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransientError, got %v", err)
	}
	if te.Reason != connectors.ReasonTimeout {
		t.Errorf("reason = %s, want timeout", te.Reason)
	}
}

func TestFetchStatusStableAcrossFormatting(t *testing.T) {
	bodies := []string{
		`{"risultati":[{"stato":"Sentenza pubblicata"}]}`,
		`{"risultati":[{"stato":"  sentenza   PUBBLICATA "}]}`,
	}
	var hashes []string
	for _, body := range bodies {
		body := body
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		})
		status, err := client.FetchStatus(context.Background(), testClient(), testCred(), time.Second)
		if err != nil {
			t.Fatalf("FetchStatus failed: %v", err)
		}
		hashes = append(hashes, status.Hash)
	}
	if hashes[0] != hashes[1] {
		t.Errorf("expected identical hashes, got %v", hashes)
	}
}

func TestTestCredential(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		wantErr bool
		want    models.CredentialStatus
	}{
		{"not found counts as valid", http.StatusNotFound, false, models.CredentialActive},
		{"unauthorized", http.StatusUnauthorized, true, models.CredentialInactive},
		{"server error keeps previous", http.StatusInternalServerError, true, models.CredentialActive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, creds := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
			})

			err := client.TestCredential(context.Background(), testCred())
			if (err != nil) != tt.wantErr {
				t.Fatalf("TestCredential err = %v, wantErr %v", err, tt.wantErr)
			}
			if creds.statuses[0] != models.CredentialTesting {
				t.Errorf("expected testing status first, got %v", creds.statuses)
			}
			if got := creds.last(); got != tt.want {
				t.Errorf("final status = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestThrottlePerCredential(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestsPerMinute = 1
	client := New(cfg, nil)
	cred := testCred()

	if err := client.Throttle(context.Background(), cred); err != nil {
		t.Fatalf("first Throttle failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := client.Throttle(ctx, cred); err == nil {
		t.Error("expected second request within the minute to be refused")
	}

	other := testCred()
	other.ID = "cr2"
	if err := client.Throttle(context.Background(), other); err != nil {
		t.Errorf("other credential should not share the limit: %v", err)
	}
}

func TestFetchStatusIgnoresRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"risultati":[{"stato":"Pendente"}]}`))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.RequestsPerMinute = 1
	client := New(cfg, nil)

	for i := 0; i < 2; i++ {
		if _, err := client.FetchStatus(context.Background(), testClient(), testCred(), time.Second); err != nil {
			t.Fatalf("FetchStatus %d failed: %v", i, err)
		}
	}
}
