// Package giustizia implements connectors.Fetcher against the Giustizia
// Civile mobile proxy.
package giustizia

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/juju/loggo"
	"golang.org/x/time/rate"

	"github.com/fentz26/procmon/internal/connectors"
	"github.com/fentz26/procmon/internal/detect"
	"github.com/fentz26/procmon/internal/models"
)

var logger = loggo.GetLogger("procmon.connectors.giustizia")

const (
	// DefaultBaseURL is the public mobile proxy endpoint.
	DefaultBaseURL = "https://mob.processotelematico.giustizia.it/proxy/index_mobile"

	maxBodyBytes = 1 << 20

	probeNumber = "12345"
	probeYear   = 2024
)

// CredentialRecorder persists per-credential usage and health.
type CredentialRecorder interface {
	RecordCredentialUse(ctx context.Context, credentialID string, success bool, errMsg string) error
	SetCredentialStatus(ctx context.Context, credentialID string, status models.CredentialStatus) error
}

// Auditor records credential state changes.
type Auditor interface {
	Record(ctx context.Context, action string, inputs interface{}, outcome, runID, details string) (*models.DecisionRecord, error)
}

// Config holds connection parameters for the mobile proxy.
type Config struct {
	BaseURL           string
	RequestsPerMinute int
	Registro          string
	IDUfficio         string
	TipoUfficio       string
	DeviceName        string
	AppVersion        string
	Platform          string
	UserAgent         string
}

// DefaultConfig returns the parameters the official mobile app sends.
func DefaultConfig() Config {
	return Config{
		BaseURL:           DefaultBaseURL,
		RequestsPerMinute: 60,
		Registro:          "CC",
		IDUfficio:         "958010098",
		TipoUfficio:       "1",
		DeviceName:        "iPhone",
		AppVersion:        "1.1.13",
		Platform:          "iOS 15.0",
		UserAgent:         "GiustiziaCivile/1.0 (iPhone; iOS 15.0; Scale/3.00)",
	}
}

// Client queries the process-lookup API.
type Client struct {
	cfg   Config
	http  *http.Client
	creds CredentialRecorder
	audit Auditor

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithAuditor records credential deactivations.
func WithAuditor(a Auditor) Option {
	return func(c *Client) { c.audit = a }
}

// New creates a Client. creds may be nil in tests.
func New(cfg Config, creds CredentialRecorder, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	c := &Client{
		cfg:      cfg,
		http:     &http.Client{},
		creds:    creds,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the connector identifier.
func (c *Client) Name() string {
	return "giustizia"
}

type response struct {
	Risultati []result `json:"risultati"`
}

type result struct {
	Stato               string `json:"stato"`
	Tribunale           string `json:"tribunale"`
	Giudice             string `json:"giudice"`
	ProssimaUdienza     string `json:"prossima_udienza"`
	UltimoAggiornamento string `json:"ultimo_aggiornamento"`
}

func (r result) status() detect.ProcessStatus {
	return detect.NewStatus(
		detect.Field{Label: "Stato", Value: r.Stato},
		detect.Field{Label: "Tribunale", Value: r.Tribunale},
		detect.Field{Label: "Giudice", Value: r.Giudice},
		detect.Field{Label: "Prossima udienza", Value: r.ProssimaUdienza},
		detect.Field{Label: "Ultimo aggiornamento", Value: r.UltimoAggiornamento},
	)
}

// Throttle blocks until cred may send another request.
func (c *Client) Throttle(ctx context.Context, cred *models.Credential) error {
	return c.limiter(cred.ID).Wait(ctx)
}

// FetchStatus performs one lookup for client using cred. It does not wait on
// the rate limit; callers use Throttle first.
func (c *Client) FetchStatus(ctx context.Context, client *models.Client, cred *models.Credential, timeout time.Duration) (*detect.ProcessStatus, error) {
	status, err := c.fetch(ctx, client.ProcessNumber, client.ProcessYear, cred, timeout)
	c.recordUse(ctx, cred, err)

	if err != nil && connectors.ReasonOf(err) == connectors.ReasonCredentialInvalid {
		c.deactivate(ctx, cred, client.ProcessRef())
	}
	return status, err
}

// TestCredential probes the API with a dummy process. A not_found answer
// means the credential was accepted.
func (c *Client) TestCredential(ctx context.Context, cred *models.Credential) error {
	previous := cred.Status
	if err := c.Throttle(ctx, cred); err != nil {
		return connectors.Transient(connectors.ReasonRateLimited, err)
	}
	c.setStatus(ctx, cred.ID, models.CredentialTesting)

	_, err := c.fetch(ctx, probeNumber, probeYear, cred, 30*time.Second)
	c.recordUse(ctx, cred, err)

	switch {
	case err == nil, connectors.ReasonOf(err) == connectors.ReasonNotFound:
		c.setStatus(ctx, cred.ID, models.CredentialActive)
		return nil
	case connectors.ReasonOf(err) == connectors.ReasonCredentialInvalid:
		c.deactivate(ctx, cred, "credential test")
		return err
	default:
		c.setStatus(ctx, cred.ID, previous)
		return err
	}
}

func (c *Client) fetch(ctx context.Context, number string, year int, cred *models.Credential, timeout time.Duration) (*detect.ProcessStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.requestURL(number, year, cred), nil)
	if err != nil {
		return nil, connectors.Fatal(connectors.ReasonRejected, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "it-IT,it;q=0.9")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, callCtx, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, connectors.Fatal(connectors.ReasonCredentialInvalid, fmt.Errorf("http %d", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		return nil, connectors.Fatal(connectors.ReasonNotFound, nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, connectors.Transient(connectors.ReasonRateLimited, fmt.Errorf("http %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return nil, connectors.Transient(connectors.ReasonServerError, fmt.Errorf("http %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, connectors.Fatal(connectors.ReasonRejected, fmt.Errorf("http %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, connectors.Transient(connectors.ReasonBadResponse, fmt.Errorf("http %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, classifyTransport(ctx, callCtx, err)
	}

	var data response
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, connectors.Transient(connectors.ReasonBadResponse, fmt.Errorf("decode response: %w", err))
	}
	if len(data.Risultati) == 0 {
		return nil, connectors.Fatal(connectors.ReasonNotFound, nil)
	}

	status := data.Risultati[0].status()
	if status.Text == "" {
		return nil, connectors.Transient(connectors.ReasonBadResponse, errors.New("empty process record"))
	}
	return &status, nil
}

func (c *Client) requestURL(number string, year int, cred *models.Credential) string {
	q := url.Values{}
	q.Set("azione", "direttarg_sicid_mobile")
	q.Set("registro", c.cfg.Registro)
	q.Set("idufficio", c.cfg.IDUfficio)
	q.Set("numproc", number)
	q.Set("aaproc", strconv.Itoa(year))
	q.Set("tipoufficio", c.cfg.TipoUfficio)
	q.Set("uuid", cred.UUID)
	q.Set("devicename", c.cfg.DeviceName)
	q.Set("version", c.cfg.AppVersion)
	q.Set("platform", c.cfg.Platform)
	q.Set("_", strconv.FormatInt(time.Now().UnixMilli(), 10))
	return c.cfg.BaseURL + "?" + q.Encode()
}

// classifyTransport maps a transport failure to the error taxonomy.
func classifyTransport(parent, call context.Context, err error) error {
	if parent.Err() == nil && errors.Is(call.Err(), context.DeadlineExceeded) {
		return connectors.Transient(connectors.ReasonTimeout, err)
	}
	return connectors.Transient(connectors.ReasonNetwork, err)
}

func (c *Client) limiter(credentialID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	lim, ok := c.limiters[credentialID]
	if !ok {
		rpm := c.cfg.RequestsPerMinute
		if rpm <= 0 {
			lim = rate.NewLimiter(rate.Inf, 1)
		} else {
			lim = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1)
		}
		c.limiters[credentialID] = lim
	}
	return lim
}

func (c *Client) recordUse(ctx context.Context, cred *models.Credential, err error) {
	if c.creds == nil {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if rerr := c.creds.RecordCredentialUse(context.WithoutCancel(ctx), cred.ID, err == nil, msg); rerr != nil {
		logger.Warningf("record use of credential %s: %v", cred.ID, rerr)
	}
}

func (c *Client) setStatus(ctx context.Context, credentialID string, status models.CredentialStatus) {
	if c.creds == nil {
		return
	}
	if err := c.creds.SetCredentialStatus(context.WithoutCancel(ctx), credentialID, status); err != nil {
		logger.Warningf("set credential %s to %s: %v", credentialID, status, err)
	}
}

func (c *Client) deactivate(ctx context.Context, cred *models.Credential, reason string) {
	logger.Warningf("credential %s (%s) rejected by remote, marking inactive", cred.ID, cred.Name)
	c.setStatus(ctx, cred.ID, models.CredentialInactive)
	if c.audit == nil {
		return
	}
	inputs := map[string]string{"credential_id": cred.ID, "trigger": reason}
	if _, err := c.audit.Record(context.WithoutCancel(ctx), "credential.deactivate", inputs, "inactive", "", reason); err != nil {
		logger.Warningf("audit credential %s: %v", cred.ID, err)
	}
}
