// Package connectors defines the process-lookup interface and its error
// taxonomy.
package connectors

import (
	"context"
	"time"

	"github.com/fentz26/procmon/internal/detect"
	"github.com/fentz26/procmon/internal/models"
)

// Fetcher retrieves the current status of a client's judicial process.
type Fetcher interface {
	// Name returns the connector identifier.
	Name() string

	// FetchStatus performs one lookup bounded by timeout. Errors are
	// *TransientError or *FatalError.
	FetchStatus(ctx context.Context, client *models.Client, cred *models.Credential, timeout time.Duration) (*detect.ProcessStatus, error)
}

// CredentialTester probes whether a credential is accepted by the remote API.
type CredentialTester interface {
	TestCredential(ctx context.Context, cred *models.Credential) error
}

// Throttler is implemented by fetchers with a per-credential rate limit.
// Callers wait on Throttle before each FetchStatus; FetchStatus itself does
// not wait.
type Throttler interface {
	Throttle(ctx context.Context, cred *models.Credential) error
}
