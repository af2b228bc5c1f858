package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fentz26/procmon/internal/models"
	"github.com/fentz26/procmon/internal/store"
)

var importCmd = &cobra.Command{
	Use:   "import [fixture.yaml]",
	Short: "Load credentials and clients from a YAML file",
	Long: `Reads a YAML file with "credentials" and "clients" lists and inserts them
into the database. Clients whose process is already monitored and credentials
whose device UUID is already known are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	importCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
}

var fixtureValidate = validator.New()

// Fixture is the import file layout.
type Fixture struct {
	Credentials []FixtureCredential `yaml:"credentials" validate:"dive"`
	Clients     []FixtureClient     `yaml:"clients" validate:"dive"`
}

// FixtureCredential is a credential plus the key clients refer to it by.
type FixtureCredential struct {
	Key        string `yaml:"key" validate:"required"`
	Owner      string `yaml:"owner" validate:"required"`
	Name       string `yaml:"name"`
	UUID       string `yaml:"uuid" validate:"required"`
	Token      string `yaml:"token" validate:"required"`
	DeviceType string `yaml:"device_type"`
}

// FixtureClient is a monitored client. Active defaults to true.
type FixtureClient struct {
	Name          string `yaml:"name" validate:"required"`
	ProcessNumber string `yaml:"process_number" validate:"required,numeric"`
	ProcessYear   int    `yaml:"process_year" validate:"required,gte=1900,lte=2100"`
	Email         string `yaml:"email" validate:"omitempty,email"`
	Phone         string `yaml:"phone"`
	Notes         string `yaml:"notes"`
	Credential    string `yaml:"credential"`
	Active        *bool  `yaml:"active"`
}

// ImportResult counts what an import inserted and skipped.
type ImportResult struct {
	Credentials        int
	Clients            int
	SkippedCredentials int
	SkippedClients     int
}

// readFixture parses and validates an import file.
func readFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := fixtureValidate.Struct(&f); err != nil {
		return nil, fmt.Errorf("invalid fixture: %w", err)
	}
	return &f, nil
}

// importFixture inserts the fixture's credentials then its clients.
func importFixture(ctx context.Context, s *store.Store, f *Fixture) (*ImportResult, error) {
	var res ImportResult

	existing, err := s.ListCredentials(ctx)
	if err != nil {
		return nil, err
	}
	byUUID := make(map[string]string, len(existing))
	for _, c := range existing {
		byUUID[c.UUID] = c.ID
	}

	keys := make(map[string]string, len(f.Credentials))
	for _, fc := range f.Credentials {
		if _, dup := keys[fc.Key]; dup {
			return nil, fmt.Errorf("credential key %q used twice", fc.Key)
		}
		if id, ok := byUUID[fc.UUID]; ok {
			keys[fc.Key] = id
			res.SkippedCredentials++
			continue
		}
		deviceType := fc.DeviceType
		if deviceType == "" {
			deviceType = "android"
		}
		cred, err := s.CreateCredential(ctx, &models.Credential{
			Owner:      fc.Owner,
			Name:       fc.Name,
			UUID:       fc.UUID,
			Token:      fc.Token,
			DeviceType: deviceType,
		})
		if err != nil {
			return nil, err
		}
		keys[fc.Key] = cred.ID
		byUUID[fc.UUID] = cred.ID
		res.Credentials++
	}

	for _, fc := range f.Clients {
		credID := ""
		if fc.Credential != "" {
			id, ok := keys[fc.Credential]
			if !ok {
				return nil, fmt.Errorf("client %q: unknown credential %q", fc.Name, fc.Credential)
			}
			credID = id
		}
		active := true
		if fc.Active != nil {
			active = *fc.Active
		}
		_, err := s.CreateClient(ctx, &models.Client{
			Name:          fc.Name,
			ProcessNumber: fc.ProcessNumber,
			ProcessYear:   fc.ProcessYear,
			Email:         fc.Email,
			Phone:         fc.Phone,
			Notes:         fc.Notes,
			CredentialID:  credID,
			Active:        active,
		})
		if errors.Is(err, store.ErrDuplicateProcess) {
			logger.Debugf("skipping %s: process %s/%d already monitored", fc.Name, fc.ProcessNumber, fc.ProcessYear)
			res.SkippedClients++
			continue
		}
		if err != nil {
			return nil, err
		}
		res.Clients++
	}
	return &res, nil
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.ConfigureLogging(); err != nil {
		return err
	}

	f, err := readFixture(args[0])
	if err != nil {
		return err
	}

	s, err := openStore(cfg.Database)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := importFixture(cmd.Context(), s, f)
	if err != nil {
		return err
	}
	fmt.Printf("Imported %d credential(s), %d client(s)", res.Credentials, res.Clients)
	if res.SkippedCredentials+res.SkippedClients > 0 {
		fmt.Printf(" (skipped %d credential(s), %d client(s) already present)", res.SkippedCredentials, res.SkippedClients)
	}
	fmt.Println()
	return nil
}
