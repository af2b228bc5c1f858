package main

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/procmon/internal/models"
)

var credentialsCmd = &cobra.Command{
	Use:     "credentials",
	Aliases: []string{"creds"},
	Short:   "Inspect and test API credentials",
}

var credentialsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List credentials and their health",
	RunE:  runCredentialsList,
}

var credentialsTestCmd = &cobra.Command{
	Use:   "test [credential-id]",
	Short: "Probe a credential against the remote API",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredentialsTest,
}

func init() {
	credentialsCmd.AddCommand(credentialsListCmd, credentialsTestCmd)
}

func runCredentialsList(cmd *cobra.Command, args []string) error {
	var creds []models.Credential
	if err := apiGet("/api/credentials", &creds); err != nil {
		return err
	}
	if len(creds) == 0 {
		fmt.Println("No credentials")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOWNER\tNAME\tSTATUS\tREQUESTS\tFAILED\tLAST ERROR")
	for _, c := range creds {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			c.ID, c.Owner, c.Name, c.Status, c.TotalRequests, c.FailedRequests, truncate(c.LastError, 40))
	}
	return w.Flush()
}

func runCredentialsTest(cmd *cobra.Command, args []string) error {
	var res struct {
		Credential *models.Credential `json:"credential"`
		Valid      bool               `json:"valid"`
		Reason     string             `json:"reason"`
		Error      string             `json:"error"`
	}
	if err := apiPost("/api/credentials/"+url.PathEscape(args[0])+"/test", nil, &res); err != nil {
		return err
	}

	if res.Valid {
		fmt.Printf("Credential %s is valid\n", args[0])
	} else {
		fmt.Printf("Credential %s failed: %s (%s)\n", args[0], res.Reason, res.Error)
	}
	if res.Credential != nil {
		fmt.Printf("Status: %s\n", res.Credential.Status)
	}
	return nil
}
