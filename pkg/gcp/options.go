// Package gcp holds what the Pub/Sub and BigQuery clients share.
package gcp

import (
	"strings"

	"google.golang.org/api/option"

	"github.com/residenza/backoffice/pkg/config"
)

// ClientOptions picks explicit credentials when configured. Inline JSON wins
// over a credentials file; with neither, the libraries fall back to
// Application Default Credentials.
func ClientOptions(cfg config.GCPConfig) []option.ClientOption {
	switch {
	case strings.TrimSpace(cfg.CredentialsJSON) != "":
		return []option.ClientOption{option.WithCredentialsJSON([]byte(cfg.CredentialsJSON))}
	case strings.TrimSpace(cfg.ApplicationCredentials) != "":
		return []option.ClientOption{option.WithCredentialsFile(strings.TrimSpace(cfg.ApplicationCredentials))}
	}
	return nil
}
