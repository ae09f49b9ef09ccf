package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sethvargo/go-envconfig"
)

// ErrMissingCredentials matches any CredentialError.
var ErrMissingCredentials = errors.New("auth: missing credentials")

// Credentials are the LWA application secrets and one refresh token per
// region.
type Credentials struct {
	ClientID       string `env:"SP_LWA_CLIENT_ID"`
	ClientSecret   string `env:"SP_LWA_CLIENT_SECRET"`
	RefreshTokenNA string `env:"SP_REFRESH_TOKEN_NA"`
	RefreshTokenEU string `env:"SP_REFRESH_TOKEN_EU"`
	RefreshTokenFE string `env:"SP_REFRESH_TOKEN_FE"`
}

// CredentialsFromEnv reads credentials from the process environment.
func CredentialsFromEnv(ctx context.Context) (Credentials, error) {
	var c Credentials
	if err := envconfig.Process(ctx, &c); err != nil {
		return c, fmt.Errorf("read credentials: %w", err)
	}
	return c, nil
}

// RefreshToken returns the refresh token for region and the variable it is
// read from.
func (c Credentials) RefreshToken(region string) (token, envVar string) {
	switch strings.ToUpper(region) {
	case "NA":
		return c.RefreshTokenNA, "SP_REFRESH_TOKEN_NA"
	case "EU":
		return c.RefreshTokenEU, "SP_REFRESH_TOKEN_EU"
	case "FE":
		return c.RefreshTokenFE, "SP_REFRESH_TOKEN_FE"
	default:
		return "", "SP_REFRESH_TOKEN_" + strings.ToUpper(region)
	}
}

// Validate returns a *CredentialError naming every variable needed for
// region that is empty.
func (c Credentials) Validate(region string) error {
	var missing []string
	if c.ClientID == "" {
		missing = append(missing, "SP_LWA_CLIENT_ID")
	}
	if c.ClientSecret == "" {
		missing = append(missing, "SP_LWA_CLIENT_SECRET")
	}
	if token, envVar := c.RefreshToken(region); token == "" {
		missing = append(missing, envVar)
	}
	if len(missing) > 0 {
		return &CredentialError{Region: region, Missing: missing}
	}
	return nil
}

// CredentialError reports secrets that are absent. A run that hits it
// aborts before any unit is attempted.
type CredentialError struct {
	Region  string
	Missing []string
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("missing SP-API credentials for region %s: %s", e.Region, strings.Join(e.Missing, ", "))
}

func (e *CredentialError) Is(target error) bool {
	return target == ErrMissingCredentials
}
