// Package secrets fetches registry credentials from the cloud secret
// store. The caller identity is the node's own service account,
// asserted by the instance metadata server - no secret material is
// ever embedded in the image or the bootstrap payload.
package secrets

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultMetadataURL = "http://metadata.google.internal"
	defaultStoreURL    = "https://secretmanager.googleapis.com"
)

// UnauthorizedError means the store rejected the caller's identity
// for the named secret.
type UnauthorizedError struct {
	Secret string
	Status int
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("access to secret %q denied (status %d)", e.Secret, e.Status)
}

// Credential is the registry username/token pair held as the secret
// payload. It lives in memory only; the token reaches the registry
// login over stdin.
type Credential struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

type Client struct {
	MetadataURL string
	StoreURL    string
	HTTPClient  *http.Client
	Logger      zerolog.Logger
}

func NewClient(logger zerolog.Logger) *Client {
	return &Client{
		MetadataURL: defaultMetadataURL,
		StoreURL:    defaultStoreURL,
		HTTPClient:  &http.Client{Timeout: time.Second * 30},
		Logger:      logger,
	}
}

// AccessSecret resolves one secret version and returns its raw
// payload. Nothing is cached or persisted.
func (c *Client) AccessSecret(ctx context.Context, project, name, version string) ([]byte, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting access token: %w", err)
	}
	if version == "" {
		version = "latest"
	}

	url := fmt.Sprintf("%s/v1/projects/%s/secrets/%s/versions/%s:access", c.StoreURL, project, name, version)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting secret %q: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == 401 || resp.StatusCode == 403 {
		return nil, &UnauthorizedError{Secret: name, Status: resp.StatusCode}
	}
	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("secret store returned status %d: %s", resp.StatusCode, body)
	}

	payload := struct {
		Payload struct {
			Data string `json:"data"`
		} `json:"payload"`
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding secret response: %w", err)
	}

	value, err := base64.StdEncoding.DecodeString(payload.Payload.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding secret payload: %w", err)
	}

	c.Logger.Info().Str("secret", name).Str("version", version).Msg("fetched secret from store")
	return value, nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET",
		c.MetadataURL+"/computeMetadata/v1/instance/service-accounts/default/token", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("querying metadata server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return "", fmt.Errorf("metadata server returned status %d", resp.StatusCode)
	}

	body := struct {
		AccessToken string `json:"access_token"`
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("metadata server returned an empty token")
	}

	return body.AccessToken, nil
}

// ParseCredential decodes the username/token document stored as the
// secret payload.
func ParseCredential(value []byte) (*Credential, error) {
	cred := &Credential{}
	if err := json.Unmarshal(value, cred); err != nil {
		return nil, fmt.Errorf("the secret payload is not a username/token document: %w", err)
	}
	if cred.Username == "" || cred.Token == "" {
		return nil, fmt.Errorf("the secret payload is missing a username or token")
	}
	return cred, nil
}

// Zero wipes a raw secret buffer once it has been parsed.
func Zero(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
