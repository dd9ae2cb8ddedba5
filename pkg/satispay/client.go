package satispay

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/residenza/backoffice/pkg/config"
	"github.com/residenza/backoffice/pkg/logger"
	"github.com/residenza/backoffice/pkg/providerhttp"
	"github.com/residenza/backoffice/pkg/signature"
)

const (
	sandboxEnv    = "sandbox"
	productionEnv = "production"

	paymentsPath = "/g_business/v1/payments"
)

var baseURLs = map[string]string{
	sandboxEnv:    "https://staging.authservices.satispay.com",
	productionEnv: "https://authservices.satispay.com",
}

var (
	errKeyIDRequired      = errors.New("satispay key id is required")
	errPrivateKeyRequired = errors.New("satispay private key is required")
)

// Payment statuses returned by the g_business API.
const (
	StatusPending    = "PENDING"
	StatusAccepted   = "ACCEPTED"
	StatusCanceled   = "CANCELED"
	StatusAuthorized = "AUTHORIZED"
)

// Payment is the g_business payment resource.
type Payment struct {
	ID             string            `json:"id"`
	CodeIdentifier string            `json:"code_identifier"`
	Type           string            `json:"type"`
	AmountUnit     int64             `json:"amount_unit"`
	Currency       string            `json:"currency"`
	Status         string            `json:"status"`
	Expired        bool              `json:"expired"`
	ExternalCode   string            `json:"external_code"`
	RedirectURL    string            `json:"redirect_url"`
	Metadata       map[string]string `json:"metadata"`
	InsertDate     string            `json:"insert_date"`
}

// CreatePaymentRequest is the body for POST /g_business/v1/payments.
type CreatePaymentRequest struct {
	Flow         string            `json:"flow"`
	AmountUnit   int64             `json:"amount_unit"`
	Currency     string            `json:"currency"`
	ExternalCode string            `json:"external_code"`
	CallbackURL  string            `json:"callback_url,omitempty"`
	RedirectURL  string            `json:"redirect_url,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Client signs every request with the merchant RSA key (HTTP Signatures over
// request-target, host, date and digest).
type Client struct {
	transport   *providerhttp.Client
	keyID       string
	key         *rsa.PrivateKey
	environment string
	now         func() time.Time
}

// NewClient loads the private key from config and binds the environment base URL.
func NewClient(ctx context.Context, cfg config.SatispayConfig, logg *logger.Logger) (*Client, error) {
	keyID := strings.TrimSpace(cfg.KeyID)
	if keyID == "" {
		return nil, errKeyIDRequired
	}
	pemData := []byte(strings.TrimSpace(cfg.PrivateKeyPEM))
	if len(pemData) == 0 && cfg.PrivateKeyPath != "" {
		raw, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read satispay private key: %w", err)
		}
		pemData = raw
	}
	if len(pemData) == 0 {
		return nil, errPrivateKeyRequired
	}
	key, err := signature.ParseRSAPrivateKey(pemData)
	if err != nil {
		return nil, fmt.Errorf("satispay private key: %w", err)
	}

	env := cfg.Environment()
	client, err := New(baseURLs[env], keyID, key, nil, logg)
	if err != nil {
		return nil, err
	}
	client.environment = env
	if logg != nil {
		logg.Info(ctx, fmt.Sprintf("satispay client initialized (%s)", env))
	}
	return client, nil
}

// New builds a client against an explicit base URL.
func New(baseURL, keyID string, key *rsa.PrivateKey, httpClient providerhttp.Doer, logg *logger.Logger) (*Client, error) {
	if key == nil {
		return nil, errPrivateKeyRequired
	}
	c := &Client{keyID: keyID, key: key, environment: sandboxEnv, now: time.Now}
	transport, err := providerhttp.New(providerhttp.Options{
		Provider:   "satispay",
		BaseURL:    baseURL,
		HTTPClient: httpClient,
		Logger:     logg,
		Authorize:  c.sign,
	})
	if err != nil {
		return nil, err
	}
	c.transport = transport
	return c, nil
}

// Environment reports sandbox or production.
func (c *Client) Environment() string {
	return c.environment
}

// CreatePayment opens a MATCH_CODE payment the customer confirms in the app.
func (c *Client) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*Payment, error) {
	if req.Flow == "" {
		req.Flow = "MATCH_CODE"
	}
	var out Payment
	err := c.transport.Do(ctx, providerhttp.Request{
		Op:      "create_payment",
		Method:  http.MethodPost,
		Path:    paymentsPath,
		Body:    req,
		Headers: map[string]string{"Idempotency-Key": req.ExternalCode},
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPayment returns the current state of a payment.
func (c *Client) GetPayment(ctx context.Context, id string) (*Payment, error) {
	var out Payment
	err := c.transport.Do(ctx, providerhttp.Request{
		Op:     "get_payment",
		Method: http.MethodGet,
		Path:   paymentsPath + "/" + url.PathEscape(id),
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) sign(req *http.Request, body []byte) error {
	date := c.now().UTC().Format(time.RFC1123Z)
	digest := signature.Digest(body)
	host := req.URL.Host

	req.Header.Set("Date", date)
	req.Header.Set("Digest", digest)
	req.Host = host

	signingString := SigningString(req.Method, req.URL.RequestURI(), host, date, digest)
	sig, err := signature.SignRSA(c.key, signingString)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf(
		`Signature keyId="%s", algorithm="rsa-sha256", headers="(request-target) host date digest", signature="%s"`,
		c.keyID, sig,
	))
	return nil
}

// SigningString builds the HTTP Signatures string Satispay expects.
func SigningString(method, requestURI, host, date, digest string) string {
	return strings.Join([]string{
		"(request-target): " + strings.ToLower(method) + " " + requestURI,
		"host: " + host,
		"date: " + date,
		"digest: " + digest,
	}, "\n")
}
