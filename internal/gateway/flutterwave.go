package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/viper"
)

// Client is the payment-provider capability the reconciliation engine
// depends on. Calls are best-effort: a failure degrades to "payment stays
// pending", it never blocks or retries in the request path.
type Client interface {
	CreatePaymentLink(ctx context.Context, req PaymentLinkRequest) (*PaymentLinkResponse, error)
	GetTransactionStatus(ctx context.Context, txRef string) (*TransactionStatus, error)
}

type PaymentLinkRequest struct {
	TxRef         string
	Amount        int64
	Currency      string
	RedirectURL   string
	CustomerEmail string
}

type PaymentLinkResponse struct {
	Link       string
	ProviderID string
}

type TransactionStatus struct {
	Status        string
	ProviderID    string
	Amount        int64
	Currency      string
	CustomerEmail string
	CustomerPhone string
}

// Config holds provider settings
type Config struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	ReturnURL     string
}

// GetConfig returns gateway configuration with defaults
func GetConfig() *Config {
	viper.SetDefault("flutterwave.base_url", "https://api.flutterwave.com/v3")
	viper.SetDefault("flutterwave.webhook_secret", "test-webhook-secret")

	return &Config{
		BaseURL:       viper.GetString("flutterwave.base_url"),
		SecretKey:     viper.GetString("flutterwave.secret_key"),
		WebhookSecret: viper.GetString("flutterwave.webhook_secret"),
		ReturnURL:     viper.GetString("flutterwave.return_url"),
	}
}

// ComputeSignature returns the hex HMAC-SHA256 of the exact raw bytes. The
// webhook handler must feed it the body as received, never a re-serialization
// of the parsed payload.
func (c *Config) ComputeSignature(raw []byte) string {
	mac := hmac.New(sha256.New, []byte(c.WebhookSecret))
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares in constant time.
func (c *Config) VerifySignature(raw []byte, signature string) bool {
	if signature == "" {
		return false
	}
	return hmac.Equal([]byte(c.ComputeSignature(raw)), []byte(signature))
}

// FlutterwaveClient talks to the Flutterwave v3 REST API. With no secret key
// configured it runs in sandbox mode: init returns a fake hosted link and
// verification reports the gateway unavailable.
type FlutterwaveClient struct {
	cfg        *Config
	httpClient *http.Client
}

func NewFlutterwaveClient(cfg *Config) *FlutterwaveClient {
	return &FlutterwaveClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *FlutterwaveClient) CreatePaymentLink(ctx context.Context, req PaymentLinkRequest) (*PaymentLinkResponse, error) {
	if c.cfg.SecretKey == "" {
		// sandbox response when the provider is not configured
		return &PaymentLinkResponse{
			Link:       "https://sandbox.flutterwave.com/pay/" + req.TxRef,
			ProviderID: "mock-" + req.TxRef,
		}, nil
	}

	payload := map[string]any{
		"tx_ref":       req.TxRef,
		"amount":       fmt.Sprintf("%d", req.Amount),
		"currency":     req.Currency,
		"redirect_url": req.RedirectURL,
		"customer":     map[string]string{"email": req.CustomerEmail},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal init payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/payments", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build init request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.SecretKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gateway init call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway init returned status %d", resp.StatusCode)
	}

	var decoded struct {
		Status string `json:"status"`
		Data   struct {
			ID   json.Number `json:"id"`
			Link string      `json:"link"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode init response: %w", err)
	}

	return &PaymentLinkResponse{
		Link:       decoded.Data.Link,
		ProviderID: decoded.Data.ID.String(),
	}, nil
}

func (c *FlutterwaveClient) GetTransactionStatus(ctx context.Context, txRef string) (*TransactionStatus, error) {
	if c.cfg.SecretKey == "" {
		return nil, fmt.Errorf("flutterwave secret key not configured")
	}

	reqURL := c.cfg.BaseURL + "/transactions?tx_ref=" + url.QueryEscape(txRef)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build verify request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.SecretKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gateway verify call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway verify returned status %d", resp.StatusCode)
	}

	var decoded struct {
		Status string `json:"status"`
		Data   []struct {
			ID       json.Number `json:"id"`
			Status   string      `json:"status"`
			Amount   json.Number `json:"amount"`
			Currency string      `json:"currency"`
			Customer struct {
				Email string `json:"email"`
				Phone string `json:"phone_number"`
			} `json:"customer"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode verify response: %w", err)
	}
	if decoded.Status != "success" || len(decoded.Data) == 0 {
		return nil, fmt.Errorf("transaction %s not found on provider", txRef)
	}

	// prefer the successful transaction when the provider reports several
	pick := decoded.Data[0]
	for _, tx := range decoded.Data {
		if tx.Status == "successful" {
			pick = tx
			break
		}
	}

	amount, _ := pick.Amount.Int64()
	return &TransactionStatus{
		Status:        pick.Status,
		ProviderID:    pick.ID.String(),
		Amount:        amount,
		Currency:      pick.Currency,
		CustomerEmail: pick.Customer.Email,
		CustomerPhone: pick.Customer.Phone,
	}, nil
}
