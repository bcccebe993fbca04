package payway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// StatusSuccess is the gateway status code reported for an approved
// transaction, both in purchase responses and in return callbacks.
const StatusSuccess = "0"

// CheckoutResponse is the gateway's answer to a purchase call: either
// redirect data or a QR/deeplink payload depending on the payment option.
type CheckoutResponse struct {
	Status      CheckoutStatus `json:"status"`
	CheckoutURL string         `json:"checkout_url,omitempty"`
	QRString    string         `json:"qr_string,omitempty"`
	Deeplink    string         `json:"abapay_deeplink,omitempty"`
	Raw         []byte         `json:"-"`
}

type CheckoutStatus struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client calls the gateway purchase API over HTTPS with a bounded timeout.
type Client struct {
	baseURL    string
	merchantID string
	signer     *Signer
	httpClient *http.Client
	logger     *zerolog.Logger
}

func NewClient(baseURL, merchantID, apiKey string, timeout time.Duration, logger *zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		merchantID: merchantID,
		signer:     NewSigner(apiKey),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Signer exposes the client's signer for request preparation.
func (c *Client) Signer() *Signer { return c.signer }

// MerchantID returns the configured merchant account id.
func (c *Client) MerchantID() string { return c.merchantID }

// Purchase signs and submits the purchase request. A non-success status code
// from the gateway is returned as an error; the caller treats any error from
// here as a GatewayError and rolls back.
func (c *Client) Purchase(ctx context.Context, req *PurchaseRequest) (*CheckoutResponse, error) {
	req.MerchantID = c.merchantID
	hash := c.signer.Hash(req)

	form := url.Values{}
	// Every hashed field goes into the body, present even when empty.
	form.Set("req_time", req.ReqTime)
	form.Set("merchant_id", req.MerchantID)
	form.Set("tran_id", req.TranID)
	form.Set("amount", req.Amount)
	form.Set("items", req.Items)
	form.Set("shipping", req.Shipping)
	form.Set("firstname", req.Firstname)
	form.Set("lastname", req.Lastname)
	form.Set("email", req.Email)
	form.Set("phone", req.Phone)
	form.Set("type", req.Type)
	form.Set("payment_option", req.PaymentOption)
	form.Set("return_url", req.ReturnURL)
	form.Set("cancel_url", req.CancelURL)
	form.Set("continue_success_url", req.ContinueSuccessURL)
	form.Set("return_deeplink", req.ReturnDeeplink)
	form.Set("currency", req.Currency)
	form.Set("custom_fields", req.CustomFields)
	form.Set("return_params", req.ReturnParams)
	form.Set("payout", req.Payout)
	form.Set("lifetime", req.Lifetime)
	form.Set("additional_params", req.AdditionalParams)
	form.Set("google_pay_token", req.GooglePayToken)
	form.Set("skip_success_page", req.SkipSuccessPage)
	form.Set("hash", hash)

	// view_type is outside the hash and only sent when requested.
	if req.ViewType != "" {
		form.Set("view_type", req.ViewType)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/payment-gateway/v1/payments/purchase",
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build purchase request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gateway purchase call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read gateway response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error().Int("http_status", resp.StatusCode).Str("tran_id", req.TranID).
			Bytes("body", body).Msg("gateway purchase rejected")
		return nil, fmt.Errorf("gateway returned http %d", resp.StatusCode)
	}

	var checkout CheckoutResponse
	if err := json.Unmarshal(body, &checkout); err != nil {
		return nil, fmt.Errorf("decode gateway response: %w", err)
	}
	checkout.Raw = body

	if checkout.Status.Code != StatusSuccess {
		c.logger.Error().Str("tran_id", req.TranID).Str("code", checkout.Status.Code).
			Str("message", checkout.Status.Message).Msg("gateway declined purchase")
		return nil, fmt.Errorf("gateway declined: code %s", checkout.Status.Code)
	}

	return &checkout, nil
}

// ReqTime formats a timestamp the way the gateway expects it in req_time.
func ReqTime(t time.Time) string {
	return t.UTC().Format("20060102150405")
}

// Amount formats cents as the decimal string the gateway expects.
func Amount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
