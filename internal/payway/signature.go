package payway

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
)

// PurchaseRequest carries every parameter of the gateway's purchase API.
// All hashed fields are sent in the request body even when empty; omitting a
// hashed-but-empty field makes the gateway reject the signature.
type PurchaseRequest struct {
	ReqTime            string // YYYYMMDDhhmmss, UTC
	MerchantID         string
	TranID             string
	Amount             string // decimal string, e.g. "20.00"
	Items              string // base64 JSON item list
	Shipping           string
	Firstname          string
	Lastname           string
	Email              string
	Phone              string
	Type               string // transaction type, "purchase"
	PaymentOption      string
	ReturnURL          string
	CancelURL          string
	ContinueSuccessURL string
	ReturnDeeplink     string
	Currency           string
	CustomFields       string
	ReturnParams       string
	Payout             string
	Lifetime           string
	AdditionalParams   string
	GooglePayToken     string
	SkipSuccessPage    string

	// ViewType is not part of the hash. Sending it at all switches the
	// gateway from an HTML redirect to a JSON response, so callers must be
	// deliberate about its presence, not just its value.
	ViewType string
}

// hashFields returns the hashed parameters in the gateway's fixed order.
// The order is part of the wire contract: reordering silently breaks
// verification on the gateway side without any local error.
func (r *PurchaseRequest) hashFields() []string {
	return []string{
		r.ReqTime,
		r.MerchantID,
		r.TranID,
		r.Amount,
		r.Items,
		r.Shipping,
		r.Firstname,
		r.Lastname,
		r.Email,
		r.Phone,
		r.Type,
		r.PaymentOption,
		r.ReturnURL,
		r.CancelURL,
		r.ContinueSuccessURL,
		r.ReturnDeeplink,
		r.Currency,
		r.CustomFields,
		r.ReturnParams,
		r.Payout,
		r.Lifetime,
		r.AdditionalParams,
		r.GooglePayToken,
		r.SkipSuccessPage,
	}
}

// Signer computes the gateway message signature with the shared merchant key.
type Signer struct {
	apiKey []byte
}

func NewSigner(apiKey string) *Signer {
	return &Signer{apiKey: []byte(apiKey)}
}

// Hash returns the base64-encoded HMAC-SHA-512 digest over the concatenation
// of the request's hashed fields in wire order.
func (s *Signer) Hash(req *PurchaseRequest) string {
	mac := hmac.New(sha512.New, s.apiKey)
	for _, f := range req.hashFields() {
		mac.Write([]byte(f))
	}
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
