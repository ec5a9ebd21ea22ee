package payment

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/artpar/paygate/domain/money"
)

// X402Version is the protocol version advertised in 402 responses.
const X402Version = 1

// Wire header names.
const (
	HeaderPayment         = "X-Payment"
	HeaderPaymentResponse = "X-Payment-Response"
)

// Accepts describes one acceptable payment in a 402 response.
type Accepts struct {
	Scheme            string            `json:"scheme"`
	Network           string            `json:"network"`
	MaxAmountRequired string            `json:"maxAmountRequired"`
	Resource          string            `json:"resource"`
	PayTo             string            `json:"payTo"`
	Asset             string            `json:"asset"`
	MaxTimeoutSeconds int               `json:"maxTimeoutSeconds"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// RequiredResponse is the 402 Payment Required body.
type RequiredResponse struct {
	Error       string  `json:"error"`
	Message     string  `json:"message"`
	Accepts     Accepts `json:"accepts"`
	X402Version int     `json:"x402Version"`
}

// AcceptedResponse is the X-Payment-Response header payload attached
// to admitted requests.
type AcceptedResponse struct {
	Status  string `json:"status"`
	TxHash  string `json:"txHash,omitempty"`
	Balance string `json:"balance,omitempty"`
}

// NewRequired builds the 402 body for a priced resource.
func NewRequired(kind ErrorKind, message, resource string, req Requirement, timeoutSeconds int) RequiredResponse {
	return RequiredResponse{
		Error:   string(kind),
		Message: message,
		Accepts: Accepts{
			Scheme:            "exact",
			Network:           req.Network,
			MaxAmountRequired: money.Format(req.Price),
			Resource:          resource,
			PayTo:             req.PayTo,
			Asset:             req.Asset,
			MaxTimeoutSeconds: timeoutSeconds,
		},
		X402Version: X402Version,
	}
}

// NewAccepted builds the X-Payment-Response payload for an admitted
// request.
func NewAccepted(txHash string) AcceptedResponse {
	return AcceptedResponse{Status: "accepted", TxHash: txHash}
}

// EncodeAccepted serializes an accepted response for the header.
func EncodeAccepted(r AcceptedResponse) string {
	b, _ := json.Marshal(r)
	return string(b)
}

// Proof header decode errors.
var (
	ErrNoProof  = errors.New("payment: no proof header")
	ErrBadProof = errors.New("payment: malformed proof header")
)

// DecodeProofHeader parses the base64-encoded JSON X-Payment header
// value into a Proof.
func DecodeProofHeader(value string) (Proof, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Proof{}, ErrNoProof
	}

	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		// Some clients send URL-safe base64.
		raw, err = base64.URLEncoding.DecodeString(value)
		if err != nil {
			return Proof{}, ErrBadProof
		}
	}

	var p Proof
	if err := json.Unmarshal(raw, &p); err != nil {
		return Proof{}, ErrBadProof
	}
	if p.Payer == "" || p.TxHash == "" || p.Network == "" {
		return Proof{}, ErrBadProof
	}
	return p, nil
}

// EncodeProofHeader serializes a Proof into the header form.
// The inverse of DecodeProofHeader; used by tests and clients.
func EncodeProofHeader(p Proof) string {
	b, _ := json.Marshal(p)
	return base64.StdEncoding.EncodeToString(b)
}
