// Package receipt sends receipt images to the remote extraction endpoint.
package receipt

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"expensesync/internal/remote"
)

// Doer is the part of the remote client used here.
type Doer interface {
	Do(ctx context.Context, r remote.Request, out any) error
}

// LineItem is one priced line read off a receipt.
type LineItem struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity,omitempty"`
	Amount      float64 `json:"amount"`
}

// Extraction is what the service read from a receipt.
type Extraction struct {
	Merchant  string     `json:"merchant"`
	Date      string     `json:"date"`
	Total     float64    `json:"total"`
	Currency  string     `json:"currency"`
	Text      string     `json:"text,omitempty"`
	LineItems []LineItem `json:"lineItems,omitempty"`
}

type extractRequest struct {
	Image    string `json:"image"`
	MimeType string `json:"mimeType"`
}

// Extractor calls the receipt extraction endpoint.
type Extractor struct {
	client   Doer
	endpoint string
	log      *zap.SugaredLogger
}

// NewExtractor creates an Extractor posting to endpoint.
func NewExtractor(client Doer, endpoint string, log *zap.SugaredLogger) *Extractor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Extractor{client: client, endpoint: endpoint, log: log}
}

// Extract uploads image and returns the parsed fields. The call needs a
// session token and is allowed remote.ReceiptTimeout.
func (e *Extractor) Extract(ctx context.Context, image []byte, mimeType string) (*Extraction, error) {
	if len(image) == 0 {
		return nil, errors.New("receipt image is empty")
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(image)
	}
	if !strings.HasPrefix(mimeType, "image/") && mimeType != "application/pdf" {
		return nil, errors.Newf("unsupported receipt type %q", mimeType)
	}

	var out Extraction
	err := e.client.Do(ctx, remote.Request{
		Method:       http.MethodPost,
		Endpoint:     e.endpoint,
		Body:         extractRequest{Image: base64.StdEncoding.EncodeToString(image), MimeType: mimeType},
		RequiresAuth: true,
		Timeout:      remote.ReceiptTimeout,
	}, &out)
	if err != nil {
		return nil, err
	}
	e.log.Infow("receipt extracted", "merchant", out.Merchant, "total", out.Total, "items", len(out.LineItems))
	return &out, nil
}
