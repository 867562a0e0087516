package refund

import (
	"context"
	"fmt"

	"github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"
	"github.com/shopspring/decimal"

	"github.com/coursekit/bookingcore/faults"
)

// subunitFactor converts major currency units to the gateway's integer
// subunits (pence).
var subunitFactor = decimal.NewFromInt(100)

// OmiseGateway settles refunds through the Omise payment API. The charge
// identifier recorded on the payment is the gateway's paymentReference.
type OmiseGateway struct {
	client *omise.Client
}

// NewOmiseGateway builds a gateway from API credentials.
func NewOmiseGateway(publicKey, secretKey string) (*OmiseGateway, error) {
	client, err := omise.NewClient(publicKey, secretKey)
	if err != nil {
		return nil, fmt.Errorf("creating omise client: %w", err)
	}

	return &OmiseGateway{client: client}, nil
}

// CreateRefund issues a refund against the charge and returns the external
// refund identifier.
func (g *OmiseGateway) CreateRefund(ctx context.Context, paymentReference string, amount decimal.Decimal, metadata map[string]string) (string, error) {
	meta := make(map[string]any, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}

	result := &omise.Refund{}
	op := &operations.CreateRefund{
		ChargeID: paymentReference,
		Amount:   amount.Mul(subunitFactor).IntPart(),
		Metadata: meta,
	}

	if err := g.client.Do(result, op); err != nil {
		return "", faults.Wrap(faults.KindGateway, fmt.Sprintf("omise refund for charge %s", paymentReference), err)
	}

	return result.ID, nil
}

var _ PaymentGateway = (*OmiseGateway)(nil)
