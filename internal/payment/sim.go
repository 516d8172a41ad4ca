package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"grantline/internal/domain"
)

// SimGateway is an in-process gateway used in development mode and tests.
// Fees mirror typical method pricing so downstream accounting code sees
// realistic records. A failure script can be installed to exercise the
// retry path.
type SimGateway struct {
	method domain.PaymentMethod

	mu       sync.Mutex
	failures []error
	calls    int
}

func NewSimGateway(method domain.PaymentMethod) *SimGateway {
	return &SimGateway{method: method}
}

func (g *SimGateway) Method() domain.PaymentMethod { return g.method }

// FailWith queues errors returned by the next transfers, in order. Once
// the script is exhausted transfers succeed again.
func (g *SimGateway) FailWith(errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = append(g.failures, errs...)
}

// Calls reports how many transfers were attempted.
func (g *SimGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *SimGateway) fee(amount decimal.Decimal) decimal.Decimal {
	switch g.method {
	case domain.MethodCard:
		return amount.Mul(decimal.NewFromFloat(0.029)).Round(2)
	case domain.MethodWire:
		return decimal.NewFromInt(15)
	case domain.MethodCrypto:
		return amount.Mul(decimal.NewFromFloat(0.001)).Round(2)
	default:
		return decimal.NewFromFloat(0.35)
	}
}

func (g *SimGateway) Transfer(ctx context.Context, req TransferRequest) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	g.mu.Lock()
	g.calls++
	var scripted error
	if len(g.failures) > 0 {
		scripted = g.failures[0]
		g.failures = g.failures[1:]
	}
	g.mu.Unlock()
	if scripted != nil {
		return Receipt{}, scripted
	}
	return Receipt{
		Ref: fmt.Sprintf("sim-%s-%s", g.method, req.PaymentID[:8]),
		Fee: g.fee(req.Amount),
	}, nil
}
