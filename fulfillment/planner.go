package fulfillment

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/enrollment_backend/gateway"
)

var ErrNoEmail = errors.New("payment has no customer email")

// PaymentLookup is the single-payment read used to find who paid and for what.
type PaymentLookup interface {
	GetPayment(ctx context.Context, paymentKey string) (*gateway.PaymentDetail, error)
}

// Planner turns a gateway-only transaction into a Task.
type Planner struct {
	catalog  *Catalog
	subjects *SubjectIndex
	payments PaymentLookup
}

func NewPlanner(catalog *Catalog, subjects *SubjectIndex, payments PaymentLookup) *Planner {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Planner{catalog: catalog, subjects: subjects, payments: payments}
}

// Plan resolves email (payment lookup), course (catalog) and subject (index). The error tells
// which of the three failed; callers list such orders for manual follow-up.
func (p *Planner) Plan(ctx context.Context, tx gateway.Transaction) (Task, error) {
	detail := &gateway.PaymentDetail{
		OrderID:       tx.OrderID,
		OrderName:     tx.OrderName,
		CustomerEmail: tx.CustomerEmail,
		CustomerName:  tx.CustomerName,
		TotalAmount:   tx.Amount,
	}
	if p.payments != nil && tx.PaymentKey != "" {
		d, err := p.payments.GetPayment(ctx, tx.PaymentKey)
		if err != nil {
			return Task{}, fmt.Errorf("payment detail %s: %w", tx.OrderID, err)
		}
		detail = d
		if detail.OrderName == "" {
			detail.OrderName = tx.OrderName
		}
		if detail.CustomerEmail == "" {
			detail.CustomerEmail = tx.CustomerEmail
		}
	}
	if detail.CustomerEmail == "" {
		return Task{}, fmt.Errorf("%w: order %s", ErrNoEmail, tx.OrderID)
	}

	course, _, err := p.catalog.Resolve(detail.CourseID, tx.OrderID, detail.OrderName, tx.Amount)
	if err != nil {
		return Task{}, err
	}
	subject, err := p.subjects.Lookup(detail.CustomerEmail)
	if err != nil {
		return Task{}, err
	}

	return Task{
		Subject:     subject,
		Email:       detail.CustomerEmail,
		OrderID:     tx.OrderID,
		CourseID:    course.ID,
		CourseName:  course.Name,
		Amount:      tx.Amount,
		PaymentDate: tx.OccurredAt,
		Method:      tx.Method,
	}, nil
}
