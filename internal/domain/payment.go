package domain

import "strings"

type PaymentStatus string

const (
	PaymentApproved PaymentStatus = "APPROVED"
	PaymentDeclined PaymentStatus = "DECLINED"
	PaymentVoided   PaymentStatus = "VOIDED"
	PaymentPending  PaymentStatus = "PENDING"
)

// NormalizePaymentStatus maps provider status strings onto the reconciler's vocabulary.
// ERROR is treated as a decline.
func NormalizePaymentStatus(raw string) (PaymentStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "APPROVED":
		return PaymentApproved, nil
	case "DECLINED", "ERROR":
		return PaymentDeclined, nil
	case "VOIDED":
		return PaymentVoided, nil
	case "PENDING":
		return PaymentPending, nil
	}
	return "", Invalidf("unknown payment status %q", raw)
}
