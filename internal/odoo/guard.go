package odoo

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"vaultline/internal/frontmatter"
)

// DefaultPaymentThreshold is the largest payment executed without a fresh
// human approval.
const DefaultPaymentThreshold = 100.0

// PaymentGuard holds payments above Threshold for human approval.
type PaymentGuard struct {
	Threshold float64
}

func (g PaymentGuard) threshold() float64 {
	if g.Threshold > 0 {
		return g.Threshold
	}
	return DefaultPaymentThreshold
}

// NeedsApproval reports whether amount exceeds the threshold. Exactly the
// threshold passes.
func (g PaymentGuard) NeedsApproval(amount float64) bool {
	return amount > g.threshold()
}

// Reason describes why a payment was held.
func (g PaymentGuard) Reason(amount float64, partner string) string {
	to := ""
	if partner != "" {
		to = " to " + partner
	}
	return fmt.Sprintf("Payment of $%.2f%s exceeds $%.2f and requires human approval per the Company Handbook.", amount, to, g.threshold())
}

// AmountNotFound is the hold reason for payments with no readable amount.
const AmountNotFound = "payment amount not found; requires human approval"

var (
	amountLine   = regexp.MustCompile(`(?im)\b(?:amount|total)(?:\s+(?:due|of|is|paid))?\s*[:=]?\s*\$?\s*([0-9][0-9,]*(?:\.[0-9]+)?)`)
	dollarAmount = regexp.MustCompile(`\$\s*([0-9][0-9,]*(?:\.[0-9]+)?)`)
)

// Amount reads the payment amount from the amount or total header, or else
// from the first "amount <n>", "total: <n>" or "$<n>" in the body.
func Amount(header frontmatter.Header, body string) (float64, bool) {
	for _, key := range []string{"amount", "total"} {
		if v, ok := parseAmount(header.Get(key)); ok {
			return v, true
		}
	}
	if m := amountLine.FindStringSubmatch(body); m != nil {
		if v, ok := parseAmount(m[1]); ok {
			return v, true
		}
	}
	if m := dollarAmount.FindStringSubmatch(body); m != nil {
		if v, ok := parseAmount(m[1]); ok {
			return v, true
		}
	}
	return 0, false
}

func parseAmount(s string) (float64, bool) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "$"))
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
