package health

import (
	"crypto/x509"
	"fmt"
	"math"
	"time"
)

// Status is a connector health probe result. Probes never fail; problems
// are reported through Healthy=false and Error.
type Status struct {
	Provider  string        `json:"provider"`
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency_ns"`
	CheckedAt time.Time     `json:"checked_at"`
	Error     string        `json:"error,omitempty"`
	Sandbox   bool          `json:"sandbox,omitempty"`
}

// Unhealthy builds a failed status from err.
func Unhealthy(provider string, err error, latency time.Duration, at time.Time) Status {
	msg := "unhealthy"
	if err != nil {
		msg = err.Error()
	}
	return Status{
		Provider:  provider,
		Healthy:   false,
		Latency:   latency,
		CheckedAt: at,
		Error:     msg,
	}
}

// Certificate reports the health of an access point certificate.
type Certificate struct {
	Valid           bool      `json:"valid"`
	DaysUntilExpiry int       `json:"days_until_expiry"`
	NotAfter        time.Time `json:"not_after"`
	Subject         string    `json:"subject,omitempty"`
	CheckedAt       time.Time `json:"checked_at"`
	Warning         string    `json:"warning,omitempty"`
	Sandbox         bool      `json:"sandbox,omitempty"`
}

// Expiring reports whether the certificate is within warnDays of expiry.
func (c *Certificate) Expiring(warnDays int) bool {
	return c.DaysUntilExpiry <= warnDays
}

// Evaluate derives certificate health from a validity window.
func Evaluate(subject string, notBefore, notAfter, now time.Time, warnDays int) *Certificate {
	days := int(math.Floor(notAfter.Sub(now).Hours() / 24))
	c := &Certificate{
		Valid:           !now.Before(notBefore) && now.Before(notAfter),
		DaysUntilExpiry: days,
		NotAfter:        notAfter,
		Subject:         subject,
		CheckedAt:       now,
	}

	switch {
	case !c.Valid && now.Before(notBefore):
		c.Warning = "certificate is not yet valid"
	case !c.Valid:
		c.Warning = fmt.Sprintf("certificate expired %d days ago", -days)
	case c.Expiring(warnDays):
		c.Warning = fmt.Sprintf("certificate expires in %d days", days)
	}
	return c
}

// FromX509 evaluates a parsed certificate.
func FromX509(cert *x509.Certificate, now time.Time, warnDays int) *Certificate {
	return Evaluate(cert.Subject.String(), cert.NotBefore, cert.NotAfter, now, warnDays)
}
