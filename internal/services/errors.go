package services

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Erreurs sentinelles du moteur, mappées en HTTP au niveau des handlers:
// Forbidden 403, Conflict 409, NoPaymentPlan 422.
var (
	ErrForbidden     = errors.New("forbidden")
	ErrConflict      = errors.New("conflict")
	ErrNoPaymentPlan = errors.New("no payment plan defined for mission")
)

// Violations collecte des erreurs de validation par champ.
type Violations map[string]string

func (v Violations) Empty() bool { return len(v) == 0 }

func Required(field, value string, v Violations) {
	if strings.TrimSpace(value) == "" {
		v[field] = "required"
	}
}

func PositiveAmount(field string, val decimal.Decimal, v Violations) {
	if !val.IsPositive() {
		v[field] = "must_be_positive"
	}
}

func NonNegativeAmount(field string, val decimal.Decimal, v Violations) {
	if val.IsNegative() {
		v[field] = "must_not_be_negative"
	}
}

// ValidationError porte les violations vers la frontière HTTP (422).
type ValidationError struct {
	Violations Violations
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Violations))
	for field, code := range e.Violations {
		parts = append(parts, field+": "+code)
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

func newValidationError(v Violations) error {
	return &ValidationError{Violations: v}
}

// AsValidationError extrait une ValidationError d'une chaîne d'erreurs.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// isUniqueViolation reconnaît une violation d'index unique, le postgres
// de prod et le sqlite des tests formulant l'erreur différemment.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}
