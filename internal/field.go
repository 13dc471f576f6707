package internal

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

type Field string

const (
	FieldQuality Field = "quality"
	FieldNote    Field = "note"
)

const (
	MinRating = 1.0
	MaxRating = 10.0
)

var validate = validator.New()

// FieldValue is a proposed value for one editable session field.
// Rating and Note are the only implementations.
type FieldValue interface {
	Field() Field
	// Validate returns the normalized value or a typed validation error.
	Validate() (FieldValue, error)
	// Current returns the value stored on s and whether it is set.
	Current(s *SleepSession) (any, bool)
	// Raw returns the value as it should be reported to callers.
	Raw() any
	apply(p *SessionPatch)
	pending(p *PendingConfirmation)
}

type Rating float64

func (r Rating) Field() Field { return FieldQuality }

func (r Rating) Validate() (FieldValue, error) {
	if err := validate.Var(float64(r), "gte=1,lte=10"); err != nil {
		return nil, &Error{Kind: KindInvalidRating, Field: FieldQuality, Proposed: float64(r), Err: err}
	}
	return r, nil
}

func (r Rating) Current(s *SleepSession) (any, bool) {
	if s.QualityRating == nil {
		return nil, false
	}
	return *s.QualityRating, true
}

func (r Rating) Raw() any { return float64(r) }

func (r Rating) apply(p *SessionPatch) {
	v := float64(r)
	p.QualityRating = &v
}

func (r Rating) pending(p *PendingConfirmation) {
	v := float64(r)
	p.Rating = &v
}

type Note string

func (n Note) Field() Field { return FieldNote }

func (n Note) Validate() (FieldValue, error) {
	trimmed := strings.TrimSpace(string(n))
	if trimmed == "" {
		return nil, &Error{Kind: KindEmptyNote, Field: FieldNote, Proposed: string(n)}
	}
	return Note(trimmed), nil
}

func (n Note) Current(s *SleepSession) (any, bool) {
	if s.Note == nil {
		return nil, false
	}
	return *s.Note, true
}

func (n Note) Raw() any { return string(n) }

func (n Note) apply(p *SessionPatch) {
	v := string(n)
	p.Note = &v
}

func (n Note) pending(p *PendingConfirmation) {
	v := string(n)
	p.Note = &v
}

// ApplyTo sets v on the patch. v must already be validated.
func ApplyTo(p *SessionPatch, v FieldValue) { v.apply(p) }

// NewPending builds the confirmation value for v against s.
func NewPending(s *SleepSession, v FieldValue) PendingConfirmation {
	p := PendingConfirmation{
		UserID:         s.UserID,
		SessionID:      s.ID,
		Field:          v.Field(),
		SessionVersion: s.Version,
	}
	v.pending(&p)
	return p
}

// ValidateAll validates every value. A later value for the same field replaces an earlier one.
func ValidateAll(values []FieldValue) ([]FieldValue, error) {
	out := make([]FieldValue, 0, len(values))
	seen := make(map[Field]bool, len(values))
	for _, v := range values {
		if v == nil {
			continue
		}
		nv, err := v.Validate()
		if err != nil {
			return nil, err
		}
		if seen[nv.Field()] {
			for i := range out {
				if out[i].Field() == nv.Field() {
					out[i] = nv
				}
			}
			continue
		}
		seen[nv.Field()] = true
		out = append(out, nv)
	}
	return out, nil
}
