package signature

import (
	"context"
	"fmt"

	"github.com/rezonia/triphase-signer/internal/format"
)

// Validator checks the signatures of one container format. A broken
// signature is reported in the returned Validation; an error means the
// check could not be attempted.
type Validator interface {
	Validate(ctx context.Context, data []byte, extra map[string]string) (*Validation, error)
}

// Validators holds one validator per container format
type Validators struct {
	PDF   Validator
	OOXML Validator
	XML   Validator
	CMS   Validator
}

// Dispatcher routes documents to the validator of their format. The set of
// formats is fixed.
type Dispatcher struct {
	validators Validators
}

// NewDispatcher creates a dispatcher over the given validators
func NewDispatcher(v Validators) *Dispatcher {
	return &Dispatcher{validators: v}
}

// Validate classifies data and runs the matching validator. Input that is
// not a signed container of a known format is a NO_SIGN verdict, not an
// error. Confirmation requests are returned as they come.
func (d *Dispatcher) Validate(ctx context.Context, data []byte, extra map[string]string) (*Validation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return Invalidated(format.Unknown.String(), KindNoData), nil
	}

	f := format.Classify(data)
	v := d.validatorFor(f)
	if f == format.Unknown {
		return Invalidated(f.String(), KindNoSign), nil
	}
	if v == nil {
		return nil, ErrUnsupportedOperation(f.String(), "validation")
	}

	result, err := v.Validate(ctx, data, extra)
	if err != nil {
		return nil, fmt.Errorf("%s validation: %w", f, err)
	}
	if result == nil {
		return Invalidated(f.String(), KindUnknownError), nil
	}
	if result.Format == "" {
		result.Format = f.String()
	}
	return result, nil
}

// Supports reports whether a validator is configured for f
func (d *Dispatcher) Supports(f format.Format) bool {
	return d.validatorFor(f) != nil
}

func (d *Dispatcher) validatorFor(f format.Format) Validator {
	switch f {
	case format.PDF:
		return d.validators.PDF
	case format.OOXML:
		return d.validators.OOXML
	case format.XML:
		return d.validators.XML
	case format.CMS:
		return d.validators.CMS
	}
	return nil
}
