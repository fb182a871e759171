package weather

import "errors"

// Stable error kinds used for log correlation and recovery decisions.
// Wrap with %w and classify with errors.Is.
var (
	// ErrAdapterTransient marks a provider failure worth retrying or
	// falling through to the next adapter in the chain.
	ErrAdapterTransient = errors.New("AdapterTransientFailure")

	// ErrAdapterPermanent disables the adapter for the current cycle.
	ErrAdapterPermanent = errors.New("AdapterPermanentFailure")

	// ErrMissingCredential disables the adapter for the process lifetime.
	ErrMissingCredential = errors.New("MissingCredential")

	// ErrValidationRejected marks a record dropped (or kept, per policy)
	// by the validator; it never aborts a batch.
	ErrValidationRejected = errors.New("ValidationRejected")

	// ErrConstraintViolation aborts the batch and must not be retried blindly.
	ErrConstraintViolation = errors.New("ConstraintViolation")

	// ErrStoreUnavailable is fatal for the current job; reads stay up.
	ErrStoreUnavailable = errors.New("StoreUnavailable")

	// ErrConfig is fatal at startup.
	ErrConfig = errors.New("ConfigError")
)
