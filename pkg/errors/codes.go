package errors

// ErrorCode is the typed identifier of a specific failure condition.
type ErrorCode string

func (c ErrorCode) String() string {
	return string(c)
}

// Common error codes.
const (
	CodeOK           ErrorCode = "OK"
	CodeUnknown      ErrorCode = "COMMON_000"
	CodeInternal     ErrorCode = "COMMON_001"
	CodeInvalidInput ErrorCode = "COMMON_002"
	CodeNotFound     ErrorCode = "COMMON_003"
	CodeTimeout      ErrorCode = "COMMON_004"
)

// Configuration error codes.  All of them are fatal at construction time:
// a model assembled from an invalid configuration must never run a step.
const (
	CodeConfigInvalid  ErrorCode = "CFG_001"
	CodeConfigReserved ErrorCode = "CFG_002"
)

// Tensor-contract error codes.  Raised when a batch or an artifact violates
// the shape contract of the forward pass; fatal for the current step.
const (
	CodeShapeMismatch      ErrorCode = "SHAPE_001"
	CodeConceptDimMismatch ErrorCode = "SHAPE_002"
	CodeTopKOutOfRange     ErrorCode = "SHAPE_003"
	CodeStoreNotResident   ErrorCode = "SHAPE_004"
)

// Artifact error codes.
const (
	CodeArtifactCorrupt     ErrorCode = "ART_001"
	CodeArtifactUnsupported ErrorCode = "ART_002"
)

// Encoder backend error codes.
const (
	CodeEncoderUnavailable ErrorCode = "ENC_001"
	CodeEncoderResponse    ErrorCode = "ENC_002"
	CodeInferenceTimeout   ErrorCode = "ENC_003"
)
