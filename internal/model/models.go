package model

// -------------------- ESTIMATORS --------------------

// Kind names the estimator family stored in an artifact.
type Kind string

const (
	KindIsolationForest Kind = "isolation_forest"
	KindRandomForest    Kind = "random_forest"
)

// Class values produced by the estimators.
const (
	ClassLegitimate = 1
	ClassSuspicious = 0  // random forest
	ClassAnomaly    = -1 // isolation forest
)

// Outcome is the raw result of evaluating one feature row.
type Outcome struct {
	Class int
	// Score is the isolation forest decision value; negative means anomalous.
	Score *float64
	// Probabilities is indexed by class label (random forest only).
	Probabilities map[int]float64
}

// Estimator is a fitted, read-only model. Evaluate must be safe for
// concurrent use.
type Estimator interface {
	Kind() Kind
	Width() int
	Evaluate(row []float64) (Outcome, error)
}

// -------------------- VERDICT --------------------

type Label string

const (
	LabelLegitimate Label = "LEGITIMATE"
	LabelSuspicious Label = "SUSPICIOUS"
)

const (
	StatusSuccess    = "Success"
	StatusSuspicious = "Suspicious"
	StatusError      = "Error"
)

const (
	MessageGranted     = "Access Granted: User is legitimate."
	MessageDenied      = "Access Denied: Suspicious activity detected."
	MessageUnavailable = "Model not loaded. Check server logs."
)

// Error codes carried in Verdict.Error.
const (
	CodeInvalidPayload   = "invalid_payload"
	CodeInvalidJSON      = "invalid_json"
	CodeModelUnavailable = "model_unavailable"
	CodeInferenceFailure = "inference_failure"
	CodeRateLimited      = "rate_limited"
)

// Verdict is the response body of the scoring endpoint.
type Verdict struct {
	Status        string         `json:"status"`
	Prediction    Label          `json:"prediction,omitempty"`
	Message       string         `json:"message"`
	Confidence    *float64       `json:"confidence,omitempty"`
	Probabilities *Probabilities `json:"probabilities,omitempty"`
	AnomalyScore  *float64       `json:"anomaly_score,omitempty"`
	ModelID       string         `json:"model_id,omitempty"`
	Variant       string         `json:"variant,omitempty"`
	Error         string         `json:"error,omitempty"`
	MissingFields []string       `json:"missing_fields,omitempty"`
}

type Probabilities struct {
	Legitimate float64 `json:"legitimate"`
	Suspicious float64 `json:"suspicious"`
}

// ErrorVerdict builds the body for a failed request.
func ErrorVerdict(code, message string) *Verdict {
	return &Verdict{
		Status:  StatusError,
		Message: message,
		Error:   code,
	}
}

// -------------------- MODEL STATUS --------------------

// Status describes the scorer's startup state. Load failures are logged at
// startup and never sent to clients.
type Status struct {
	ModelLoaded bool     `json:"model_loaded"`
	ModelID     string   `json:"model_id,omitempty"`
	Kind        Kind     `json:"kind,omitempty"`
	Variant     string   `json:"variant,omitempty"`
	Features    []string `json:"features,omitempty"`
	CreatedAt   string   `json:"created_at,omitempty"`
}
