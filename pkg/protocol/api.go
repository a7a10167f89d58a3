// Package protocol defines the API request/response types.
package protocol

import (
	"fmt"

	"github.com/TACC/imageInf/pkg/models"
)

// Sensitivity controls how many labels the classifier returns.
type Sensitivity string

const (
	SensitivityHigh   Sensitivity = "high"
	SensitivityMedium Sensitivity = "medium"
	SensitivityLow    Sensitivity = "low"
)

// ParseSensitivity validates a sensitivity value. Empty means unset.
func ParseSensitivity(s string) (Sensitivity, error) {
	switch Sensitivity(s) {
	case "", SensitivityHigh, SensitivityMedium, SensitivityLow:
		return Sensitivity(s), nil
	default:
		return "", fmt.Errorf("invalid sensitivity %q (want high, medium or low)", s)
	}
}

// InferenceRequest is the body for POST {apiBasePath}/inference/sync
type InferenceRequest struct {
	Files       []models.TapisFile `json:"files"`
	Model       string             `json:"model,omitempty"`
	Labels      []string           `json:"labels,omitempty"`
	Sensitivity Sensitivity        `json:"sensitivity,omitempty"`
}

// InferenceResponse is returned by POST {apiBasePath}/inference/sync
type InferenceResponse struct {
	Model             string                   `json:"model"`
	Results           []models.InferenceResult `json:"results"`
	AggregatedResults []models.InferenceResult `json:"aggregated_results,omitempty"`
}

// Effective returns the result set callers should display: the aggregated
// results when the model produced them, the per-file results otherwise.
func (r *InferenceResponse) Effective() []models.InferenceResult {
	if r == nil {
		return nil
	}
	if r.AggregatedResults != nil {
		return r.AggregatedResults
	}
	return r.Results
}

// BridgeTokenResponse is returned by the hosting portal's GET /auth/tapis/
type BridgeTokenResponse struct {
	Token string `json:"token"`
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// LabelCount is one row of the aggregated label tally.
type LabelCount struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// CuratedSet is a named group of curated files.
type CuratedSet struct {
	Value string             `json:"value"`
	Label string             `json:"label"`
	Files []models.TapisFile `json:"files"`
}

// DemoSelectRequest is the body for POST /api/demo/select. Nil fields are
// left unchanged.
type DemoSelectRequest struct {
	Model       *string  `json:"model,omitempty"`
	Set         *string  `json:"set,omitempty"`
	Sensitivity *string  `json:"sensitivity,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	ClearLabels bool     `json:"clear_labels,omitempty"`
	// Retry resubmits the current selection after a failed request.
	Retry bool `json:"retry,omitempty"`
}

// DemoStateResponse is returned by GET /api/demo
type DemoStateResponse struct {
	Model       string                   `json:"model,omitempty"`
	Set         string                   `json:"set,omitempty"`
	Sensitivity Sensitivity              `json:"sensitivity"`
	Labels      []string                 `json:"labels,omitempty"`
	Files       []models.TapisFile       `json:"files"`
	Ready       bool                     `json:"ready"`
	Loading     bool                     `json:"loading"`
	Error       string                   `json:"error,omitempty"`
	Results     []models.InferenceResult `json:"results,omitempty"`
	Aggregated  []LabelCount             `json:"aggregated"`
}

// ConfigResponse is returned by GET /api/config
type ConfigResponse struct {
	Environment  string `json:"environment"`
	ClientID     string `json:"clientId"`
	APIBasePath  string `json:"apiBasePath"`
	IdentityHost string `json:"identityHost"`
	BridgeOrigin string `json:"bridgeOrigin,omitempty"`
}
