package gallery

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/TACC/imageInf/pkg/models"
	"github.com/TACC/imageInf/pkg/protocol"
)

// ErrUnknownSet is returned when selecting a set that does not exist.
var ErrUnknownSet = errors.New("unknown curated set")

// Submission is an inference request tagged with the selection generation
// it was built for.
type Submission struct {
	Generation uint64
	Request    protocol.InferenceRequest
}

// Demo is one user's selection state. Every selection change bumps the
// generation and drops the results of the previous one; responses for an
// older generation are discarded.
type Demo struct {
	mu   sync.Mutex
	sets []protocol.CuratedSet

	model       string
	set         string
	sensitivity protocol.Sensitivity
	labels      []string

	generation uint64
	inFlight   bool
	done       bool
	errMsg     string
	results    []models.InferenceResult
	aggregated []protocol.LabelCount
}

// NewDemo creates an empty selection over sets with medium sensitivity.
func NewDemo(sets []protocol.CuratedSet) *Demo {
	return &Demo{sets: sets, sensitivity: protocol.SensitivityMedium}
}

// EnsureModel auto-selects the first clip model when none is chosen. The
// set is never auto-selected.
func (d *Demo) EnsureModel(available []models.InferenceModelMeta) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.model != "" {
		return
	}
	if name, ok := DefaultModel(available); ok {
		d.model = name
		d.resetLocked()
	}
}

// Select applies a selection change under one lock. The set and
// sensitivity are checked before anything is modified, so a rejected change
// leaves the state as it was. Results are reset once if anything changed.
func (d *Demo) Select(req protocol.DemoSelectRequest) error {
	var sens protocol.Sensitivity
	if req.Sensitivity != nil {
		v, err := protocol.ParseSensitivity(*req.Sensitivity)
		if err != nil {
			return err
		}
		if v == "" {
			v = protocol.SensitivityMedium
		}
		sens = v
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if req.Set != nil && *req.Set != "" {
		if _, ok := FindSet(d.sets, *req.Set); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownSet, *req.Set)
		}
	}

	changed := false
	if req.Model != nil && *req.Model != d.model {
		d.model = *req.Model
		changed = true
	}
	if req.Set != nil && *req.Set != d.set {
		d.set = *req.Set
		changed = true
	}
	if sens != "" && sens != d.sensitivity {
		d.sensitivity = sens
		changed = true
	}
	labels := d.labels
	switch {
	case req.ClearLabels:
		labels = nil
	case req.Labels != nil:
		labels = req.Labels
	}
	if !slices.Equal(d.labels, labels) {
		d.labels = slices.Clone(labels)
		changed = true
	}

	if changed || (req.Retry && d.errMsg != "") {
		d.resetLocked()
	}
	return nil
}

// SelectModel chooses the model.
func (d *Demo) SelectModel(name string) {
	d.Select(protocol.DemoSelectRequest{Model: &name})
}

// SelectSet chooses a curated set by value. An empty value clears it.
func (d *Demo) SelectSet(value string) error {
	return d.Select(protocol.DemoSelectRequest{Set: &value})
}

// SelectSensitivity chooses the sensitivity.
func (d *Demo) SelectSensitivity(s protocol.Sensitivity) error {
	v := string(s)
	return d.Select(protocol.DemoSelectRequest{Sensitivity: &v})
}

// SelectLabels sets the label preset sent with each request. Nil clears it.
func (d *Demo) SelectLabels(labels []string) {
	d.Select(protocol.DemoSelectRequest{Labels: labels, ClearLabels: labels == nil})
}

func (d *Demo) resetLocked() {
	d.generation++
	d.inFlight = false
	d.done = false
	d.errMsg = ""
	d.results = nil
	d.aggregated = nil
}

func (d *Demo) filesLocked() []models.TapisFile {
	if d.set == "" {
		return nil
	}
	s, _ := FindSet(d.sets, d.set)
	return s.Files
}

// Ready reports whether both a model and a set are chosen.
func (d *Demo) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.model != "" && d.set != ""
}

// Pending returns the request to submit for the current selection and marks
// it in flight. ok is false while the selection is incomplete, the set has
// no files, or this generation was already submitted.
func (d *Demo) Pending() (Submission, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	files := d.filesLocked()
	if d.model == "" || len(files) == 0 || d.inFlight || d.done {
		return Submission{}, false
	}
	d.inFlight = true
	return Submission{
		Generation: d.generation,
		Request: protocol.InferenceRequest{
			Files:       slices.Clone(files),
			Model:       d.model,
			Labels:      slices.Clone(d.labels),
			Sensitivity: d.sensitivity,
		},
	}, true
}

// Apply stores a response. It reports false, leaving state untouched, when
// the selection changed since the request was built.
func (d *Demo) Apply(generation uint64, resp *protocol.InferenceResponse) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if generation != d.generation {
		return false
	}
	d.inFlight = false
	d.done = true
	d.errMsg = ""
	d.results = resp.Effective()
	d.aggregated = Aggregate(d.results)
	return true
}

// Fail records a failed submission for the current generation.
func (d *Demo) Fail(generation uint64, err error) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if generation != d.generation {
		return false
	}
	d.inFlight = false
	d.done = true
	d.errMsg = err.Error()
	return true
}

// Retry allows the current selection to be submitted again after a failure.
func (d *Demo) Retry() {
	d.Select(protocol.DemoSelectRequest{Retry: true})
}

// Gallery returns the current set's files filtered by selected labels.
func (d *Demo) Gallery(selected []string) []models.TapisFile {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Filter(d.results, d.filesLocked(), selected)
}

// State returns a snapshot for rendering.
func (d *Demo) State() protocol.DemoStateResponse {
	d.mu.Lock()
	defer d.mu.Unlock()
	files := d.filesLocked()
	if files == nil {
		files = []models.TapisFile{}
	}
	agg := d.aggregated
	if agg == nil {
		agg = []protocol.LabelCount{}
	}
	return protocol.DemoStateResponse{
		Model:       d.model,
		Set:         d.set,
		Sensitivity: d.sensitivity,
		Labels:      slices.Clone(d.labels),
		Files:       files,
		Ready:       d.model != "" && d.set != "",
		Loading:     d.inFlight,
		Error:       d.errMsg,
		Results:     d.results,
		Aggregated:  agg,
	}
}
