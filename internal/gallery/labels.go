package gallery

import (
	"sort"

	"github.com/TACC/imageInf/pkg/models"
	"github.com/TACC/imageInf/pkg/protocol"
)

// Aggregate counts how often each label was predicted across results,
// sorted by count descending. Equal counts keep first-seen order.
func Aggregate(results []models.InferenceResult) []protocol.LabelCount {
	index := make(map[string]int)
	var counts []protocol.LabelCount
	for _, r := range results {
		for _, p := range r.Predictions {
			if i, ok := index[p.Label]; ok {
				counts[i].Count++
				continue
			}
			index[p.Label] = len(counts)
			counts = append(counts, protocol.LabelCount{Label: p.Label, Count: 1})
		}
	}
	sort.SliceStable(counts, func(i, j int) bool {
		return counts[i].Count > counts[j].Count
	})
	return counts
}

// resultFor finds the result for file. Results without a system id are
// matched on path alone.
func resultFor(results []models.InferenceResult, file models.TapisFile) (models.InferenceResult, bool) {
	for _, r := range results {
		if r.Path == file.Path && (r.SystemID == "" || r.SystemID == file.SystemID) {
			return r, true
		}
	}
	return models.InferenceResult{}, false
}

// LabelsFor returns the predicted labels for one file, in prediction order.
func LabelsFor(results []models.InferenceResult, file models.TapisFile) []string {
	r, ok := resultFor(results, file)
	if !ok {
		return nil
	}
	labels := make([]string, 0, len(r.Predictions))
	for _, p := range r.Predictions {
		labels = append(labels, p.Label)
	}
	return labels
}

// Filter returns the files whose predictions include any selected label.
// An empty selection returns files unchanged. Order is preserved.
func Filter(results []models.InferenceResult, files []models.TapisFile, selected []string) []models.TapisFile {
	if len(selected) == 0 {
		return files
	}
	want := make(map[string]struct{}, len(selected))
	for _, l := range selected {
		want[l] = struct{}{}
	}

	var out []models.TapisFile
	for _, f := range files {
		for _, l := range LabelsFor(results, f) {
			if _, ok := want[l]; ok {
				out = append(out, f)
				break
			}
		}
	}
	return out
}

// FilesOf returns the files referenced by results, in order.
func FilesOf(results []models.InferenceResult) []models.TapisFile {
	files := make([]models.TapisFile, len(results))
	for i, r := range results {
		files[i] = r.File()
	}
	return files
}
