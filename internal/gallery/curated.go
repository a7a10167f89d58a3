// Package gallery holds the demo's view state: curated image sets, model
// selection, label aggregation and gallery filtering.
package gallery

import (
	"fmt"
	"strings"

	"github.com/TACC/imageInf/pkg/models"
	"github.com/TACC/imageInf/pkg/protocol"
)

// SetSize is the number of files in one curated set.
const SetSize = 5

const publishedSystem = "designsafe.storage.published"

// Paths are kept exactly as published, including one with a leading space.
var curatedPaths = []string{
	// PRJ-2113 StEER, Hurricane Michael
	"/PRJ-2113/D6.2 Other Ground Based Imagery - RAPID EF/06_Waterfront Appartments_20181108/Canon Photos/1A7A1046.JPG",
	"/PRJ-2113/D6.2 Other Ground Based Imagery - RAPID EF/06_Waterfront Appartments_20181108/Canon Photos/1A7A1047.JPG",
	"/PRJ-2113/D6.2 Other Ground Based Imagery - RAPID EF/02_Water Tower_20181107/Canon Photos/Scene/1A7A0844.JPG",
	// PRJ-3442 RAPID/GEER, Western European floods 2021
	"/PRJ-3442v2/RAPID_EF/3_Deliverables/Mayschoss/Imagery/0329-pedbridge-mayschoss_s1_compass_4xC16L-A_11.jpg",
	// PRJ-3252 GEER, Western European floods 2021
	"/PRJ-3252/Germany (August 9-13, 2021)/Sinzig (August 12)/Photos/MGeorge/PXL_20210812_101136279.jpg",
	"/PRJ-3252/Germany (August 9-13, 2021)/Sinzig (August 12)/Photos/MGeorge/PXL_20210812_110558490.jpg",
	" /PRJ-3252/Germany (August 9-13, 2021)/Green (August 12)/Photos/MGeorge/PXL_20210812_135723068.jpg",
	"/PRJ-3252/Germany (August 9-13, 2021)/Bliesheim - Bridge Merowingerstr (August 10)/Photos/NStark/20210810_105642.jpg",
	"/PRJ-3379/RApp/uwrapid/Home/Photo 1642618419.jpg",
	// PRJ-5857 Pacific Palisades fire
	"/PRJ-5857/Mission 05/Pacific Palisades/Photos/Craig Davis/IMG_6649.JPG",
	"/PRJ-5857/Mission 05/Pacific Palisades/Photos/Marty Hudson/2025-02-08-12-57-24.jpg",
	"/PRJ-5857/Mission 05/Pacific Palisades/Photos/Marty Hudson/2025-02-08-12-56-57.jpg",
	"/PRJ-3269/D1. Performance Assessments/Images/0002898c-8807-44e6-94cd-afeb959d13fb.jpg",
}

// CuratedFiles returns a fresh copy of the curated published imagery.
func CuratedFiles() []models.TapisFile {
	files := make([]models.TapisFile, len(curatedPaths))
	for i, p := range curatedPaths {
		files[i] = models.TapisFile{SystemID: publishedSystem, Path: p}
	}
	return files
}

// CuratedSets splits files into consecutive sets of size files. The last
// set may be shorter.
func CuratedSets(files []models.TapisFile, size int) []protocol.CuratedSet {
	if size <= 0 {
		size = SetSize
	}
	var sets []protocol.CuratedSet
	for i := 0; i < len(files); i += size {
		n := i/size + 1
		end := min(i+size, len(files))
		sets = append(sets, protocol.CuratedSet{
			Value: fmt.Sprintf("set%d", n),
			Label: fmt.Sprintf("Curated Set #%d", n),
			Files: files[i:end:end],
		})
	}
	return sets
}

// FindSet returns the set with the given value.
func FindSet(sets []protocol.CuratedSet, value string) (protocol.CuratedSet, bool) {
	for _, s := range sets {
		if s.Value == value {
			return s, true
		}
	}
	return protocol.CuratedSet{}, false
}

// ClipModels keeps the models whose name mentions clip, in order.
func ClipModels(all []models.InferenceModelMeta) []models.InferenceModelMeta {
	var out []models.InferenceModelMeta
	for _, m := range all {
		if strings.Contains(strings.ToLower(m.Name), "clip") {
			out = append(out, m)
		}
	}
	return out
}

// DefaultModel returns the first clip model, if any.
func DefaultModel(all []models.InferenceModelMeta) (string, bool) {
	clip := ClipModels(all)
	if len(clip) == 0 {
		return "", false
	}
	return clip[0].Name, true
}
