package gallery

import (
	"fmt"

	"github.com/TACC/imageInf/pkg/models"
)

// Browser steps through a gallery one image at a time.
type Browser struct {
	files []models.TapisFile
	index int
	open  bool
}

// NewBrowser creates a closed browser over files.
func NewBrowser(files []models.TapisFile) *Browser {
	return &Browser{files: files}
}

// Open shows the image at i. Out of range indexes are ignored.
func (b *Browser) Open(i int) bool {
	if i < 0 || i >= len(b.files) {
		return false
	}
	b.index, b.open = i, true
	return true
}

func (b *Browser) Close() {
	b.open = false
}

func (b *Browser) IsOpen() bool {
	return b.open
}

func (b *Browser) CanPrev() bool {
	return b.open && b.index > 0
}

func (b *Browser) CanNext() bool {
	return b.open && b.index < len(b.files)-1
}

// Prev moves back one image; it is a no-op on the first.
func (b *Browser) Prev() bool {
	if !b.CanPrev() {
		return false
	}
	b.index--
	return true
}

// Next moves forward one image; it is a no-op on the last.
func (b *Browser) Next() bool {
	if !b.CanNext() {
		return false
	}
	b.index++
	return true
}

// Current returns the shown file.
func (b *Browser) Current() (models.TapisFile, bool) {
	if !b.open || len(b.files) == 0 {
		return models.TapisFile{}, false
	}
	return b.files[b.index], true
}

// Position renders "i of n" for the shown file.
func (b *Browser) Position() string {
	if !b.open {
		return ""
	}
	return fmt.Sprintf("%d of %d", b.index+1, len(b.files))
}
