package extract

import (
	"bytes"
	"context"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/rotisserie/eris"
)

// imageMarkers flag embedded raster content in a PDF body. Short PDFs that
// are mostly images are scans or brochures with no extractable claims.
var imageMarkers = [][]byte{
	[]byte("/Subtype /Image"),
	[]byte("/Subtype/Image"),
}

// pdfText extracts per-page text from a PDF. Oversized documents and short
// image-only documents are rejected.
func (e *Extractor) pdfText(ctx context.Context, body []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return "", eris.Wrap(err, "extract: open pdf")
	}

	pages := r.NumPage()
	if pages > e.cfg.MaxPDFPages {
		return "", eris.Errorf("extract: pdf has %d pages, limit %d", pages, e.cfg.MaxPDFPages)
	}
	if pages <= e.cfg.MinPDFTextPages && hasImageMarker(body) {
		return "", eris.Errorf("extract: %d-page pdf contains embedded images, likely a scan", pages)
	}

	var sb strings.Builder
	for i := 1; i <= pages; i++ {
		if err := ctx.Err(); err != nil {
			return "", eris.Wrap(err, "extract: pdf cancelled")
		}
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Malformed pages are skipped; the rest of the document may
			// still carry usable text.
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}

	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", eris.New("extract: pdf contains no text")
	}
	return text, nil
}

func hasImageMarker(body []byte) bool {
	for _, m := range imageMarkers {
		if bytes.Contains(body, m) {
			return true
		}
	}
	return false
}
