// PDF rendering via gofpdf. The layout mirrors the other
// renderers: a title block, then one section per message with a bold role
// header, the body, and italicized source citations.
package export

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
)

func renderPDF(tr transcript) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetAutoPageBreak(true, 15)
	pdf.AddPage()

	tml := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFont("Helvetica", "B", 16)
	pdf.MultiCell(0, 8, tml(tr.Title), "", "L", false)

	pdf.SetFont("Helvetica", "", 9)
	pdf.SetTextColor(100, 100, 100)
	header := fmt.Sprintf("Exported %s · %d messages",
		tr.ExportedAt.Format(time.RFC3339), tr.MessageCount)
	if len(tr.Models) > 0 {
		header += " · " + strings.Join(tr.Models, ", ")
	}
	pdf.MultiCell(0, 5, tml(header), "", "L", false)
	pdf.Ln(4)

	for _, m := range tr.Messages {
		role := roleLabel(m.Type)
		if tr.WithTimestamps {
			role += " · " + m.CreatedAt.Format("2006-01-02 15:04")
		}
		pdf.SetTextColor(0, 0, 0)
		pdf.SetFont("Helvetica", "B", 11)
		pdf.MultiCell(0, 6, tml(role), "", "L", false)

		pdf.SetFont("Helvetica", "", 10)
		pdf.MultiCell(0, 5, tml(m.Content), "", "L", false)

		if len(m.Sources) > 0 {
			pdf.SetFont("Helvetica", "I", 8)
			pdf.SetTextColor(100, 100, 100)
			for _, s := range m.Sources {
				cite := fmt.Sprintf("%s (%.0f%%): %s", s.DocumentName, s.Confidence, truncateChunk(s.Chunk))
				pdf.MultiCell(0, 4, tml(cite), "", "L", false)
			}
		}
		pdf.Ln(3)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
