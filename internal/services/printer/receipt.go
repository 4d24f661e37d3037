package printer

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/baristack/posgo/internal/models"
)

// receiptWidth is the printable width of an 80mm thermal roll.
const receiptWidth = 72.0

// GenerateReceipt renders a settled session as a PDF receipt: one line
// per order item, the totals block, and a QR code carrying the session
// reference for lookups.
func GenerateReceipt(session *models.OrderSession, orders []models.SessionOrder, table *models.DiningTable) ([]byte, error) {
	pdf := gofpdf.NewCustom(&gofpdf.InitType{
		UnitStr: "mm",
		Size:    gofpdf.SizeType{Wd: 80, Ht: 250},
	})
	pdf.SetMargins(4, 6, 4)
	pdf.SetAutoPageBreak(true, 6)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(receiptWidth, 6, "BARISTACK POS", "", 1, "C", false, 0, "")

	pdf.SetFont("Helvetica", "", 8)
	if table != nil {
		pdf.CellFormat(receiptWidth, 4, fmt.Sprintf("Table: %s", table.Name), "", 1, "C", false, 0, "")
	}
	pdf.CellFormat(receiptWidth, 4, session.OpenedAt.Format("2006-01-02 15:04"), "", 1, "C", false, 0, "")
	divider(pdf)

	pdf.SetFont("Courier", "", 8)
	for _, order := range orders {
		for _, line := range order.Lines {
			pdf.CellFormat(40, 4, truncate(line.Name, 22), "", 0, "L", false, 0, "")
			pdf.CellFormat(12, 4, fmt.Sprintf("x%.0f", line.Quantity), "", 0, "R", false, 0, "")
			pdf.CellFormat(20, 4, fmt.Sprintf("%.2f", line.LineTotal()), "", 1, "R", false, 0, "")
		}
	}
	divider(pdf)

	totalRow(pdf, "Subtotal", session.Subtotal, false)
	if session.Discount > 0 {
		totalRow(pdf, "Discount", -session.Discount, false)
	}
	if session.Tax > 0 {
		totalRow(pdf, "Tax", session.Tax, false)
	}
	totalRow(pdf, "TOTAL", session.Total, true)
	divider(pdf)

	ref := session.ID
	if session.SyncedID != nil && *session.SyncedID != "" {
		ref = *session.SyncedID
	}
	png, err := qrcode.Encode(ref, qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("encoding receipt QR: %w", err)
	}
	opts := gofpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader("session-qr", opts, bytes.NewReader(png))
	pdf.ImageOptions("session-qr", (80-24)/2, pdf.GetY()+2, 24, 24, false, opts, 0, "")
	pdf.SetY(pdf.GetY() + 28)

	pdf.SetFont("Helvetica", "", 7)
	pdf.CellFormat(receiptWidth, 4, ref, "", 1, "C", false, 0, "")
	if session.ClosedAt != nil {
		pdf.CellFormat(receiptWidth, 4, "Closed "+session.ClosedAt.Format(time.RFC822), "", 1, "C", false, 0, "")
	}
	pdf.CellFormat(receiptWidth, 4, "Thank you!", "", 1, "C", false, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("rendering receipt: %w", err)
	}
	return buf.Bytes(), nil
}

func divider(pdf *gofpdf.Fpdf) {
	pdf.SetFont("Courier", "", 8)
	pdf.CellFormat(receiptWidth, 3, "------------------------------------", "", 1, "C", false, 0, "")
}

func totalRow(pdf *gofpdf.Fpdf, label string, amount float64, bold bool) {
	style := ""
	if bold {
		style = "B"
	}
	pdf.SetFont("Helvetica", style, 9)
	pdf.CellFormat(46, 5, label, "", 0, "L", false, 0, "")
	pdf.CellFormat(26, 5, fmt.Sprintf("%.2f", amount), "", 1, "R", false, 0, "")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
