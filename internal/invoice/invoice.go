// Package invoice renders customer invoices and seller payout invoices
// as PDF.
package invoice

import (
	"bytes"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"
)

var (
	colorHeader    = [3]int{30, 58, 95}
	colorTextDark  = [3]int{44, 62, 80}
	colorTextMuted = [3]int{127, 140, 141}
	colorTableAlt  = [3]int{241, 245, 249}
)

// Line is one invoice row.
type Line struct {
	Reference   string
	Description string
	Quantity    int
	AmountEur   float64
}

// InvoiceData is everything needed to render a customer invoice.
type InvoiceData struct {
	Number        string
	Date          time.Time
	StoreName     string
	StoreAddress  []string
	CustomerName  string
	CustomerEmail string
	Lines         []Line
	DeliveryEur   float64
	TotalEur      float64
	TVAApplicable bool
}

// Generator renders PDFs.
type Generator struct{}

func NewGenerator() *Generator {
	return &Generator{}
}

// CustomerInvoice renders a buyer-facing invoice for one shipment.
func (g *Generator) CustomerInvoice(data InvoiceData) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(true, 25)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 20)
	pdf.SetTextColor(colorHeader[0], colorHeader[1], colorHeader[2])
	pdf.CellFormat(0, 12, "Facture "+data.Number, "", 1, "L", false, 0, "")

	pdf.SetFont("Helvetica", "", 10)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 6, data.Date.Format("02/01/2006"), "", 1, "L", false, 0, "")
	pdf.Ln(4)

	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.SetFont("Helvetica", "B", 11)
	pdf.CellFormat(0, 6, data.StoreName, "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	for _, l := range data.StoreAddress {
		pdf.CellFormat(0, 5, l, "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(0, 5, "Client : "+data.CustomerName, "", 1, "L", false, 0, "")
	if data.CustomerEmail != "" {
		pdf.CellFormat(0, 5, data.CustomerEmail, "", 1, "L", false, 0, "")
	}
	pdf.Ln(6)

	g.writeLines(pdf, data.Lines)

	pdf.Ln(4)
	pdf.SetFont("Helvetica", "", 10)
	if data.DeliveryEur > 0 {
		pdf.CellFormat(130, 6, "Livraison", "", 0, "R", false, 0, "")
		pdf.CellFormat(40, 6, fmt.Sprintf("%.2f EUR", data.DeliveryEur), "", 1, "R", false, 0, "")
	}
	pdf.SetFont("Helvetica", "B", 11)
	pdf.CellFormat(130, 7, "Total", "", 0, "R", false, 0, "")
	pdf.CellFormat(40, 7, fmt.Sprintf("%.2f EUR", data.TotalEur), "", 1, "R", false, 0, "")

	pdf.Ln(6)
	pdf.SetFont("Helvetica", "I", 8)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	if !data.TVAApplicable {
		pdf.CellFormat(0, 5, "TVA non applicable, art. 293 B du CGI", "", 1, "L", false, 0, "")
	}

	return output(pdf)
}

func (g *Generator) writeLines(pdf *fpdf.Fpdf, lines []Line) {
	pdf.SetFont("Helvetica", "B", 10)
	pdf.SetFillColor(colorHeader[0], colorHeader[1], colorHeader[2])
	pdf.SetTextColor(255, 255, 255)
	pdf.CellFormat(80, 7, "Article", "", 0, "L", true, 0, "")
	pdf.CellFormat(50, 7, "Reference", "", 0, "L", true, 0, "")
	pdf.CellFormat(15, 7, "Qte", "", 0, "C", true, 0, "")
	pdf.CellFormat(25, 7, "Montant", "", 1, "R", true, 0, "")

	pdf.SetFont("Helvetica", "", 10)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	for i, l := range lines {
		fill := i%2 == 1
		pdf.SetFillColor(colorTableAlt[0], colorTableAlt[1], colorTableAlt[2])
		desc := l.Description
		if desc == "" {
			desc = l.Reference
		}
		pdf.CellFormat(80, 6, desc, "", 0, "L", fill, 0, "")
		pdf.CellFormat(50, 6, l.Reference, "", 0, "L", fill, 0, "")
		pdf.CellFormat(15, 6, fmt.Sprintf("%d", l.Quantity), "", 0, "C", fill, 0, "")
		pdf.CellFormat(25, 6, fmt.Sprintf("%.2f", l.AmountEur), "", 1, "R", fill, 0, "")
	}
}

func output(pdf *fpdf.Fpdf) ([]byte, error) {
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("pdf output: %w", err)
	}
	return buf.Bytes(), nil
}
