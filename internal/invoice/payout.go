package invoice

import (
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"
)

// PayoutData is everything needed to render a seller payout invoice.
// Number comes from the store's monotonically incrementing payout
// counter.
type PayoutData struct {
	Number        int64
	Date          time.Time
	StoreName     string
	StoreAddress  []string
	IbanBic       string
	PeriodStart   time.Time
	PeriodEnd     time.Time
	Shipments     []PayoutLine
	TotalEur      float64
	TVAApplicable bool
}

// PayoutLine is one paid-out shipment.
type PayoutLine struct {
	PaymentID   string
	Date        time.Time
	EarningsEur float64
}

// PayoutInvoice renders the payout summary a seller receives when their
// earnings are transferred.
func (g *Generator) PayoutInvoice(data PayoutData) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(true, 25)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 20)
	pdf.SetTextColor(colorHeader[0], colorHeader[1], colorHeader[2])
	pdf.CellFormat(0, 12, fmt.Sprintf("Releve de virement n°%d", data.Number), "", 1, "L", false, 0, "")

	pdf.SetFont("Helvetica", "", 10)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 6, data.Date.Format("02/01/2006"), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Periode du %s au %s",
		data.PeriodStart.Format("02/01/2006"), data.PeriodEnd.Format("02/01/2006")), "", 1, "L", false, 0, "")
	pdf.Ln(4)

	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.SetFont("Helvetica", "B", 11)
	pdf.CellFormat(0, 6, data.StoreName, "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	for _, l := range data.StoreAddress {
		pdf.CellFormat(0, 5, l, "", 1, "L", false, 0, "")
	}
	if data.IbanBic != "" {
		pdf.CellFormat(0, 5, "IBAN/BIC : "+data.IbanBic, "", 1, "L", false, 0, "")
	}
	pdf.Ln(6)

	pdf.SetFont("Helvetica", "B", 10)
	pdf.SetFillColor(colorHeader[0], colorHeader[1], colorHeader[2])
	pdf.SetTextColor(255, 255, 255)
	pdf.CellFormat(80, 7, "Paiement", "", 0, "L", true, 0, "")
	pdf.CellFormat(50, 7, "Date", "", 0, "L", true, 0, "")
	pdf.CellFormat(40, 7, "Montant", "", 1, "R", true, 0, "")

	pdf.SetFont("Helvetica", "", 10)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	for i, s := range data.Shipments {
		fill := i%2 == 1
		pdf.SetFillColor(colorTableAlt[0], colorTableAlt[1], colorTableAlt[2])
		pdf.CellFormat(80, 6, s.PaymentID, "", 0, "L", fill, 0, "")
		pdf.CellFormat(50, 6, s.Date.Format("02/01/2006"), "", 0, "L", fill, 0, "")
		pdf.CellFormat(40, 6, fmt.Sprintf("%.2f", s.EarningsEur), "", 1, "R", fill, 0, "")
	}

	pdf.Ln(4)
	pdf.SetFont("Helvetica", "B", 11)
	pdf.CellFormat(130, 7, "Total vire", "", 0, "R", false, 0, "")
	pdf.CellFormat(40, 7, fmt.Sprintf("%.2f EUR", data.TotalEur), "", 1, "R", false, 0, "")

	if !data.TVAApplicable {
		pdf.Ln(6)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
		pdf.CellFormat(0, 5, "TVA non applicable, art. 293 B du CGI", "", 1, "L", false, 0, "")
	}

	return output(pdf)
}
