package jobsheet

import (
	"bytes"
	"fmt"
	"image/png"
	"strconv"
	"strings"

	"github.com/signintech/gopdf"

	"tabesh/internal/models"
)

// Generator renders the printable production sheet for one order.
type Generator struct {
	fontPath string
}

func NewGenerator(fontPath string) *Generator {
	return &Generator{fontPath: fontPath}
}

// Generate returns an A4 PDF. qrCode is an optional PNG placed top right.
func (g *Generator) Generate(order models.Order, qrCode []byte) ([]byte, error) {
	pdf := &gopdf.GoPdf{}
	pdf.Start(gopdf.Config{PageSize: *gopdf.PageSizeA4})
	pdf.AddPage()

	if err := pdf.AddTTFFont("body", g.fontPath); err != nil {
		return nil, fmt.Errorf("failed to load font: %w", err)
	}
	if err := pdf.SetFont("body", "", 18); err != nil {
		return nil, fmt.Errorf("failed to set font: %w", err)
	}

	pdf.SetX(40)
	pdf.SetY(40)
	pdf.Cell(nil, "JOB SHEET "+order.OrderNumber)

	if len(qrCode) > 0 {
		addQRCode(pdf, qrCode)
	}

	if err := pdf.SetFont("body", "", 11); err != nil {
		return nil, fmt.Errorf("failed to set font: %w", err)
	}
	pdf.SetY(90)
	for _, row := range rows(order) {
		pdf.SetX(40)
		pdf.Cell(nil, row[0]+":")
		pdf.SetX(200)
		pdf.Cell(nil, row[1])
		pdf.Br(18)
	}

	if notes := visibleNotes(order.Notes); notes != "" {
		pdf.Br(10)
		pdf.SetX(40)
		pdf.Cell(nil, "Notes:")
		pdf.Br(18)
		pdf.SetX(40)
		lines, err := pdf.SplitText(notes, 500)
		if err != nil {
			lines = []string{notes}
		}
		for _, l := range lines {
			pdf.SetX(40)
			pdf.Cell(nil, l)
			pdf.Br(16)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to write PDF: %w", err)
	}
	return buf.Bytes(), nil
}

func rows(o models.Order) [][2]string {
	extras := "-"
	if len(o.Extras) > 0 {
		extras = strings.Join(o.Extras, ", ")
	}
	return [][2]string{
		{"Title", o.BookTitle},
		{"Customer", o.UserID},
		{"Status", string(o.Status)},
		{"Created", o.CreatedAt.Format("2006-01-02 15:04")},
		{"Book size", o.BookSize},
		{"Paper", o.PaperType + " " + o.PaperWeight + "g"},
		{"Print type", o.PrintType},
		{"Pages (bw / color / total)", fmt.Sprintf("%d / %d / %d", o.PageCountBW, o.PageCountColor, o.PageCountTotal)},
		{"Quantity", strconv.Itoa(o.Quantity)},
		{"Binding", o.BindingType},
		{"Cover paper", orDash(o.CoverPaperWeight)},
		{"Lamination", orDash(o.LaminationType)},
		{"Extras", extras},
		{"Total price", strconv.FormatFloat(o.TotalPrice, 'f', 0, 64)},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// visibleNotes drops the hidden marker so it never reaches paper.
func visibleNotes(notes string) string {
	return strings.TrimSpace(strings.ReplaceAll(notes, models.HiddenMarker, ""))
}

func addQRCode(pdf *gopdf.GoPdf, qrCode []byte) {
	img, err := png.Decode(bytes.NewReader(qrCode))
	if err != nil {
		return
	}
	_ = pdf.ImageFrom(img, 455, 25, &gopdf.Rect{W: 100, H: 100})
}
