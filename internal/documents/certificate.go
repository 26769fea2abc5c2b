package documents

import (
	"bytes"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/assinado/assinado-backend/pkg/clock"
)

// ShortCode is the human-readable receipt shown to a signer: the first
// characters of the signature hash, upper-cased.
func ShortCode(signatureHash string, length int) string {
	if length <= 0 || length > len(signatureHash) {
		length = 6
	}
	return strings.ToUpper(signatureHash[:length])
}

// renderCertificate produces the completion certificate PDF: document
// identity, final content hash and one block per signer.
func renderCertificate(doc *Document, signers []Signer, finalHash string, issuedAt time.Time) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 25, 20)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 18)
	pdf.CellFormat(0, 10, "Certificado de Conclusao", "", 1, "C", false, 0, "")
	pdf.Ln(4)

	pdf.SetFont("Arial", "", 11)
	pdf.CellFormat(0, 7, "Documento: "+doc.Title, "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 7, "Emitido em: "+clock.FormatISO(issuedAt), "", 1, "L", false, 0, "")
	pdf.Ln(2)

	pdf.SetFont("Courier", "", 9)
	pdf.CellFormat(0, 6, "SHA-256: "+finalHash, "", 1, "L", false, 0, "")
	pdf.Ln(6)

	pdf.SetFont("Arial", "B", 13)
	pdf.CellFormat(0, 8, "Assinaturas", "", 1, "L", false, 0, "")
	pdf.SetDrawColor(180, 180, 180)

	for _, signer := range signers {
		if signer.Status != SignerSigned {
			continue
		}
		pdf.Ln(3)
		pdf.SetFont("Arial", "B", 11)
		pdf.CellFormat(0, 7, signer.Name, "", 1, "L", false, 0, "")
		pdf.SetFont("Arial", "", 10)
		pdf.CellFormat(0, 6, signer.Email, "", 1, "L", false, 0, "")
		if signer.SignedAt != nil {
			pdf.CellFormat(0, 6, "Assinado em: "+clock.FormatISO(*signer.SignedAt), "", 1, "L", false, 0, "")
		}
		if signer.SignatureHash.Valid {
			pdf.SetFont("Courier", "", 9)
			pdf.CellFormat(0, 6, "Codigo: "+ShortCode(signer.SignatureHash.String, 6), "", 1, "L", false, 0, "")
			pdf.CellFormat(0, 6, "Hash: "+signer.SignatureHash.String, "", 1, "L", false, 0, "")
		}
		pdf.Line(20, pdf.GetY()+2, 190, pdf.GetY()+2)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
