package storage

import (
	"bytes"
	"strings"

	"github.com/deckflow/backend/internal/apperrors"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// DeckInfo describes an uploaded deck.
type DeckInfo struct {
	ContentType string
	PageCount   int
}

var pdfMagic = []byte("%PDF-")

// IsPDF sniffs the PDF header.
func IsPDF(data []byte) bool {
	return bytes.HasPrefix(data, pdfMagic)
}

// InspectDeck validates a deck and counts its pages. Non-PDF uploads are accepted
// with an unknown page count as long as their declared type is an image.
func InspectDeck(data []byte, declaredType string) (*DeckInfo, error) {
	if len(data) == 0 {
		return nil, apperrors.Validation("document is empty")
	}

	if !IsPDF(data) {
		if strings.HasPrefix(declaredType, "image/") {
			return &DeckInfo{ContentType: declaredType, PageCount: 1}, nil
		}
		return nil, apperrors.Validation("document must be a PDF or an image")
	}

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	pages, err := api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		return nil, &apperrors.Error{Kind: apperrors.KindValidation, Message: "document is not a readable PDF", Err: err}
	}
	if pages == 0 {
		return nil, apperrors.Validation("document has no pages")
	}
	return &DeckInfo{ContentType: "application/pdf", PageCount: pages}, nil
}
