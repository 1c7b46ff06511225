package service

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	appErrors "github.com/unclebandit/leadblast-dispatch/internal/errors"
	"github.com/unclebandit/leadblast-dispatch/internal/model"
)

type LeadUploader interface {
	UploadLeads(ctx context.Context, id int, leads []model.LeadInput) (*UploadResult, error)
}

// LeadImportService reads leads from the first sheet of an .xlsx workbook.
// The header row must name an address column ("address" or "phone");
// "name" and "email" are optional.
type LeadImportService struct {
	Uploader LeadUploader
}

func (s *LeadImportService) ImportXLSX(ctx context.Context, campaignID int, r io.Reader) (*UploadResult, error) {
	leads, err := ParseLeadsXLSX(r)
	if err != nil {
		return nil, err
	}
	return s.Uploader.UploadLeads(ctx, campaignID, leads)
}

func ParseLeadsXLSX(r io.Reader) ([]model.LeadInput, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, appErrors.NewValidation("file", fmt.Sprintf("not a readable xlsx workbook: %v", err))
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, appErrors.NewValidation("file", "workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, appErrors.NewValidation("file", "sheet is empty")
	}

	nameCol, addrCol, emailCol := -1, -1, -1
	for i, h := range rows[0] {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "name":
			nameCol = i
		case "address", "phone", "number":
			addrCol = i
		case "email":
			emailCol = i
		}
	}
	if addrCol < 0 {
		return nil, appErrors.NewValidation("file", "header row needs an address or phone column")
	}

	leads := make([]model.LeadInput, 0, len(rows)-1)
	for _, row := range rows[1:] {
		address := cell(row, addrCol)
		if address == "" {
			continue
		}
		leads = append(leads, model.LeadInput{
			Name:    optional(cell(row, nameCol)),
			Address: address,
			Email:   optional(cell(row, emailCol)),
		})
	}
	return leads, nil
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
