package services

import (
	"bytes"
)

// UploadTemplate describes the accepted upload columns with a sample file.
type UploadTemplate struct {
	Fields    []FieldSpec `json:"fields"`
	Required  []string    `json:"required"`
	Formats   []string    `json:"formats"`
	SampleCSV string      `json:"sampleCsv"`
}

var templateSample = [][]string{
	{
		"ACC-1001", "Jane", "Doe", "1,250.00", "980.50",
		"jane.doe@example.com", "555-0100", "", "12 Main St, Apt 4", "Springfield", "IL", "62701",
		"1985-04-12", "2023-01-31", "2024-02-15", "50.00",
		"First National", "active", "medium", "email", "no", "",
	},
	{
		"ACC-1002", "John", "Smith", "500", "500",
		"", "", "555-0101", "", "", "", "",
		"", "", "", "",
		"", "payment_plan", "high", "phone", "yes", "Prefers calls after 5pm",
	},
}

// Template returns the upload column catalog and a sample CSV.
func (s *BulkUploadService) Template() UploadTemplate {
	header := make([]string, 0, len(accountFields))
	required := make([]string, 0, 5)
	for _, field := range accountFields {
		header = append(header, field.Name)
		if field.Required {
			required = append(required, field.Name)
		}
	}

	var sample bytes.Buffer
	// Writing to a bytes.Buffer cannot fail.
	_ = WriteCSV(&sample, header, templateSample)

	return UploadTemplate{
		Fields:    accountFields,
		Required:  required,
		Formats:   []string{".csv", ".xls", ".xlsx"},
		SampleCSV: sample.String(),
	}
}
