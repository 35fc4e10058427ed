package services

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/debtdesk/apiserver/types"
	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Row is one data row of an upload keyed by canonical field name.
type Row struct {
	// Number is the 1-based data row number, header excluded.
	Number int
	Values map[string]string
}

// Blank reports whether every cell of the row is empty.
func (r Row) Blank() bool {
	for _, value := range r.Values {
		if strings.TrimSpace(value) != "" {
			return false
		}
	}
	return true
}

// RowError reports a data row that could not be decoded. The reader has
// moved past it and the next call to Next continues with the following row.
type RowError struct {
	Number int
	Err    error
}

func (e *RowError) Error() string { return fmt.Sprintf("row %d: %v", e.Number, e.Err) }
func (e *RowError) Unwrap() error { return e.Err }

// RowReader yields upload rows one at a time. Next returns io.EOF after
// the last row and a *RowError for a malformed row it could skip.
type RowReader interface {
	Next() (Row, error)
	Close() error
}

// recordSource yields raw records, the first one being the header.
type recordSource interface {
	next() ([]string, error)
	close() error
}

// OpenRowReader picks a reader from the file extension.
func OpenRowReader(fileName string, data []byte) (RowReader, error) {
	var src recordSource
	var err error
	switch strings.ToLower(path.Ext(strings.TrimSpace(fileName))) {
	case ".csv":
		src = newCSVSource(data)
	case ".xlsx":
		src, err = newXLSXSource(data)
	case ".xls":
		src, err = newXLSSource(data)
	default:
		return nil, types.ErrUnsupportedFormat
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrUnreadableFile, err)
	}

	header, err := src.next()
	if err != nil {
		_ = src.close()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: file has no header row", types.ErrUnreadableFile)
		}
		return nil, fmt.Errorf("%w: read header: %v", types.ErrUnreadableFile, err)
	}

	return &headerRowReader{src: src, columns: mapHeader(header)}, nil
}

type headerRowReader struct {
	src     recordSource
	columns []string
	number  int
}

func (r *headerRowReader) Next() (Row, error) {
	record, err := r.src.next()
	if err != nil {
		// encoding/csv consumes the offending record before reporting it.
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			r.number++
			return Row{Number: r.number}, &RowError{Number: r.number, Err: parseErr.Err}
		}
		return Row{}, err
	}
	r.number++

	// Several header aliases may name the same field; the first
	// non-empty cell wins.
	values := make(map[string]string, len(r.columns))
	for i, cell := range record {
		if i >= len(r.columns) || r.columns[i] == "" {
			continue
		}
		if values[r.columns[i]] != "" {
			continue
		}
		values[r.columns[i]] = strings.TrimSpace(cell)
	}
	return Row{Number: r.number, Values: values}, nil
}

func (r *headerRowReader) Close() error {
	return r.src.close()
}

type csvSource struct {
	reader *csv.Reader
}

func newCSVSource(data []byte) *csvSource {
	reader := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM)))
	reader.FieldsPerRecord = -1
	return &csvSource{reader: reader}
}

func (s *csvSource) next() ([]string, error) {
	return s.reader.Read()
}

func (s *csvSource) close() error { return nil }

// xlsxSource streams the first worksheet of an XLSX workbook.
type xlsxSource struct {
	file *excelize.File
	rows *excelize.Rows
}

func newXLSXSource(data []byte) (*xlsxSource, error) {
	file, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	sheets := file.GetSheetList()
	if len(sheets) == 0 {
		_ = file.Close()
		return nil, errors.New("workbook has no sheets")
	}
	rows, err := file.Rows(sheets[0])
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	return &xlsxSource{file: file, rows: rows}, nil
}

func (s *xlsxSource) next() ([]string, error) {
	if !s.rows.Next() {
		if err := s.rows.Error(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return s.rows.Columns()
}

func (s *xlsxSource) close() error {
	_ = s.rows.Close()
	return s.file.Close()
}

// xlsSource reads the first worksheet of a legacy BIFF workbook.
type xlsSource struct {
	sheet *xls.WorkSheet
	row   int
}

func newXLSSource(data []byte) (*xlsSource, error) {
	book, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
	if err != nil {
		return nil, fmt.Errorf("open xls: %w", err)
	}
	sheet := book.GetSheet(0)
	if sheet == nil {
		return nil, errors.New("workbook has no sheets")
	}
	return &xlsSource{sheet: sheet}, nil
}

func (s *xlsSource) next() ([]string, error) {
	if s.row > int(s.sheet.MaxRow) {
		return nil, io.EOF
	}
	row := s.sheet.Row(s.row)
	s.row++
	if row == nil {
		return nil, nil
	}
	record := make([]string, 0, row.LastCol()+1)
	for col := 0; col <= row.LastCol(); col++ {
		record = append(record, row.Col(col))
	}
	return record, nil
}

func (s *xlsSource) close() error { return nil }

// WriteCSV writes header and rows as RFC 4180 CSV, quoting cells that
// contain separators, quotes or line breaks.
func WriteCSV(w io.Writer, header []string, rows [][]string) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return err
	}
	if err := writer.WriteAll(rows); err != nil {
		return err
	}
	return writer.Error()
}
