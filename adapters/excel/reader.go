// Package excel reads the species trait/indicator table from Excel or CSV
// files into the domain table type.
package excel

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"traitcast/domain/core"
	"traitcast/domain/trait"
	"traitcast/internal/errors"
)

// Column headers recognized in the input table. Trait and indicator columns
// match the canonical trait/axis names; group and identity columns are fixed.
const (
	colSpecies     = "species"
	colSymbiosis   = "symbiosis"
	colGrowthHabit = "growth_habit"
	colPhyloID     = "phylo_id"
)

// TableReader implements ports.TraitTablePort over an .xlsx or .csv file.
type TableReader struct {
	filePath string
	fileType string // "xlsx" or "csv"
}

// NewTableReader creates a reader; the file type follows the extension.
func NewTableReader(filePath string) *TableReader {
	fileType := "xlsx"
	if strings.ToLower(filepath.Ext(filePath)) == ".csv" {
		fileType = "csv"
	}
	return &TableReader{filePath: filePath, fileType: fileType}
}

// ReadTable reads and validates the species table.
func (r *TableReader) ReadTable(ctx context.Context) (*trait.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(r.filePath); os.IsNotExist(err) {
		return nil, errors.NotFound("trait file " + r.filePath)
	}

	var rows [][]string
	var err error
	switch r.fileType {
	case "csv":
		rows, err = r.readCSV()
	default:
		rows, err = r.readExcel()
	}
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, errors.DataError("trait file must have a header row and at least one species row")
	}
	return buildTable(rows)
}

func (r *TableReader) readExcel() ([][]string, error) {
	f, err := excelize.OpenFile(r.filePath)
	if err != nil {
		return nil, errors.StorageError("failed to open trait file", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, errors.StorageError(fmt.Sprintf("failed to read sheet %q", sheet), err)
	}
	return rows, nil
}

func (r *TableReader) readCSV() ([][]string, error) {
	f, err := os.Open(r.filePath)
	if err != nil {
		return nil, errors.StorageError("failed to open trait file", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, errors.StorageError("failed to parse CSV trait file", err)
	}
	return rows, nil
}

// buildTable maps header names to domain fields. Unknown columns are
// ignored; blank cells become missing values.
func buildTable(rows [][]string) (*trait.Table, error) {
	header := make(map[string]int, len(rows[0]))
	for i, h := range rows[0] {
		header[strings.ToLower(strings.TrimSpace(h))] = i
	}
	speciesCol, ok := header[colSpecies]
	if !ok {
		return nil, errors.DataError("trait file is missing the species column")
	}

	records := make([]trait.Record, 0, len(rows)-1)
	for n, row := range rows[1:] {
		species := cell(row, speciesCol)
		if species == "" {
			return nil, errors.DataError(fmt.Sprintf("row %d: empty species identifier", n+2))
		}

		rec := trait.Record{
			Species:    core.SpeciesID(species),
			Traits:     make(map[trait.Trait]float64, len(trait.AllTraits())),
			Indicators: make(map[trait.Axis]*float64, len(trait.AllAxes())),
		}

		for _, t := range trait.AllTraits() {
			col, ok := header[string(t)]
			if !ok {
				continue
			}
			v, present, err := parseCell(cell(row, col))
			if err != nil {
				return nil, errors.DataError(fmt.Sprintf("row %d: trait %s: %v", n+2, t, err))
			}
			if present {
				rec.Traits[t] = v
			}
		}

		for _, axis := range trait.AllAxes() {
			col, ok := header[strings.ToLower(string(axis))]
			if !ok {
				continue
			}
			v, present, err := parseCell(cell(row, col))
			if err != nil {
				return nil, errors.DataError(fmt.Sprintf("row %d: indicator %s: %v", n+2, axis, err))
			}
			if present {
				if v < 0 || v > 10 {
					return nil, errors.DataError(fmt.Sprintf("row %d: indicator %s value %g outside the 0-10 scale", n+2, axis, v))
				}
				value := v
				rec.Indicators[axis] = &value
			}
		}

		groups := make(map[trait.GroupKind]string)
		if col, ok := header[colSymbiosis]; ok {
			if label := cell(row, col); label != "" {
				groups[trait.GroupSymbiosis] = strings.ToLower(label)
			}
		}
		if col, ok := header[colGrowthHabit]; ok {
			if label := cell(row, col); label != "" {
				groups[trait.GroupGrowthHabit] = strings.ToLower(label)
			}
		}
		if len(groups) > 0 {
			rec.Groups = groups
		}
		if col, ok := header[colPhyloID]; ok {
			rec.PhyloID = cell(row, col)
		}

		records = append(records, rec)
	}

	table, err := trait.NewTable(records)
	if err != nil {
		return nil, errors.DataError(err.Error())
	}
	return table, nil
}

func cell(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// parseCell distinguishes missing (blank or NA) from malformed cells.
func parseCell(s string) (float64, bool, error) {
	if s == "" || strings.EqualFold(s, "na") || strings.EqualFold(s, "nan") {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, fmt.Errorf("not a number: %q", s)
	}
	return v, true, nil
}
