package sheet

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/wordflow/autopilot/internal/entity"
)

const mirrorSheetName = "StatusLog"

// Mirror appends every status update to a local .xlsx workbook.
type Mirror struct {
	path string
	mu   sync.Mutex
}

// NewMirror creates a mirror at path, initializing the workbook with a
// header row when the file does not exist yet.
func NewMirror(path string) (*Mirror, error) {
	m := &Mirror{path: path}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f := excelize.NewFile()
		defer f.Close()
		if _, err := f.NewSheet(mirrorSheetName); err != nil {
			return nil, err
		}
		if err := f.DeleteSheet("Sheet1"); err != nil {
			return nil, err
		}
		header := []interface{}{"Timestamp", "Order ID", "Status", "Category"}
		if err := f.SetSheetRow(mirrorSheetName, "A1", &header); err != nil {
			return nil, err
		}
		if err := f.SaveAs(path); err != nil {
			return nil, fmt.Errorf("failed to create sheet mirror: %w", err)
		}
	}
	return m, nil
}

// Append writes one row to the workbook.
func (m *Mirror) Append(orderID string, status entity.ExternalStatus, category string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := excelize.OpenFile(m.path)
	if err != nil {
		return fmt.Errorf("failed to open sheet mirror: %w", err)
	}
	defer f.Close()

	rows, err := f.GetRows(mirrorSheetName)
	if err != nil {
		return err
	}
	next := len(rows) + 1

	row := []interface{}{time.Now().Format(time.RFC3339), orderID, string(status), category}
	cell := fmt.Sprintf("A%d", next)
	if err := f.SetSheetRow(mirrorSheetName, cell, &row); err != nil {
		return err
	}
	return f.Save()
}
