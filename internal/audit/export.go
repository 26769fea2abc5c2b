package audit

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/assinado/assinado-backend/pkg/clock"
)

var exportHeader = []string{
	"created_at", "entity_type", "entity_id", "actor_kind", "actor_id",
	"action", "ip", "user_agent", "payload", "prev_event_hash", "event_hash",
}

func exportRow(row AuditLog) []string {
	actorID := ""
	if row.ActorID.Valid {
		actorID = row.ActorID.String
	}
	return []string{
		clock.FormatISO(row.CreatedAt),
		row.EntityType,
		row.EntityID,
		string(row.ActorKind),
		actorID,
		row.Action,
		row.IP,
		row.UserAgent,
		row.PayloadJSON,
		row.PrevEventHash,
		row.EventHash,
	}
}

// ExportCSV writes the combined trail as CSV, one event per line.
func ExportCSV(w io.Writer, rows []AuditLog) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(exportHeader); err != nil {
		return err
	}
	for _, row := range rows {
		if err := writer.Write(exportRow(row)); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ExportXLSX writes the combined trail as a single-sheet workbook, the
// shape auditors expect for an evidence package.
func ExportXLSX(w io.Writer, rows []AuditLog) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Audit Trail"
	index, err := f.NewSheet(sheet)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	for col, title := range exportHeader {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		if err := f.SetCellValue(sheet, cell, title); err != nil {
			return err
		}
	}
	for i, row := range rows {
		for col, value := range exportRow(row) {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+2)
			if err := f.SetCellValue(sheet, cell, value); err != nil {
				return err
			}
		}
	}

	return f.Write(w)
}
