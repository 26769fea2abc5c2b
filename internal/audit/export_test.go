package audit

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportCSV(t *testing.T) {
	rows := buildChain(t, uuid.New(), "doc-1", docChainEntries(), time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	var buf bytes.Buffer
	require.NoError(t, ExportCSV(&buf, rows))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, len(rows)+1)
	assert.Equal(t, exportHeader, records[0])
	assert.Equal(t, "STORAGE_UPLOADED", records[1][5])
	assert.Equal(t, "2025-06-01T12:00:00.000Z", records[1][0])
	assert.Equal(t, rows[0].EventHash, records[1][10])
}

func TestExportXLSXProducesWorkbook(t *testing.T) {
	rows := buildChain(t, uuid.New(), "doc-1", docChainEntries(), time.Now())

	var buf bytes.Buffer
	require.NoError(t, ExportXLSX(&buf, rows))
	// XLSX files are zip archives.
	assert.Equal(t, []byte{'P', 'K'}, buf.Bytes()[:2])
}
