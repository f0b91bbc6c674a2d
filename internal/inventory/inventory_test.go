package inventory_test

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brensch/edgarsync/internal/inventory"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadDirOrdersEntitiesAndKeepsRowOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "0000005678.csv", "cik,company_name,form,rdate,filename\n"+
		"0000005678,Beta,13F-HR,2020-03-31,edgar/data/5678/0000005678-20-000003.txt\n"+
		"0000005678,Beta,13F-HR,2020-06-30,edgar/data/5678/0000005678-20-000001.txt\n")
	writeFile(t, dir, "0000001234.csv", "cik,company_name,form,rdate,filename\n"+
		"0000001234,Alpha,13F-HR/A,2019-12-31,edgar/data/1234/0000001234-19-000007.txt\n")
	writeFile(t, dir, "notes.txt", "ignored")

	inv, err := inventory.LoadDir(dir, discard)
	require.NoError(t, err)

	assert.Equal(t, []string{"0000001234", "0000005678"}, inv.EntityIDs())
	assert.Equal(t, 3, inv.TotalItems())

	beta := inv.Entities[1]
	require.Len(t, beta.Items, 2)
	assert.Equal(t, "0000005678-20-000003", beta.Items[0].Accession)
	assert.Equal(t, "0000005678-20-000001", beta.Items[1].Accession)
	assert.Equal(t, "0000005678_0000005678-20-000003", beta.Items[0].ItemKey.String())
	assert.Equal(t, "Beta", beta.Items[0].DisplayName)
	assert.Equal(t, "2020-03-31", beta.Items[0].ReportDate)
	assert.Equal(t, "13F-HR/A", inv.Entities[0].Items[0].FormType)
}

func TestLoadDirMissing(t *testing.T) {
	_, err := inventory.LoadDir(filepath.Join(t.TempDir(), "absent"), discard)
	assert.True(t, errors.Is(err, inventory.ErrInventoryMissing))

	_, err = inventory.LoadDir(t.TempDir(), discard)
	assert.True(t, errors.Is(err, inventory.ErrInventoryMissing))
}

func TestLoadDirSkipsBrokenFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "0000000001.csv", "cik,form\n1,13F-HR\n")
	writeFile(t, dir, "0000000002.csv", "cik,form,filename\n2,13F-HR,edgar/data/2/0000000002-21-000001.txt\n")

	inv, err := inventory.LoadDir(dir, discard)
	require.NoError(t, err)
	assert.Equal(t, []string{"0000000002"}, inv.EntityIDs())
}

func TestReadCSVFallsBackToFileEntity(t *testing.T) {
	items, err := inventory.ReadCSV(strings.NewReader("form,filename,cik\n13F-HR,edgar/data/9/A1.txt,\n"), "0000000009")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, inventory.ItemKey{EntityID: "0000000009", Accession: "A1"}, items[0].ItemKey)
}

func TestPadEntityID(t *testing.T) {
	assert.Equal(t, "0000001234", inventory.PadEntityID("1234"))
	assert.Equal(t, "0000001234", inventory.PadEntityID("0000001234"))
	assert.Equal(t, "12345678901", inventory.PadEntityID("12345678901"))
}

func TestAccessionFromPath(t *testing.T) {
	assert.Equal(t, "0000001234-05-000009", inventory.AccessionFromPath("edgar/data/1234/0000001234-05-000009.txt"))
	assert.Equal(t, "0000001234-05-000009", inventory.AccessionFromPath(`edgar\data\1234\0000001234-05-000009.txt`))
	assert.Equal(t, "A2", inventory.AccessionFromPath("A2"))
}
