package statement

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeStatement(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "statement.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestReadSkipsHeader(t *testing.T) {
	path := writeStatement(t, "Date,Description,Amount\n2024-01-02,COFFEE SHOP,-4.50\n2024-01-03,PAYROLL,2500.00\n")

	file, err := Read(path)
	require.NoError(t, err)

	assert.Equal(t, "statement.csv", file.Name)
	assert.NotEmpty(t, file.Fingerprint)
	require.Len(t, file.Rows, 2)
	assert.Equal(t, []string{"2024-01-02", "COFFEE SHOP", "-4.50"}, file.Rows[0].Fields)
	assert.Equal(t, 0, file.Rows[0].Index)
	assert.Equal(t, 1, file.Rows[1].Index)
}

func TestReadWithoutHeader(t *testing.T) {
	path := writeStatement(t, "2024-01-02,COFFEE SHOP,-4.50\n2024-01-03,PAYROLL,2500.00\n")

	file, err := Read(path)
	require.NoError(t, err)
	assert.Len(t, file.Rows, 2)
}

func TestReadSkipsEmptyRows(t *testing.T) {
	path := writeStatement(t, "Date,Description,Amount\n2024-01-02,COFFEE,-4.50\n,,\n2024-01-03,PAYROLL,2500.00\n")

	file, err := Read(path)
	require.NoError(t, err)
	assert.Len(t, file.Rows, 2)
}

func TestReadFingerprintIsStable(t *testing.T) {
	content := "Date,Description,Amount\n2024-01-02,COFFEE,-4.50\n"
	first, err := Read(writeStatement(t, content))
	require.NoError(t, err)
	second, err := Read(writeStatement(t, content))
	require.NoError(t, err)

	assert.Equal(t, first.Fingerprint, second.Fingerprint)

	changed, err := Read(writeStatement(t, content+"2024-01-03,PAYROLL,2500.00\n"))
	require.NoError(t, err)
	assert.NotEqual(t, first.Fingerprint, changed.Fingerprint)
}

func TestReadRejectsEmptyStatement(t *testing.T) {
	_, err := Read(writeStatement(t, ""))
	assert.Error(t, err)

	_, err = Read(writeStatement(t, "Date,Description,Amount\n"))
	assert.Error(t, err)
}

func TestReadCurrencyFormattedAmountsAreNotHeaders(t *testing.T) {
	path := writeStatement(t, "2024-01-02,BIG PURCHASE,\"$1,234.56\"\n")

	file, err := Read(path)
	require.NoError(t, err)
	assert.Len(t, file.Rows, 1)
}

func TestReadMissingFile(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "nope.csv"))
	assert.Error(t, err)
}
