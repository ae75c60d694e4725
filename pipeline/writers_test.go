package pipeline

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aluiziolira/go-scrape-erowid/models"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return rows
}

func TestCSVWriterFreshFileWritesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")

	writer, err := NewCSVWriter(path, false)
	if err != nil {
		t.Fatalf("NewCSVWriter() error = %v", err)
	}
	if err := writer.Write([]*models.Experience{sampleExperience()}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	rows := readCSV(t, path)
	if len(rows) != 2 {
		t.Fatalf("csv rows = %d, want header plus one record", len(rows))
	}
	if len(rows[0]) != 43 || rows[0][0] != "title" {
		t.Errorf("header = %d columns starting %q, want 43 starting title", len(rows[0]), rows[0][0])
	}
	if rows[1][0] != "First Trip" {
		t.Errorf("record title = %q, want First Trip", rows[1][0])
	}
	if rows[1][12] != "39" {
		t.Errorf("record category = %q, want 39", rows[1][12])
	}
}

func TestCSVWriterResumeAppendsWithoutHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")

	writer, err := NewCSVWriter(path, false)
	if err != nil {
		t.Fatalf("NewCSVWriter() error = %v", err)
	}
	if err := writer.Write([]*models.Experience{sampleExperience()}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	resumed, err := NewCSVWriter(path, true)
	if err != nil {
		t.Fatalf("NewCSVWriter(resume) error = %v", err)
	}
	if err := resumed.Write([]*models.Experience{sampleExperience()}); err != nil {
		t.Fatalf("Write() after resume error = %v", err)
	}
	if err := resumed.Close(); err != nil {
		t.Fatalf("Close() after resume error = %v", err)
	}

	rows := readCSV(t, path)
	if len(rows) != 3 {
		t.Fatalf("csv rows = %d, want header plus two records", len(rows))
	}
	headerCount := 0
	for _, row := range rows {
		if row[0] == "title" {
			headerCount++
		}
	}
	if headerCount != 1 {
		t.Errorf("header rows = %d, want exactly 1", headerCount)
	}
}

func TestCSVWriterResumeOnMissingFileWritesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")

	writer, err := NewCSVWriter(path, true)
	if err != nil {
		t.Fatalf("NewCSVWriter(resume) error = %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	rows := readCSV(t, path)
	if len(rows) != 1 || rows[0][0] != "title" {
		t.Fatalf("fresh resume file has %d rows, want a single header row", len(rows))
	}
}

func TestCSVWriterRestartTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")

	writer, err := NewCSVWriter(path, false)
	if err != nil {
		t.Fatalf("NewCSVWriter() error = %v", err)
	}
	if err := writer.Write([]*models.Experience{sampleExperience(), sampleExperience()}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	restarted, err := NewCSVWriter(path, false)
	if err != nil {
		t.Fatalf("NewCSVWriter(restart) error = %v", err)
	}
	if err := restarted.Close(); err != nil {
		t.Fatalf("Close() after restart error = %v", err)
	}

	rows := readCSV(t, path)
	if len(rows) != 1 {
		t.Fatalf("csv rows after restart = %d, want header only", len(rows))
	}
}

func TestCSVWriterValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")

	writer, err := NewCSVWriter(path, false)
	if err != nil {
		t.Fatalf("NewCSVWriter() error = %v", err)
	}
	if err := writer.Write([]*models.Experience{sampleExperience()}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := writer.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}
}

func TestCSVWriterValidateRejectsForeignHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	if err := os.WriteFile(path, []byte("a,b\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	writer, err := NewCSVWriter(path, true)
	if err != nil {
		t.Fatalf("NewCSVWriter(resume) error = %v", err)
	}
	defer writer.Close()

	err = writer.Validate()
	if err == nil {
		t.Fatal("Validate() error = nil, want column count mismatch")
	}
	if !strings.Contains(err.Error(), "columns") {
		t.Errorf("Validate() error = %q, want mention of columns", err)
	}
}

func TestJSONWriterWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")

	writer, err := NewJSONWriter(path, false)
	if err != nil {
		t.Fatalf("NewJSONWriter() error = %v", err)
	}
	partial := &models.Experience{Title: strp("Lost Report"), Category: "2"}
	if err := writer.Write([]*models.Experience{sampleExperience(), partial}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("jsonl lines = %d, want 2", len(lines))
	}

	var full map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &full); err != nil {
		t.Fatalf("Unmarshal() first line error = %v", err)
	}
	if full["title"] != "First Trip" {
		t.Errorf("first line title = %v, want First Trip", full["title"])
	}
	if full["id"] != float64(104361) {
		t.Errorf("first line id = %v, want 104361", full["id"])
	}

	var second map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("Unmarshal() second line error = %v", err)
	}
	if second["id"] != nil {
		t.Errorf("partial record id = %v, want null", second["id"])
	}
	if second["gender"] != nil {
		t.Errorf("partial record gender = %v, want null", second["gender"])
	}

	if err := writer.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}
}

func TestJSONWriterResumeAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")

	writer, err := NewJSONWriter(path, false)
	if err != nil {
		t.Fatalf("NewJSONWriter() error = %v", err)
	}
	if err := writer.Write([]*models.Experience{sampleExperience()}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	resumed, err := NewJSONWriter(path, true)
	if err != nil {
		t.Fatalf("NewJSONWriter(resume) error = %v", err)
	}
	if err := resumed.Write([]*models.Experience{sampleExperience()}); err != nil {
		t.Fatalf("Write() after resume error = %v", err)
	}
	if err := resumed.Close(); err != nil {
		t.Fatalf("Close() after resume error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("jsonl lines after resume = %d, want 2", len(lines))
	}
}

func TestDualWriterWritesBothOutputs(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "out.csv")
	jsonPath := filepath.Join(dir, "out.jsonl")

	writer, err := NewDualWriter(csvPath, jsonPath, false)
	if err != nil {
		t.Fatalf("NewDualWriter() error = %v", err)
	}
	if err := writer.Write([]*models.Experience{sampleExperience()}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := writer.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}

	rows := readCSV(t, csvPath)
	if len(rows) != 2 {
		t.Errorf("csv rows = %d, want 2", len(rows))
	}
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if len(strings.Split(strings.TrimSpace(string(data)), "\n")) != 1 {
		t.Errorf("jsonl content = %q, want a single record line", string(data))
	}
}
