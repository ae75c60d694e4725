package pipeline

import (
	"fmt"
	"strconv"
	"time"

	"github.com/aluiziolira/go-scrape-erowid/models"
)

// Columns returns the fixed output header: thirteen listing and detail
// fields, then the ten dose-chart slots flattened to substance_i, dose_i,
// method_i triples.
func Columns() []string {
	cols := []string{
		"title",
		"author",
		"date_experience",
		"date_published",
		"gender",
		"age_experience",
		"experience_rating",
		"weight_val",
		"weight_scale",
		"text",
		"id",
		"number_views",
		"category",
	}
	for i := 1; i <= models.DoseCount; i++ {
		cols = append(cols,
			fmt.Sprintf("substance_%d", i),
			fmt.Sprintf("dose_%d", i),
			fmt.Sprintf("method_%d", i),
		)
	}
	return cols
}

// Row projects one experience onto the Columns order. Absent values render as
// empty cells, dates as 2006-01-02.
func Row(exp *models.Experience) []string {
	row := make([]string, 0, 13+3*models.DoseCount)
	row = append(row,
		cell(exp.Title),
		cell(exp.Author),
		dateCell(exp.DateExperience),
		cell(exp.DatePublished),
		cell(exp.Gender),
		cell(exp.Age),
		cell(exp.Rating),
		floatCell(exp.WeightValue),
		cell(exp.WeightUnit),
		cell(exp.Text),
		intCell(exp.ID),
		intCell(exp.Views),
		exp.Category,
	)
	for _, dose := range exp.Doses {
		row = append(row, cell(dose.Substance), cell(dose.Amount), cell(dose.Method))
	}
	return row
}

func cell(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func intCell(n *int64) string {
	if n == nil {
		return ""
	}
	return strconv.FormatInt(*n, 10)
}

func floatCell(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}

func dateCell(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}
