package quantize

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
)

// LoadCSV reads up to maxRows rows of numFeatures leading numeric columns.
// Any trailing column is returned as an integer label (positive -> 1).
func LoadCSV(path string, numFeatures, maxRows int) ([][]float64, []int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	var rows [][]float64
	var labels []int
	for maxRows <= 0 || len(rows) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read row %d: %v", len(rows), err)
		}
		if len(record) < numFeatures {
			return nil, nil, fmt.Errorf("row %d has %d columns, need %d", len(rows), len(record), numFeatures)
		}

		row := make([]float64, numFeatures)
		for i := 0; i < numFeatures; i++ {
			if row[i], err = strconv.ParseFloat(record[i], 64); err != nil {
				return nil, nil, fmt.Errorf("row %d column %d: %v", len(rows), i, err)
			}
		}
		rows = append(rows, row)

		if len(record) > numFeatures {
			label, _ := strconv.ParseFloat(record[numFeatures], 64)
			if label > 0 {
				labels = append(labels, 1)
			} else {
				labels = append(labels, 0)
			}
		}
	}
	return rows, labels, nil
}

func SaveScheme(path string, s *Scheme) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode scheme: %v", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func LoadScheme(path string) (*Scheme, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Scheme
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode scheme %s: %w", path, err)
	}
	return &s, nil
}
