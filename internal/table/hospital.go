package table

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
)

const HospitalFile = "num_bad_hospitals.dat"

// Columns of the hospital overload table.
const (
	HospDay = iota
	HospOverloaded
	HospUnderserved
)

var HospitalHeader = []string{"Day", "Overloaded", "Underserved"}

var hospitalLine = regexp.MustCompile(`Day\s+(\d+):\s+(\d+)\s+hospitals over capacity,\s+(\d+)\s+underserved hospitalized agents`)

// ReadHospital loads num_bad_hospitals.dat from dir. When the file is absent
// the table is rebuilt from the overload lines of the run log.
func ReadHospital(dir, logName string) (*Table, error) {
	path := filepath.Join(dir, HospitalFile)
	t, err := Read(path, 3)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	f, err := os.Open(filepath.Join(dir, logName))
	if err != nil {
		return nil, fmt.Errorf("no %s and no log: %w", HospitalFile, err)
	}
	defer f.Close()
	t, err = ParseHospitalLog(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Join(dir, logName), err)
	}
	return t, nil
}

// ParseHospitalLog extracts lines of the form
//
//	Day X: Y hospitals over capacity, Z underserved hospitalized agents
func ParseHospitalLog(r io.Reader) (*Table, error) {
	t := &Table{Header: HospitalHeader}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for sc.Scan() {
		m := hospitalLine.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		row := make([]float64, 3)
		for i := range row {
			v, err := strconv.ParseFloat(m[i+1], 64)
			if err != nil {
				return nil, err
			}
			row[i] = v
		}
		t.Rows = append(t.Rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(t.Rows) == 0 {
		return nil, ErrEmpty
	}
	return t, nil
}
