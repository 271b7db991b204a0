// Package history keeps the append-only log of session outcomes.
package history

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/styelz/dwarf-scheduler-sub000/internal/models"
)

// Recorder appends one outcome record. Implementations must be safe for
// concurrent use.
type Recorder interface {
	Record(ctx context.Context, rec models.HistoryRecord) error
}

const (
	filePrefix = "history_"
	fileSuffix = ".csv"
	dayLayout  = "2006-01-02"
	timeLayout = "15:04:05"

	// DefaultDayChangeHour groups an observing night with the evening it
	// started.
	DefaultDayChangeHour = 18
)

// Columns is the header row of every history file.
var Columns = []string{
	"date", "time", "session", "target", "status", "ra", "dec",
	"frames_planned", "frames_captured", "exposure_s", "gain", "binning", "filter",
	"total_exposure_s", "duration_s",
	"autofocus", "infinite_focus", "eq_solving", "calibration", "autoguide", "settling_s",
	"temperature", "humidity", "seeing", "error",
}

// CSVRecorder writes one CSV file per log day under Dir.
type CSVRecorder struct {
	Dir           string
	DayChangeHour int
	Location      *time.Location
	Logger        *log.Logger

	mu sync.Mutex
}

// NewCSVRecorder creates dir if needed.
func NewCSVRecorder(dir string, dayChangeHour int, loc *time.Location, logger *log.Logger) (*CSVRecorder, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("history dir is required")
	}
	if dayChangeHour < 0 || dayChangeHour > 23 {
		return nil, fmt.Errorf("day change hour %d out of range [0,23]", dayChangeHour)
	}
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = log.Default()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	return &CSVRecorder{Dir: dir, DayChangeHour: dayChangeHour, Location: loc, Logger: logger}, nil
}

// LogDay returns the log day a timestamp belongs to: the local calendar date,
// or the previous date when the wall clock is before the day change hour.
// The comparison uses the wall clock so DST transitions do not move the
// boundary.
func LogDay(ts time.Time, dayChangeHour int, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	local := ts.In(loc)
	if local.Hour() < dayChangeHour {
		local = local.AddDate(0, 0, -1)
	}
	return local.Format(dayLayout)
}

// Path returns the file holding records for day (YYYY-MM-DD).
func (r *CSVRecorder) Path(day string) string {
	return filepath.Join(r.Dir, filePrefix+day+fileSuffix)
}

// Record appends rec to the file of its log day.
func (r *CSVRecorder) Record(ctx context.Context, rec models.HistoryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.Timestamp.IsZero() {
		return errors.New("history record timestamp is required")
	}
	day := LogDay(rec.Timestamp, r.DayChangeHour, r.location())

	r.mu.Lock()
	defer r.mu.Unlock()

	path := r.Path(day)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open history %s: %w", day, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat history %s: %w", day, err)
	}
	w := csv.NewWriter(f)
	if info.Size() == 0 {
		_ = w.Write(Columns)
	}
	_ = w.Write(r.row(rec))
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return fmt.Errorf("write history %s: %w", day, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close history %s: %w", day, err)
	}
	if r.Logger != nil {
		r.Logger.Printf("history: %s %s (%s)", rec.Status, rec.SessionName, day)
	}
	return nil
}

// Days lists the log days that have a file, oldest first.
func (r *CSVRecorder) Days() ([]string, error) {
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read history dir: %w", err)
	}
	var days []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		day := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		if _, err := time.Parse(dayLayout, day); err != nil {
			continue
		}
		days = append(days, day)
	}
	sort.Strings(days)
	return days, nil
}

// Read returns the records of one log day in append order. A day without a
// file has no records.
func (r *CSVRecorder) Read(day string) ([]models.HistoryRecord, error) {
	if _, err := time.Parse(dayLayout, day); err != nil {
		return nil, fmt.Errorf("invalid day %q: want YYYY-MM-DD", day)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.Open(r.Path(day))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open history %s: %w", day, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = len(Columns)
	var out []models.HistoryRecord
	for line := 1; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read history %s: %w", day, err)
		}
		if line == 1 && row[0] == Columns[0] {
			continue
		}
		rec, err := r.parse(row)
		if err != nil {
			return nil, fmt.Errorf("history %s line %d: %w", day, line, err)
		}
		out = append(out, rec)
	}
}

func (r *CSVRecorder) location() *time.Location {
	if r.Location != nil {
		return r.Location
	}
	return time.Local
}

func (r *CSVRecorder) row(rec models.HistoryRecord) []string {
	ts := rec.Timestamp.In(r.location())
	cal := rec.Calibration
	return []string{
		ts.Format(dayLayout),
		ts.Format(timeLayout),
		rec.SessionName,
		rec.Target,
		string(rec.Status),
		models.FormatRA(rec.Coordinates.RA),
		models.FormatDec(rec.Coordinates.Dec),
		strconv.Itoa(rec.Capture.Frames),
		strconv.Itoa(rec.FramesCaptured),
		formatFloat(rec.Capture.ExposureSeconds),
		strconv.Itoa(rec.Capture.Gain),
		rec.Capture.Binning,
		rec.Capture.Filter,
		formatFloat(rec.TotalExposureSeconds()),
		formatFloat(rec.Duration.Seconds()),
		strconv.FormatBool(cal.AutoFocus),
		strconv.FormatBool(cal.InfiniteFocus),
		strconv.FormatBool(cal.EQSolving),
		strconv.FormatBool(cal.Calibration),
		strconv.FormatBool(cal.AutoGuide),
		strconv.Itoa(cal.SettlingSeconds),
		rec.Temperature,
		rec.Humidity,
		rec.Seeing,
		rec.Error,
	}
}

func (r *CSVRecorder) parse(row []string) (models.HistoryRecord, error) {
	p := fieldParser{}
	ts, err := time.ParseInLocation(dayLayout+" "+timeLayout, row[0]+" "+row[1], r.location())
	if err != nil {
		return models.HistoryRecord{}, fmt.Errorf("timestamp: %w", err)
	}
	rec := models.HistoryRecord{
		SessionName: row[2],
		Target:      row[3],
		Timestamp:   ts,
		Status:      models.HistoryStatus(row[4]),
		Coordinates: models.Coordinates{
			RA:  p.ra(row[5]),
			Dec: p.dec(row[6]),
		},
		Capture: models.CaptureSettings{
			Frames:          p.int(row[7]),
			ExposureSeconds: p.float(row[9]),
			Gain:            p.int(row[10]),
			Binning:         row[11],
			Filter:          row[12],
		},
		FramesCaptured: p.int(row[8]),
		Duration:       time.Duration(p.float(row[14]) * float64(time.Second)),
		Calibration: models.CalibrationSettings{
			AutoFocus:       p.bool(row[15]),
			InfiniteFocus:   p.bool(row[16]),
			EQSolving:       p.bool(row[17]),
			Calibration:     p.bool(row[18]),
			AutoGuide:       p.bool(row[19]),
			SettlingSeconds: p.int(row[20]),
		},
		Temperature: row[21],
		Humidity:    row[22],
		Seeing:      row[23],
		Error:       row[24],
	}
	if p.err != nil {
		return models.HistoryRecord{}, p.err
	}
	return rec, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// fieldParser keeps the first conversion error.
type fieldParser struct {
	err error
}

func (p *fieldParser) int(s string) int {
	if s == "" || p.err != nil {
		return 0
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		p.err = err
	}
	return v
}

func (p *fieldParser) float(s string) float64 {
	if s == "" || p.err != nil {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.err = err
	}
	return v
}

func (p *fieldParser) bool(s string) bool {
	if s == "" || p.err != nil {
		return false
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		p.err = err
	}
	return v
}

func (p *fieldParser) ra(s string) float64 {
	if s == "" || p.err != nil {
		return 0
	}
	v, err := models.ParseRA(s)
	if err != nil {
		p.err = err
	}
	return v
}

func (p *fieldParser) dec(s string) float64 {
	if s == "" || p.err != nil {
		return 0
	}
	v, err := models.ParseDec(s)
	if err != nil {
		p.err = err
	}
	return v
}
