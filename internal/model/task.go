package model

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/experian_v2/internal/textenc"
)

// BookZone is the delivery timezone of the remote API (JST, fixed +09:00).
var BookZone = time.FixedZone("JST", 9*60*60)

// BookTime is the scheduled send time, expressed in BookZone.
type BookTime struct {
	Year   int
	Month  int
	Day    int
	Hour   int
	Minute int
}

// NewBookTime takes the calendar date of now in BookZone and the configured hour and minute.
func NewBookTime(now time.Time, hour, minute int) BookTime {
	local := now.In(BookZone)
	return BookTime{
		Year:   local.Year(),
		Month:  int(local.Month()),
		Day:    local.Day(),
		Hour:   hour,
		Minute: minute,
	}
}

func (b BookTime) Time() time.Time {
	return time.Date(b.Year, time.Month(b.Month), b.Day, b.Hour, b.Minute, 0, 0, BookZone)
}

func (b BookTime) String() string {
	return fmt.Sprintf("%04d/%02d/%02d %02d:%02d", b.Year, b.Month, b.Day, b.Hour, b.Minute)
}

// Task is the run configuration. It is built once per run and passed by value;
// nothing mutates it after NewTask returns.
type Task struct {
	Tmpdir            string
	TmpfilePrefix     string
	CleanupTmpfiles   bool
	CleanupMergedFile bool
	Encoding          textenc.Encoding

	Host     string
	SiteID   string
	LoginID  string
	Password string

	CSVFileID         int64
	DraftID           int64
	UniqueName        string
	FromAddress       string
	TestAddress       string
	TestSubjectPrefix string
	PostUseUTF8       bool
	Book              BookTime

	BatchSize  int
	ReportPath string
	Protocol   ProtocolConfig
}

// NewTask validates cfg and freezes it into a Task. now fixes both the default
// file prefix and the book date.
func NewTask(cfg Config, now time.Time) (Task, error) {
	if err := cfg.Validate(); err != nil {
		return Task{}, err
	}
	enc, err := textenc.Lookup(cfg.Encoding)
	if err != nil {
		return Task{}, fmt.Errorf("invalid config: encoding: %w", err)
	}

	prefix := cfg.TmpfilePrefix
	if prefix == "" {
		prefix = DefaultPrefix(now)
	}
	if filepath.Base(prefix) != prefix {
		return Task{}, fmt.Errorf("invalid config: tmpfile_prefix %q must not contain a path separator", prefix)
	}

	return Task{
		Tmpdir:            cfg.Tmpdir,
		TmpfilePrefix:     prefix,
		CleanupTmpfiles:   cfg.CleanupTmpfiles,
		CleanupMergedFile: cfg.CleanupMergedFile,
		Encoding:          enc,
		Host:              cfg.Host,
		SiteID:            cfg.SiteID,
		LoginID:           cfg.LoginID,
		Password:          cfg.Password,
		CSVFileID:         cfg.CSVFileID,
		DraftID:           cfg.DraftID,
		UniqueName:        cfg.UniqueName,
		FromAddress:       cfg.FromAddress,
		TestAddress:       cfg.TestAddress,
		TestSubjectPrefix: cfg.TestSubjectPrefix,
		PostUseUTF8:       cfg.PostUseUTF8,
		Book:              NewBookTime(now, cfg.BookHour, cfg.BookMin),
		BatchSize:         cfg.BatchSize,
		ReportPath:        cfg.ReportPath,
		Protocol:          cloneProtocol(cfg.Protocol),
	}, nil
}

// DefaultPrefix derives a file prefix with sub-second precision from now.
func DefaultPrefix(now time.Time) string {
	return fmt.Sprintf("%s_%09d", now.Format("20060102_150405"), now.Nanosecond())
}

// Title is the human-readable label sent with upload and reserve.
func (t Task) Title() string {
	return fmt.Sprintf("%s draft:%d %s", t.UniqueName, t.DraftID, t.Book)
}

// HasDeliveryTest reports whether a test send is configured.
func (t Task) HasDeliveryTest() bool {
	return t.TestAddress != ""
}

func (t Task) PartialPath(index int) string {
	return filepath.Join(t.Tmpdir, fmt.Sprintf("%s_%d.csv", t.TmpfilePrefix, index))
}

func (t Task) MergedPath() string {
	return filepath.Join(t.Tmpdir, t.TmpfilePrefix+"_all.csv")
}

func (t Task) LockPath() string {
	return filepath.Join(t.Tmpdir, t.TmpfilePrefix+".lock")
}

// MarkerName is the file an external pipeline creates once every worker has finished.
func (t Task) MarkerName() string {
	return t.TmpfilePrefix + ".done"
}

// EnsureTmpdir creates the temp directory if it does not exist yet.
func (t Task) EnsureTmpdir() error {
	if err := os.MkdirAll(t.Tmpdir, 0755); err != nil {
		return fmt.Errorf("create tmpdir %s: %w", t.Tmpdir, err)
	}
	return nil
}

func cloneProtocol(p ProtocolConfig) ProtocolConfig {
	p.NotReadyMarkers = append([]string(nil), p.NotReadyMarkers...)
	if p.Fields != nil {
		fields := make(map[string]map[string]string, len(p.Fields))
		for op, m := range p.Fields {
			inner := make(map[string]string, len(m))
			for k, v := range m {
				inner[k] = v
			}
			fields[op] = inner
		}
		p.Fields = fields
	}
	return p
}
