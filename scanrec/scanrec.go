/*Package scanrec records acquired scans to disk and to a local database.

Frames land as FITS files with incrementing filenames in yyyy-mm-dd
subfolders, so a day's work sorts itself, and each write adds a row to a
sqlite ledger keyed by a fresh uuid.  The ledger is what the monitoring
surface and post-run bookkeeping query; the files are the data.
*/
package scanrec

import (
	"database/sql"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.jpl.nasa.gov/bdube/gostem/artifact"
	"github.jpl.nasa.gov/bdube/gostem/frame"
)

// Row is one recorded scan in the ledger.
type Row struct {
	// ID is the ledger's uuid for this recording
	ID string `json:"id"`

	// ScanNumber is the acquisition system's scan counter
	ScanNumber int `json:"scan_number"`

	// Path is where the FITS file landed
	Path string `json:"path"`

	// Dwell is the pixel dwell time in seconds
	Dwell float64 `json:"dwell"`

	// Width and Height are the scan shape in pixels
	Width  int `json:"width"`
	Height int `json:"height"`

	// Created is when the recording was made
	Created time.Time `json:"created"`
}

// Recorder writes frames with incrementing filenames in dated subfolders
// and logs each write to the ledger.  Safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	counter int
	fldr    string // dated subfolder the counter was scanned in

	// Root is the recording root directory
	Root string

	// Prefix is the filename prefix
	Prefix string

	db *sql.DB
}

const schema = `CREATE TABLE IF NOT EXISTS scans (
	id TEXT PRIMARY KEY,
	scan_number INTEGER,
	path TEXT,
	dwell REAL,
	width INTEGER,
	height INTEGER,
	created TEXT
)`

// New returns a Recorder rooted at root.  dbPath is the sqlite ledger
// location; an empty dbPath records files only.
func New(root, prefix, dbPath string) (*Recorder, error) {
	r := &Recorder{Root: root, Prefix: prefix}
	if dbPath != "" {
		db, err := sql.Open("sqlite3", dbPath)
		if err != nil {
			return nil, errors.Wrap(err, "opening scan ledger")
		}
		if _, err := db.Exec(schema); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "creating scan ledger schema")
		}
		r.db = db
	}
	return r, nil
}

// Close releases the ledger.
func (r *Recorder) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// dateFolder makes today's subfolder and returns it.
func (r *Recorder) dateFolder() (string, error) {
	now := time.Now()
	fldr := path.Join(r.Root, fmt.Sprintf("%04d-%02d-%02d", now.Year(), now.Month(), now.Day()))
	return fldr, os.MkdirAll(fldr, 0777)
}

// sync scans the folder for the highest existing index so restarts and
// concurrent writers from earlier sessions do not collide.
func (r *Recorder) sync(fldr string) error {
	if fldr == r.fldr {
		return nil
	}
	entries, err := os.ReadDir(fldr)
	if err != nil {
		return err
	}
	count := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fn := e.Name()
		if !strings.HasSuffix(fn, ".fits") || !strings.HasPrefix(fn, r.Prefix) {
			continue
		}
		bit := strings.TrimSuffix(strings.TrimPrefix(fn, r.Prefix), ".fits")
		n, err := strconv.Atoi(bit)
		if err != nil {
			continue
		}
		if n > count {
			count = n
		}
	}
	r.counter = count
	r.fldr = fldr
	return nil
}

// Record writes the frame and its ledger row, returning the file path.
func (r *Recorder) Record(im frame.Image) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fldr, err := r.dateFolder()
	if err != nil {
		return "", errors.Wrap(err, "making recording folder")
	}
	if err := r.sync(fldr); err != nil {
		return "", errors.Wrap(err, "scanning recording folder")
	}
	r.counter++
	fn := path.Join(fldr, fmt.Sprintf("%s%06d.fits", r.Prefix, r.counter))
	if err := artifact.WriteFile(fn, im); err != nil {
		return "", err
	}
	if r.db != nil {
		_, err := r.db.Exec(
			`INSERT INTO scans (id, scan_number, path, dwell, width, height, created)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), im.Tags.ScanNumber, fn, im.Tags.Dwell,
			im.W, im.H, time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return "", errors.Wrap(err, "inserting ledger row")
		}
	}
	return fn, nil
}

// Recent returns the newest n ledger rows, newest first.
func (r *Recorder) Recent(n int) ([]Row, error) {
	if r.db == nil {
		return nil, errors.New("scanrec: recorder has no ledger")
	}
	rows, err := r.db.Query(
		`SELECT id, scan_number, path, dwell, width, height, created
		 FROM scans ORDER BY created DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Row
	for rows.Next() {
		var (
			row     Row
			created string
		)
		if err := rows.Scan(&row.ID, &row.ScanNumber, &row.Path, &row.Dwell,
			&row.Width, &row.Height, &created); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, errors.Wrapf(err, "ledger row %s has a bad timestamp", row.ID)
		}
		row.Created = t
		out = append(out, row)
	}
	return out, rows.Err()
}
