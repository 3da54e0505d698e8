/*Package distiller is a client for the facility's scan metadata database.

The service is a plain REST API authenticated by an API key header.  It is
the system of record for 4D camera datasets: where the streamed data
landed, when the scan happened, and the operator's notes.  Writes are
limited to the notes field; everything else is owned by the streaming
pipeline.
*/
package distiller

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
)

// Location is one place a dataset lives.  When the host is the compute
// facility, streaming has finished and the data is ready for processing.
type Location struct {
	Host string `json:"host"`
	Path string `json:"path"`
}

// Scan is one dataset's database record.
type Scan struct {
	// ID is the database's unique identifier
	ID int `json:"id"`

	// ScanID is the detector system's identifier; nil when the scan did
	// not come from the 4D camera
	ScanID *int `json:"scan_id"`

	// Locations are where the dataset currently lives
	Locations []Location `json:"locations"`

	// Created is when the record was made
	Created time.Time `json:"created"`

	// ImagePath points to a preview image, if one was stored
	ImagePath *string `json:"image_path"`

	// Notes holds the operator's notes
	Notes *string `json:"notes"`

	// Metadata is the scan's free-form metadata blob
	Metadata map[string]interface{} `json:"metadata"`
}

// ListQuery filters a scan listing.  Zero values are omitted from the
// request, except Limit which defaults to 100 server-side.
type ListQuery struct {
	Skip   int
	Limit  int
	ScanID int
	Start  time.Time
	End    time.Time
	JobID  int
}

// Client talks to the database.  Transient failures (network errors and
// 5xx responses) are retried with exponential backoff; 4xx responses are
// surfaced immediately.
type Client struct {
	// URL is the API root, e.g. https://distiller.example.gov/api
	URL string

	// KeyName and Key are the API key header name and value
	KeyName string
	Key     string

	// HTTPClient is the transport; http.DefaultClient if nil
	HTTPClient *http.Client

	// RetryFor bounds the total retry window; a single attempt if zero
	RetryFor time.Duration
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// transientError marks a failure worth retrying.
type transientError struct{ err error }

func (t transientError) Error() string { return t.err.Error() }

// do performs one authenticated exchange, retrying transient failures.
func (c *Client) do(method, path string, query url.Values, body, into interface{}) error {
	u := c.URL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	attempt := func() error {
		var rdr io.Reader
		if payload != nil {
			rdr = bytes.NewReader(payload)
		}
		req, err := http.NewRequest(method, u, rdr)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set(c.KeyName, c.Key)
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.httpClient().Do(req)
		if err != nil {
			return transientError{err}
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return transientError{fmt.Errorf("distiller: %s %s: %s", method, path, resp.Status)}
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("distiller: %s %s: %s", method, path, resp.Status))
		}
		if into == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
			return backoff.Permanent(errors.Wrap(err, "decoding response"))
		}
		return nil
	}
	if c.RetryFor <= 0 {
		err := attempt()
		if pe, ok := err.(*backoff.PermanentError); ok {
			return pe.Err
		}
		return err
	}
	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = c.RetryFor
	return backoff.Retry(attempt, eb)
}

// Scan fetches one record by its database id.
func (c *Client) Scan(id int) (Scan, error) {
	var s Scan
	err := c.do(http.MethodGet, fmt.Sprintf("/scans/%d", id), nil, nil, &s)
	return s, err
}

// Scans lists records matching q.
func (c *Client) Scans(q ListQuery) ([]Scan, error) {
	v := url.Values{}
	v.Set("skip", strconv.Itoa(q.Skip))
	limit := q.Limit
	if limit == 0 {
		limit = 100
	}
	v.Set("limit", strconv.Itoa(limit))
	if q.ScanID != 0 {
		v.Set("scan_id", strconv.Itoa(q.ScanID))
	}
	if !q.Start.IsZero() {
		v.Set("start", q.Start.Format(time.RFC3339))
	}
	if !q.End.IsZero() {
		v.Set("end", q.End.Format(time.RFC3339))
	}
	if q.JobID != 0 {
		v.Set("job_id", strconv.Itoa(q.JobID))
	}
	var out []Scan
	err := c.do(http.MethodGet, "/scans", v, nil, &out)
	return out, err
}

// SetNotes replaces the notes on a record.
func (c *Client) SetNotes(id int, notes string) (Scan, error) {
	var s Scan
	body := map[string]string{"notes": notes}
	err := c.do(http.MethodPatch, fmt.Sprintf("/scans/%d", id), nil, body, &s)
	return s, err
}
