/*Package ceos is a client for the aberration corrector's RPC gateway.

The gateway speaks JSON-RPC 2.0 framed in netstrings over TCP, one request
per connection.  Aberrations are named by the usual convention (C1, A1,
B2, ...); deltas are in meters, relative to the current corrector state.
*/
package ceos

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"

	"github.jpl.nasa.gov/bdube/gostem/netstring"
	"github.jpl.nasa.gov/bdube/gostem/util"
)

// Names of the correctable aberrations accepted by the gateway.
var Names = []string{
	"C1", "A1", "A2", "B2", "C3", "A3", "S3",
	"A4", "D4", "B4", "C5", "A5", "R5", "S5", "We", "WD"}

// coil selectors accepted by CorrectAberration
const (
	SelectCoarse = "coarse"
	SelectFine   = "fine"
)

// Client communicates with the RPC gateway.
type Client struct {
	addr    string
	timeout time.Duration
	id      int
	verbose bool
}

// New returns a Client and verifies connectivity by fetching the corrector
// info, retrying with exponential backoff for up to connectWait.
func New(addr string, timeout, connectWait time.Duration) (*Client, error) {
	c := &Client{addr: addr, timeout: timeout}
	op := func() error {
		_, err := c.GetInfo()
		return err
	}
	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = connectWait
	if err := backoff.Retry(op, eb); err != nil {
		return nil, errors.Wrapf(err, "could not reach corrector RPC gateway at %s", addr)
	}
	return c, nil
}

// SetVerbose turns on logging of each RPC exchange.
func (c *Client) SetVerbose(v bool) { c.verbose = v }

type rpcRequest struct {
	Jsonrpc string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// communicate performs one request-reply exchange with the gateway.
func (c *Client) communicate(method string, params interface{}) (json.RawMessage, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	c.id++
	req := rpcRequest{Jsonrpc: "2.0", ID: c.id, Method: method, Params: params}
	buf, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if c.verbose {
		log.Printf("ceos -> %s", buf)
	}
	conn, err := util.TCPSetup(c.addr, c.timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to corrector gateway %s", c.addr)
	}
	defer conn.Close()
	if err := netstring.EncodeTo(conn, buf); err != nil {
		return nil, errors.Wrap(err, "sending RPC request")
	}
	payload, err := netstring.NewReader(conn).Next()
	if err != nil {
		return nil, errors.Wrap(err, "reading RPC reply")
	}
	if c.verbose {
		log.Printf("ceos <- %s", payload)
	}
	var resp rpcResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, errors.Wrap(err, "decoding RPC reply")
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("ceos: RPC error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	return resp.Result, nil
}

// CorrectAberration offsets the named aberration by value (x, y) in
// meters.  sel selects the coil set ("", coarse, fine).
func (c *Client) CorrectAberration(name string, value [2]float64, sel string) error {
	params := map[string]interface{}{
		"name":   name,
		"value":  []float64{value[0], value[1]},
		"target": []float64{0, 0},
		"select": sel,
	}
	_, err := c.communicate("correctAberration", params)
	return err
}

// GetInfo fetches the corrector software's information blob.
func (c *Client) GetInfo() (map[string]interface{}, error) {
	raw, err := c.communicate("getInfo", nil)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{}
	err = json.Unmarshal(raw, &out)
	return out, err
}

// aberrationsResult is the shared shape of measurement replies.
type aberrationsResult struct {
	Aberrations map[string]float64 `json:"aberrations"`
}

// MeasureC1A1 performs a single defocus/twofold-astigmatism measurement
// and returns the measured aberrations.
func (c *Client) MeasureC1A1() (map[string]float64, error) {
	raw, err := c.communicate("measureC1A1", nil)
	if err != nil {
		return nil, err
	}
	var res aberrationsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, errors.Wrap(err, "decoding C1A1 measurement")
	}
	return res.Aberrations, nil
}

// AcquireTableau acquires an aberration tableau with the given maximum
// tilt angle in milliradians.  tabType is fast, standard, or enhanced.
func (c *Client) AcquireTableau(angle float64, tabType string) (map[string]float64, error) {
	params := map[string]interface{}{"angle": angle, "tabType": tabType}
	raw, err := c.communicate("acquireTableau", params)
	if err != nil {
		return nil, err
	}
	var res aberrationsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, errors.Wrap(err, "decoding tableau")
	}
	return res.Aberrations, nil
}
