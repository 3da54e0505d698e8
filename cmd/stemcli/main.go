// Command stemcli sends one command to a running stemsrv and prints the
// reply.  Parameters ride as a JSON object merged with the command type:
//
//	stemcli -addr localhost:7001 ping
//	stemcli move_stage '{"dX": 50e-9}'
//	stemcli acquire_stem_scan '{"pwidth":512,"pheight":512,"dwell_time":2e-6}'
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/theckman/yacspin"

	"github.jpl.nasa.gov/bdube/gostem/netstring"
	"github.jpl.nasa.gov/bdube/gostem/util"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: stemcli [-addr host:port] [-timeout seconds] <command-type> [json-params]")
	flag.PrintDefaults()
}

func main() {
	addr := flag.String("addr", "localhost:7001", "server address")
	timeout := flag.Float64("timeout", 600, "reply timeout, seconds; long scans take minutes")
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) < 1 || len(args) > 2 {
		usage()
		os.Exit(2)
	}

	// build the request: the params object with the type tag merged in
	req := map[string]interface{}{}
	if len(args) == 2 {
		if err := json.Unmarshal([]byte(args[1]), &req); err != nil {
			log.Fatalf("parameters are not a JSON object: %v", err)
		}
	}
	req["type"] = args[0]
	payload, err := json.Marshal(req)
	if err != nil {
		log.Fatal(err)
	}

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[11],
		Suffix:          " " + args[0],
		SuffixAutoColon: true,
		Message:         "waiting for " + *addr,
		StopCharacter:   "✓",
		StopColors:      []string{"fgGreen"},
	})
	if err != nil {
		log.Fatal(err)
	}

	conn, err := util.TCPSetup(*addr, time.Duration(*timeout*float64(time.Second)))
	if err != nil {
		log.Fatalf("connecting to %s: %v", *addr, err)
	}
	defer conn.Close()

	spinner.Start()
	if err := netstring.EncodeTo(conn, payload); err != nil {
		spinner.StopFail()
		log.Fatalf("sending command: %v", err)
	}
	reply, err := netstring.NewReader(conn).Next()
	if err != nil {
		spinner.StopFail()
		log.Fatalf("reading reply: %v", err)
	}
	spinner.Stop()

	// reindent for the terminal
	var pretty map[string]interface{}
	if err := json.Unmarshal(reply, &pretty); err != nil {
		fmt.Println(string(reply))
		return
	}
	if errTxt, ok := pretty["error"].(string); ok && errTxt != "" {
		log.Fatalf("server error: %s", errTxt)
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Println(string(reply))
		return
	}
	fmt.Println(string(out))
}
