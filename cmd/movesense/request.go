package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/srg/movesense/internal/mds"
)

func newRequestCmd(method mds.Method) *cobra.Command {
	var (
		contract string
		format   string
	)
	verb := strings.ToLower(string(method))
	cmd := &cobra.Command{
		Use:   verb + " <address> <uri>",
		Short: fmt.Sprintf("Send a %s request to a sensor resource", method),
		Long: fmt.Sprintf(`Connect to the sensor at <address>, send %s <uri> and print the response.

The contract is the request body, usually JSON:

  movesense %s AA:BB:CC:DD:EE:FF /Info
  movesense put AA:BB:CC:DD:EE:FF /Ui/Ind/Visual --contract '{"newState":2}'`, method, verb),
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(format, "text", "json"); err != nil {
				return err
			}
			return runRequest(cmd, method, args[0], args[1], contract, format)
		},
	}
	cmd.Flags().StringVarP(&contract, "contract", "c", "", "Request contract (JSON body)")
	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format (text, json)")
	return cmd
}

type requestResult struct {
	Method mds.Method      `json:"method"`
	URI    string          `json:"uri"`
	Serial string          `json:"serial"`
	Data   json.RawMessage `json:"data"`
}

func runRequest(cmd *cobra.Command, method mds.Method, address, uri, contract, format string) error {
	ctx, stop := interruptContext()
	defer stop()

	a, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	dev, err := a.sess.Connect(ctx, address)
	if err != nil {
		return fmt.Errorf("connect %s: %w", address, err)
	}
	defer a.disconnect(address)

	data, err := a.sess.Request(ctx, method, uri, contract)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if format == "json" {
		raw := json.RawMessage(data)
		if !json.Valid(raw) {
			raw, _ = json.Marshal(data)
		}
		return writeJSON(out, requestResult{Method: method, URI: uri, Serial: dev.Serial, Data: raw})
	}
	return printData(out, data)
}

// printData pretty-prints JSON data and prints anything else verbatim.
func printData(w io.Writer, data string) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(data), "", "  "); err != nil {
		_, err = fmt.Fprintln(w, data)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
