// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-fwtrust.
//
// go-fwtrust is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/jeremyhahn/go-fwtrust/pkg/eventlog"
	"github.com/jeremyhahn/go-fwtrust/pkg/keystore"
)

// OutputFormat defines the output format type
type OutputFormat string

const (
	OutputFormatText  OutputFormat = "text"
	OutputFormatJSON  OutputFormat = "json"
	OutputFormatTable OutputFormat = "table"
)

var (
	successFmt = color.New(color.FgGreen).SprintFunc()
	errorFmt   = color.New(color.FgRed, color.Bold).SprintFunc()
)

// Printer handles formatted output
type Printer struct {
	format OutputFormat
	writer io.Writer
}

// NewPrinter creates a new Printer
func NewPrinter(format string, writer io.Writer) *Printer {
	return &Printer{
		format: OutputFormat(format),
		writer: writer,
	}
}

// PrintSuccess prints a success message
func (p *Printer) PrintSuccess(message string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"status":  "success",
			"message": message,
		})
	case OutputFormatTable, OutputFormatText:
		fmt.Fprintln(p.writer, successFmt(message))
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintError prints an error message
func (p *Printer) PrintError(err error) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"status": "error",
			"error":  err.Error(),
		})
	default:
		fmt.Fprintf(p.writer, "%s %v\n", errorFmt("Error:"), err)
		return nil
	}
}

// PrintFields prints named values. Text output lists them in key order.
func (p *Printer) PrintFields(fields map[string]interface{}) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(fields)
	case OutputFormatTable, OutputFormatText:
		keys := make([]string, 0, len(fields))
		width := 0
		for k := range fields {
			keys = append(keys, k)
			if len(k) > width {
				width = len(k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(p.writer, "%-*s  %v\n", width+1, k+":", fields[k])
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintPCRs prints PCR values
func (p *Printer) PrintPCRs(pcrs []uint, values [][]byte) error {
	switch p.format {
	case OutputFormatJSON:
		out := make(map[string]string, len(pcrs))
		for i, pcr := range pcrs {
			out[fmt.Sprintf("%d", pcr)] = hex.EncodeToString(values[i])
		}
		return p.printJSON(map[string]interface{}{"sha256": out})
	case OutputFormatTable, OutputFormatText:
		fmt.Fprintln(p.writer, "sha256:")
		for i, pcr := range pcrs {
			fmt.Fprintf(p.writer, "  %2d: %x\n", pcr, values[i])
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintEvents prints parsed measurement log events
func (p *Printer) PrintEvents(events []eventlog.LogEvent) error {
	switch p.format {
	case OutputFormatJSON:
		list := make([]map[string]interface{}, len(events))
		for i, e := range events {
			digests := make(map[string]string, len(e.Digests))
			for _, d := range e.Digests {
				digests[eventlog.AlgorithmName(d.Algorithm)] = hex.EncodeToString(d.Value)
			}
			list[i] = map[string]interface{}{
				"sequence": e.Sequence,
				"pcr":      e.PCRIndex,
				"type":     eventlog.EventTypeName(e.EventType),
				"digests":  digests,
				"size":     len(e.Data),
			}
		}
		return p.printJSON(map[string]interface{}{"events": list})
	case OutputFormatTable:
		fmt.Fprintf(p.writer, "%-6s %-4s %-28s %-64s %s\n", "SEQ", "PCR", "TYPE", "SHA256", "SIZE")
		fmt.Fprintln(p.writer, strings.Repeat("-", 112))
		for _, e := range events {
			digest, _ := e.SHA256()
			fmt.Fprintf(p.writer, "%-6d %-4d %-28s %-64x %d\n",
				e.Sequence, e.PCRIndex, eventlog.EventTypeName(e.EventType), digest, len(e.Data))
		}
		return nil
	case OutputFormatText:
		for _, e := range events {
			fmt.Fprintf(p.writer, "[%d] pcr %d %s (%d bytes)\n",
				e.Sequence, e.PCRIndex, eventlog.EventTypeName(e.EventType), len(e.Data))
			for _, d := range e.Digests {
				fmt.Fprintf(p.writer, "    %-8s %x\n", eventlog.AlgorithmName(d.Algorithm), d.Value)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintKeyList prints key records. Key material is never printed.
func (p *Printer) PrintKeyList(keys []keystore.KeyRecord) error {
	switch p.format {
	case OutputFormatJSON:
		list := make([]map[string]interface{}, len(keys))
		for i, k := range keys {
			list[i] = map[string]interface{}{
				"id":          k.ID,
				"type":        k.Type.String(),
				"flags":       k.Flags.String(),
				"version":     k.Version.String(),
				"fingerprint": hex.EncodeToString(k.Fingerprint[:]),
				"created":     k.Created,
			}
			if !k.Expires.IsZero() {
				list[i]["expires"] = k.Expires
			}
		}
		return p.printJSON(map[string]interface{}{"keys": list})
	case OutputFormatTable, OutputFormatText:
		if len(keys) == 0 {
			fmt.Fprintln(p.writer, "No keys found")
			return nil
		}
		fmt.Fprintf(p.writer, "%-10s %-10s %-24s %-10s %s\n", "ID", "TYPE", "FLAGS", "VERSION", "FINGERPRINT")
		fmt.Fprintln(p.writer, strings.Repeat("-", 88))
		for _, k := range keys {
			fmt.Fprintf(p.writer, "%-10d %-10s %-24s %-10s %x\n",
				k.ID, k.Type, k.Flags, k.Version, k.Fingerprint[:8])
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

func (p *Printer) printJSON(data interface{}) error {
	encoder := json.NewEncoder(p.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
