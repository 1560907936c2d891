package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/ankisho/TeamCloud/pkg/engine"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
)

// printer writes command output as colored text or JSON.
type printer struct {
	out      io.Writer
	jsonMode bool
}

func newPrinter(out io.Writer, jsonMode bool) *printer {
	return &printer{out: out, jsonMode: jsonMode}
}

func (p *printer) json(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) success(format string, a ...any) {
	green.Fprintf(p.out, "✓ "+format+"\n", a...)
}

func (p *printer) warn(format string, a ...any) {
	yellow.Fprintf(p.out, "! "+format+"\n", a...)
}

func (p *printer) fail(format string, a ...any) {
	red.Fprintf(p.out, "✗ "+format+"\n", a...)
}

func (p *printer) field(name string, value any) {
	fmt.Fprintf(p.out, "  %s %v\n", cyan.Sprintf("%-10s", name+":"), value)
}

// status prints a command status as returned by the API.
func (p *printer) status(s *engine.StatusResult) error {
	if p.jsonMode {
		return p.json(s)
	}

	switch s.Status {
	case engine.StatusKindFailed:
		p.fail("Command %s failed", s.TrackingID)
	case engine.StatusKindAccepted:
		p.warn("Command %s accepted", s.TrackingID)
	default:
		p.success("Command %s %s", s.TrackingID, s.Status)
	}

	if s.State != "" {
		p.field("State", s.State)
	}
	if len(s.StateMessage) > 0 && string(s.StateMessage) != "null" {
		p.field("Message", string(s.StateMessage))
	}
	if s.Location != "" {
		p.field("Location", s.Location)
	}
	for _, e := range s.Errors {
		p.field("Error", fmt.Sprintf("[%s] %s", e.Code, e.Message))
	}
	return nil
}
