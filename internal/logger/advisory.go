package logger

import (
	"io"
	"log"
	"strings"
	"sync"
)

var (
	advisoryMu   sync.Mutex
	advisoryLog  *log.Logger
	dumpPayloads bool
)

// SetAdvisoryWriter routes full advisory prompts/replies to w. nil disables the dump.
func SetAdvisoryWriter(w io.Writer) {
	advisoryMu.Lock()
	defer advisoryMu.Unlock()
	if w == nil {
		advisoryLog = nil
		return
	}
	advisoryLog = log.New(w, "", log.LstdFlags)
}

func EnableAdvisoryPayloadDump(enabled bool) {
	advisoryMu.Lock()
	dumpPayloads = enabled
	advisoryMu.Unlock()
}

type dumpSection struct {
	title string
	body  string
}

func writeAdvisory(kind, traceID, asset string, sections []dumpSection) {
	advisoryMu.Lock()
	l := advisoryLog
	advisoryMu.Unlock()
	if l == nil {
		return
	}
	var b strings.Builder
	b.WriteString("[ADVISORY][")
	b.WriteString(kind)
	b.WriteString("]")
	if traceID != "" {
		b.WriteString("[" + traceID + "]")
	}
	if asset != "" {
		b.WriteString("[" + asset + "]")
	}
	b.WriteString("\n")
	for _, sec := range sections {
		b.WriteString("--- ")
		b.WriteString(sec.title)
		b.WriteString(" ---\n")
		b.WriteString(sec.body)
		if !strings.HasSuffix(sec.body, "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString("=====\n")
	l.Print(b.String())
}

func LogAdvisoryRequest(traceID, asset, system, user string) {
	sections := []dumpSection{{"SYSTEM", system}}
	advisoryMu.Lock()
	dump := dumpPayloads
	advisoryMu.Unlock()
	if dump {
		sections = append(sections, dumpSection{"USER", user})
	}
	writeAdvisory("request", traceID, asset, sections)
}

func LogAdvisoryResponse(traceID, asset, raw, outcome string) {
	writeAdvisory("response", traceID, asset, []dumpSection{
		{"OUTCOME", outcome},
		{"RAW", raw},
	})
}
