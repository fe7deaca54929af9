package logx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const (
	alertMax = 3500
	valueMax = 600
	stackMax = 900
)

// skipped in the key list: already in the headline or noise in a chat
var alertSkip = map[string]bool{"time": true, "level": true, "message": true, "caller": true}

// FormatAlert renders one zerolog JSON record as plain text:
//
//	[ERROR] task failed
//	- comp=scheduler
//	- err=boom
//
// Keys are sorted; a stack goes last. Non-JSON input is passed through
// trimmed. The result is capped at 3500 bytes.
func FormatAlert(p []byte) string {
	p = bytes.TrimSpace(p)
	var rec map[string]any
	if err := json.Unmarshal(p, &rec); err != nil {
		return truncate(string(p), alertMax)
	}

	var b strings.Builder
	if lvl, _ := rec["level"].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := rec["message"].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(rec))
	for k := range rec {
		if !alertSkip[k] && k != "stack" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(rec[k]), valueMax))
	}
	if st, ok := rec["stack"]; ok {
		b.WriteString("\n- stack=\n" + truncate(fmt.Sprint(st), stackMax))
	}
	return truncate(b.String(), alertMax)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
