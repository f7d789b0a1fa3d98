// MobClaw - Signal chatbot framework with MobileCoin payments
// License: MIT
//
// Copyright (c) 2026 MobClaw contributors

package logger

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

var (
	mu       sync.Mutex
	minLevel = INFO
	out      = os.Stderr
)

// SetLevel sets the minimum level that will be emitted.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	minLevel = l
}

// ParseLevel maps a LOGLEVEL string to a Level. The empty string means
// INFO; any other unknown value is an error.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG, nil
	case "", "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}

func logC(l Level, component, msg string, fields map[string]interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if l < minLevel {
		return
	}

	var sb strings.Builder
	sb.WriteString(time.Now().Format("2006-01-02 15:04:05.000"))
	sb.WriteString(" [")
	sb.WriteString(levelNames[l])
	sb.WriteString("] [")
	sb.WriteString(component)
	sb.WriteString("] ")
	sb.WriteString(msg)

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf(" %s=%v", k, fields[k]))
		}
	}

	fmt.Fprintln(out, sb.String())
}

func DebugC(component, msg string)                                  { logC(DEBUG, component, msg, nil) }
func InfoC(component, msg string)                                   { logC(INFO, component, msg, nil) }
func WarnC(component, msg string)                                   { logC(WARN, component, msg, nil) }
func ErrorC(component, msg string)                                  { logC(ERROR, component, msg, nil) }
func DebugCF(component, msg string, fields map[string]interface{})  { logC(DEBUG, component, msg, fields) }
func InfoCF(component, msg string, fields map[string]interface{})   { logC(INFO, component, msg, fields) }
func WarnCF(component, msg string, fields map[string]interface{})   { logC(WARN, component, msg, fields) }
func ErrorCF(component, msg string, fields map[string]interface{})  { logC(ERROR, component, msg, fields) }
