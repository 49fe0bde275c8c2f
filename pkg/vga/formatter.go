package vga

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// Attributes used for log levels.
const (
	AttrWarn  uint8 = 0x0E
	AttrError uint8 = 0x0C
	AttrDebug uint8 = 0x08
)

// Formatter renders entries as `[component] message key=value` lines. When
// Console is set, it also switches the console's attribute to match the
// entry's level before the line is written.
type Formatter struct {
	Console *Console
}

func levelAttr(level logrus.Level) uint8 {
	switch {
	case level <= logrus.ErrorLevel:
		return AttrError
	case level == logrus.WarnLevel:
		return AttrWarn
	case level >= logrus.DebugLevel:
		return AttrDebug
	default:
		return DefaultAttr
	}
}

func (f *Formatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer
	if component, ok := entry.Data["component"]; ok {
		fmt.Fprintf(&b, "[%v] ", component)
	}
	b.WriteString(entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k != "component" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
	}
	b.WriteByte('\n')

	if f.Console != nil {
		f.Console.SetAttr(levelAttr(entry.Level))
	}
	return b.Bytes(), nil
}

// NewLogger returns a logger that writes to `c` through a Formatter.
func NewLogger(c *Console, level logrus.Level) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(c)
	logger.SetFormatter(&Formatter{Console: c})
	logger.SetLevel(level)
	return logger
}
