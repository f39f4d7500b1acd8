package utils

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/sirupsen/logrus"
)

// KitLogger adapts a logrus entry to the go-kit logger interface used by
// the exporter toolkit. The "level" and "msg" keys are mapped onto logrus.
func KitLogger(entry *logrus.Entry) log.Logger {
	return log.LoggerFunc(func(keyvals ...interface{}) error {
		fields := logrus.Fields{}
		lvl := logrus.InfoLevel
		msg := ""
		for i := 0; i < len(keyvals); i += 2 {
			key := fmt.Sprint(keyvals[i])
			var val interface{} = "(MISSING)"
			if i+1 < len(keyvals) {
				val = keyvals[i+1]
			}
			switch key {
			case "level":
				if parsed, err := logrus.ParseLevel(fmt.Sprint(val)); err == nil {
					lvl = parsed
				}
			case "msg":
				msg = fmt.Sprint(val)
			default:
				fields[key] = val
			}
		}
		entry.WithFields(fields).Log(lvl, msg)
		return nil
	})
}
