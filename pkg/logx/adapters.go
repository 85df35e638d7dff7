package logx

import (
	"fmt"

	"github.com/rs/zerolog"
)

// kv turns alternating key/value pairs (the hclog / go-logr convention used by
// retryablehttp and cron) into Fields. A dangling key is kept under "extra".
func kv(keysAndValues []interface{}) []Field {
	if len(keysAndValues) == 0 {
		return nil
	}
	out := make([]Field, 0, len(keysAndValues)/2+1)
	for i := 0; i < len(keysAndValues); i += 2 {
		if i+1 >= len(keysAndValues) {
			out = append(out, Any("extra", keysAndValues[i]))
			break
		}
		k, ok := keysAndValues[i].(string)
		if !ok {
			k = fmt.Sprint(keysAndValues[i])
		}
		v := keysAndValues[i+1]
		if err, ok := v.(error); ok {
			out = append(out, String(k, err.Error()))
			continue
		}
		out = append(out, Any(k, v))
	}
	return out
}

// Leveled adapts Logger to retryablehttp.LeveledLogger.
//
// Retry chatter is demoted one level: request attempts go to Trace and
// the library's "retrying" warnings to Debug. Final failures surface
// through returned errors instead.
type Leveled struct{ L Logger }

func (a Leveled) Error(msg string, keysAndValues ...interface{}) {
	a.L.logSkip(3, zerolog.WarnLevel, msg, kv(keysAndValues)...)
}
func (a Leveled) Info(msg string, keysAndValues ...interface{}) {
	a.L.logSkip(3, zerolog.DebugLevel, msg, kv(keysAndValues)...)
}
func (a Leveled) Debug(msg string, keysAndValues ...interface{}) {
	a.L.logSkip(3, zerolog.TraceLevel, msg, kv(keysAndValues)...)
}
func (a Leveled) Warn(msg string, keysAndValues ...interface{}) {
	a.L.logSkip(3, zerolog.DebugLevel, msg, kv(keysAndValues)...)
}

// Cron adapts Logger to cron.Logger.
type Cron struct{ L Logger }

func (a Cron) Info(msg string, keysAndValues ...interface{}) {
	a.L.logSkip(3, zerolog.TraceLevel, "cron: "+msg, kv(keysAndValues)...)
}

func (a Cron) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := append([]Field{Err(err)}, kv(keysAndValues)...)
	a.L.logSkip(3, zerolog.ErrorLevel, "cron: "+msg, fields...)
}
