package envelope

// TelemetryKind distinguishes routine samples from alarms and events.
type TelemetryKind string

const (
	Tel TelemetryKind = "tel"
	Alm TelemetryKind = "alm"
	Evn TelemetryKind = "evn"
)

// Higher numbers publish first, both in the dispatch queue and as the AMQP
// message priority.
var telemetryPriorities = map[TelemetryKind]int{
	Tel: 1,
	Alm: 2,
	Evn: 3,
}

// MaxPriority is the x-max-priority a telemetry queue needs to honour every kind.
const MaxPriority = 3

// Priority returns the fixed priority for k, or 0 for unknown kinds.
func (k TelemetryKind) Priority() int {
	return telemetryPriorities[k]
}

// Valid reports whether k is one of tel, alm or evn.
func (k TelemetryKind) Valid() bool {
	_, ok := telemetryPriorities[k]
	return ok
}

// Level is the numeric severity of a broker log record.
type Level int

const (
	LevelDebug Level = iota + 1
	LevelInfo
	LevelWarn
	LevelError
	LevelCritical
)

var levelCodes = map[Level]string{
	LevelDebug:    "DBG",
	LevelInfo:     "INF",
	LevelWarn:     "WRN",
	LevelError:    "ERR",
	LevelCritical: "CRT",
}

// Normalize clamps l into the supported range.
func (l Level) Normalize() Level {
	switch {
	case l < LevelDebug:
		return LevelDebug
	case l > LevelCritical:
		return LevelCritical
	default:
		return l
	}
}

// String returns the three-letter level code used in bodies and routing keys.
func (l Level) String() string {
	return levelCodes[l.Normalize()]
}

// ParseLevel accepts either a three-letter code or a common level name.
func ParseLevel(s string) (Level, bool) {
	switch s {
	case "DBG", "DEBUG", "debug":
		return LevelDebug, true
	case "INF", "INFO", "info":
		return LevelInfo, true
	case "WRN", "WARN", "WARNING", "warn", "warning":
		return LevelWarn, true
	case "ERR", "ERROR", "error":
		return LevelError, true
	case "CRT", "CRITICAL", "critical":
		return LevelCritical, true
	}
	return 0, false
}
