package debug

import (
	"io"
	"log"
	"os"
	"sync"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (grid size, run results)
	LevelLive    = 2 // Live info (moves, resolved cells)
	LevelVerbose = 3 // Verbose (bracket timing, scores)
	LevelTrace   = 4 // Trace (serial lines, GPIO)
)

var (
	level  int
	logger *log.Logger
	out    io.Writer = os.Stdout
	mu     sync.Mutex
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (grid, total tile count)
// 2 = live info (moves, resolved cells)
// 3 = verbose (bracket timing, sharpness scores, PID terms)
// 4 = trace (serial traffic, GPIO)
func Init(debugLevel int) {
	mu.Lock()
	defer mu.Unlock()
	level = debugLevel
	if level > LevelOff {
		logger = log.New(out, "[RingScan] ", log.LstdFlags|log.Lmicroseconds)
	} else {
		logger = nil
	}
}

// SetOutput redirects debug output (e.g. to stdout and the web status stream).
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	if logger != nil {
		logger.SetOutput(w)
	}
}

// Level returns the current debug level.
func Level() int {
	return level
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	if level >= LevelInfo && logger != nil {
		logger.Printf("[INFO] "+format, args...)
	}
}

// Summary prints an important summary (level 1).
func Summary(title string) {
	if level >= LevelOff && logger != nil {
		logger.Printf("═══════════════════════════════════════")
		logger.Printf("  %s", title)
		logger.Printf("═══════════════════════════════════════")
	}
}

// Grid prints important grid info (level 1).
func Grid(columns, rows, totalTiles int) {
	if level >= LevelInfo && logger != nil {
		logger.Printf("[INFO] Grid: %d columns x %d rows = %d tiles total", columns, rows, totalTiles)
	}
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(format string, args ...interface{}) {
	if level >= LevelLive && logger != nil {
		logger.Printf("[LIVE] "+format, args...)
	}
}

// Move prints a stage jog (level 2).
func Move(mode string, x, y, z float64) {
	if level >= LevelLive && logger != nil {
		logger.Printf("[LIVE] Jog %s: X%.3f Y%.3f Z%.3f", mode, x, y, z)
	}
}

// Cell prints a resolved grid cell (level 2).
func Cell(row, col, kept int, background bool, bias float64) {
	if level >= LevelLive && logger != nil {
		logger.Printf("[LIVE] Cell (row=%d, col=%d): kept=%d background=%t z-bias=%.4f", row, col, kept, background, bias)
	}
}

// Row prints the start of a grid row (level 2).
func Row(row, totalRows int, direction string) {
	if level >= LevelLive && logger != nil {
		logger.Printf("[LIVE] Starting row %d/%d (direction: %s)", row, totalRows, direction)
	}
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func Verbose(format string, args ...interface{}) {
	if level >= LevelVerbose && logger != nil {
		logger.Printf("[VERBOSE] "+format, args...)
	}
}

// PrintStruct prints a struct in formatted form (level 3).
func PrintStruct(name string, v interface{}) {
	if level >= LevelVerbose && logger != nil {
		logger.Printf("[VERBOSE] %s: %+v", name, v)
	}
}

// Section prints a section separator (level 3).
func Section(name string) {
	if level >= LevelVerbose && logger != nil {
		logger.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		logger.Printf("  %s", name)
		logger.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	}
}

// Step prints a numbered step (level 3).
func Step(num int, description string) {
	if level >= LevelVerbose && logger != nil {
		logger.Printf("[VERBOSE] Step %d: %s", num, description)
	}
}

// Value prints a named value in formatted form (level 3).
func Value(name string, value interface{}) {
	if level >= LevelInfo && logger != nil {
		logger.Printf("[INFO]   %s = %v", name, value)
	}
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message (trace, serial, GPIO).
func Trace(format string, args ...interface{}) {
	if level >= LevelTrace && logger != nil {
		logger.Printf("[TRACE] "+format, args...)
	}
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	if level >= LevelTrace && logger != nil {
		logger.Printf("[GPIO] %s pin=%d value=%v", operation, pin, value)
	}
}

// Serial prints a line sent to or received from the motion controller (level 4).
func Serial(direction, line string) {
	if level >= LevelTrace && logger != nil {
		logger.Printf("[SERIAL] %s %q", direction, line)
	}
}

// --- General functions ---

// Error prints a debug error (level 1+).
func Error(err error) {
	if level >= LevelInfo && logger != nil {
		logger.Printf("[ERROR] %v", err)
	}
}
