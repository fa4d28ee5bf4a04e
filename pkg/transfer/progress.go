package transfer

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
)

// ProgressSink receives committed-row counts. Reports are a side effect only:
// a sink never influences the transfer. totalRows may be an estimate.
type ProgressSink interface {
	Report(table string, rowsTransferred, totalRows int64)
}

// ProgressSinkFunc adapts a function to ProgressSink.
type ProgressSinkFunc func(table string, rowsTransferred, totalRows int64)

func (f ProgressSinkFunc) Report(table string, rowsTransferred, totalRows int64) {
	f(table, rowsTransferred, totalRows)
}

// NopSink discards reports.
type NopSink struct{}

func (NopSink) Report(string, int64, int64) {}

// MultiSink fans a report out to every sink in order.
type MultiSink []ProgressSink

func (m MultiSink) Report(table string, rowsTransferred, totalRows int64) {
	for _, s := range m {
		s.Report(table, rowsTransferred, totalRows)
	}
}

// LogSink logs each report at info level.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a sink that logs through logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("progress")}
}

func (s *LogSink) Report(table string, rowsTransferred, totalRows int64) {
	fields := []zap.Field{
		zap.String("table", table),
		zap.Int64("rows", rowsTransferred),
		zap.Int64("total", totalRows),
	}
	if totalRows > 0 {
		fields = append(fields, zap.Float64("percent", float64(rowsTransferred)*100/float64(totalRows)))
	}
	s.logger.Info("Transfer progress", fields...)
}

// BarSink draws one terminal progress bar per table.
type BarSink struct {
	mu   sync.Mutex
	out  io.Writer
	bars map[string]*progressbar.ProgressBar
}

// NewBarSink draws to out; nil means stderr.
func NewBarSink(out io.Writer) *BarSink {
	if out == nil {
		out = os.Stderr
	}
	return &BarSink{out: out, bars: make(map[string]*progressbar.ProgressBar)}
}

func (s *BarSink) Report(table string, rowsTransferred, totalRows int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bar, ok := s.bars[table]
	if !ok {
		bar = progressbar.NewOptions64(max(totalRows, 1),
			progressbar.OptionSetDescription(table),
			progressbar.OptionSetWriter(s.out),
			progressbar.OptionShowCount(),
			progressbar.OptionSetItsString("rows"),
			progressbar.OptionShowIts(),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionOnCompletion(func() { _, _ = io.WriteString(s.out, "\n") }),
		)
		s.bars[table] = bar
	}
	// estimates can be exceeded
	if totalRows > bar.GetMax64() || rowsTransferred > bar.GetMax64() {
		bar.ChangeMax64(max(totalRows, rowsTransferred))
	}
	_ = bar.Set64(rowsTransferred)
}

// Finish completes the bar of table, if one was drawn. The orchestrator calls
// it when a table ends, whatever its status.
func (s *BarSink) Finish(table string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bar, ok := s.bars[table]; ok {
		// a full bar already ran its completion hook
		if !bar.IsFinished() {
			_ = bar.Exit()
		}
		delete(s.bars, table)
	}
}

// finisher is implemented by sinks that hold per-table state.
type finisher interface {
	Finish(table string)
}

func finish(sink ProgressSink, table string) {
	switch s := sink.(type) {
	case finisher:
		s.Finish(table)
	case MultiSink:
		for _, inner := range s {
			finish(inner, table)
		}
	}
}
