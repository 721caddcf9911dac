package flags

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// RetentionFlags configures the periodic history retention job.
type RetentionFlags struct {
	Keep     int
	Interval time.Duration
}

func NewRetentionFlags() *RetentionFlags {
	return &RetentionFlags{
		Interval: time.Hour,
	}
}

func (f *RetentionFlags) BindFlags(fs *pflag.FlagSet) {
	fs.IntVar(&f.Keep, "retention-keep", f.Keep, "Turns kept per session by the retention job; 0 disables it")
	fs.DurationVar(&f.Interval, "retention-interval", f.Interval, "How often the retention job runs")
}

func (f *RetentionFlags) Enabled() bool {
	return f.Keep > 0
}

func (f *RetentionFlags) Validate() error {
	if f.Keep < 0 {
		return errors.New("--retention-keep cannot be negative")
	}
	if f.Enabled() && f.Interval <= 0 {
		return errors.New("--retention-interval must be positive")
	}
	return nil
}
