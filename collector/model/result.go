package model

import (
	"fmt"

	"github.com/robertof/go-scale-monitor/device"
)

// Result is the outcome of a single collection. Source and Family are only set on success.
type Result struct {
	Reading device.Reading
	Source  device.Discovered
	Family  string
	Error   error
}

func (c Result) Ok() bool {
	return c.Error == nil
}

func (c Result) String() string {
	if c.Error != nil {
		return fmt.Sprintf("result:error(%v)", c.Error)
	} else {
		return fmt.Sprintf("result:success(%v from %v)", c.Reading, c.Source.DisplayName())
	}
}
