package transfer

import (
	"fmt"

	"github.com/italolelis/phototransfer/internal/transport"
)

// Progress is the state of the transfer currently shown to the user. It is one of Idle,
// Sending, Receiving, Retrying, Success or Failed.
type Progress interface {
	isProgress()
	String() string
}

type Idle struct{}

type Sending struct {
	PayloadID  transport.PayloadID
	FileName   string
	Percent    int
	RetryCount int
}

type Receiving struct {
	PayloadID transport.PayloadID
	FileName  string
	Percent   int
}

type Retrying struct {
	FileName   string
	RetryCount int
}

type Success struct {
	FileName string
}

type Failed struct {
	Reason string
}

func (Idle) isProgress()      {}
func (Sending) isProgress()   {}
func (Receiving) isProgress() {}
func (Retrying) isProgress()  {}
func (Success) isProgress()   {}
func (Failed) isProgress()    {}

func (Idle) String() string { return "idle" }

func (p Sending) String() string {
	return fmt.Sprintf("sending %s %d%%", p.FileName, p.Percent)
}

func (p Receiving) String() string {
	return fmt.Sprintf("receiving %s %d%%", p.FileName, p.Percent)
}

func (p Retrying) String() string {
	return fmt.Sprintf("retrying %s (%d)", p.FileName, p.RetryCount)
}

func (p Success) String() string { return "completed " + p.FileName }

func (p Failed) String() string { return "failed: " + p.Reason }

// percent is floor(transferred*100/total), 0 when the total is unknown.
func percent(transferred, total int64) int {
	if total <= 0 || transferred <= 0 {
		return 0
	}

	p := transferred * 100 / total
	if p > 100 {
		return 100
	}

	return int(p)
}
