package progress

import "io"

// DefaultInterval is the number of bytes between two progress reports.
const DefaultInterval = 64 * 1024

// Reader wraps an io.Reader and reports cumulative progress via a callback.
type Reader struct {
	Reader     io.Reader
	Total      int64
	OnProgress func(transferred int64, total int64)

	read           int64
	sinceReport    int64
	reportInterval int64
}

// NewReader reports every interval bytes, on every whole 5% step of total, and once at EOF.
func NewReader(r io.Reader, total int64, interval int64, cb func(transferred int64, total int64)) *Reader {
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Reader{
		Reader:         r,
		Total:          total,
		OnProgress:     cb,
		reportInterval: interval,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		before := pr.read
		pr.read += int64(n)
		pr.sinceReport += int64(n)

		if pr.sinceReport >= pr.reportInterval || pr.crossedStep(before) {
			pr.report()
		}
	}

	if err == io.EOF && pr.sinceReport > 0 {
		pr.report()
	}

	return n, err
}

// Transferred returns the bytes read so far.
func (pr *Reader) Transferred() int64 {
	return pr.read
}

func (pr *Reader) crossedStep(before int64) bool {
	if pr.Total <= 0 {
		return false
	}

	return pr.read*20/pr.Total > before*20/pr.Total
}

func (pr *Reader) report() {
	pr.sinceReport = 0

	if pr.OnProgress != nil {
		pr.OnProgress(pr.read, pr.Total)
	}
}
