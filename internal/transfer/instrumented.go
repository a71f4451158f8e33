package transfer

import (
	"context"
	"io"

	"github.com/italolelis/phototransfer/internal/media"
	"github.com/italolelis/phototransfer/internal/telemetry"
)

// InstrumentedMaterializer wraps a media.Materializer with telemetry.
type InstrumentedMaterializer struct {
	materializer media.Materializer
	telemetry    *telemetry.Telemetry
}

// NewInstrumentedMaterializer creates a new instrumented materializer.
func NewInstrumentedMaterializer(m media.Materializer, tel *telemetry.Telemetry) *InstrumentedMaterializer {
	return &InstrumentedMaterializer{
		materializer: m,
		telemetry:    tel,
	}
}

// Read opens a content reference with telemetry.
func (m *InstrumentedMaterializer) Read(ctx context.Context, ref string) (io.ReadCloser, error) {
	var result io.ReadCloser

	err := m.telemetry.InstrumentTransfer(ctx, directionSend, "read", func(ctx context.Context) error {
		var err error

		result, err = m.materializer.Read(ctx, ref)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// WriteTemp writes a temporary local copy with telemetry.
func (m *InstrumentedMaterializer) WriteTemp(ctx context.Context, r io.Reader) (string, error) {
	var result string

	err := m.telemetry.InstrumentTransfer(ctx, directionSend, "write_temp", func(ctx context.Context) error {
		var err error

		result, err = m.materializer.WriteTemp(ctx, r)

		return err
	})
	if err != nil {
		return "", err
	}

	return result, nil
}

// InstrumentedTarget wraps a media.Target with telemetry.
type InstrumentedTarget struct {
	target    media.Target
	telemetry *telemetry.Telemetry
	step      string
}

// NewInstrumentedTarget creates a new instrumented target; name labels its spans and errors.
func NewInstrumentedTarget(target media.Target, tel *telemetry.Telemetry, name string) *InstrumentedTarget {
	return &InstrumentedTarget{
		target:    target,
		telemetry: tel,
		step:      "save_" + name,
	}
}

// Save stores a received file with telemetry.
func (t *InstrumentedTarget) Save(ctx context.Context, localRef, fileName string) (string, error) {
	var result string

	err := t.telemetry.InstrumentTransfer(ctx, directionReceive, t.step, func(ctx context.Context) error {
		var err error

		result, err = t.target.Save(ctx, localRef, fileName)

		return err
	})
	if err != nil {
		return "", err
	}

	return result, nil
}

var (
	_ media.Materializer = (*InstrumentedMaterializer)(nil)
	_ media.Target       = (*InstrumentedTarget)(nil)
)
