package progress

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderReportsProgress(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 1000)

	var reports []int64

	r := NewReader(bytes.NewReader(data), int64(len(data)), 1<<20, func(transferred, total int64) {
		assert.Equal(t, int64(1000), total)
		reports = append(reports, transferred)
	})

	buf := make([]byte, 10)

	for {
		_, err := r.Read(buf)
		if err == io.EOF {
			break
		}

		require.NoError(t, err)
	}

	require.Len(t, reports, 20, "one report per 5% step")
	assert.Equal(t, int64(50), reports[0])
	assert.Equal(t, int64(1000), reports[len(reports)-1])
	assert.Equal(t, int64(1000), r.Transferred())
}

func TestReaderReportsByInterval(t *testing.T) {
	data := bytes.Repeat([]byte("y"), 100)

	var reports []int64

	r := NewReader(bytes.NewReader(data), 0, 30, func(transferred, _ int64) {
		reports = append(reports, transferred)
	})

	n, err := io.Copy(io.Discard, iotestOneByte{r})
	require.NoError(t, err)
	assert.Equal(t, int64(100), n)

	assert.Equal(t, []int64{30, 60, 90, 100}, reports)
}

func TestReaderWithoutCallback(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte("abc")), 3, 0, nil)

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(out))
}

// iotestOneByte reads one byte at a time.
type iotestOneByte struct{ r io.Reader }

func (o iotestOneByte) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	return o.r.Read(p[:1])
}
