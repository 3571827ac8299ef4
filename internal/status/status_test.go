package status

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConsole_PrintsLine(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)

	c.Println("Lay robot down")

	assert.Contains(t, buf.String(), "Lay robot down")
	assert.True(t, bytes.HasSuffix(buf.Bytes(), []byte("\n")))
}

func TestWarn_UsesWarnerWhenAvailable(t *testing.T) {
	var buf bytes.Buffer
	Warn(NewConsole(&buf), "gyro unstable")
	assert.Contains(t, buf.String(), "WARNING: gyro unstable")
}

func TestWarn_FallsBackToPrefix(t *testing.T) {
	rec := &Recorder{}
	Warn(rec, "gyro unstable")
	assert.Equal(t, []string{"WARNING: gyro unstable"}, rec.Lines())
}

func TestMulti_FansOut(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	m := Multi{a, b, Discard{}}

	m.Println("GO!")
	m.Warn("late tick")

	want := []string{"GO!", "WARNING: late tick"}
	assert.Equal(t, want, a.Lines())
	assert.Equal(t, want, b.Lines())
}
