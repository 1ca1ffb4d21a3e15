package indicator

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeSysfs(t *testing.T, pins ...int) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "export"), nil, 0o644))
	for _, p := range pins {
		require.NoError(t, os.MkdirAll(filepath.Join(root, "gpio"+strconv.Itoa(p)), 0o755))
	}
	return root
}

func readValue(t *testing.T, root string, pin int) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, "gpio"+strconv.Itoa(pin), "value"))
	require.NoError(t, err)
	return string(data)
}

func TestSysfsGPIOSetChannel(t *testing.T) {
	root := fakeSysfs(t, 17, 27)
	g, err := NewSysfsGPIO(root, map[string]int{Status: 17, Alert: 27}, nil)
	require.NoError(t, err)

	require.NoError(t, g.SetChannel(Status, true))
	assert.Equal(t, "1", readValue(t, root, 17))
	require.NoError(t, g.SetChannel(Status, false))
	assert.Equal(t, "0", readValue(t, root, 17))

	dir, err := os.ReadFile(filepath.Join(root, "gpio17", "direction"))
	require.NoError(t, err)
	assert.Equal(t, "out", string(dir))

	assert.ErrorIs(t, g.SetChannel("buzzer", true), ErrUnknownChannel)
}

func TestSysfsGPIOBlinkEndsOff(t *testing.T) {
	root := fakeSysfs(t, 27)
	g, err := NewSysfsGPIO(root, map[string]int{Alert: 27}, nil)
	require.NoError(t, err)

	require.NoError(t, g.Blink(Alert, 2, time.Millisecond))
	assert.Equal(t, "0", readValue(t, root, 27))
}

func TestOpenDegradesToNoop(t *testing.T) {
	ind := Open(true, filepath.Join(t.TempDir(), "missing"), map[string]int{Status: 17}, nil)
	assert.IsType(t, Noop{}, ind)
	assert.NoError(t, ind.SetChannel(Status, true))
	assert.NoError(t, ind.Blink(Alert, 3, time.Second))

	assert.IsType(t, Noop{}, Open(false, "", nil, nil))
}
