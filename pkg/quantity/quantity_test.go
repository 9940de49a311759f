package quantity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/errors"
)

func TestParseCPU(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    int64
		wantErr bool
	}{
		{"whole cores", "2", 2000, false},
		{"single core", "1", 1000, false},
		{"zero", "0", 0, false},
		{"millicores", "1500m", 1500, false},
		{"small millicores", "250m", 250, false},
		{"zero millicores", "0m", 0, false},
		{"whitespace tolerated", " 4 ", 4000, false},
		{"empty", "", 0, true},
		{"fractional cores rejected", "1.5", 0, true},
		{"negative rejected", "-1", 0, true},
		{"bad suffix", "2cpu", 0, true},
		{"bare suffix", "m", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCPU(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, errors.KindValidation, errors.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseMemory(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    int64
		wantErr bool
	}{
		{"bare bytes", "123", 123, false},
		{"kibibytes", "4Ki", 4 * 1024, false},
		{"mebibytes", "512Mi", 512 * 1024 * 1024, false},
		{"gibibytes", "4Gi", 4 * 1024 * 1024 * 1024, false},
		{"zero", "0", 0, false},
		{"empty", "", 0, true},
		{"decimal rejected", "1.5Gi", 0, true},
		{"si suffix rejected", "4G", 0, true},
		{"tebibyte rejected", "1Ti", 0, true},
		{"negative rejected", "-1Mi", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMemory(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCPURoundTrip(t *testing.T) {
	for _, millis := range []int64{0, 1, 250, 999, 1000, 1500, 2000, 64000, 123456} {
		got, err := ParseCPU(FormatCPU(millis))
		require.NoError(t, err)
		assert.Equal(t, millis, got, "round trip for %d millicores", millis)
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	for _, bytes := range []int64{0, 1, 123, 1024, 4096, 1024 * 1024, 512 * 1024 * 1024, 4 * 1024 * 1024 * 1024, 5000000001} {
		got, err := ParseMemory(FormatMemory(bytes))
		require.NoError(t, err)
		assert.Equal(t, bytes, got, "round trip for %d bytes", bytes)
	}
}

func TestFormatPicksLargestExactSuffix(t *testing.T) {
	assert.Equal(t, "4Gi", FormatMemory(4*1024*1024*1024))
	assert.Equal(t, "512Mi", FormatMemory(512*1024*1024))
	assert.Equal(t, "1025", FormatMemory(1025))
	assert.Equal(t, "2", FormatCPU(2000))
	assert.Equal(t, "1500m", FormatCPU(1500))
}

func TestParseRequirements(t *testing.T) {
	reqs, err := ParseRequirements(map[string]string{
		"cpu":     "2",
		"memory":  "2Gi",
		"storage": "10Gi",
		"gpus":    "1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2000), reqs.CPUMillis)
	assert.Equal(t, int64(2*1024*1024*1024), reqs.MemoryBytes)
	assert.Equal(t, int64(10*1024*1024*1024), reqs.StorageBytes)
	assert.Equal(t, int64(1), reqs.Custom["gpus"])

	_, err = ParseRequirements(map[string]string{"cpu": "two"})
	require.Error(t, err)

	empty, err := ParseRequirements(nil)
	require.NoError(t, err)
	assert.Zero(t, empty.CPUMillis)
}
