package envconf

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nested struct {
	Threshold float64 `env:"T_THRESHOLD" default:"0.7"`
	Brokers   []string `env:"T_BROKERS" default:""`
}

type sample struct {
	DSN      string        `env:"T_DSN"`
	Port     uint16        `env:"T_PORT" default:"8080"`
	Timeout  time.Duration `env:"T_TIMEOUT" default:"5s"`
	Level    slog.Level    `env:"T_LEVEL" default:"INFO"`
	Limits   []int64       `env:"T_LIMITS" default:"3,5,10"`
	Disabled bool          `env:"T_DISABLED" default:"false"`
	Nested   nested
	Ptr      *nested
	ignored  string
}

func lookupFrom(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadWith(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		env     map[string]string
		wantErr error
		check   func(t *testing.T, s sample)
	}{
		{
			name: "defaults_applied",
			env:  map[string]string{"T_DSN": "postgres://x"},
			check: func(t *testing.T, s sample) {
				assert.Equal(t, "postgres://x", s.DSN)
				assert.Equal(t, uint16(8080), s.Port)
				assert.Equal(t, 5*time.Second, s.Timeout)
				assert.Equal(t, slog.LevelInfo, s.Level)
				assert.Equal(t, []int64{3, 5, 10}, s.Limits)
				assert.InDelta(t, 0.7, s.Nested.Threshold, 1e-9)
				assert.Empty(t, s.Nested.Brokers)
				require.NotNil(t, s.Ptr)
			},
		},
		{
			name: "overrides",
			env: map[string]string{
				"T_DSN":     "d",
				"T_PORT":    "9090",
				"T_LEVEL":   "DEBUG",
				"T_BROKERS": "a:9092, b:9092",
			},
			check: func(t *testing.T, s sample) {
				assert.Equal(t, uint16(9090), s.Port)
				assert.Equal(t, slog.LevelDebug, s.Level)
				assert.Equal(t, []string{"a:9092", "b:9092"}, s.Nested.Brokers)
			},
		},
		{
			name:    "missing_required",
			env:     map[string]string{},
			wantErr: ErrMissingRequired,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var s sample

			err := LoadWith(&s, lookupFrom(tt.env))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("want %v, got %v", tt.wantErr, err)
				}

				return
			}

			require.NoError(t, err)
			tt.check(t, s)
		})
	}
}

func TestLoadWith_BadValue(t *testing.T) {
	t.Parallel()

	var s sample

	err := LoadWith(&s, lookupFrom(map[string]string{"T_DSN": "d", "T_PORT": "not-a-port"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "T_PORT")
}

func TestLoadWith_RejectsNonPointer(t *testing.T) {
	t.Parallel()

	err := LoadWith(sample{}, lookupFrom(nil))
	require.Error(t, err)
}
