package logger

import (
	"context"
	"testing"
	"time"

	"github.com/AshfordSecurity/carousel/internal/config"
	"github.com/AshfordSecurity/carousel/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LoggerConfig
		wantErr bool
	}{
		{
			name: "console format with debug level",
			cfg: config.LoggerConfig{
				Level:  "debug",
				Format: "console",
			},
		},
		{
			name: "json format with info level",
			cfg: config.LoggerConfig{
				Level:  "info",
				Format: "json",
			},
		},
		{
			name: "explicit output paths",
			cfg: config.LoggerConfig{
				Level:       "warn",
				Format:      "json",
				OutputPaths: []string{"stdout"},
			},
		},
		{
			name: "invalid level",
			cfg: config.LoggerConfig{
				Level:  "verbose",
				Format: "json",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, err := New(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, log)
			assert.NotNil(t, log.SugaredLogger)
		})
	}
}

func TestWithFields(t *testing.T) {
	log, err := New(config.LoggerConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)

	child := log.WithComponent("pool").WithCampaign("c-123").WithIdentity("id-1")
	require.NotNil(t, child)
	assert.NotSame(t, log, child)

	// Chained loggers share the underlying core.
	child.Debug("field chaining works")
}

func TestLogAttemptDoesNotPanic(t *testing.T) {
	log, err := New(config.LoggerConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)

	result := types.AttemptResult{
		ID:             "a-1",
		CampaignID:     "c-1",
		CandidateIndex: 7,
		SecretDigest:   "abc123",
		IdentityID:     "id-2",
		Outcome:        types.OutcomeBlocked,
		Attempt:        1,
		StatusCode:     429,
		Latency:        120 * time.Millisecond,
		Timestamp:      time.Now(),
	}

	log.LogAttempt(context.Background(), result)

	result.Outcome = types.OutcomeVerified
	log.LogAttempt(context.Background(), result)
}

func TestFromContextFallback(t *testing.T) {
	log := FromContext(context.Background())
	require.NotNil(t, log)

	ctx := WithLogger(context.Background(), log)
	assert.Same(t, log, FromContext(ctx))
}
