package logging

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/fyrsmithlabs/promptd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"trace", TraceLevel, false},
		{"TRACE", TraceLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{" warn ", zapcore.WarnLevel, false},
		{"loud", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := LevelFromString(tt.in)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromAppConfig_TransportSelectsWriter(t *testing.T) {
	stdio, err := FromAppConfig(config.LoggingConfig{Level: "debug", Format: "console"}, config.TransportStdio)
	require.NoError(t, err)
	assert.True(t, stdio.Output.Stderr)
	assert.False(t, stdio.Output.Stdout)
	assert.Equal(t, zapcore.DebugLevel, stdio.Level)
	assert.Equal(t, "console", stdio.Format)

	httpCfg, err := FromAppConfig(config.LoggingConfig{Level: "info"}, config.TransportHTTP)
	require.NoError(t, err)
	assert.True(t, httpCfg.Output.Stdout)
	assert.False(t, httpCfg.Output.Stderr)

	_, err = FromAppConfig(config.LoggingConfig{Level: "shouty"}, config.TransportStdio)
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Format = "xml"
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.Output = OutputConfig{}
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.Redaction.Patterns = []string{"("}
	assert.Error(t, cfg.Validate())
}

func TestNewLogger_OTELWithoutProviderFails(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output = OutputConfig{OTEL: true}
	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
}

func TestContextFields(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithChain(ctx, "chain-review-0a1b2c3d", 2)

	m := map[string]zap.Field{}
	for _, f := range ContextFields(ctx) {
		m[f.Key] = f
	}
	assert.Equal(t, "req-1", m["request.id"].String)
	assert.Equal(t, "chain-review-0a1b2c3d", m["chain.id"].String)
	assert.Equal(t, int64(2), m["chain.run"].Integer)

	assert.Empty(t, ContextFields(context.Background()))
	assert.Equal(t, context.Background(), WithChain(context.Background(), "", 1))
}

func TestFromContext(t *testing.T) {
	nop := FromContext(context.Background())
	require.NotNil(t, nop)
	nop.Info(context.Background(), "discarded")

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Info(ctx, "stored logger used")
	tl.AssertLogged(t, zapcore.InfoLevel, "stored logger used")
}

func TestLogger_ContextFieldsAttached(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithChain(WithRequestID(context.Background(), "req-9"), "chain-x", 1)

	tl.Named("pipeline").Warn(ctx, "stage failed", zap.String("stage", "parse"))
	tl.Trace(ctx, "stage timing")

	tl.AssertLogged(t, zapcore.WarnLevel, "stage failed")
	tl.AssertLogged(t, TraceLevel, "stage timing")
	tl.AssertField(t, "stage failed", "request.id", "req-9")
	tl.AssertField(t, "stage failed", "chain.run", int64(1))
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "stage failed")

	tl.Reset()
	assert.Empty(t, tl.All())
}

func TestRedactingEncoder(t *testing.T) {
	base := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	enc, err := NewRedactingEncoder(base, NewDefaultConfig().Redaction)
	require.NoError(t, err)

	var buf bytes.Buffer
	core := zapcore.NewCore(enc, zapcore.AddSync(&buf), zapcore.DebugLevel)
	zl := zap.New(core)
	zl.Info("resume",
		zap.String("user_response", "my private draft"),
		zap.String("header", "Bearer abc.def"),
		zap.String("chain_id", "chain-review-1"),
		RedactedString("gate_reason", "because"),
	)

	out := buf.String()
	assert.NotContains(t, out, "my private draft")
	assert.NotContains(t, out, "abc.def")
	assert.Contains(t, out, `"user_response":"[REDACTED]"`)
	assert.Contains(t, out, `"header":"[REDACTED:pattern]"`)
	assert.Contains(t, out, `"chain_id":"chain-review-1"`)
	assert.Contains(t, out, `"gate_reason":"[REDACTED:7]"`)
}

func TestRedactingEncoder_ContextAndCallFields(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		t.Run(format, func(t *testing.T) {
			enc, err := NewRedactingEncoder(newEncoder(format), NewDefaultConfig().Redaction)
			require.NoError(t, err)

			var buf bytes.Buffer
			zl := zap.New(zapcore.NewCore(enc, zapcore.AddSync(&buf), zapcore.DebugLevel)).
				With(zap.String("authorization", "Bearer ctx-secret"))
			zl.Warn("gate verdict rejected",
				zap.String("gate_verdict", "FAIL: leaked draft"),
				zap.ByteString("stdout", []byte("shell output")),
				zap.Error(fmt.Errorf("upstream said Bearer err-secret")),
				zap.String("step_id", "draft"),
			)

			out := buf.String()
			for _, leaked := range []string{"ctx-secret", "leaked draft", "shell output", "err-secret"} {
				assert.NotContains(t, out, leaked)
			}
			assert.Contains(t, out, "draft")
			assert.Contains(t, out, "[REDACTED]")
			assert.Contains(t, out, "[REDACTED:pattern]")
		})
	}
}

func TestRedactingEncoder_InvalidPattern(t *testing.T) {
	base := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	_, err := NewRedactingEncoder(base, RedactionConfig{Enabled: true, Patterns: []string{"[unclosed"}})
	require.Error(t, err)
}

func TestSampledCore_ErrorsNeverDropped(t *testing.T) {
	var buf bytes.Buffer
	inner := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(&buf), zapcore.DebugLevel)
	cfg := NewDefaultConfig().Sampling
	cfg.Initial = 1
	cfg.Thereafter = 0
	zl := zap.New(newSampledCore(inner, cfg))

	for i := 0; i < 5; i++ {
		zl.Info("repeated info")
		zl.Error("repeated error")
	}

	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("repeated info")))
	assert.Equal(t, 5, bytes.Count(buf.Bytes(), []byte("repeated error")))
}
