package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitDebugLog returns a logger writing JSON lines to <dataDir>/debug.log
// when ARBOR_DEBUG is set, and a no-op logger otherwise.
func InitDebugLog(dataDir string) (*zap.Logger, error) {
	if !CheckDebug() {
		return zap.NewNop(), nil
	}

	logPath := filepath.Join(dataDir, "debug.log")
	// 0600: prompts and tool output end up in here.
	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return zap.NewNop(), fmt.Errorf("could not open debug log at %s: %w", logPath, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), zapcore.DebugLevel)

	logger := zap.New(core, zap.AddCaller())
	logger.Info("debug logging started", zap.String("path", logPath))
	return logger, nil
}
