package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var l *zap.Logger

// Init builds the process logger: JSON on stdout, tagged with service.
func Init(service, level string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "@timestamp"
	encCfg.MessageKey = "message"
	encCfg.LevelKey = "level"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewJSONEncoder(encCfg)

	core := zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), lvl)
	base := zap.New(core, zap.AddCaller()).With(
		zap.String("service", service),
	)

	l = base
	zap.ReplaceGlobals(l)
	return nil
}

func L() *zap.Logger {
	if l == nil {
		_ = Init("papertrade", "info")
	}
	return l
}

func WithJob(jobID, queue, source string) *zap.Logger {
	return L().With(
		zap.String("job_id", jobID),
		zap.String("queue", queue),
		zap.String("source", source),
	)
}

func WithRequest(requestID string) *zap.Logger {
	return L().With(zap.String("request_id", requestID))
}
