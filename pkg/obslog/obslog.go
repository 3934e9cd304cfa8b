// Package obslog provides the node's structured logger: zap underneath,
// logr on top, exactly as the teacher's pkg/common/common_utils.go does.
package obslog

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

const (
	// EnvRuntime selects the prod/dev zap preset, mirroring the teacher's
	// LEIBRIX_RUNTIME variable.
	EnvRuntime = "PARTX_RUNTIME"
)

// IsProdRuntime reports whether PARTX_RUNTIME=prod is set.
func IsProdRuntime() bool {
	v, ok := os.LookupEnv(EnvRuntime)
	return ok && strings.EqualFold(v, "prod")
}

// BuildZapLogger builds a zap.Logger using the production or development
// preset depending on the runtime environment.
func BuildZapLogger() (*zap.Logger, error) {
	var cfg zap.Config
	if IsProdRuntime() {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

// New builds the root logr.Logger for the node, named component.
func New(component string) logr.Logger {
	zl, err := BuildZapLogger()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	return zapr.NewLogger(zl).WithName(component)
}
