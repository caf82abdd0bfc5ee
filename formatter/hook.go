package formatter

import (
	"fmt"
	"path"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// ContextHook adds the source location of the log call to the entry
type ContextHook struct {
	// root is the module directory, or the module path for builds with -trimpath
	root string
}

// NewContextHook instantiate a new context hook
func NewContextHook() *ContextHook {
	hook := &ContextHook{}
	if _, file, _, ok := runtime.Caller(0); ok {
		// this file is formatter/hook.go
		hook.root = path.Dir(path.Dir(file)) + "/"
	}
	return hook
}

// Levels set the supported levels for this hook
func (hook ContextHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire extend with the source information the entry.Data
func (hook ContextHook) Fire(entry *logrus.Entry) error {
	if entry.Caller == nil {
		return nil
	}
	entry.Data["source"] = fmt.Sprintf("%s:%v", hook.parseSrc(entry.Caller.File), entry.Caller.Line)
	return nil
}

// parseSrc returns the path relative to the module root, or pkg/file for code of other modules
func (hook ContextHook) parseSrc(filePath string) string {
	if hook.root != "" {
		if rel, ok := strings.CutPrefix(filePath, hook.root); ok {
			return rel
		}
	}

	_, pkg := path.Split(path.Dir(filePath))
	return pkg + "/" + path.Base(filePath)
}
