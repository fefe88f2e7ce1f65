package util

import (
	"github.com/sirupsen/logrus"
)

// Debug is the active debug level; DPrintf calls at or below it are emitted.
const Debug uint64 = 1

var logger = logrus.New()

func init() {
	logger.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
	})
	logger.SetLevel(logrus.DebugLevel)
}

func DPrintf(level uint64, format string, a ...interface{}) {
	if level <= Debug {
		logger.Debugf(format, a...)
	}
}

// Error reports an invariant or corruption problem; the caller decides
// whether to abort the operation.
func Error(format string, a ...interface{}) {
	logger.Errorf(format, a...)
}

func Warn(format string, a ...interface{}) {
	logger.Warnf(format, a...)
}

func RoundUp(n uint64, sz uint64) uint64 {
	return (n + sz - 1) / sz
}

func Min(n uint64, m uint64) uint64 {
	if n < m {
		return n
	} else {
		return m
	}
}

func CloneByteSlice(s []byte) []byte {
	s2 := make([]byte, len(s))
	copy(s2, s)
	return s2
}
