package logger

import (
	"fmt"
	"sync"
)

// Buffer is a Logger implementation intended for tests; messages are
// captured in memory instead of being written anywhere.
type Buffer struct {
	mu       sync.Mutex
	Messages []string
	level    Level
}

func NewBuffer() *Buffer {
	return &Buffer{Messages: make([]string, 0)}
}

func (b *Buffer) append(level Level, msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Messages = append(b.Messages, fmt.Sprintf("[%s] %s", level, msg))
}

func (b *Buffer) Debug(format string, v ...any) { b.append(DEBUG, fmt.Sprintf(format, v...)) }
func (b *Buffer) Info(format string, v ...any)  { b.append(INFO, fmt.Sprintf(format, v...)) }
func (b *Buffer) Warn(format string, v ...any)  { b.append(WARN, fmt.Sprintf(format, v...)) }
func (b *Buffer) Error(format string, v ...any) { b.append(ERROR, fmt.Sprintf(format, v...)) }
func (b *Buffer) Fatal(format string, v ...any) { b.append(FATAL, fmt.Sprintf(format, v...)) }

func (b *Buffer) WithFields(fields ...Field) Logger { return b }
func (b *Buffer) SetLevel(level Level)              { b.level = level }
func (b *Buffer) Level() Level                      { return b.level }
