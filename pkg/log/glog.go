// Copyright 2024 The Kitten Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog.
type GoogleEmitter struct {
	// Emitter is the underlying emitter.
	Emitter
}

// threadID is the thread id column of the header. glog pads it to 7
// characters; we have no thread ids and use the pid.
var threadID = fmt.Sprintf("%7d", os.Getpid())

// levelLetters are the first characters of a glog header, by Level.
var levelLetters = [...]byte{
	Warning: 'W',
	Info:    'I',
	Debug:   'D',
}

// appendHeader appends the glog header of a message logged depth frames
// above its caller.
//
// Headers have this form:
//
//	Lmmdd hh:mm:ss.uuuuuu threadid file:line]
func appendHeader(b []byte, depth int, level Level, timestamp time.Time) []byte {
	letter := byte('?')
	if int(level) < len(levelLetters) {
		letter = levelLetters[level]
	}
	b = append(b, letter)
	b = timestamp.AppendFormat(b, "0102 15:04:05.000000")
	b = append(b, ' ')
	b = append(b, threadID...)
	b = append(b, ' ')
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		b = append(b, file[strings.LastIndexByte(file, '/')+1:]...)
		b = append(b, ':')
		b = strconv.AppendInt(b, int64(line), 10)
	} else {
		b = append(b, "???:0"...)
	}
	return append(b, ']')
}

// Emit emits the message, google-style.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	var local [128]byte
	b := appendHeader(local[:0], depth+1, level, timestamp)
	b = append(b, ' ')
	// The header has no verbs; the format follows it unchanged.
	b = append(b, format...)
	b = append(b, '\n')
	g.Emitter.Emit(depth+1, level, timestamp, string(b), args...)
}
