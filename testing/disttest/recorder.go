// Package disttest records the outcome of wrapped tests so a grading or CI
// step can read them back as JSON.
package disttest

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sync"
	"testing"
	"time"
)

// ResultsEnv names the file TestMain writes results to when set.
const ResultsEnv = "DISTTEST_RESULTS"

var (
	results []TestResult
	mu      sync.Mutex
)

// Wrap runs fn and records its outcome under t's name. A panic inside fn is
// recorded and fails t instead of aborting the test binary.
func Wrap(t *testing.T, fn func(t *testing.T)) {
	name := t.Name()
	start := time.Now()

	defer func() {
		res := TestResult{
			Type:       TypeSuccess,
			Name:       name,
			DurationMs: time.Since(start).Milliseconds(),
		}
		if r := recover(); r != nil {
			res.Type = TypePanic
			res.Panic = formatPanic(r)
		} else if t.Failed() {
			res.Type = TypeFailure
			res.Message = "test failed"
		}

		mu.Lock()
		results = append(results, res)
		mu.Unlock()

		if res.Type == TypePanic {
			t.Errorf("panic: %s", res.Panic)
		}
	}()

	fn(t)
}

// Results returns a copy of everything recorded so far.
func Results() []TestResult {
	mu.Lock()
	defer mu.Unlock()
	return slices.Clone(results)
}

func Reset() {
	mu.Lock()
	defer mu.Unlock()
	results = nil
}

func Write(file string) error {
	data, err := json.MarshalIndent(Results(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(file, data, 0o644)
}

// WriteFromEnv writes the results to $DISTTEST_RESULTS, if set.
func WriteFromEnv() error {
	path := os.Getenv(ResultsEnv)
	if path == "" {
		return nil
	}
	return Write(path)
}

func formatPanic(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case error:
		return x.Error()
	default:
		return fmt.Sprint(x)
	}
}
