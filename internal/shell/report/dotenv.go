package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// DotenvReporter writes target results as a GitLab dotenv report so later
// jobs can read SWARM_OUTCOME, KUBERNETES_ENVIRONMENT_URL and the like.
// The whole file is rewritten on every update.
type DotenvReporter struct {
	path string

	mu     sync.Mutex
	values map[string]string
}

// NewDotenvReporter creates a reporter writing to path.
func NewDotenvReporter(path string) *DotenvReporter {
	return &DotenvReporter{path: path, values: make(map[string]string)}
}

func (d *DotenvReporter) Report(_ context.Context, u Update) error {
	prefix := strings.ToUpper(string(u.Result.Target)) + "_"

	d.mu.Lock()
	defer d.mu.Unlock()

	d.values["PROMOTER_RUN_ID"] = u.RunID
	d.values[prefix+"OUTCOME"] = string(u.Result.State)
	d.values[prefix+"ENVIRONMENT_URL"] = u.Result.EnvironmentURL
	d.values[prefix+"IMAGE"] = u.Result.Image
	d.values[prefix+"ATTEMPTS"] = strconv.Itoa(u.Result.Attempts)

	return d.write()
}

// Values returns a copy of the current variables.
func (d *DotenvReporter) Values() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]string, len(d.values))
	for k, v := range d.values {
		out[k] = v
	}
	return out
}

func (d *DotenvReporter) write() error {
	content, err := godotenv.Marshal(d.values)
	if err != nil {
		return fmt.Errorf("write dotenv %s: %w", d.path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(d.path), ".dotenv-*")
	if err != nil {
		return fmt.Errorf("write dotenv %s: %w", d.path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(content + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("write dotenv %s: %w", d.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write dotenv %s: %w", d.path, err)
	}
	if err := os.Rename(tmp.Name(), d.path); err != nil {
		return fmt.Errorf("write dotenv %s: %w", d.path, err)
	}
	return nil
}
