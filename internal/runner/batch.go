package runner

import (
	"bufio"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// BatchExt is the file extension of batch files.
const BatchExt = ".cmds"

// NewBatchName returns a unique, time-sortable batch file name.
func NewBatchName(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String() + BatchExt
}

// WriteBatch writes commands one per line into a new file in dir and returns
// its path.
func WriteBatch(dir string, commands []string) (string, error) {
	for i, c := range commands {
		if strings.ContainsAny(c, "\r\n") {
			return "", fmt.Errorf("command %d spans multiple lines", i)
		}
	}
	path := filepath.Join(dir, NewBatchName(time.Now()))
	data := strings.Join(commands, "\n") + "\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		return "", fmt.Errorf("write batch file: %w", err)
	}
	return path, nil
}

// ReadBatch returns the non-blank lines of a batch file.
func ReadBatch(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open batch file: %w", err)
	}
	defer f.Close()

	var commands []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			commands = append(commands, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	return commands, nil
}
