package server

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const procStatusPath = "/proc/self/status"

// residentBytes reads VmRSS from /proc/self/status. Linux only; other
// platforms report an error and the health response omits the value.
func residentBytes() (int64, error) {
	return statusKilobytes(procStatusPath, "VmRSS:")
}

func statusKilobytes(path, key string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != key {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
		return kb * 1024, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("%s not found in %s", key, path)
}
