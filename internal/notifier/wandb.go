package notifier

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
)

// wandbURLPattern matches a wandb run URL as it appears in a
// training script's combined stdout/stderr log.
var wandbURLPattern = regexp.MustCompile(`https://wandb\.ai/[^\s"']+/runs/[^\s"']+`)

// FindWandbURL scans known metadata locations under a job's working
// directory for a wandb run URL: first the wandb client's own
// run-metadata file, then output.log as a fallback for scripts that
// merely print the URL (spec §4.5 task 3 "probe known metadata
// locations under dir").
func FindWandbURL(jobDir string) (string, bool) {
	candidates := []string{
		filepath.Join(jobDir, "repo", "wandb", "latest-run", "files", "wandb-metadata.json"),
		filepath.Join(jobDir, "output.log"),
	}
	for _, path := range candidates {
		if url, ok := scanFileForURL(path); ok {
			return url, true
		}
	}
	return "", false
}

func scanFileForURL(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if m := wandbURLPattern.FindString(scanner.Text()); m != "" {
			return m, true
		}
	}
	return "", false
}
