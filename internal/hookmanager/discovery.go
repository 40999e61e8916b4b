package hookmanager

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const frontmatterDelimiter = "---"

// hookFrontmatter is the optional YAML header on a hook markdown file.
// safe_mode forces the tool set down to read-only tools for the duration
// of the hook's run.
type hookFrontmatter struct {
	SafeMode bool `yaml:"safe_mode"`
}

// loadSubtypeHooks scans <subtypesDir>/<subtype>/hooks/*.md, one hook per
// file, filename stem (minus .md) is the event name it fires on.
func loadSubtypeHooks(subtypesDir, subtype string) ([]Hook, error) {
	dir := filepath.Join(subtypesDir, subtype, HooksDirName)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read hooks dir: %w", err)
	}

	var hooks []Hook
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".md" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		hook, err := parseHookFile(path, subtype)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		hooks = append(hooks, *hook)
	}
	return hooks, nil
}

func parseHookFile(path, subtype string) (*Hook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hook file: %w", err)
	}

	event := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if event == "" {
		return nil, fmt.Errorf("hook filename must not be empty")
	}

	frontmatter, body, err := splitHookFrontmatter(data)
	if err != nil {
		// A hook with no frontmatter at all is valid — the whole file is
		// the prompt body.
		return &Hook{
			Subtype:    subtype,
			Event:      event,
			Prompt:     strings.TrimSpace(string(data)),
			SourcePath: path,
		}, nil
	}

	var fm hookFrontmatter
	if len(frontmatter) > 0 {
		if err := yaml.Unmarshal(frontmatter, &fm); err != nil {
			return nil, fmt.Errorf("parse frontmatter: %w", err)
		}
	}

	return &Hook{
		Subtype:    subtype,
		Event:      event,
		SafeMode:   fm.SafeMode,
		Prompt:     strings.TrimSpace(string(body)),
		SourcePath: path,
	}, nil
}

func splitHookFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var frontLines, bodyLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		frontLines = append(frontLines, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scanner error: %w", err)
	}

	return []byte(strings.Join(frontLines, "\n")), []byte(strings.Join(bodyLines, "\n")), nil
}
