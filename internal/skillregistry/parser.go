// Package skillregistry implements the Skill Registry (C4): disk is the
// source of truth for skill definitions (YAML-frontmatter SKILL.md files),
// synced into the Durable Store for indexed lookup, with fsnotify-driven
// hot reload and {{arg}} prompt-template substitution.
package skillregistry

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nexuscore/agentengine/pkg/models"
)

// SkillFilename is the expected skill definition filename within a skill directory.
const SkillFilename = "SKILL.md"

const frontmatterDelimiter = "---"

// ParseSkillFile reads and parses path/SKILL.md into a models.Skill.
func ParseSkillFile(path string) (*models.Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skill file: %w", err)
	}
	return ParseSkill(data)
}

// ParseSkill parses raw SKILL.md content: YAML frontmatter plus a markdown
// body that becomes the prompt template.
func ParseSkill(data []byte) (*models.Skill, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("split frontmatter: %w", err)
	}

	var skill models.Skill
	if err := yaml.Unmarshal(frontmatter, &skill); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if skill.Name == "" {
		return nil, fmt.Errorf("skill name is required")
	}
	if skill.Description == "" {
		return nil, fmt.Errorf("skill description is required")
	}

	skill.PromptTemplate = strings.TrimSpace(string(body))
	return &skill, nil
}

func splitFrontmatter(data []byte) ([]byte, []byte, error) {
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

// RenderPrompt substitutes {{arg}} placeholders in the skill's prompt
// template with values from args, falling back to each argument's declared
// default. Missing required arguments are reported as an error.
func RenderPrompt(skill models.Skill, args map[string]string) (string, error) {
	var missing []string
	for name, spec := range skill.Arguments {
		if _, ok := args[name]; !ok {
			if spec.Default != "" {
				if args == nil {
					args = make(map[string]string)
				}
				args[name] = spec.Default
			} else if spec.Required {
				missing = append(missing, name)
			}
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("missing required skill arguments: %s", strings.Join(missing, ", "))
	}

	out := skill.PromptTemplate
	for name, value := range args {
		out = strings.ReplaceAll(out, "{{"+name+"}}", value)
	}
	return out, nil
}

// CheckRequiredBinaries reports the subset of skill.RequiredBinaries that
// are not found on PATH.
func CheckRequiredBinaries(skill models.Skill) []string {
	var missing []string
	for _, bin := range skill.RequiredBinaries {
		if _, err := exec.LookPath(bin); err != nil {
			missing = append(missing, bin)
		}
	}
	return missing
}

// discoverDir scans dir for skill subdirectories each containing a SKILL.md.
// parseErrs receives one entry per file that failed to parse so callers can
// log the skip without discovery as a whole failing.
func discoverDir(dir string, parseErrs *[]error) ([]models.Skill, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat skills dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	var out []models.Skill
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		skillFile := filepath.Join(dir, entry.Name(), SkillFilename)
		if _, err := os.Stat(skillFile); os.IsNotExist(err) {
			continue
		}
		skill, err := ParseSkillFile(skillFile)
		if err != nil {
			if parseErrs != nil {
				*parseErrs = append(*parseErrs, fmt.Errorf("%s: %w", skillFile, err))
			}
			continue
		}
		out = append(out, *skill)
	}
	return out, nil
}
