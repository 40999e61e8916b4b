package dispatcher

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/nexuscore/agentengine/pkg/models"
)

const frontmatterDelimiter = "---"

// SubtypeFilename is the expected agent subtype definition filename within
// a subtype directory, mirroring the skill registry's SKILL.md convention.
const SubtypeFilename = "SUBTYPE.md"

// SubtypeSource holds every loaded models.AgentSubtype, keyed by Key and by
// each of its Aliases. Disk is authoritative; Reload re-scans it.
type SubtypeSource struct {
	dir string

	mu       sync.RWMutex
	byKey    map[string]models.AgentSubtype
	byAlias  map[string]string // alias -> key
}

// NewSubtypeSource constructs a SubtypeSource rooted at dir. Call Reload to
// perform the initial scan.
func NewSubtypeSource(dir string) *SubtypeSource {
	return &SubtypeSource{
		dir:     dir,
		byKey:   make(map[string]models.AgentSubtype),
		byAlias: make(map[string]string),
	}
}

// Reload rescans dir for one subdirectory per subtype, each containing a
// SUBTYPE.md, and atomically swaps the in-memory index.
func (s *SubtypeSource) Reload() error {
	info, err := os.Stat(s.dir)
	if os.IsNotExist(err) {
		s.mu.Lock()
		s.byKey = make(map[string]models.AgentSubtype)
		s.byAlias = make(map[string]string)
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat subtypes dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("not a directory: %s", s.dir)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read subtypes dir: %w", err)
	}

	byKey := make(map[string]models.AgentSubtype)
	byAlias := make(map[string]string)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(s.dir, entry.Name(), SubtypeFilename)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		subtype, err := parseSubtypeFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		byKey[subtype.Key] = *subtype
		for _, alias := range subtype.Aliases {
			byAlias[alias] = subtype.Key
		}
	}

	s.mu.Lock()
	s.byKey = byKey
	s.byAlias = byAlias
	s.mu.Unlock()
	return nil
}

// Get resolves key, trying a direct key match and then an alias.
func (s *SubtypeSource) Get(key string) (models.AgentSubtype, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sub, ok := s.byKey[key]; ok {
		return sub, true
	}
	if canonical, ok := s.byAlias[key]; ok {
		return s.byKey[canonical], true
	}
	return models.AgentSubtype{}, false
}

// List returns every loaded subtype, excluding hidden ones unless
// includeHidden is set.
func (s *SubtypeSource) List(includeHidden bool) []models.AgentSubtype {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.AgentSubtype, 0, len(s.byKey))
	for _, sub := range s.byKey {
		if sub.Hidden && !includeHidden {
			continue
		}
		out = append(out, sub)
	}
	return out
}

func parseSubtypeFile(path string) (*models.AgentSubtype, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read subtype file: %w", err)
	}

	frontmatter, body, err := splitSubtypeFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("split frontmatter: %w", err)
	}

	var sub models.AgentSubtype
	if err := yaml.Unmarshal(frontmatter, &sub); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if sub.Key == "" {
		return nil, fmt.Errorf("subtype key is required")
	}

	sub.Prompt = strings.TrimSpace(string(body))
	return &sub, nil
}

func splitSubtypeFrontmatter(data []byte) ([]byte, []byte, error) {
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
