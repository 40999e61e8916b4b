package models

// SkillArgument describes one named argument a skill's prompt template accepts.
type SkillArgument struct {
	Required    bool   `yaml:"required" json:"required"`
	Default     string `yaml:"default,omitempty" json:"default,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Skill is a named prompt template with an argument schema and tool/binary
// requirements. Names are globally unique. Version is stored as given and
// never compared: syncing a skill replaces the stored skill of the same
// name whatever either version is.
type Skill struct {
	Name            string                   `yaml:"name" json:"name"`
	Description     string                   `yaml:"description" json:"description"`
	Version         string                   `yaml:"version" json:"version"`
	PromptTemplate  string                   `yaml:"-" json:"prompt_template"`
	RequiredTools   []string                 `yaml:"requires_tools" json:"required_tools,omitempty"`
	RequiredBinaries []string                `yaml:"requires_binaries" json:"required_binaries,omitempty"`
	Arguments       map[string]SkillArgument `yaml:"arguments" json:"arguments,omitempty"`
	Tags            []string                 `yaml:"tags" json:"tags,omitempty"`
	SubagentType    string                   `yaml:"subagent_type,omitempty" json:"subagent_type,omitempty"`
	Scripts         []string                 `yaml:"scripts,omitempty" json:"scripts,omitempty"`
	ABIs            []string                 `yaml:"abis,omitempty" json:"abis,omitempty"`
	PresetsFile     string                   `yaml:"presets_file,omitempty" json:"presets_file,omitempty"`

	// LegacyHooks is the deliberately-ignored legacy frontmatter hook block.
	// Parsed so round-tripping the raw frontmatter doesn't lose data, but
	// never consulted: hook registration is sourced solely from a subtype's
	// hooks/ directory (see internal/hookmanager).
	LegacyHooks map[string]any `yaml:"hooks,omitempty" json:"-"`

	Enabled bool `yaml:"-" json:"enabled"`
}

// ToolGroup is a coarse capability label used solely for visibility filtering.
type ToolGroup string

const (
	GroupSystem    ToolGroup = "System"
	GroupFilesystem ToolGroup = "Filesystem"
	GroupMessaging ToolGroup = "Messaging"
	GroupFinance   ToolGroup = "Finance"
	GroupMemory    ToolGroup = "Memory"
	GroupSubAgent  ToolGroup = "SubAgent"
)

// SafetyLevel gates whether a tool call may proceed autonomously.
type SafetyLevel string

const (
	SafetyReadOnly  SafetyLevel = "ReadOnly"
	SafetyStandard  SafetyLevel = "Standard"
	SafetyDangerous SafetyLevel = "Dangerous"
)

// ToolDefinition is the static, LLM-visible description of a tool.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema map[string]any  `json:"input_schema"`
	Group       ToolGroup       `json:"group"`
	SafetyLevel SafetyLevel     `json:"safety_level"`
	Hidden      bool            `json:"hidden,omitempty"`
}

// AgentSubtype selects which tools and skills are visible to the LLM on a turn.
type AgentSubtype struct {
	Key              string   `yaml:"key" json:"key"`
	Label            string   `yaml:"label" json:"label"`
	Prompt           string   `yaml:"-" json:"prompt"`
	ToolGroups       []string `yaml:"tool_groups" json:"tool_groups,omitempty"`
	SkillTags        []string `yaml:"skill_tags" json:"skill_tags,omitempty"`
	AdditionalTools  []string `yaml:"additional_tools" json:"additional_tools,omitempty"`
	MaxIterations    int      `yaml:"max_iterations" json:"max_iterations,omitempty"`
	SkipTaskPlanner  bool     `yaml:"skip_task_planner" json:"skip_task_planner,omitempty"`
	Aliases          []string `yaml:"aliases" json:"aliases,omitempty"`
	Hidden           bool     `yaml:"hidden" json:"hidden,omitempty"`
	PreferredModel   string   `yaml:"preferred_model,omitempty" json:"preferred_model,omitempty"`
	Hooks            []string `yaml:"hooks" json:"hooks,omitempty"`
}
